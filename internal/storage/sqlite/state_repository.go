package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/italolelis/luafetch/internal/state"
	"github.com/italolelis/luafetch/internal/storage"
)

// StateRepository implements storage.StateRepository on SQLite. Each row
// holds the JSON snapshot of one item.
type StateRepository struct {
	db *sql.DB
}

func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db}
}

var _ storage.StateRepository = (*StateRepository)(nil)

// Save upserts rec unless the stored row already has the same or a newer version.
func (r *StateRepository) Save(ctx context.Context, rec state.Record) error {
	payload, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO states (item_id, version, status, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			version = excluded.version,
			status = excluded.status,
			state = excluded.state,
			updated_at = excluded.updated_at
		WHERE excluded.version > states.version
	`, int64(rec.ID), rec.Version, string(rec.State.Status), string(payload), updatedAt(rec))
	if err != nil {
		return fmt.Errorf("failed to save state for item %d: %w", rec.ID, err)
	}

	return nil
}

func (r *StateRepository) Load(ctx context.Context) ([]state.Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT item_id, version, state FROM states ORDER BY item_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()

	var records []state.Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate states: %w", err)
	}

	return records, nil
}

func (r *StateRepository) PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM states WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(state.StatusDone), string(state.StatusFailed), string(state.StatusAuthFailed), cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune states: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned states: %w", err)
	}

	return affected, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (state.Record, error) {
	var (
		id      int64
		version uint64
		payload string
	)

	if err := s.Scan(&id, &version, &payload); err != nil {
		return state.Record{}, fmt.Errorf("failed to scan state: %w", err)
	}

	var st state.DownloadState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return state.Record{}, fmt.Errorf("failed to decode state for item %d: %w", id, err)
	}

	return state.Record{ID: state.ItemID(id), Version: version, State: st}, nil
}

func updatedAt(rec state.Record) time.Time {
	if rec.State.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}

	return rec.State.UpdatedAt.UTC()
}
