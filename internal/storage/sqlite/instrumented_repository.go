package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/luafetch/internal/state"
	"github.com/italolelis/luafetch/internal/telemetry"
)

// InstrumentedStateRepository wraps StateRepository with telemetry.
type InstrumentedStateRepository struct {
	repo      *StateRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStateRepository creates a new instrumented state repository.
func NewInstrumentedStateRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedStateRepository {
	return &InstrumentedStateRepository{
		repo:      NewStateRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedStateRepository) Save(ctx context.Context, rec state.Record) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_state", func(ctx context.Context) error {
		return r.repo.Save(ctx, rec)
	})
}

func (r *InstrumentedStateRepository) Load(ctx context.Context) ([]state.Record, error) {
	var result []state.Record

	err := r.telemetry.InstrumentDBOperation(ctx, "load_states", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Load(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedStateRepository) PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	var result int64

	err := r.telemetry.InstrumentDBOperation(ctx, "prune_states", func(ctx context.Context) error {
		var err error
		result, err = r.repo.PruneTerminal(ctx, cutoff)

		return err
	})

	return result, err
}
