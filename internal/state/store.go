package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const journalTimeout = 5 * time.Second

// Record is a versioned snapshot as persisted by a Journal.
type Record struct {
	ID      ItemID
	Version uint64
	State   DownloadState
}

// Journal persists snapshots so that state survives a restart. Save may be
// called concurrently and out of order; implementations must keep the record
// with the highest version.
type Journal interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context) ([]Record, error)
}

type entry struct {
	state   DownloadState
	version uint64
}

// Store is a thread-safe map of item id to DownloadState.
type Store struct {
	mu      sync.Mutex
	entries map[ItemID]*entry

	journal Journal
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore creates an in-memory store.
func NewStore() *Store {
	return &Store{
		entries: make(map[ItemID]*entry),
		now:     time.Now,
	}
}

// NewJournaledStore creates a store that mirrors every merge into j.
// Journal failures are logged with logger and never surface to writers.
func NewJournaledStore(j Journal, logger *slog.Logger) *Store {
	s := NewStore()
	s.journal = j
	s.logger = logger

	return s
}

// Update merges u into the state for id, creating it if absent.
func (s *Store) Update(id ItemID, u Update) {
	s.mu.Lock()

	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}

	u.apply(&e.state)
	e.state.UpdatedAt = s.now()
	e.version++

	rec := Record{ID: id, Version: e.version, State: e.state.clone()}

	s.mu.Unlock()

	s.persist(rec)
}

// Get returns a copy of the state for id, or the zero value if the id was never referenced.
func (s *Store) Get(id ItemID) DownloadState {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return DownloadState{}
	}

	return e.state.clone()
}

// Restore loads the journal into the store. Items that were mid-flight when
// the process stopped are marked failed; items waiting for an endpoint choice
// stay resumable. It returns the number of records loaded.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}

	records, err := s.journal.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load state journal: %w", err)
	}

	var interrupted []Record

	s.mu.Lock()

	for _, rec := range records {
		e := &entry{state: rec.State.clone(), version: rec.Version}

		if !e.state.Status.Terminal() && e.state.Status != StatusAwaitingEndpointChoice && e.state.Status != "" {
			Update{}.WithStatus(StatusFailed).WithError("interrupted by restart").apply(&e.state)
			e.state.UpdatedAt = s.now()
			e.version++

			interrupted = append(interrupted, Record{ID: rec.ID, Version: e.version, State: e.state.clone()})
		}

		s.entries[rec.ID] = e
	}

	s.mu.Unlock()

	for _, rec := range interrupted {
		s.persist(rec)
	}

	return len(records), nil
}

func (s *Store) persist(rec Record) {
	if s.journal == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	if err := s.journal.Save(ctx, rec); err != nil && s.logger != nil {
		s.logger.Warn("failed to journal download state", "item_id", rec.ID, "version", rec.Version, "err", err)
	}
}
