package storage

import (
	"context"
	"time"

	"github.com/italolelis/luafetch/internal/state"
)

// StateRepository is the durable journal behind the state store.
type StateRepository interface {
	state.Journal

	// PruneTerminal deletes records in a terminal status last updated before cutoff.
	PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}
