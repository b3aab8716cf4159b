// Package orchestrator drives every item through probe, endpoint selection,
// download and install, recording each step in the state store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/italolelis/luafetch/internal/downloader"
	"github.com/italolelis/luafetch/internal/installer"
	"github.com/italolelis/luafetch/internal/logctx"
	"github.com/italolelis/luafetch/internal/state"
	"github.com/italolelis/luafetch/internal/telemetry"
	"github.com/italolelis/luafetch/internal/transfer"
)

const (
	eventBuffer = 64

	authFailedMessage = "API key authentication failed. Please set a valid API key."
)

var (
	ErrInProgress        = errors.New("item is already being processed")
	ErrNotAwaitingChoice = errors.New("item is not awaiting an endpoint choice")
	ErrUnknownEndpoint   = errors.New("endpoint is not one of the available endpoints")
	ErrShuttingDown      = errors.New("orchestrator is shutting down")
	ErrNotAvailable      = errors.New("not available on any endpoint")
)

// DefaultFallbackEndpoints is used when the backend cannot list its endpoints.
var DefaultFallbackEndpoints = []string{"unified"}

// Prober reports which candidates have an item, in candidate order.
type Prober interface {
	Available(ctx context.Context, itemID int64, candidates []string) []string
}

// Fetcher streams a payload into scratch.
type Fetcher interface {
	Fetch(ctx context.Context, req downloader.Request) (downloader.Result, error)
	Discard(ctx context.Context, itemID int64)
}

// Installer places a downloaded payload into the target directory.
type Installer interface {
	Install(ctx context.Context, itemID int64, scratchPath string, onStage func(installer.Stage)) ([]string, error)
	Remove(ctx context.Context, itemID int64) (installer.RemoveResult, error)
}

// CredentialSource returns the bearer token, empty when none is configured.
type CredentialSource interface {
	Get() string
}

// Config holds the endpoint policy.
type Config struct {
	// FallbackEndpoints replace the backend's list when it is unavailable or empty.
	FallbackEndpoints []string
	// IdentityEndpoints need the credential owner's id to serve a payload.
	IdentityEndpoints []string
}

// Dependencies are the collaborators an Orchestrator drives.
type Dependencies struct {
	Store      *state.Store
	Backend    transfer.Backend
	Prober     Prober
	Fetcher    Fetcher
	Installer  Installer
	Credential CredentialSource
	Telemetry  *telemetry.Telemetry
}

// ItemEvent is published when an item reaches a terminal status.
type ItemEvent struct {
	ID    state.ItemID
	State state.DownloadState
}

type Orchestrator struct {
	deps Dependencies
	cfg  Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[state.ItemID]struct{}
	closed  bool

	closeEvents sync.Once

	OnItemFinished chan ItemEvent
	OnItemFailed   chan ItemEvent
}

// New creates an orchestrator whose workers run under ctx, independent of the
// contexts of the calls that start them.
func New(ctx context.Context, deps Dependencies, cfg Config) *Orchestrator {
	if len(cfg.FallbackEndpoints) == 0 {
		cfg.FallbackEndpoints = DefaultFallbackEndpoints
	}

	if deps.Telemetry == nil {
		deps.Telemetry = &telemetry.Telemetry{}
	}

	wctx, cancel := context.WithCancel(ctx)

	return &Orchestrator{
		deps:           deps,
		cfg:            cfg,
		ctx:            wctx,
		cancel:         cancel,
		running:        make(map[state.ItemID]struct{}),
		OnItemFinished: make(chan ItemEvent, eventBuffer),
		OnItemFailed:   make(chan ItemEvent, eventBuffer),
	}
}

// Add queues id and returns without waiting. candidates may be empty, in which
// case the backend's enabled endpoints are probed.
func (o *Orchestrator) Add(ctx context.Context, id state.ItemID, candidates []string) error {
	if o.deps.Credential == nil || o.deps.Credential.Get() == "" {
		return transfer.ErrMissingCredential
	}

	if err := o.claim(id); err != nil {
		return err
	}

	o.deps.Store.Update(id, state.Reset())

	logctx.LoggerFromContext(ctx).Info("item queued", "item_id", id, "candidates", candidates)

	candidates = slices.Clone(candidates)

	o.spawn(id, func(ctx context.Context) error {
		return o.probe(ctx, id, candidates)
	})

	return nil
}

// SelectEndpoint resumes an item paused in awaiting_endpoint_choice. A
// rejected selection leaves the state untouched.
func (o *Orchestrator) SelectEndpoint(ctx context.Context, id state.ItemID, endpoint string) error {
	o.mu.Lock()

	if o.closed {
		o.mu.Unlock()

		return ErrShuttingDown
	}

	st := o.deps.Store.Get(id)

	if _, busy := o.running[id]; busy || st.Status != state.StatusAwaitingEndpointChoice {
		o.mu.Unlock()

		return ErrNotAwaitingChoice
	}

	if !slices.Contains(st.AvailableEndpoints, endpoint) {
		o.mu.Unlock()

		return fmt.Errorf("%w: %q", ErrUnknownEndpoint, endpoint)
	}

	o.running[id] = struct{}{}
	o.wg.Add(1)
	o.mu.Unlock()

	logctx.LoggerFromContext(ctx).Info("endpoint selected", "item_id", id, "endpoint", endpoint)

	o.spawn(id, func(ctx context.Context) error {
		return o.transfer(ctx, id, endpoint)
	})

	return nil
}

// Get returns a snapshot of the item's state.
func (o *Orchestrator) Get(id state.ItemID) state.DownloadState {
	return o.deps.Store.Get(id)
}

// Remove deletes the installed files of id.
func (o *Orchestrator) Remove(ctx context.Context, id state.ItemID) (installer.RemoveResult, error) {
	return o.deps.Installer.Remove(ctx, int64(id))
}

// Shutdown stops accepting work and waits for running workers, then closes the
// event channels. If ctx expires first the workers are cancelled and ctx's
// error is returned; calling Shutdown again waits for them to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})

	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		o.closeEvents.Do(func() {
			close(o.OnItemFinished)
			close(o.OnItemFailed)
		})

		return nil
	case <-ctx.Done():
		o.cancel()

		return fmt.Errorf("workers still running at shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) claim(id state.ItemID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrShuttingDown
	}

	if _, busy := o.running[id]; busy {
		return ErrInProgress
	}

	// counted under the lock so Shutdown cannot observe a claimed item as idle
	o.running[id] = struct{}{}
	o.wg.Add(1)

	return nil
}

func (o *Orchestrator) release(id state.ItemID) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}
