package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"

	"github.com/italolelis/luafetch/internal/downloader"
	"github.com/italolelis/luafetch/internal/installer"
	"github.com/italolelis/luafetch/internal/logctx"
	"github.com/italolelis/luafetch/internal/state"
	"github.com/italolelis/luafetch/internal/transfer"
)

// crashError is a panic recovered at the worker boundary.
type crashError struct {
	value any
}

func (e *crashError) Error() string {
	return fmt.Sprintf("worker crashed: %v", e.value)
}

// spawn runs fn on a supervised goroutine. The caller must have claimed id,
// which counts the worker in o.wg. The item's outcome is always in the store
// before the goroutine exits.
func (o *Orchestrator) spawn(id state.ItemID, fn func(ctx context.Context) error) {
	go func() {
		defer o.wg.Done()
		defer o.release(id)

		ctx := logctx.With(o.ctx, "item_id", int64(id))

		_ = o.deps.Telemetry.InstrumentItem(ctx, func(ctx context.Context) (string, error) {
			err := o.supervise(ctx, fn)

			return o.finish(ctx, id, err), err
		})
	}()
}

func (o *Orchestrator) supervise(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).Error("worker panic", "panic", r, "stack", string(debug.Stack()))

			err = &crashError{value: r}
		}
	}()

	return fn(ctx)
}

// finish records the outcome of a worker run and returns the terminal status,
// or an empty string when the item is paused.
func (o *Orchestrator) finish(ctx context.Context, id state.ItemID, err error) string {
	logger := logctx.LoggerFromContext(ctx)

	if err == nil {
		st := o.deps.Store.Get(id)
		if st.Status != state.StatusDone {
			return ""
		}

		logger.Info("item installed", "files", len(st.InstalledFiles))
		o.publish(ctx, o.OnItemFinished, id, st)

		return string(state.StatusDone)
	}

	// scratch must not outlive a failure, whichever stage failed
	o.deps.Fetcher.Discard(ctx, int64(id))

	u := state.Update{}.WithAvailableEndpoints(nil)

	var crash *crashError

	switch {
	case transfer.IsAuthFailure(err):
		u = u.WithStatus(state.StatusAuthFailed).WithError(authFailedMessage).WithRequiresNewKey(true)
	case errors.As(err, &crash):
		u = u.WithStatus(state.StatusFailed).WithError(crash.Error())
		o.deps.Telemetry.RecordSystemError("orchestrator", "worker_panic")
	default:
		u = u.WithStatus(state.StatusFailed).WithError("Download failed: " + err.Error())
	}

	o.deps.Store.Update(id, u)

	st := o.deps.Store.Get(id)

	logger.Error("item failed", "status", st.Status, "err", err)
	o.publish(ctx, o.OnItemFailed, id, st)

	return string(st.Status)
}

func (o *Orchestrator) publish(ctx context.Context, ch chan ItemEvent, id state.ItemID, st state.DownloadState) {
	select {
	case ch <- ItemEvent{ID: id, State: st}:
	default:
		logctx.LoggerFromContext(ctx).Warn("event listener is not keeping up, dropping item event", "status", st.Status)
	}
}

// probe resolves the candidates and decides how the item continues.
func (o *Orchestrator) probe(ctx context.Context, id state.ItemID, candidates []string) error {
	logger := logctx.LoggerFromContext(ctx)

	o.deps.Store.Update(id, state.Update{}.WithStatus(state.StatusCheckingAvailability))

	if len(candidates) == 0 {
		candidates = o.enabledEndpoints(ctx)
	}

	available := o.deps.Prober.Available(ctx, int64(id), candidates)

	switch len(available) {
	case 0:
		return fmt.Errorf("item %d is %w", id, ErrNotAvailable)
	case 1:
		return o.transfer(ctx, id, available[0])
	default:
		logger.Info("multiple endpoints available, awaiting choice", "endpoints", available)

		o.deps.Store.Update(id, state.Update{}.
			WithStatus(state.StatusAwaitingEndpointChoice).
			WithAvailableEndpoints(available))

		return nil
	}
}

func (o *Orchestrator) enabledEndpoints(ctx context.Context) []string {
	logger := logctx.LoggerFromContext(ctx)

	endpoints, err := o.deps.Backend.ListEnabledEndpoints(ctx)
	if err != nil {
		logger.Warn("failed to list enabled endpoints, using fallback", "fallback", o.cfg.FallbackEndpoints, "err", err)

		return slices.Clone(o.cfg.FallbackEndpoints)
	}

	if len(endpoints) == 0 {
		logger.Warn("backend has no enabled endpoints, using fallback", "fallback", o.cfg.FallbackEndpoints)

		return slices.Clone(o.cfg.FallbackEndpoints)
	}

	return endpoints
}

// transfer downloads from endpoint and installs the payload.
func (o *Orchestrator) transfer(ctx context.Context, id state.ItemID, endpoint string) error {
	ctx = logctx.With(ctx, "endpoint", endpoint)
	store := o.deps.Store

	store.Update(id, state.Update{}.
		WithStatus(state.StatusChecking).
		WithEndpoint(endpoint).
		WithAvailableEndpoints(nil))

	token := o.deps.Credential.Get()
	if token == "" {
		return &transfer.AuthenticationError{Operation: "download", Err: transfer.ErrMissingCredential}
	}

	var subject string

	if slices.Contains(o.cfg.IdentityEndpoints, endpoint) {
		info, err := o.deps.Backend.ValidateCredential(ctx, token)
		if err != nil {
			return fmt.Errorf("failed to resolve credential owner: %w", err)
		}

		if !info.Valid {
			return &transfer.AuthenticationError{Operation: "validate credential"}
		}

		subject = info.SubjectID
	}

	store.Update(id, state.Update{}.WithStatus(state.StatusDownloading).WithProgress(0, 0))

	res, err := o.deps.Fetcher.Fetch(ctx, downloader.Request{
		ItemID:     int64(id),
		Endpoint:   endpoint,
		Credential: token,
		SubjectID:  subject,
		OnProgress: func(read, total int64) {
			store.Update(id, state.Update{}.WithProgress(read, total))
		},
	})
	if err != nil {
		return err
	}

	// an unknown length ends at 100% once the body is complete
	total := res.TotalBytes
	if total == 0 {
		total = res.BytesRead
	}

	store.Update(id, state.Update{}.
		WithStatus(state.StatusProcessing).
		WithProgress(res.BytesRead, total))

	files, err := o.deps.Installer.Install(ctx, int64(id), res.Path, func(stage installer.Stage) {
		store.Update(id, state.Update{}.WithStatus(state.Status(stage)))
	})
	if err != nil {
		return err
	}

	store.Update(id, state.Update{}.
		WithStatus(state.StatusDone).
		WithInstalledFiles(files).
		WithError(""))

	return nil
}
