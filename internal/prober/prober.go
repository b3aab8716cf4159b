// Package prober asks every candidate endpoint whether it serves an item.
package prober

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/luafetch/internal/logctx"
	"github.com/italolelis/luafetch/internal/telemetry"
	"github.com/italolelis/luafetch/internal/transfer"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency = 4
	DefaultDeadline    = 15 * time.Second
)

// Prober runs availability checks with a bounded fan-out.
type Prober struct {
	checker     transfer.AvailabilityChecker
	telemetry   *telemetry.Telemetry
	concurrency int
	deadline    time.Duration
}

// Option configures a Prober.
type Option func(*Prober)

func WithConcurrency(n int) Option {
	return func(p *Prober) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithDeadline sets the aggregate deadline measured from the start of the fan-out.
func WithDeadline(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.deadline = d
		}
	}
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(p *Prober) {
		p.telemetry = t
	}
}

func New(checker transfer.AvailabilityChecker, opts ...Option) *Prober {
	p := &Prober{
		checker:     checker,
		concurrency: DefaultConcurrency,
		deadline:    DefaultDeadline,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Available returns the candidates that report the item as available, in
// candidate order. Probe errors count as unavailable. Probes still running
// at the deadline are cancelled and their results dropped.
func (p *Prober) Available(ctx context.Context, itemID int64, candidates []string) []string {
	if len(candidates) == 0 {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)

	available, err := p.fanOut(ctx, itemID, candidates)
	if err != nil {
		logger.Error("availability fan-out failed, probing default endpoint", "endpoint", candidates[0], "err", err)

		return p.fallback(ctx, itemID, candidates[0])
	}

	out := make([]string, 0, len(candidates))

	for i, ok := range available {
		if ok {
			out = append(out, candidates[i])
		}
	}

	logger.Debug("availability probed", "candidates", len(candidates), "available", out)

	return out
}

func (p *Prober) fanOut(ctx context.Context, itemID int64, candidates []string) (available []bool, err error) {
	// a panic here is the only way the mechanism itself can fail
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during fan-out: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	type result struct {
		index     int
		available bool
	}

	// buffered so that probes finishing after the deadline never block
	results := make(chan result, len(candidates))
	panics := make(chan any, len(candidates))

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)

	go func() {
		for i, endpoint := range candidates {
			if ctx.Err() != nil {
				return
			}

			g.Go(func() error {
				defer func() {
					if r := recover(); r != nil {
						panics <- r
					}
				}()

				results <- result{index: i, available: p.probe(ctx, itemID, endpoint)}

				return nil
			})
		}
	}()

	available = make([]bool, len(candidates))

	for received := 0; received < len(candidates); received++ {
		select {
		case r := <-results:
			available[r.index] = r.available
		case r := <-panics:
			panic(r)
		case <-ctx.Done():
			logctx.LoggerFromContext(ctx).Warn("availability deadline reached, using partial results",
				"completed", received, "candidates", len(candidates))

			return available, nil
		}
	}

	return available, nil
}

func (p *Prober) probe(ctx context.Context, itemID int64, endpoint string) bool {
	// the caller's logger already carries the item id
	ctx = logctx.With(ctx, "endpoint", endpoint)
	logger := logctx.LoggerFromContext(ctx)

	ok, err := p.telemetry.InstrumentProbe(ctx, func(ctx context.Context) (bool, error) {
		res, err := p.checker.CheckAvailability(ctx, itemID, endpoint)
		if err != nil {
			return false, err
		}

		if !res.Available && res.Diagnostic != "" {
			logger.Debug("endpoint does not have item", "diagnostic", res.Diagnostic)
		}

		return res.Available, nil
	})
	if err != nil {
		logger.Warn("availability probe failed, treating endpoint as unavailable", "err", err)

		return false
	}

	return ok
}

func (p *Prober) fallback(ctx context.Context, itemID int64, endpoint string) (available []string) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).Error("default endpoint probe crashed", "endpoint", endpoint, "panic", r)

			available = []string{}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	if p.probe(ctx, itemID, endpoint) {
		return []string{endpoint}
	}

	return []string{}
}
