package prober

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/luafetch/internal/logctx"
	"github.com/italolelis/luafetch/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkerFunc adapts a function to transfer.AvailabilityChecker.
type checkerFunc func(ctx context.Context, itemID int64, endpoint string) (transfer.AvailabilityResult, error)

func (f checkerFunc) CheckAvailability(ctx context.Context, itemID int64, endpoint string) (transfer.AvailabilityResult, error) {
	return f(ctx, itemID, endpoint)
}

func TestProber_PreservesCandidateOrder(t *testing.T) {
	// "a" answers last but still comes first
	delays := map[string]time.Duration{"a": 60 * time.Millisecond, "b": 0, "c": 20 * time.Millisecond}

	p := New(checkerFunc(func(_ context.Context, _ int64, endpoint string) (transfer.AvailabilityResult, error) {
		time.Sleep(delays[endpoint])

		return transfer.AvailabilityResult{Endpoint: endpoint, Available: endpoint != "c"}, nil
	}))

	got := p.Available(context.Background(), 1, []string{"a", "b", "c"})
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestProber_ErrorsCountAsUnavailable(t *testing.T) {
	p := New(checkerFunc(func(_ context.Context, _ int64, endpoint string) (transfer.AvailabilityResult, error) {
		if endpoint == "broken" {
			return transfer.AvailabilityResult{}, errors.New("malformed response")
		}

		return transfer.AvailabilityResult{Endpoint: endpoint, Available: true}, nil
	}))

	got := p.Available(context.Background(), 1, []string{"broken", "ok"})
	assert.Equal(t, []string{"ok"}, got)
}

func TestProber_LogsCarryCallerItemIDOnce(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := logctx.WithLogger(context.Background(), logger.With("item_id", int64(9)))

	p := New(checkerFunc(func(ctx context.Context, _ int64, endpoint string) (transfer.AvailabilityResult, error) {
		logctx.LoggerFromContext(ctx).Debug("checking")

		if endpoint == "broken" {
			return transfer.AvailabilityResult{}, errors.New("malformed response")
		}

		return transfer.AvailabilityResult{Endpoint: endpoint}, nil
	}))

	assert.Empty(t, p.Available(ctx, 9, []string{"broken", "ok"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)

	endpointLines := 0

	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"item_id"`), line)
		assert.LessOrEqual(t, strings.Count(line, `"endpoint"`), 1, line)

		if strings.Contains(line, `"msg":"checking"`) {
			endpointLines++
			assert.Contains(t, line, `"endpoint"`)
		}
	}

	assert.Equal(t, 2, endpointLines)
}

func TestProber_NoneAvailable(t *testing.T) {
	p := New(checkerFunc(func(_ context.Context, _ int64, endpoint string) (transfer.AvailabilityResult, error) {
		return transfer.AvailabilityResult{Endpoint: endpoint, Diagnostic: "not cached"}, nil
	}))

	assert.Empty(t, p.Available(context.Background(), 1, []string{"a", "b"}))
	assert.Empty(t, p.Available(context.Background(), 1, nil))
}

func TestProber_BoundsConcurrency(t *testing.T) {
	var (
		inFlight atomic.Int32
		peak     atomic.Int32
	)

	p := New(checkerFunc(func(_ context.Context, _ int64, endpoint string) (transfer.AvailabilityResult, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}

		time.Sleep(10 * time.Millisecond)

		return transfer.AvailabilityResult{Endpoint: endpoint, Available: true}, nil
	}), WithConcurrency(2))

	candidates := []string{"a", "b", "c", "d", "e", "f"}
	got := p.Available(context.Background(), 1, candidates)

	assert.Equal(t, candidates, got)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestProber_DeadlineDropsStragglers(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	p := New(checkerFunc(func(ctx context.Context, _ int64, endpoint string) (transfer.AvailabilityResult, error) {
		if endpoint == "slow" {
			// ignores cancellation on purpose
			<-release

			return transfer.AvailabilityResult{Endpoint: endpoint, Available: true}, nil
		}

		return transfer.AvailabilityResult{Endpoint: endpoint, Available: true}, nil
	}), WithDeadline(50*time.Millisecond))

	start := time.Now()
	got := p.Available(context.Background(), 1, []string{"slow", "fast"})

	assert.Equal(t, []string{"fast"}, got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestProber_PanicFallsBackToDefaultCandidate(t *testing.T) {
	var defaultProbes atomic.Int32

	p := New(checkerFunc(func(_ context.Context, _ int64, endpoint string) (transfer.AvailabilityResult, error) {
		if endpoint == "b" {
			panic("corrupt checker state")
		}

		defaultProbes.Add(1)

		return transfer.AvailabilityResult{Endpoint: endpoint, Available: true}, nil
	}))

	got := p.Available(context.Background(), 1, []string{"a", "b", "c"})
	assert.Equal(t, []string{"a"}, got)
	assert.GreaterOrEqual(t, defaultProbes.Load(), int32(1))
}

func TestProber_FallbackPanicYieldsEmpty(t *testing.T) {
	p := New(checkerFunc(func(context.Context, int64, string) (transfer.AvailabilityResult, error) {
		panic("always")
	}))

	got := p.Available(context.Background(), 1, []string{"a", "b"})
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
