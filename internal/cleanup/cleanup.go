// Package cleanup removes leftovers that outlive the items they belonged to.
package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/luafetch/internal/logctx"
)

const (
	scratchPrefix = "temp_"
	scratchSuffix = ".part"
)

// StatePruner deletes terminal state records last updated before cutoff.
type StatePruner interface {
	PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeleteStaleScratch removes scratch files in dir not modified for maxAge.
// A download in progress keeps touching its scratch file, so only files
// orphaned by a crash are old enough to match.
func DeleteStaleScratch(ctx context.Context, dir string, maxAge time.Duration, now time.Time) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, err
	}

	removed := 0

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, scratchPrefix) || !strings.HasSuffix(name, scratchSuffix) {
			continue
		}

		info, err := e.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // finished meanwhile
			}

			logger.Error("Failed to stat scratch file", "file", name, "err", err)

			continue
		}

		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}

		filePath := filepath.Join(dir, name)
		if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Error("Failed to delete stale scratch file", "file", filePath, "err", err)

			return removed, err
		}

		removed++

		logger.Info("Deleted stale scratch file", "file", filePath, "size", humanize.Bytes(uint64(info.Size())))
	}

	return removed, nil
}

// Options configures the periodic cleanup.
type Options struct {
	ScratchDir     string
	ScratchMaxAge  time.Duration
	StateRetention time.Duration
	Interval       time.Duration
}

// Run sweeps once immediately and then every Interval until ctx is done.
func Run(ctx context.Context, pruner StatePruner, opts Options) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		Sweep(ctx, pruner, opts, time.Now())

		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
		}
	}
}

// Sweep runs a single cleanup pass. pruner may be nil.
func Sweep(ctx context.Context, pruner StatePruner, opts Options, now time.Time) {
	logger := logctx.LoggerFromContext(ctx)

	if _, err := DeleteStaleScratch(ctx, opts.ScratchDir, opts.ScratchMaxAge, now); err != nil {
		logger.Error("failed to delete stale scratch files", "err", err)
	}

	if pruner == nil || opts.StateRetention <= 0 {
		return
	}

	n, err := pruner.PruneTerminal(ctx, now.Add(-opts.StateRetention))
	if err != nil {
		logger.Error("failed to prune state journal", "err", err)

		return
	}

	if n > 0 {
		logger.Info("pruned state journal", "records", n)
	}
}
