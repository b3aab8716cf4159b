package installer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/italolelis/luafetch/internal/logctx"
	"github.com/italolelis/luafetch/internal/transfer"
)

// RemoveResult lists the files deleted by Remove.
type RemoveResult struct {
	Removed []string
}

// NotFound reports whether there was nothing to remove.
func (r RemoveResult) NotFound() bool {
	return len(r.Removed) == 0
}

// Remove deletes the installed file for itemID, its disabled variant and any
// <id>_*.manifest files. Finding nothing is not an error.
func (i *Installer) Remove(ctx context.Context, itemID int64) (RemoveResult, error) {
	logger := logctx.LoggerFromContext(ctx).With("item_id", itemID)
	id := strconv.FormatInt(itemID, 10)

	candidates := []string{
		filepath.Join(i.targetDir, id+i.primaryExt),
		filepath.Join(i.targetDir, id+i.primaryExt+".disabled"),
	}

	manifests, err := filepath.Glob(filepath.Join(i.targetDir, id+"_*.manifest"))
	if err != nil {
		return RemoveResult{}, &transfer.FilesystemError{Op: "glob", Path: i.targetDir, Err: err}
	}

	candidates = append(candidates, manifests...)

	var res RemoveResult

	for _, p := range candidates {
		if err := os.Remove(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return res, &transfer.FilesystemError{Op: "remove", Path: p, Err: err}
		}

		res.Removed = append(res.Removed, filepath.Base(p))
	}

	if res.NotFound() {
		logger.Info("nothing to remove")
	} else {
		logger.Info("removed installed files", "files", res.Removed)
	}

	return res, nil
}
