// Package installer places a downloaded payload into the target directory,
// extracting it first when it is a zip archive.
package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/italolelis/luafetch/internal/logctx"
	"github.com/italolelis/luafetch/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	DefaultPrimaryExt   = ".lua"
	DefaultFallbackExt  = ".txt"
	DefaultMaxEntrySize = 64 * 1024 * 1024
)

var zipSignatures = [][]byte{
	[]byte("PK\x03\x04"),
	[]byte("PK\x05\x06"), // empty archive
	[]byte("PK\x07\x08"), // spanned archive
}

// Stage is reported while an install progresses.
type Stage string

const (
	StageExtracting Stage = "extracting"
	StageInstalling Stage = "installing"
)

// Options configures an Installer.
type Options struct {
	TargetDir    string
	PrimaryExt   string
	FallbackExt  string
	MaxEntrySize int64
}

type Installer struct {
	targetDir    string
	primaryExt   string
	fallbackExt  string
	maxEntrySize int64
}

func New(opts Options) *Installer {
	if opts.PrimaryExt == "" {
		opts.PrimaryExt = DefaultPrimaryExt
	}

	if opts.FallbackExt == "" {
		opts.FallbackExt = DefaultFallbackExt
	}

	if opts.MaxEntrySize <= 0 {
		opts.MaxEntrySize = DefaultMaxEntrySize
	}

	return &Installer{
		targetDir:    opts.TargetDir,
		primaryExt:   strings.ToLower(opts.PrimaryExt),
		fallbackExt:  opts.FallbackExt,
		maxEntrySize: opts.MaxEntrySize,
	}
}

// Install installs the payload at scratchPath for itemID and returns the
// absolute paths written. The scratch file is removed on every path.
// Log records use ctx's logger as is, so it should already name the item.
func (i *Installer) Install(ctx context.Context, itemID int64, scratchPath string, onStage func(Stage)) ([]string, error) {
	logger := logctx.LoggerFromContext(ctx)

	if onStage == nil {
		onStage = func(Stage) {}
	}

	defer func() {
		if err := os.Remove(scratchPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove scratch file", "path", scratchPath, "err", err)
		}
	}()

	if err := os.MkdirAll(i.targetDir, dirPerm); err != nil {
		return nil, &transfer.FilesystemError{Op: "mkdir", Path: i.targetDir, Err: err}
	}

	isArchive, err := hasZipSignature(scratchPath)
	if err != nil {
		return nil, &transfer.FilesystemError{Op: "read", Path: scratchPath, Err: err}
	}

	if !isArchive {
		onStage(StageInstalling)

		dest, err := i.installSingle(itemID, scratchPath)
		if err != nil {
			return nil, err
		}

		logger.Info("installed single file", "path", dest)

		return []string{dest}, nil
	}

	onStage(StageExtracting)

	return i.extract(ctx, itemID, scratchPath, onStage)
}

func hasZipSignature(p string) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}

		return false, err
	}

	for _, sig := range zipSignatures {
		if bytes.Equal(head, sig) {
			return true, nil
		}
	}

	return false, nil
}

func (i *Installer) installSingle(itemID int64, scratchPath string) (string, error) {
	dest, err := filepath.Abs(filepath.Join(i.targetDir, strconv.FormatInt(itemID, 10)+i.primaryExt))
	if err != nil {
		return "", &transfer.FilesystemError{Op: "resolve", Path: dest, Err: err}
	}

	src, err := os.Open(scratchPath)
	if err != nil {
		return "", &transfer.FilesystemError{Op: "open", Path: scratchPath, Err: err}
	}
	defer src.Close()

	if err := writeAtomic(dest, src); err != nil {
		return "", err
	}

	return dest, nil
}

type entryFile struct {
	file *zip.File
	dest string
	text bool
}

func (i *Installer) extract(ctx context.Context, itemID int64, scratchPath string, onStage func(Stage)) ([]string, error) {
	logger := logctx.LoggerFromContext(ctx)

	zr, err := zip.OpenReader(scratchPath)
	if err != nil {
		return nil, &transfer.ArchiveError{Path: scratchPath, Err: err}
	}
	defer zr.Close()

	selected, fellBack := i.selectEntries(itemID, zr.File)
	if fellBack {
		logger.Info("archive has no primary entries, installing every entry", "entries", len(selected))
	} else {
		logger.Debug("selected primary entries", "selected", len(selected), "entries", len(zr.File))
	}

	onStage(StageInstalling)

	var (
		installed []string
		failures  *multierror.Error
	)

	for _, e := range selected {
		if err := i.writeEntry(logger, e); err != nil {
			logger.Warn("failed to extract entry", "entry", e.file.Name, "err", err)
			failures = multierror.Append(failures, err)

			continue
		}

		logger.Debug("extracted entry", "entry", e.file.Name, "path", e.dest, "size", humanize.Bytes(e.file.UncompressedSize64))
		installed = append(installed, e.dest)
	}

	if len(installed) == 0 {
		return nil, &transfer.ExtractionError{Entries: len(selected), Err: failures.ErrorOrNil()}
	}

	logger.Info("extracted archive", "installed", len(installed), "failed", len(selected)-len(installed))

	return installed, nil
}

// selectEntries keeps primary-extension entries, or every file entry when
// there are none, and resolves the destination of each.
func (i *Installer) selectEntries(itemID int64, files []*zip.File) ([]entryFile, bool) {
	var primary, all []*zip.File

	for _, f := range files {
		if strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir() {
			continue
		}

		all = append(all, f)

		if strings.EqualFold(path.Ext(f.Name), i.primaryExt) {
			primary = append(primary, f)
		}
	}

	chosen, fellBack := primary, false
	if len(chosen) == 0 {
		chosen, fellBack = all, true
	}

	seen := make(map[string]struct{})
	out := make([]entryFile, 0, len(chosen))

	for _, f := range chosen {
		var name string

		isPrimary := strings.EqualFold(path.Ext(f.Name), i.primaryExt)
		if isPrimary {
			name = path.Base(strings.ReplaceAll(f.Name, "\\", "/"))
		} else {
			ext := path.Ext(f.Name)
			if ext == "" {
				ext = i.fallbackExt
			}

			name = strconv.FormatInt(itemID, 10) + ext
		}

		// several entries can map to the same name, and a suffixed name can
		// collide with an entry that already carries that suffix
		if _, taken := seen[name]; taken {
			ext := path.Ext(name)
			stem := strings.TrimSuffix(name, ext)

			for n := 1; ; n++ {
				candidate := fmt.Sprintf("%s_%d%s", stem, n, ext)
				if _, taken := seen[candidate]; !taken {
					name = candidate

					break
				}
			}
		}

		seen[name] = struct{}{}

		out = append(out, entryFile{file: f, dest: filepath.Join(i.targetDir, name), text: isPrimary})
	}

	return out, fellBack
}

func (i *Installer) writeEntry(logger *slog.Logger, e entryFile) error {
	rc, err := e.file.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", e.file.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, i.maxEntrySize+1))
	if err != nil {
		return fmt.Errorf("read %s: %w", e.file.Name, err)
	}

	if int64(len(data)) > i.maxEntrySize {
		return fmt.Errorf("entry %s exceeds %s", e.file.Name, humanize.Bytes(uint64(i.maxEntrySize)))
	}

	if e.text && !utf8.Valid(data) {
		logger.Warn("entry is not valid UTF-8, writing raw bytes", "entry", e.file.Name)
	}

	dest, err := filepath.Abs(e.dest)
	if err != nil {
		return &transfer.FilesystemError{Op: "resolve", Path: e.dest, Err: err}
	}

	if err := writeAtomic(dest, bytes.NewReader(data)); err != nil {
		return err
	}

	return nil
}

// writeAtomic replaces dest with the contents of r through a temp file in the same directory.
func writeAtomic(dest string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".install-*")
	if err != nil {
		return &transfer.FilesystemError{Op: "create", Path: dest, Err: err}
	}

	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return &transfer.FilesystemError{Op: "write", Path: dest, Err: err}
	}

	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return &transfer.FilesystemError{Op: "chmod", Path: dest, Err: err}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return &transfer.FilesystemError{Op: "write", Path: dest, Err: err}
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)

		return &transfer.FilesystemError{Op: "rename", Path: dest, Err: err}
	}

	return nil
}
