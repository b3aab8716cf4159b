// Package downloader streams an item's payload from the backend into a
// per-item scratch file.
package downloader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/luafetch/internal/downloader/progress"
	"github.com/italolelis/luafetch/internal/logctx"
	"github.com/italolelis/luafetch/internal/telemetry"
	"github.com/italolelis/luafetch/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	DefaultChunkSize = 64 * 1024

	// error envelopes are small; anything larger is not worth reading
	maxEnvelopeSize = 64 * 1024
)

// Options configures a Downloader.
type Options struct {
	ScratchDir       string
	ChunkSize        int
	ProgressInterval time.Duration
	Telemetry        *telemetry.Telemetry
}

type Downloader struct {
	backend          transfer.Backend
	scratchDir       string
	chunkSize        int
	progressInterval time.Duration
	telemetry        *telemetry.Telemetry
}

func New(backend transfer.Backend, opts Options) *Downloader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = progress.DefaultInterval
	}

	if opts.Telemetry == nil {
		opts.Telemetry = &telemetry.Telemetry{}
	}

	return &Downloader{
		backend:          backend,
		scratchDir:       opts.ScratchDir,
		chunkSize:        opts.ChunkSize,
		progressInterval: opts.ProgressInterval,
		telemetry:        opts.Telemetry,
	}
}

// Request describes one transfer.
type Request struct {
	ItemID     int64
	Endpoint   string
	Credential string
	SubjectID  string
	// OnProgress receives coalesced byte counts. total is 0 when unknown.
	OnProgress func(read, total int64)
}

// Result describes a completed transfer.
type Result struct {
	Path       string
	BytesRead  int64
	TotalBytes int64
}

// ScratchPath returns the scratch file used for itemID.
func (d *Downloader) ScratchPath(itemID int64) string {
	return filepath.Join(d.scratchDir, "temp_"+strconv.FormatInt(itemID, 10)+".part")
}

// Fetch streams the payload into the scratch file. ctx's logger is expected
// to carry the item id and endpoint. On error the scratch file
// has been removed.
func (d *Downloader) Fetch(ctx context.Context, req Request) (res Result, err error) {
	logger := logctx.LoggerFromContext(ctx)
	path := d.ScratchPath(req.ItemID)

	defer func() {
		if err != nil {
			d.removeScratch(ctx, path)
		}
	}()

	resp, err := d.backend.StreamPayload(ctx, transfer.StreamRequest{
		ItemID:     req.ItemID,
		Endpoint:   req.Endpoint,
		Credential: req.Credential,
		SubjectID:  req.SubjectID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to open payload stream: %w", err)
	}
	defer resp.Body.Close()

	if err := inspect(resp, req.ItemID); err != nil {
		return Result{}, err
	}

	total := contentLength(ctx, resp)

	logger.Info("downloading payload", "size", humanize.Bytes(uint64(total)))

	if err := os.MkdirAll(d.scratchDir, dirPerm); err != nil {
		return Result{}, &transfer.FilesystemError{Op: "mkdir", Path: d.scratchDir, Err: err}
	}

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return Result{}, &transfer.FilesystemError{Op: "create", Path: path, Err: err}
	}

	pr := progress.NewReader(resp.Body, total, d.progressInterval, req.OnProgress)

	written, copyErr := d.copy(out, pr)
	closeErr := out.Close()

	d.telemetry.RecordBytesDownloaded(written)

	if copyErr != nil {
		return Result{}, copyErr
	}

	if closeErr != nil {
		return Result{}, &transfer.FilesystemError{Op: "close", Path: path, Err: closeErr}
	}

	pr.Flush()

	if written == 0 {
		return Result{}, transfer.ErrEmptyDownload
	}

	logger.Info("payload downloaded", "size", humanize.Bytes(uint64(written)), "path", path)

	return Result{Path: path, BytesRead: written, TotalBytes: total}, nil
}

// copy moves the body in fixed-size chunks through a buffered writer.
func (d *Downloader) copy(out *os.File, r io.Reader) (int64, error) {
	w := bufio.NewWriterSize(out, d.chunkSize)
	buf := make([]byte, d.chunkSize)

	var written int64

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, &transfer.FilesystemError{Op: "write", Path: out.Name(), Err: werr}
			}

			written += int64(n)
		}

		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return written, &transfer.NetworkError{Operation: "stream", Err: err}
		}
	}

	if err := w.Flush(); err != nil {
		return written, &transfer.FilesystemError{Op: "write", Path: out.Name(), Err: err}
	}

	return written, nil
}

// inspect maps a response that must not be written to disk to an error.
func inspect(resp *http.Response, itemID int64) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &transfer.AuthenticationError{
			Operation: "download",
			Err:       &transfer.HTTPError{StatusCode: resp.StatusCode},
		}
	case resp.StatusCode == http.StatusNotFound:
		return &transfer.NotFoundError{ItemID: itemID}
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return &transfer.HTTPError{StatusCode: resp.StatusCode}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" && !strings.HasSuffix(mediaType, "+json") {
		return nil
	}

	// a 2xx JSON body is an error envelope, never a payload
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeSize))
	if err != nil {
		return &transfer.NetworkError{Operation: "read error envelope", Err: err}
	}

	msg := strings.TrimSpace(string(body))
	if strings.Contains(strings.ToLower(msg), "authentication") {
		return &transfer.AuthenticationError{Operation: "download", Err: &transfer.ServerError{Message: msg}}
	}

	return &transfer.ServerError{Message: msg}
}

func contentLength(ctx context.Context, resp *http.Response) int64 {
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}

	raw := resp.Header.Get("Content-Length")
	if raw == "" {
		return 0
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		logctx.LoggerFromContext(ctx).Debug("ignoring unparsable content length", "value", raw)

		return 0
	}

	return n
}

func (d *Downloader) removeScratch(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).Warn("failed to remove scratch file", "path", path, "err", err)
	}
}

// Discard removes the scratch file for itemID, if any.
func (d *Downloader) Discard(ctx context.Context, itemID int64) {
	d.removeScratch(ctx, d.ScratchPath(itemID))
}
