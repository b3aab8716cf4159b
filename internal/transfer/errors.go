package transfer

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidInput is returned when an item id is not a positive integer.
	ErrInvalidInput = errors.New("invalid item id")

	// ErrEmptyDownload is returned when a transfer completed without a single byte.
	ErrEmptyDownload = errors.New("empty download from endpoint")

	// ErrMissingCredential is returned when an item is added before a credential is configured.
	ErrMissingCredential = errors.New("no API key configured")
)

// SetupError represents failures that happen before any network call is made,
// such as a missing transport or an unusable scratch directory.
type SetupError struct {
	Reason string // Human-readable explanation of what could not be set up
	Err    error  // Underlying error, if any
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("setup failed: %s: %v", e.Reason, e.Err)
	}

	return fmt.Sprintf("setup failed: %s", e.Reason)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// NetworkError represents connection-level failures: timeouts, DNS errors and resets.
// They are always retryable.
type NetworkError struct {
	Operation string // The operation that failed (e.g., "get", "stream")
	Err       error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError represents a response whose status code is outside the 2xx range.
type HTTPError struct {
	StatusCode int    // HTTP status code
	Body       string // Response body, possibly truncated
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
	}

	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// ServerError represents a 2xx response whose body is an error envelope.
type ServerError struct {
	Message string // Error text reported by the backend
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

// AuthenticationError represents a rejected or expired credential,
// either as an HTTP 401 or as an error envelope mentioning authentication.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("API key authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned when the backend does not know the requested item.
type NotFoundError struct {
	ItemID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("item %d not found", e.ItemID)
}

// ArchiveError represents a payload that carries an archive signature but
// cannot be opened or read as an archive.
type ArchiveError struct {
	Path string // Scratch file that failed to open
	Err  error  // Underlying error, if any
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("invalid ZIP file %s: %v", e.Path, e.Err)
}

func (e *ArchiveError) Unwrap() error {
	return e.Err
}

// ExtractionError represents a valid archive from which no entry could be installed.
type ExtractionError struct {
	Entries int   // Number of entries that were selected for installation
	Err     error // Aggregated per-entry failures, if any
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no files were successfully extracted from ZIP (%d selected): %v", e.Entries, e.Err)
	}

	return fmt.Sprintf("no files were successfully extracted from ZIP (%d selected)", e.Entries)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// FilesystemError represents a failure to write, move or remove a file.
type FilesystemError struct {
	Op   string // "write", "rename", "remove", ...
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// IsAuthFailure reports whether err should end an item in the auth_failed state.
func IsAuthFailure(err error) bool {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusUnauthorized
	}

	return false
}
