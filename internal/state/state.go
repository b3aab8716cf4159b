// Package state holds the per-item download state shared between the
// orchestrator's workers and the callers polling for status.
package state

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/italolelis/luafetch/internal/transfer"
)

// ItemID identifies a remotely hosted payload.
type ItemID int64

// ParseItemID parses a caller supplied id. Only positive integers are accepted.
func ParseItemID(raw string) (ItemID, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", transfer.ErrInvalidInput, raw)
	}

	if id <= 0 {
		return 0, fmt.Errorf("%w: %d", transfer.ErrInvalidInput, id)
	}

	return ItemID(id), nil
}

func (id ItemID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Status is a step of the per-item state machine.
type Status string

const (
	StatusQueued                 Status = "queued"
	StatusCheckingAvailability   Status = "checking_availability"
	StatusAwaitingEndpointChoice Status = "awaiting_endpoint_choice"
	StatusChecking               Status = "checking"
	StatusDownloading            Status = "downloading"
	StatusProcessing             Status = "processing"
	StatusExtracting             Status = "extracting"
	StatusInstalling             Status = "installing"
	StatusDone                   Status = "done"
	StatusFailed                 Status = "failed"
	StatusAuthFailed             Status = "auth_failed"
)

// Terminal reports whether no further transition can happen without a new add.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusAuthFailed
}

// DownloadState is the record kept for every item that has been referenced.
type DownloadState struct {
	Status             Status    `json:"status,omitempty"`
	BytesRead          int64     `json:"bytesRead"`
	TotalBytes         int64     `json:"totalBytes"`
	Endpoint           string    `json:"endpoint,omitempty"`
	AvailableEndpoints []string  `json:"availableEndpoints,omitempty"`
	Error              string    `json:"error,omitempty"`
	InstalledFiles     []string  `json:"installedFiles,omitempty"`
	RequiresNewKey     bool      `json:"requiresNewKey,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func (s DownloadState) clone() DownloadState {
	s.AvailableEndpoints = slices.Clone(s.AvailableEndpoints)
	s.InstalledFiles = slices.Clone(s.InstalledFiles)

	return s
}

// Update is a partial change to a DownloadState. Only the fields that were
// set through the With* methods are merged; everything else is preserved.
type Update struct {
	status             *Status
	bytesRead          *int64
	totalBytes         *int64
	endpoint           *string
	availableEndpoints *[]string
	errMsg             *string
	installedFiles     *[]string
	requiresNewKey     *bool
}

func (u Update) WithStatus(s Status) Update {
	u.status = &s

	return u
}

// WithProgress sets both byte counters.
func (u Update) WithProgress(read, total int64) Update {
	u.bytesRead = &read
	u.totalBytes = &total

	return u
}

func (u Update) WithEndpoint(endpoint string) Update {
	u.endpoint = &endpoint

	return u
}

func (u Update) WithAvailableEndpoints(endpoints []string) Update {
	cp := slices.Clone(endpoints)
	u.availableEndpoints = &cp

	return u
}

func (u Update) WithError(msg string) Update {
	u.errMsg = &msg

	return u
}

func (u Update) WithInstalledFiles(files []string) Update {
	cp := slices.Clone(files)
	u.installedFiles = &cp

	return u
}

func (u Update) WithRequiresNewKey(v bool) Update {
	u.requiresNewKey = &v

	return u
}

// Reset returns an update that overwrites every field, used when an item is added again.
func Reset() Update {
	return Update{}.
		WithStatus(StatusQueued).
		WithProgress(0, 0).
		WithEndpoint("").
		WithAvailableEndpoints(nil).
		WithError("").
		WithInstalledFiles(nil).
		WithRequiresNewKey(false)
}

func (u Update) apply(s *DownloadState) {
	if u.status != nil {
		s.Status = *u.status
	}

	if u.bytesRead != nil {
		s.BytesRead = *u.bytesRead
	}

	if u.totalBytes != nil {
		s.TotalBytes = *u.totalBytes
	}

	if u.endpoint != nil {
		s.Endpoint = *u.endpoint
	}

	if u.availableEndpoints != nil {
		s.AvailableEndpoints = slices.Clone(*u.availableEndpoints)
	}

	if u.errMsg != nil {
		s.Error = *u.errMsg
	}

	if u.installedFiles != nil {
		s.InstalledFiles = slices.Clone(*u.installedFiles)
	}

	if u.requiresNewKey != nil {
		s.RequiresNewKey = *u.requiresNewKey
	}
}
