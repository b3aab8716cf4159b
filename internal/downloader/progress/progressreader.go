// Package progress reports how many bytes have flowed through a reader
// without reporting on every chunk.
package progress

import (
	"io"
	"time"
)

const DefaultInterval = 500 * time.Millisecond

// Reader wraps an io.Reader and reports the running byte count via OnProgress.
// The first read that moves data reports immediately; afterwards reports are
// at most one per Interval. Flush reports whatever was not reported yet.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(read int64, total int64)
	Interval   time.Duration

	now          func() time.Time
	read         int64
	reported     int64
	lastReportAt time.Time
}

func NewReader(r io.Reader, total int64, interval time.Duration, cb func(read int64, total int64)) *Reader {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Reader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
		Interval:   interval,
		now:        time.Now,
	}
}

// WithClock replaces the clock, for tests.
func (pr *Reader) WithClock(now func() time.Time) *Reader {
	pr.now = now

	return pr
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.read += int64(n)

		now := pr.now()
		if pr.lastReportAt.IsZero() || now.Sub(pr.lastReportAt) >= pr.Interval {
			pr.report(now)
		}
	}

	return n, err
}

// Flush reports the final count if it changed since the last report.
func (pr *Reader) Flush() {
	if pr.read != pr.reported {
		pr.report(pr.now())
	}
}

func (pr *Reader) report(now time.Time) {
	pr.lastReportAt = now
	pr.reported = pr.read

	if pr.OnProgress != nil {
		pr.OnProgress(pr.read, pr.Total)
	}
}
