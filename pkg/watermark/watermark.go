// Package watermark provides the wall-clock reading stamped onto every event.
package watermark

import (
	"sync"
	"time"
)

// Watermark returns epoch milliseconds that never go backwards within one
// process, even if the system clock is stepped back.
type Watermark struct {
	mu   sync.Mutex
	last int64

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Watermark reading the system clock.
func New() *Watermark {
	return &Watermark{nowFunc: time.Now}
}

// NewWithClock creates a Watermark reading from now. Useful for tests.
func NewWithClock(now func() time.Time) *Watermark {
	return &Watermark{nowFunc: now}
}

// Now returns the current reading in epoch milliseconds.
func (w *Watermark) Now() int64 {
	ms := w.nowFunc().UnixMilli()

	w.mu.Lock()
	defer w.mu.Unlock()
	if ms < w.last {
		return w.last
	}
	w.last = ms
	return ms
}

// ISO formats a watermark reading for the informational created_at field.
func ISO(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}
