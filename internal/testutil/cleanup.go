// Package testutil provides helpers for examples and tests.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RemoveAll removes the path and any children. Errors are ignored.
// Use for defer cleanup in examples and tests.
//
// Usage:
//
//	defer testutil.RemoveAll(tmpDir)
func RemoveAll(path string) { _ = os.RemoveAll(path) }

// DiscardLogger returns a logger that writes nowhere.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Timer is a backoff.Timer that fires at once and records every requested
// delay, so retry schedules can be checked without sleeping.
type Timer struct {
	mu     sync.Mutex
	delays []time.Duration
	c      chan time.Time
}

var _ backoff.Timer = (*Timer)(nil)

// NewTimer returns a Timer.
func NewTimer() *Timer {
	return &Timer{c: make(chan time.Time, 1)}
}

// Start records d and fires.
func (t *Timer) Start(d time.Duration) {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()
	t.c <- time.Time{}
}

// Stop is a no-op.
func (t *Timer) Stop() {}

// C returns the firing channel.
func (t *Timer) C() <-chan time.Time { return t.c }

// Delays returns the recorded delays in order.
func (t *Timer) Delays() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}

// Total is the sum of the recorded delays.
func (t *Timer) Total() time.Duration {
	var sum time.Duration
	for _, d := range t.Delays() {
		sum += d
	}
	return sum
}
