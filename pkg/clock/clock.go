// Package clock provides the time source used for every latency measurement.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time and elapsed durations.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

type monotonic struct{}

// Monotonic returns a Clock backed by the runtime's monotonic clock reading.
func Monotonic() Clock { return monotonic{} }

func (monotonic) Now() time.Time                  { return time.Now() }
func (monotonic) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a manually driven Clock for tests. Unlike the real clock it can be
// moved backwards.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns the fake time elapsed since t. It may be negative.
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the clock by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set jumps the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
