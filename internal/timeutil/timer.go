// Package timeutil provides a small timer wrapper used by the transaction engine.
package timeutil

import (
	"sync"
	"time"
)

// Timer wraps a [time.Timer] and remembers its duration and start time,
// so retransmit loops can double the interval on each firing and report
// the time left until expiration.
type Timer struct {
	mu       sync.Mutex
	start    time.Time
	duration time.Duration
	fn       func()
	realTmr  *time.Timer
	stopped  bool
}

// AfterFunc starts a timer that calls fn in its own goroutine after d.
func AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{
		start:    time.Now(),
		duration: d,
		fn:       fn,
	}
	t.realTmr = time.AfterFunc(d, fn)
	return t
}

// Duration returns the duration the timer was last armed with.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Left returns the time remaining until the timer fires, or 0 if it
// already fired or was stopped.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return 0
	}
	left := t.duration - time.Since(t.start)
	if left < 0 {
		return 0
	}
	return left
}

// Reset re-arms the timer with a new duration.
func (t *Timer) Reset(d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.start = time.Now()
	t.duration = d
	t.realTmr.Reset(d)
}

// Stop prevents the timer from firing.
// It does not wait for a callback already in flight.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.realTmr.Stop()
}
