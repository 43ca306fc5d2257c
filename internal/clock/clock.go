// Package clock lets the session and registry sleep and schedule timers
// through an interface so tests can drive time explicitly.
package clock

import (
	"context"
	"sync"
	"time"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock abstracts the two time primitives the scanner needs.
type Clock interface {
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
	// AfterFunc runs f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the wall clock.
type Real struct{}

// Sleep waits for d or ctx cancellation.
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake records sleeps without blocking and holds timers until Fire is called.
type Fake struct {
	mu     sync.Mutex
	sleeps []time.Duration
	timers []*FakeTimer
}

// NewFake creates a fake clock.
func NewFake() *Fake {
	return &Fake{}
}

// Sleep records d and returns immediately unless ctx is already done.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	f.mu.Unlock()
	return nil
}

// AfterFunc registers a pending timer.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	t := &FakeTimer{d: d, fn: fn}
	f.mu.Lock()
	f.timers = append(f.timers, t)
	f.mu.Unlock()
	return t
}

// Sleeps returns every duration passed to Sleep, in order.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}

// Slept returns the sum of all recorded sleeps.
func (f *Fake) Slept() time.Duration {
	var total time.Duration
	for _, d := range f.Sleeps() {
		total += d
	}
	return total
}

// Pending returns the timers that have neither fired nor been stopped.
func (f *Fake) Pending() []*FakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*FakeTimer
	for _, t := range f.timers {
		if t.active() {
			out = append(out, t)
		}
	}
	return out
}

// FireAll synchronously runs every pending timer and returns how many ran.
func (f *Fake) FireAll() int {
	n := 0
	for _, t := range f.Pending() {
		if t.Fire() {
			n++
		}
	}
	return n
}

// FakeTimer is a timer created by Fake.
type FakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

// Duration is the delay the timer was scheduled with.
func (t *FakeTimer) Duration() time.Duration {
	return t.d
}

// Stop cancels the timer. It reports whether the timer was still pending.
func (t *FakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Fire runs the callback synchronously if the timer is still pending.
func (t *FakeTimer) Fire() bool {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	fn := t.fn
	t.mu.Unlock()
	fn()
	return true
}

func (t *FakeTimer) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired
}
