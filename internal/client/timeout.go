package client

import (
	"sync"
	"time"
)

// Timeout is a one-shot watchdog shared between the supervising
// goroutine and the protocol goroutine. It is armed with a deadline
// (or an infinite budget) and ends in exactly one of two terminal
// states: stopped (voluntary completion) or expired (deadline passed
// or forced). Transitions are one-way; mutation attempts after a
// terminal state are no-ops returning false.
type Timeout struct {
	mu      sync.Mutex
	expired bool
	stopped bool
	start   time.Time
	budget  time.Duration // 0 means infinite
	changed chan struct{}
}

// NewTimeout returns a Timeout armed with an infinite budget.
func NewTimeout() *Timeout {
	return &Timeout{changed: make(chan struct{})}
}

func (t *Timeout) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Reset rearms the timeout with a new start and budget (0 = infinite).
// Returns false without effect if already stopped or expired.
func (t *Timeout) Reset(start time.Time, budget time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expired || t.stopped {
		return false
	}
	t.start = start
	t.budget = budget
	t.notifyLocked()
	return true
}

// Increment adds d to a finite budget. A no-op (but true) when the
// budget is infinite; false if already stopped or expired.
func (t *Timeout) Increment(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expired || t.stopped {
		return false
	}
	if t.budget != 0 {
		t.budget += d
		t.notifyLocked()
	}
	return true
}

// Decrement subtracts d from a finite budget. A no-op (but true) when
// the budget is infinite; false if already stopped or expired.
func (t *Timeout) Decrement(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expired || t.stopped {
		return false
	}
	if t.budget != 0 {
		t.budget -= d
		t.notifyLocked()
	}
	return true
}

// Stop signals voluntary completion of the protocol. Returns false
// without effect if already stopped or expired.
func (t *Timeout) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expired || t.stopped {
		return false
	}
	t.stopped = true
	t.notifyLocked()
	return true
}

// Expire forces an immediate timeout (e.g. an operator aborting the
// run early). Returns false without effect if already stopped or
// expired.
func (t *Timeout) Expire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expired || t.stopped {
		return false
	}
	t.expired = true
	t.notifyLocked()
	return true
}

// IsStopped reports whether the timeout was stopped before expiring.
func (t *Timeout) IsStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// IsExpired reports whether the timeout expired before being stopped.
func (t *Timeout) IsExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}

// WaitTimeout blocks the calling goroutine until the timeout is
// stopped or expires, returning true if it expired.
func (t *Timeout) WaitTimeout() bool {
	for {
		t.mu.Lock()
		if t.stopped || t.expired {
			expired := t.expired
			t.mu.Unlock()
			return expired
		}

		var remaining time.Duration
		if t.budget != 0 {
			remaining = t.budget - time.Since(t.start)
			if remaining <= 0 {
				t.expired = true
				t.notifyLocked()
				t.mu.Unlock()
				return true
			}
		}
		changed := t.changed
		t.mu.Unlock()

		if remaining == 0 {
			// Infinite budget: wait for a state change.
			<-changed
			continue
		}
		timer := time.NewTimer(remaining)
		select {
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}
