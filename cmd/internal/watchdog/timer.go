package watchdog

import (
	"sync"
	"time"
)

// Stopper cancels a scheduled callback. *time.Timer satisfies it.
type Stopper interface {
	Stop() bool
}

// Clock schedules callbacks. Tests swap in a manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Timer is a single owned scheduled task. Arm always cancels the pending
// task first, so at most one callback is ever outstanding. The callback
// receives the sequence number Arm returned for it.
type Timer struct {
	clock Clock
	fire  func(seq uint64)

	mu      sync.Mutex
	pending Stopper
	seq     uint64
}

func NewTimer(clock Clock, fire func(seq uint64)) *Timer {
	if clock == nil {
		clock = systemClock{}
	}
	return &Timer{clock: clock, fire: fire}
}

// Arm schedules the callback to run after d, replacing any pending one, and
// returns the sequence number the callback will be called with.
func (t *Timer) Arm(d time.Duration) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelLocked()
	seq := t.seq
	t.pending = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		// A callback that lost the race with Cancel or a re-arm must not run.
		if t.seq != seq {
			t.mu.Unlock()
			return
		}
		t.pending = nil
		t.seq++
		t.mu.Unlock()

		t.fire(seq)
	})
	return seq
}

// Cancel drops the pending callback. It reports whether one was pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelLocked()
}

func (t *Timer) cancelLocked() bool {
	t.seq++
	if t.pending == nil {
		return false
	}
	t.pending.Stop()
	t.pending = nil
	return true
}

// Pending reports whether a callback is scheduled.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}
