package eventloop

import (
	"sync"
	"time"
)

// Wakeup coalesces any number of logical timers onto one host timer. Callers
// ask to be woken "no later than" a deadline; only the earliest pending
// deadline is armed, and fire runs once when it passes.
type Wakeup struct {
	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	stopped  bool
	fire     func()
}

// NewWakeup returns a Wakeup that calls fire on its own goroutine whenever
// the armed deadline passes.
func NewWakeup(fire func()) *Wakeup {
	return &Wakeup{fire: fire}
}

// Schedule arms the wakeup for at unless an earlier deadline is pending.
func (w *Wakeup) Schedule(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil && !w.deadline.IsZero() && !at.Before(w.deadline) {
		return
	}
	w.deadline = at
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(delay, w.run)
		return
	}
	w.timer.Reset(delay)
}

func (w *Wakeup) run() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.deadline = time.Time{}
	w.mu.Unlock()
	w.fire()
}

// Pending reports whether a deadline is armed.
func (w *Wakeup) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.deadline.IsZero()
}

// Deadline returns the armed deadline, zero when idle.
func (w *Wakeup) Deadline() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deadline
}

// Stop disarms the wakeup permanently.
func (w *Wakeup) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.deadline = time.Time{}
	if w.timer != nil {
		w.timer.Stop()
	}
}
