package pqueue

import "time"

// Timer mirrors the Linux-kernel-inspired timer wrapper in the teacher's
// timers.go: a time.AfterFunc that can be rearmed (Mod) or disarmed
// (Del) without allocating a new goroutine each time. This is the
// concrete form the REDESIGN FLAGS' "min-heap-scheduled timers, not
// threads" takes in Go — time.AfterFunc is backed by the runtime's timer
// heap, so no per-queue goroutine sits blocked in a sleep.
type Timer struct {
	timer     *time.Timer
	isPending bool
}

// NewTimer returns a disarmed Timer that calls fn when armed and fired.
func NewTimer(fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(time.Hour, func() {
		t.isPending = false
		fn()
	})
	t.timer.Stop()
	return t
}

// Mod (re)arms the timer to fire after d.
func (t *Timer) Mod(d time.Duration) {
	t.isPending = true
	t.timer.Reset(d)
}

// Del disarms the timer.
func (t *Timer) Del() {
	t.isPending = false
	t.timer.Stop()
}

// Pending reports whether the timer is currently armed.
func (t *Timer) Pending() bool {
	return t.isPending
}
