package eventloop

import (
	"sync/atomic"
	"time"
)

// Timer is a one-shot callback scheduled on a loop.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

// AfterFunc runs fn on the loop goroutine after d. If the loop has stopped by
// then, fn never runs.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		_ = l.Submit(func() {
			if tm.stopped.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return tm
}

// Stop cancels the timer. Once Stop returns on the loop goroutine, fn will not
// run. It reports whether the call prevented fn from running.
func (tm *Timer) Stop() bool {
	tm.t.Stop()
	return tm.stopped.CompareAndSwap(false, true)
}
