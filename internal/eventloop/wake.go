package eventloop

import "sync/atomic"

// WakeSignal is a cross-goroutine doorbell for a loop. Any number of Signal
// calls made before the loop services the signal collapse into one onSignal
// run.
type WakeSignal struct {
	loop     *Loop
	onSignal func()
	pending  atomic.Bool
}

// NewWakeSignal binds onSignal to l. onSignal always runs on the loop
// goroutine.
func NewWakeSignal(l *Loop, onSignal func()) *WakeSignal {
	return &WakeSignal{loop: l, onSignal: onSignal}
}

// Signal requests an onSignal run. It is safe from any goroutine and returns
// ErrLoopStopped once the loop has exited.
func (w *WakeSignal) Signal() error {
	if !w.pending.CompareAndSwap(false, true) {
		return nil
	}
	if err := w.loop.Submit(w.fire); err != nil {
		w.pending.Store(false)
		return err
	}
	return nil
}

func (w *WakeSignal) fire() {
	// Clear first so a Signal raised during onSignal schedules another run.
	w.pending.Store(false)
	w.onSignal()
}
