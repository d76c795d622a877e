// Package eventloop runs callbacks one at a time on a single goroutine.
//
// Anything that must touch loop-owned state from another goroutine goes
// through Submit (or a WakeSignal built on it). Callbacks never run
// concurrently with each other.
package eventloop

import (
	"errors"
	"io"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/mattjoyce/courier/internal/lock"
	"github.com/mattjoyce/courier/internal/log"
)

var (
	// ErrLoopRunning is returned by Run on a loop that is already running.
	ErrLoopRunning = errors.New("eventloop: loop is already running")
	// ErrLoopStopped is returned once the loop has exited.
	ErrLoopStopped = errors.New("eventloop: loop has stopped")
)

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

// Loop is a cooperative single-goroutine event loop.
type Loop struct {
	log *slog.Logger

	state   atomic.Int32
	stopReq atomic.Bool
	wake    chan struct{}

	mu         lock.Mutex
	pending    []func()
	handles    map[uint64]io.Closer
	nextHandle uint64

	ran atomic.Uint64
}

// New returns an idle loop. A nil logger uses the eventloop component logger.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = log.WithComponent("eventloop")
	}
	return &Loop{
		log:     logger,
		wake:    make(chan struct{}, 1),
		handles: make(map[uint64]io.Closer),
	}
}

// Run dispatches callbacks on the calling goroutine until Stop is called.
// A loop runs once; it cannot be restarted after it returns.
func (l *Loop) Run() error {
	if !l.state.CompareAndSwap(stateIdle, stateRunning) {
		if l.state.Load() == stateStopped {
			return ErrLoopStopped
		}
		return ErrLoopRunning
	}

	for {
		l.runBatch()
		if l.stopReq.Load() {
			break
		}
		<-l.wake
	}

	l.state.Store(stateStopped)
	l.teardown()
	return nil
}

// Stop asks the loop to exit once the current batch of callbacks finishes.
// It is normally called from a callback; calling it elsewhere also works.
func (l *Loop) Stop() {
	l.stopReq.Store(true)
	l.nudge()
}

// Submit queues fn to run on the loop goroutine. It is safe from any
// goroutine. Submit before Run is allowed; fn runs once Run starts.
func (l *Loop) Submit(fn func()) error {
	if l.state.Load() == stateStopped {
		return ErrLoopStopped
	}
	l.mu.With(func() {
		l.pending = append(l.pending, fn)
	})
	l.nudge()
	return nil
}

// Register tracks a handle owned by the loop. Handles still registered when
// Run returns are closed. The returned func removes the handle without
// closing it.
func (l *Loop) Register(c io.Closer) (unregister func()) {
	defer l.mu.Acquire()()
	l.nextHandle++
	id := l.nextHandle
	l.handles[id] = c
	return func() {
		defer l.mu.Acquire()()
		delete(l.handles, id)
	}
}

// Handles reports the number of registered handles.
func (l *Loop) Handles() int {
	defer l.mu.Acquire()()
	return len(l.handles)
}

// Running reports whether Run is active.
func (l *Loop) Running() bool { return l.state.Load() == stateRunning }

// Executed reports how many callbacks have run.
func (l *Loop) Executed() uint64 { return l.ran.Load() }

func (l *Loop) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) runBatch() {
	var batch []func()
	l.mu.With(func() {
		batch = l.pending
		l.pending = nil
	})
	for _, fn := range batch {
		l.safeRun(fn)
	}
}

func (l *Loop) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop callback panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	l.ran.Add(1)
	fn()
}

func (l *Loop) teardown() {
	var (
		dropped int
		handles []io.Closer
	)
	l.mu.With(func() {
		dropped = len(l.pending)
		l.pending = nil
		for id, c := range l.handles {
			handles = append(handles, c)
			delete(l.handles, id)
		}
	})
	for _, c := range handles {
		_ = c.Close()
	}
	if dropped > 0 || len(handles) > 0 {
		l.log.Debug("loop stopped", "dropped_callbacks", dropped, "closed_handles", len(handles))
	}
}
