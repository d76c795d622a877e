package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/courier/internal/eventloop"
	"github.com/mattjoyce/courier/internal/log"
	"github.com/mattjoyce/courier/internal/queue"
)

var (
	ErrStopped        = errors.New("dispatch: worker stopped")
	ErrAlreadyStarted = errors.New("dispatch: worker already started")
	ErrNilRequest     = errors.New("dispatch: nil request")
)

// Request is a unit of background work. The worker tracks requests by
// identity, so implementations are normally pointer types.
type Request interface {
	// Execute runs on the worker thread. It must not block; it starts work on
	// h.Loop() and arranges for h.Complete to be called once the work ends.
	Execute(h Host)
	// OnComplete runs on the goroutine that calls Poll.
	OnComplete()
}

// Host is the worker as seen from inside Execute. Its methods must be called
// on the worker thread.
type Host interface {
	Loop() *eventloop.Loop
	// Complete moves r to the outbound queue. Calls after the first for the
	// same request are ignored.
	Complete(r Request)
	Logger() *slog.Logger
}

// Stats is a snapshot of worker counters.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Executed   uint64 `json:"executed"`
	Completed  uint64 `json:"completed"`
	Delivered  uint64 `json:"delivered"`
	Pending    int    `json:"pending"`
	Ready      int    `json:"ready"`
}

const (
	stateNew int32 = iota
	stateStarting
	stateRunning
	stateStopped
)

type Option func(*Worker)

// WithLogger sets the worker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// Worker owns the background thread, its loop and both handoff queues.
type Worker struct {
	log      *slog.Logger
	loop     *eventloop.Loop
	wake     *eventloop.WakeSignal
	inbound  *queue.Queue[Request]
	outbound *queue.Queue[Request]
	ready    chan struct{}

	state        atomic.Int32
	startDone    chan struct{} // closed once Start knows whether the loop is serving
	startErr     error
	done         chan struct{}
	shutdownOnce sync.Once

	// onStarted runs between the loop coming up and Start marking the worker
	// running. Tests use it to race Shutdown against Start.
	onStarted func()

	// loop-thread only
	inFlight map[Request]struct{}
	stopping bool

	dispatched atomic.Uint64
	executed   atomic.Uint64
	completed  atomic.Uint64
	delivered  atomic.Uint64
}

// New builds a worker without starting it. Requests dispatched before Start
// run once the worker starts.
func New(opts ...Option) *Worker {
	w := &Worker{
		inbound:   queue.New[Request](),
		outbound:  queue.New[Request](),
		ready:     make(chan struct{}, 1),
		startDone: make(chan struct{}),
		done:      make(chan struct{}),
		inFlight:  make(map[Request]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = log.WithComponent("worker")
	}
	w.loop = eventloop.New(w.log)
	w.wake = eventloop.NewWakeSignal(w.loop, w.grab)
	return w
}

// Init builds and starts a worker.
func Init(opts ...Option) (*Worker, error) {
	w := New(opts...)
	if err := w.Start(); err != nil {
		return nil, err
	}
	return w, nil
}

// Start launches the worker thread and waits until its loop is serving.
func (w *Worker) Start() error {
	if !w.state.CompareAndSwap(stateNew, stateStarting) {
		return ErrAlreadyStarted
	}

	started := make(chan error, 1)
	go w.run(started)
	w.startErr = <-started
	close(w.startDone)
	if w.startErr != nil {
		w.state.Store(stateStopped)
		return fmt.Errorf("dispatch: start worker: %w", w.startErr)
	}
	if w.onStarted != nil {
		w.onStarted()
	}
	// A Shutdown that won the race has already joined the loop.
	if !w.state.CompareAndSwap(stateStarting, stateRunning) {
		return ErrStopped
	}
	w.log.Info("worker started")
	return nil
}

func (w *Worker) run(started chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	if err := w.loop.Submit(func() { started <- nil }); err != nil {
		started <- err
		return
	}
	if err := w.loop.Run(); err != nil {
		started <- err
	}
}

// Dispatch hands r to the worker. It is safe from any goroutine and never
// waits on I/O. A request accepted while Shutdown is in progress may be
// discarded without running.
func (w *Worker) Dispatch(r Request) error {
	if r == nil {
		return ErrNilRequest
	}
	if w.state.Load() == stateStopped {
		return ErrStopped
	}
	w.inbound.Push(r)
	w.dispatched.Add(1)
	_ = w.wake.Signal()
	return nil
}

// Poll delivers every completed request by calling its OnComplete on the
// calling goroutine, in completion order, and returns how many it delivered.
// With nothing completed it returns 0 without blocking.
func (w *Worker) Poll() int {
	batch := w.outbound.Drain()
	for _, r := range batch {
		w.deliver(r)
	}
	return len(batch)
}

// Ready is signalled after requests complete. Several completions may share
// one signal; callers should Poll until it returns 0.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

func (w *Worker) deliver(r Request) {
	defer func() {
		if rec := recover(); rec != nil {
			w.log.Error("OnComplete panicked", "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	w.delivered.Add(1)
	r.OnComplete()
}

// Shutdown stops the worker thread and waits for it to exit. Safe to call
// more than once and from any goroutine other than the worker thread.
func (w *Worker) Shutdown() {
	w.shutdownOnce.Do(func() {
		prev := w.state.Swap(stateStopped)
		switch prev {
		case stateRunning:
		case stateStarting:
			<-w.startDone
			if w.startErr != nil {
				<-w.done
				return
			}
		default:
			if n := len(w.inbound.Drain()); n > 0 {
				w.log.Warn("worker stopped before start; discarded requests", "discarded", n)
			}
			return
		}

		w.inbound.Push(killRequest{})
		_ = w.wake.Signal()
		<-w.done

		discarded := len(w.inFlight)
		for _, r := range w.inbound.Drain() {
			if _, ok := r.(killRequest); !ok {
				discarded++
			}
		}
		w.inFlight = nil
		if discarded > 0 {
			w.log.Warn("worker stopped with requests in flight", "discarded", discarded)
		}
		w.log.Info("worker stopped", "executed", w.executed.Load(), "completed", w.completed.Load())
	})
}

// Stats returns current counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Dispatched: w.dispatched.Load(),
		Executed:   w.executed.Load(),
		Completed:  w.completed.Load(),
		Delivered:  w.delivered.Load(),
		Pending:    w.inbound.Len(),
		Ready:      w.outbound.Len(),
	}
}

// grab runs on the loop when the wake signal fires.
func (w *Worker) grab() {
	for _, r := range w.inbound.Drain() {
		if w.stopping {
			if _, ok := r.(killRequest); !ok {
				// Counted as discarded by Shutdown.
				w.inbound.Push(r)
			}
			continue
		}
		w.execute(r)
	}
}

func (w *Worker) execute(r Request) {
	if _, ok := r.(killRequest); ok {
		r.Execute(w)
		return
	}

	w.inFlight[r] = struct{}{}
	w.executed.Add(1)
	defer func() {
		if rec := recover(); rec != nil {
			delete(w.inFlight, r)
			w.log.Error("request Execute panicked; dropped", "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	r.Execute(w)
}

// Loop implements Host.
func (w *Worker) Loop() *eventloop.Loop { return w.loop }

// Logger implements Host.
func (w *Worker) Logger() *slog.Logger { return w.log }

// Complete implements Host.
func (w *Worker) Complete(r Request) {
	if _, ok := w.inFlight[r]; !ok {
		w.log.Warn("ignoring completion of request not in flight", "request", fmt.Sprintf("%T", r))
		return
	}
	delete(w.inFlight, r)
	w.completed.Add(1)
	w.outbound.Push(r)
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// killRequest stops the loop from inside it.
type killRequest struct{}

func (killRequest) Execute(h Host) {
	if w, ok := h.(*Worker); ok {
		w.stopping = true
	}
	h.Loop().Stop()
}

func (killRequest) OnComplete() {}
