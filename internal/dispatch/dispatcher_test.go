package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/courier/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type completion int

const (
	completeNow completion = iota
	completeLater
	completeNever
	completeTwice
	panicInExecute
)

type fakeRequest struct {
	id   int
	mode completion

	executedOn *[]int
	delivered  atomic.Int32
	onDeliver  func(*fakeRequest)
}

func (r *fakeRequest) Execute(h Host) {
	if r.executedOn != nil {
		*r.executedOn = append(*r.executedOn, r.id)
	}
	switch r.mode {
	case completeNow:
		h.Complete(r)
	case completeLater:
		h.Loop().AfterFunc(time.Millisecond, func() { h.Complete(r) })
	case completeTwice:
		h.Complete(r)
		h.Complete(r)
	case panicInExecute:
		panic("execute exploded")
	case completeNever:
	}
}

func (r *fakeRequest) OnComplete() {
	r.delivered.Add(1)
	if r.onDeliver != nil {
		r.onDeliver(r)
	}
}

func startWorker(t *testing.T, opts ...Option) *Worker {
	t.Helper()
	w, err := Init(opts...)
	require.NoError(t, err)
	t.Cleanup(w.Shutdown)
	return w
}

// pollUntil polls w until n requests have been delivered in total.
func pollUntil(t *testing.T, w *Worker, n int) int {
	t.Helper()
	total := 0
	deadline := time.After(5 * time.Second)
	for total < n {
		total += w.Poll()
		if total >= n {
			break
		}
		select {
		case <-w.Ready():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("delivered %d of %d", total, n)
		}
	}
	return total
}

func TestPollWithNothingPending(t *testing.T) {
	w := startWorker(t)
	assert.Equal(t, 0, w.Poll())
	assert.Equal(t, 0, w.Poll())
}

func TestEveryRequestDeliveredExactlyOnce(t *testing.T) {
	w := startWorker(t)

	var reqs []*fakeRequest
	for i := 0; i < 200; i++ {
		mode := completeNow
		if i%2 == 1 {
			mode = completeLater
		}
		r := &fakeRequest{id: i, mode: mode}
		reqs = append(reqs, r)
		require.NoError(t, w.Dispatch(r))
	}

	assert.Equal(t, 200, pollUntil(t, w, 200))
	assert.Equal(t, 0, w.Poll())
	for _, r := range reqs {
		assert.Equal(t, int32(1), r.delivered.Load(), "request %d", r.id)
	}

	st := w.Stats()
	assert.Equal(t, uint64(200), st.Dispatched)
	assert.Equal(t, uint64(200), st.Executed)
	assert.Equal(t, uint64(200), st.Completed)
	assert.Equal(t, uint64(200), st.Delivered)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 0, st.Ready)
}

func TestConcurrentDispatchers(t *testing.T) {
	w := startWorker(t)

	const producers, each = 8, 250
	var (
		wg   sync.WaitGroup
		all  sync.Map
		errs atomic.Int32
	)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				r := &fakeRequest{id: p*each + i, mode: completeNow}
				all.Store(r.id, r)
				if w.Dispatch(r) != nil {
					errs.Add(1)
				}
			}
		}(p)
	}
	wg.Wait()
	require.Zero(t, errs.Load())

	pollUntil(t, w, producers*each)
	all.Range(func(_, v any) bool {
		r := v.(*fakeRequest)
		assert.Equal(t, int32(1), r.delivered.Load(), "request %d", r.id)
		return true
	})
}

func TestExecuteFollowsDispatchOrder(t *testing.T) {
	w := New()
	var order []int
	for i := 0; i < 50; i++ {
		require.NoError(t, w.Dispatch(&fakeRequest{id: i, mode: completeNow, executedOn: &order}))
	}
	require.NoError(t, w.Start())
	t.Cleanup(w.Shutdown)

	pollUntil(t, w, 50)
	require.Len(t, order, 50)
	for i, id := range order {
		assert.Equal(t, i, id)
	}
}

func TestCompletionOrderIsDeliveryOrder(t *testing.T) {
	w := startWorker(t)

	var got []int
	record := func(r *fakeRequest) { got = append(got, r.id) }
	slow := &fakeRequest{id: 1, mode: completeLater, onDeliver: record}
	fast := &fakeRequest{id: 2, mode: completeNow, onDeliver: record}
	require.NoError(t, w.Dispatch(slow))
	require.NoError(t, w.Dispatch(fast))

	pollUntil(t, w, 2)
	assert.Equal(t, []int{2, 1}, got)
}

func TestDoubleCompleteIgnored(t *testing.T) {
	w := startWorker(t)
	r := &fakeRequest{mode: completeTwice}
	require.NoError(t, w.Dispatch(r))

	pollUntil(t, w, 1)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, w.Poll())
	assert.Equal(t, int32(1), r.delivered.Load())
}

func TestExecutePanicIsolated(t *testing.T) {
	w := startWorker(t)
	bad := &fakeRequest{id: 1, mode: panicInExecute}
	good := &fakeRequest{id: 2, mode: completeLater}
	require.NoError(t, w.Dispatch(bad))
	require.NoError(t, w.Dispatch(good))

	pollUntil(t, w, 1)
	assert.Equal(t, int32(1), good.delivered.Load())
	assert.Equal(t, int32(0), bad.delivered.Load())
}

func TestOnCompletePanicDoesNotLoseBatch(t *testing.T) {
	w := startWorker(t)
	a := &fakeRequest{id: 1, mode: completeNow, onDeliver: func(*fakeRequest) { panic("caller bug") }}
	b := &fakeRequest{id: 2, mode: completeNow}
	require.NoError(t, w.Dispatch(a))
	require.NoError(t, w.Dispatch(b))

	pollUntil(t, w, 2)
	assert.Equal(t, int32(1), b.delivered.Load())
}

func TestShutdownIdempotentAndRejectsDispatch(t *testing.T) {
	w, err := Init()
	require.NoError(t, err)

	w.Shutdown()
	w.Shutdown()

	err = w.Dispatch(&fakeRequest{mode: completeNow})
	assert.True(t, errors.Is(err, ErrStopped))
	assert.True(t, errors.Is(w.Start(), ErrAlreadyStarted))
}

func TestShutdownDiscardsInFlight(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&syncWriter{w: &buf}, nil))

	w, err := Init(WithLogger(logger))
	require.NoError(t, err)

	stuck := []*fakeRequest{{id: 1, mode: completeNever}, {id: 2, mode: completeNever}}
	done := &fakeRequest{id: 3, mode: completeNow}
	for _, r := range stuck {
		require.NoError(t, w.Dispatch(r))
	}
	require.NoError(t, w.Dispatch(done))
	pollUntil(t, w, 1)

	finished := make(chan struct{})
	go func() {
		w.Shutdown()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown hung with requests in flight")
	}

	var discarded float64
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		if v, ok := rec["discarded"]; ok {
			discarded = v.(float64)
		}
	}
	assert.Equal(t, float64(2), discarded)
	for _, r := range stuck {
		assert.Equal(t, int32(0), r.delivered.Load())
	}
}

func TestShutdownBeforeStart(t *testing.T) {
	w := New()
	require.NoError(t, w.Dispatch(&fakeRequest{mode: completeNow}))
	w.Shutdown()
	assert.True(t, errors.Is(w.Dispatch(&fakeRequest{}), ErrStopped))
	assert.Equal(t, 0, w.Poll())
}

// Shutdown landing after the loop is serving but before Start marks the
// worker running must still join the worker goroutine.
func TestShutdownDuringStartJoinsWorker(t *testing.T) {
	w := New()
	shut := make(chan struct{})
	w.onStarted = func() {
		go func() {
			w.Shutdown()
			close(shut)
		}()
		require.Eventually(t, func() bool { return w.state.Load() == stateStopped },
			5*time.Second, time.Millisecond)
	}

	err := w.Start()
	assert.True(t, errors.Is(err, ErrStopped), "got %v", err)

	select {
	case <-shut:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown hung while Start was in progress")
	}
	select {
	case <-w.done:
	default:
		t.Fatal("worker goroutine still running after Shutdown returned")
	}
	assert.False(t, w.loop.Running())
	assert.True(t, errors.Is(w.Dispatch(&fakeRequest{}), ErrStopped))
}

func TestDispatchNil(t *testing.T) {
	w := startWorker(t)
	assert.True(t, errors.Is(w.Dispatch(nil), ErrNilRequest))
}

func TestCompletedBeforeShutdownStillPollable(t *testing.T) {
	w, err := Init()
	require.NoError(t, err)

	r := &fakeRequest{mode: completeNow}
	require.NoError(t, w.Dispatch(r))
	select {
	case <-w.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed")
	}
	w.Shutdown()

	assert.Equal(t, 1, w.Poll())
	assert.Equal(t, int32(1), r.delivered.Load())
}

type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
