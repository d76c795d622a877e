package api

import (
	"sync"
	"time"

	"github.com/mattjoyce/courier/internal/fetch"
	"github.com/mattjoyce/courier/internal/queue"
)

type trackedFetch struct {
	req       *fetch.UriRequest
	submitted time.Time
	result    *fetch.Result
}

func (t *trackedFetch) phase() queue.Phase {
	if t.result == nil {
		if t.req.Phase() == queue.PhasePending {
			return queue.PhasePending
		}
		return queue.PhaseExecuting
	}
	if t.result.OK() {
		return queue.PhaseCompletedOK
	}
	return queue.PhaseCompletedError
}

// tracker remembers submitted fetches by ID. Finished entries are evicted
// oldest first once more than max are held; pending ones never are.
type tracker struct {
	mu    sync.Mutex
	max   int
	byID  map[string]*trackedFetch
	order []string
}

func newTracker(max int) *tracker {
	if max <= 0 {
		max = 1
	}
	return &tracker{max: max, byID: make(map[string]*trackedFetch)}
}

func (t *tracker) add(r *fetch.UriRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[r.ID()] = &trackedFetch{req: r, submitted: time.Now()}
	t.order = append(t.order, r.ID())
	t.evict()
}

func (t *tracker) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[id]; !ok {
		return
	}
	delete(t.byID, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// complete stores res and reports whether its ID was tracked.
func (t *tracker) complete(res fetch.Result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tf, ok := t.byID[res.ID]
	if !ok {
		return false
	}
	tf.result = &res
	t.evict()
	return true
}

func (t *tracker) status(id string, includeBody bool) (FetchStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tf, ok := t.byID[id]
	if !ok {
		return FetchStatus{}, false
	}
	return statusOf(tf, includeBody), true
}

// list returns tracked fetches, newest first.
func (t *tracker) list() []FetchStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FetchStatus, 0, len(t.order))
	for i := len(t.order) - 1; i >= 0; i-- {
		out = append(out, statusOf(t.byID[t.order[i]], false))
	}
	return out
}

func (t *tracker) counts() (tracked, pending int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tf := range t.byID {
		if tf.result == nil {
			pending++
		}
	}
	return len(t.byID), pending
}

func (t *tracker) evict() {
	for len(t.byID) > t.max {
		victim := -1
		for i, id := range t.order {
			if t.byID[id].result != nil {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		delete(t.byID, t.order[victim])
		t.order = append(t.order[:victim], t.order[victim+1:]...)
	}
}
