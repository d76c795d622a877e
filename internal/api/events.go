package api

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one entry of the completion feed.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

const subscriberBuffer = 64

// Feed is an in-memory pub/sub with a ring buffer so late SSE clients can
// replay recent events via Last-Event-ID.
type Feed struct {
	mu     sync.Mutex
	nextID int64
	ring   []Event
	start  int
	size   int
	subs   map[chan Event]struct{}
	closed bool
}

func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = 1
	}
	return &Feed{
		ring: make([]Event, capacity),
		subs: make(map[chan Event]struct{}),
	}
}

// Publish appends an event and fans it out. Slow subscribers miss live
// events rather than block the publisher.
func (f *Feed) Publish(eventType string, data any) Event {
	payload := json.RawMessage(`{}`)
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ev := Event{ID: f.nextID, Type: eventType, At: time.Now().UTC(), Data: payload}
	if f.closed {
		return ev
	}
	f.push(ev)
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe returns the buffered events newer than lastID together with a
// channel of later events; nothing published in between is lost. The
// channel is closed by cancel or Close.
func (f *Feed) Subscribe(lastID int64) ([]Event, <-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	backlog := f.since(lastID)
	ch := make(chan Event, subscriberBuffer)
	if f.closed {
		close(ch)
		return backlog, ch, func() {}
	}
	f.subs[ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subs[ch]; ok {
				delete(f.subs, ch)
				close(ch)
			}
		})
	}
	return backlog, ch, cancel
}

// Since returns buffered events with ID > lastID, oldest first.
func (f *Feed) Since(lastID int64) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.since(lastID)
}

func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close ends every subscription. Later publishes are dropped.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		delete(f.subs, ch)
		close(ch)
	}
}

func (f *Feed) since(lastID int64) []Event {
	out := make([]Event, 0, f.size)
	for i := 0; i < f.size; i++ {
		ev := f.ring[(f.start+i)%len(f.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (f *Feed) push(ev Event) {
	capacity := len(f.ring)
	if f.size < capacity {
		f.ring[(f.start+f.size)%capacity] = ev
		f.size++
		return
	}
	// Overwrite oldest.
	f.ring[f.start] = ev
	f.start = (f.start + 1) % capacity
}
