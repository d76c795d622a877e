package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedRingOverwritesOldest(t *testing.T) {
	f := NewFeed(3)
	for i := 0; i < 5; i++ {
		f.Publish("tick", map[string]int{"n": i})
	}

	got := f.Since(0)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{got[0].ID, got[1].ID, got[2].ID})

	var payload map[string]int
	require.NoError(t, json.Unmarshal(got[2].Data, &payload))
	assert.Equal(t, 4, payload["n"])

	assert.Len(t, f.Since(4), 1)
	assert.Empty(t, f.Since(5))
}

func TestFeedSubscribeBacklogThenLive(t *testing.T) {
	f := NewFeed(8)
	f.Publish("a", nil)
	f.Publish("b", nil)

	backlog, ch, cancel := f.Subscribe(1)
	defer cancel()
	require.Len(t, backlog, 1)
	assert.Equal(t, "b", backlog[0].Type)
	assert.JSONEq(t, `{}`, string(backlog[0].Data))

	f.Publish("c", nil)
	select {
	case ev := <-ch:
		assert.Equal(t, "c", ev.Type)
		assert.Equal(t, int64(3), ev.ID)
	case <-time.After(time.Second):
		t.Fatal("live event not delivered")
	}
	assert.Equal(t, 1, f.Subscribers())
}

func TestFeedSlowSubscriberDoesNotBlock(t *testing.T) {
	f := NewFeed(4)
	_, _, cancel := f.Subscribe(0)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			f.Publish("flood", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestFeedCancelAndClose(t *testing.T) {
	f := NewFeed(4)
	_, ch1, cancel1 := f.Subscribe(0)
	_, ch2, _ := f.Subscribe(0)

	cancel1()
	cancel1()
	_, ok := <-ch1
	assert.False(t, ok, "cancelled subscription must be closed")

	f.Close()
	_, ok = <-ch2
	assert.False(t, ok, "Close must end subscriptions")
	assert.Equal(t, 0, f.Subscribers())

	f.Publish("late", nil)
	assert.Empty(t, f.Since(0))

	_, ch3, cancel3 := f.Subscribe(0)
	cancel3()
	_, ok = <-ch3
	assert.False(t, ok, "subscribe after Close returns a closed channel")
}
