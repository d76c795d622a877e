package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/courier/internal/fetch"
	"github.com/mattjoyce/courier/internal/httpwire"
	"github.com/mattjoyce/courier/internal/queue"
)

func newTestFetch(t *testing.T, id string) *fetch.UriRequest {
	t.Helper()
	r, err := fetch.New("http://example.test/"+id, nil, fetch.WithID(id))
	require.NoError(t, err)
	return r
}

func finished(id string) fetch.Result {
	now := time.Now()
	return fetch.Result{
		ID:         id,
		URL:        "http://example.test/" + id,
		Response:   &httpwire.Response{Proto: "HTTP/1.1", StatusCode: 200, Reason: "OK", Body: []byte("ok")},
		StartedAt:  now,
		FinishedAt: now,
	}
}

func TestTrackerEvictsOldestFinishedOnly(t *testing.T) {
	tr := newTracker(2)
	tr.add(newTestFetch(t, "a"))
	tr.add(newTestFetch(t, "b"))
	tr.add(newTestFetch(t, "c"))

	// Nothing finished yet, so all three are held.
	tracked, pending := tr.counts()
	assert.Equal(t, 3, tracked)
	assert.Equal(t, 3, pending)

	require.True(t, tr.complete(finished("b")))
	_, ok := tr.status("b", false)
	assert.False(t, ok, "finished b should be evicted")
	_, ok = tr.status("a", false)
	assert.True(t, ok, "pending a must survive")

	require.True(t, tr.complete(finished("a")))
	tracked, _ = tr.counts()
	assert.Equal(t, 2, tracked)

	assert.False(t, tr.complete(finished("zzz")))
}

func TestTrackerStatus(t *testing.T) {
	tr := newTracker(10)
	tr.add(newTestFetch(t, "a"))

	st, ok := tr.status("a", true)
	require.True(t, ok)
	assert.Equal(t, queue.PhasePending.String(), st.Status)
	assert.Nil(t, st.CompletedAt)
	assert.NotNil(t, st.SubmittedAt)

	tr.complete(finished("a"))
	st, _ = tr.status("a", true)
	assert.Equal(t, queue.PhaseCompletedOK.String(), st.Status)
	assert.Equal(t, 200, st.StatusCode)
	assert.Equal(t, []byte("ok"), st.Body)
	assert.Equal(t, 2, st.BodyBytes)

	st, _ = tr.status("a", false)
	assert.Nil(t, st.Body)
}

func TestTrackerListNewestFirst(t *testing.T) {
	tr := newTracker(10)
	tr.add(newTestFetch(t, "a"))
	tr.add(newTestFetch(t, "b"))
	tr.remove("zzz")

	list := tr.list()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)

	tr.remove("b")
	assert.Len(t, tr.list(), 1)
}
