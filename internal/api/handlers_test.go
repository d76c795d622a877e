package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/courier/internal/api/mocks"
	"github.com/mattjoyce/courier/internal/dispatch"
	"github.com/mattjoyce/courier/internal/fetch"
	"github.com/mattjoyce/courier/internal/history"
	"github.com/mattjoyce/courier/internal/log"
	"github.com/mattjoyce/courier/internal/neterr"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func newTestServer(t *testing.T, d Dispatcher, store HistoryStore) (*Server, *bytes.Buffer) {
	t.Helper()
	logger, buf := newTestLogger()
	return New(Config{MaxTracked: 16, FeedCapacity: 16, MaxBatch: 3}, d, store, logger), buf
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandleSubmitDispatchesEveryURL(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	d := mocks.NewMockDispatcher(ctrl)
	s, _ := newTestServer(t, d, nil)

	var dispatched []*fetch.UriRequest
	d.EXPECT().Dispatch(gomock.Any()).Times(2).DoAndReturn(func(r dispatch.Request) error {
		dispatched = append(dispatched, r.(*fetch.UriRequest))
		return nil
	})

	rr := do(t, s.Handler(), http.MethodPost, "/fetch",
		`{"urls":["http://a.test/x","http://b.test:8080/"],"headers":{"Accept":"text/plain"}}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp FetchAccepted
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Fetches, 2)
	assert.Equal(t, "http://a.test/x", resp.Fetches[0].URL)
	assert.Equal(t, "pending", resp.Fetches[0].Status)
	require.Len(t, dispatched, 2)
	assert.Equal(t, dispatched[1].ID(), resp.Fetches[1].ID)

	rr = do(t, s.Handler(), http.MethodGet, "/fetch/"+resp.Fetches[0].ID, "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, s.Handler(), http.MethodGet, "/fetch", "")
	var list FetchList
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Len(t, list.Fetches, 2)
}

func TestHandleSubmitReportsEvictedFetch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	d := mocks.NewMockDispatcher(ctrl)
	logger, _ := newTestLogger()
	s := New(Config{MaxTracked: 1, FeedCapacity: 4}, d, nil, logger)

	var dispatched *fetch.UriRequest
	d.EXPECT().Dispatch(gomock.Any()).DoAndReturn(func(r dispatch.Request) error {
		dispatched = r.(*fetch.UriRequest)
		// The pump delivers the fetch and another submission evicts it
		// before the handler builds its response.
		s.onResult(finished(dispatched.ID()))
		s.tracker.add(newTestFetch(t, "later"))
		return nil
	})

	rr := do(t, s.Handler(), http.MethodPost, "/fetch", `{"urls":["http://a.test/x"]}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	_, tracked := s.tracker.status(dispatched.ID(), false)
	require.False(t, tracked)

	var resp FetchAccepted
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Fetches, 1)
	assert.Equal(t, dispatched.ID(), resp.Fetches[0].ID)
	assert.Equal(t, "http://a.test/x", resp.Fetches[0].URL)
	assert.NotEmpty(t, resp.Fetches[0].Status)
}

func TestHandleSubmitValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "invalid json", body: `{"urls":`, wantErr: "invalid JSON body"},
		{name: "unknown field", body: `{"url":"http://a/"}`, wantErr: "invalid JSON body"},
		{name: "empty body", body: ``, wantErr: "urls is required"},
		{name: "no urls", body: `{"urls":[]}`, wantErr: "urls is required"},
		{name: "too many", body: `{"urls":["http://a/","http://b/","http://c/","http://d/"]}`, wantErr: "at most 3 urls"},
		{name: "https rejected", body: `{"urls":["http://a/","https://b/"]}`, wantErr: "urls[1]"},
		{name: "bad header", body: `{"urls":["http://a/"],"headers":{"X-Bad":"a\nb"}}`, wantErr: "urls[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			// No Dispatch expectations: a rejected batch dispatches nothing.
			d := mocks.NewMockDispatcher(ctrl)
			s, _ := newTestServer(t, d, nil)

			rr := do(t, s.Handler(), http.MethodPost, "/fetch", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			var er ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &er))
			assert.Contains(t, er.Error, tt.wantErr)
		})
	}
}

func TestHandleSubmitWorkerStopped(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	d := mocks.NewMockDispatcher(ctrl)
	s, _ := newTestServer(t, d, nil)
	d.EXPECT().Dispatch(gomock.Any()).Return(dispatch.ErrStopped)

	rr := do(t, s.Handler(), http.MethodPost, "/fetch", `{"urls":["http://a.test/"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	tracked, _ := s.tracker.counts()
	assert.Equal(t, 0, tracked, "undispatched fetch must not stay tracked")
}

func TestHandleSubmitDispatchFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	d := mocks.NewMockDispatcher(ctrl)
	s, logBuf := newTestServer(t, d, nil)
	d.EXPECT().Dispatch(gomock.Any()).Return(errors.New("boom"))

	rr := do(t, s.Handler(), http.MethodPost, "/fetch", `{"urls":["http://a.test/"]}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, logBuf.String(), "failed to dispatch fetch")
}

func TestHandleGetFetchFromHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	d := mocks.NewMockDispatcher(ctrl)
	store := mocks.NewMockHistoryStore(ctrl)
	s, _ := newTestServer(t, d, store)

	done := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	store.EXPECT().Get(gomock.Any(), "old").Return(history.Entry{
		ID: "old", URL: "http://a.test/", Status: "ok", StatusCode: 201, ErrorKind: "none",
		StartedAt: done.Add(-time.Second), CompletedAt: done, Duration: time.Second,
	}, nil)
	store.EXPECT().Get(gomock.Any(), "gone").Return(history.Entry{}, history.ErrNotFound)
	store.EXPECT().Get(gomock.Any(), "broken").Return(history.Entry{}, errors.New("disk"))

	rr := do(t, s.Handler(), http.MethodGet, "/fetch/old", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st FetchStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, "history", st.Source)
	assert.Equal(t, "completed_ok", st.Status)
	assert.Equal(t, 201, st.StatusCode)
	assert.Equal(t, int64(1000), st.DurationMS)
	assert.Empty(t, st.ErrorKind)

	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/fetch/gone", "").Code)
	assert.Equal(t, http.StatusInternalServerError, do(t, s.Handler(), http.MethodGet, "/fetch/broken", "").Code)
}

func TestHandleGetFetchNotFoundWithoutHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	s, _ := newTestServer(t, mocks.NewMockDispatcher(ctrl), nil)
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/fetch/nope", "").Code)
}

func TestHandleHealthz(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	d := mocks.NewMockDispatcher(ctrl)
	s, _ := newTestServer(t, d, nil)
	d.EXPECT().Stats().Return(dispatch.Stats{Dispatched: 7, Completed: 5, Pending: 2})

	rr := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, uint64(7), resp.Worker.Dispatched)
	assert.Equal(t, 2, resp.Worker.Pending)
}

func TestOnResultTracksPublishesAndRecords(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	d := mocks.NewMockDispatcher(ctrl)
	store := mocks.NewMockHistoryStore(ctrl)
	s, logBuf := newTestServer(t, d, store)

	fr := newTestFetch(t, "one")
	s.tracker.add(fr)

	res := finished("one")
	failed := fetch.Result{ID: "two", URL: "http://x/", Err: neterr.New(neterr.KindClosed, "read", errors.New("eof"))}

	gomock.InOrder(
		store.EXPECT().Record(gomock.Any(), res).Return(nil),
		store.EXPECT().Record(gomock.Any(), failed).Return(errors.New("readonly")),
	)

	s.onResult(res)
	s.onResult(failed)

	st, ok := s.tracker.status("one", false)
	require.True(t, ok)
	assert.Equal(t, "completed_ok", st.Status)

	events := s.events.Since(0)
	require.Len(t, events, 2)
	assert.Equal(t, EventFetchCompleted, events[0].Type)
	var payload FetchStatus
	require.NoError(t, json.Unmarshal(events[1].Data, &payload))
	assert.Equal(t, "completed_error", payload.Status)
	assert.Equal(t, "closed_without_response", payload.ErrorKind)

	assert.Contains(t, logBuf.String(), "completion for untracked fetch")
	assert.Contains(t, logBuf.String(), "failed to record fetch")
}

func TestPumpPollsOnReadyUntilDrained(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	d := mocks.NewMockDispatcher(ctrl)
	s, _ := newTestServer(t, d, nil)
	s.config.PollInterval = time.Hour

	ready := make(chan struct{}, 1)
	polled := make(chan struct{})
	d.EXPECT().Ready().Return((<-chan struct{})(ready))
	gomock.InOrder(
		d.EXPECT().Poll().Return(2),
		d.EXPECT().Poll().DoAndReturn(func() int { close(polled); return 0 }),
		// Final drain on exit.
		d.EXPECT().Poll().Return(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Pump(ctx) }()

	ready <- struct{}{}
	select {
	case <-polled:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not poll after ready")
	}
	cancel()
	require.NoError(t, <-errCh)
}

func TestCORSOrigins(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	d := mocks.NewMockDispatcher(ctrl)
	logger, _ := newTestLogger()
	s := New(Config{CORSOrigins: []string{"http://ui.test"}}, d, nil, logger)
	d.EXPECT().Stats().Return(dispatch.Stats{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://ui.test")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, "http://ui.test", rr.Header().Get("Access-Control-Allow-Origin"))
}
