package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/courier/internal/dispatch"
	"github.com/mattjoyce/courier/internal/fetch"
	"github.com/mattjoyce/courier/internal/history"
)

// upstream serves one canned HTTP response per connection.
func upstream(t *testing.T, raw string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
					return
				}
				_, _ = io.WriteString(c, raw)
			}()
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return "http://" + ln.Addr().String()
}

type liveServer struct {
	base   string
	store  *history.Store
	cancel context.CancelFunc
	done   chan error
}

func startLive(t *testing.T) *liveServer {
	t.Helper()
	w, err := dispatch.Init()
	require.NoError(t, err)
	t.Cleanup(w.Shutdown)

	store, err := history.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger, _ := newTestLogger()
	s := New(Config{
		MaxTracked:   1,
		FeedCapacity: 16,
		MaxBatch:     8,
		PollInterval: 10 * time.Millisecond,
		FetchOptions: []fetch.Option{fetch.WithTimeouts(time.Second, 2*time.Second)},
	}, w, store, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	ls := &liveServer{base: "http://" + ln.Addr().String(), store: store, cancel: cancel, done: make(chan error, 1)}
	go func() { ls.done <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ls.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ls
}

func (ls *liveServer) submit(t *testing.T, urls ...string) []FetchStatus {
	t.Helper()
	body, _ := json.Marshal(FetchRequest{URLs: urls})
	resp, err := http.Post(ls.base+"/fetch", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted FetchAccepted
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	return accepted.Fetches
}

func (ls *liveServer) waitDone(t *testing.T, id string) FetchStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ls.base + "/fetch/" + id + "?body=true")
		require.NoError(t, err)
		var st FetchStatus
		err = json.NewDecoder(resp.Body).Decode(&st)
		resp.Body.Close()
		require.NoError(t, err)
		if strings.HasPrefix(st.Status, "completed") {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("fetch %s never completed", id)
	return FetchStatus{}
}

func TestServeFetchRoundTrip(t *testing.T) {
	target := upstream(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	ls := startLive(t)

	fetches := ls.submit(t, target+"/")
	require.Len(t, fetches, 1)

	st := ls.waitDone(t, fetches[0].ID)
	assert.Equal(t, "completed_ok", st.Status)
	assert.Equal(t, 200, st.StatusCode)
	assert.Equal(t, []byte("hello"), st.Body)
	assert.Equal(t, fetch.BodyDigest([]byte("hello")), st.BodyDigest)

	// Recording follows the in-memory update on the pump goroutine.
	var entry history.Entry
	require.Eventually(t, func() bool {
		var err error
		entry, err = ls.store.Get(context.Background(), fetches[0].ID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ok", entry.Status)
}

func TestServeFallsBackToHistoryAfterEviction(t *testing.T) {
	target := upstream(t, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
	ls := startLive(t)

	first := ls.submit(t, target+"/a")[0]
	ls.waitDone(t, first.ID)
	second := ls.submit(t, target+"/b")[0]
	ls.waitDone(t, second.ID)

	// MaxTracked is 1, so the first fetch now comes from SQLite.
	resp, err := http.Get(ls.base + "/fetch/" + first.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	var st FetchStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "history", st.Source)
	assert.Equal(t, 404, st.StatusCode)
}

func TestServeEventStream(t *testing.T) {
	target := upstream(t, "HTTP/1.1 204 No Content\r\n\r\n")
	ls := startLive(t)

	req, err := http.NewRequest(http.MethodGet, ls.base+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	submitted := ls.submit(t, target+"/")[0]

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	var sawEvent bool
	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream ended early")
			if line == "event: "+EventFetchCompleted {
				sawEvent = true
				continue
			}
			if sawEvent && strings.HasPrefix(line, "data: ") {
				var st FetchStatus
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &st))
				assert.Equal(t, submitted.ID, st.ID)
				assert.Equal(t, 204, st.StatusCode)
				return
			}
		case <-timeout:
			t.Fatal("no completion event on the stream")
		}
	}
}

func TestServeStopsCleanly(t *testing.T) {
	ls := startLive(t)

	// An open SSE stream must not hold up shutdown.
	resp, err := http.Get(ls.base + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	ls.cancel()
	select {
	case err := <-ls.done:
		assert.NoError(t, err)
		ls.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
