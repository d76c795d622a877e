package api

import (
	"time"

	"github.com/mattjoyce/courier/internal/dispatch"
	"github.com/mattjoyce/courier/internal/fetch"
	"github.com/mattjoyce/courier/internal/history"
	"github.com/mattjoyce/courier/internal/queue"
)

// FetchRequest is the JSON body for POST /fetch.
type FetchRequest struct {
	URLs    []string          `json:"urls"`
	Headers map[string]string `json:"headers,omitempty"`
}

// FetchAccepted is returned by POST /fetch.
type FetchAccepted struct {
	Fetches []FetchStatus `json:"fetches"`
}

// FetchList is returned by GET /fetch.
type FetchList struct {
	Fetches []FetchStatus `json:"fetches"`
}

type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FetchStatus describes one fetch, pending or finished.
type FetchStatus struct {
	ID          string        `json:"id"`
	URL         string        `json:"url"`
	Status      string        `json:"status"`
	StatusCode  int           `json:"status_code,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Headers     []HeaderField `json:"headers,omitempty"`
	BodyBytes   int           `json:"body_bytes"`
	BodyDigest  string        `json:"body_digest,omitempty"`
	Body        []byte        `json:"body,omitempty"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	SubmittedAt *time.Time    `json:"submitted_at,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	DurationMS  int64         `json:"duration_ms,omitempty"`
	// Source is "history" when the fetch was answered from the SQLite log.
	Source string `json:"source,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Worker        dispatch.Stats `json:"worker"`
	Tracked       int            `json:"tracked"`
	Pending       int            `json:"pending"`
	Subscribers   int            `json:"subscribers"`
}

func statusOf(tf *trackedFetch, includeBody bool) FetchStatus {
	submitted := tf.submitted
	st := FetchStatus{
		ID:          tf.req.ID(),
		URL:         tf.req.URL(),
		Status:      tf.phase().String(),
		SubmittedAt: &submitted,
	}
	if tf.result != nil {
		fillResult(&st, *tf.result, includeBody)
	}
	return st
}

func fillResult(st *FetchStatus, res fetch.Result, includeBody bool) {
	started, finished := res.StartedAt, res.FinishedAt
	if !started.IsZero() {
		st.StartedAt = &started
	}
	if !finished.IsZero() {
		st.CompletedAt = &finished
	}
	st.DurationMS = res.Duration().Milliseconds()
	st.BodyDigest = res.Digest
	if res.Err != nil {
		st.ErrorKind = res.Kind().String()
		st.Error = res.Err.Error()
	}
	if resp := res.Response; resp != nil {
		st.StatusCode = resp.StatusCode
		st.Reason = resp.Reason
		st.BodyBytes = len(resp.Body)
		st.Headers = make([]HeaderField, 0, len(resp.Headers))
		for _, h := range resp.Headers {
			st.Headers = append(st.Headers, HeaderField{Name: h.Name, Value: h.Value})
		}
		if includeBody {
			st.Body = resp.Body
		}
	}
}

func statusFromEntry(e history.Entry) FetchStatus {
	started, completed := e.StartedAt, e.CompletedAt
	st := FetchStatus{
		ID:          e.ID,
		URL:         e.URL,
		Status:      queue.PhaseCompletedError.String(),
		StatusCode:  e.StatusCode,
		BodyBytes:   e.BodyBytes,
		BodyDigest:  e.BodyDigest,
		Error:       e.LastError,
		StartedAt:   &started,
		CompletedAt: &completed,
		DurationMS:  e.Duration.Milliseconds(),
		Source:      "history",
	}
	if e.Status == "ok" {
		st.Status = queue.PhaseCompletedOK.String()
	} else {
		st.ErrorKind = e.ErrorKind
	}
	return st
}
