package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/courier/internal/dispatch"
	"github.com/mattjoyce/courier/internal/fetch"
	"github.com/mattjoyce/courier/internal/history"
	"github.com/mattjoyce/courier/internal/queue"
)

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	tracked, pending := s.tracker.counts()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Worker:        s.dispatcher.Stats(),
		Tracked:       tracked,
		Pending:       pending,
		Subscribers:   s.events.Subscribers(),
	})
}

// handleSubmit handles POST /fetch. Every URL is validated before any is
// dispatched.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls is required")
		return
	}
	if len(req.URLs) > s.config.MaxBatch {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d urls per request", s.config.MaxBatch))
		return
	}

	opts := slices.Clone(s.config.FetchOptions)
	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		opts = append(opts, fetch.WithHeader(name, req.Headers[name]))
	}

	reqs := make([]*fetch.UriRequest, 0, len(req.URLs))
	for i, raw := range req.URLs {
		fr, err := fetch.New(strings.TrimSpace(raw), s.onResult, opts...)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("urls[%d]: %v", i, err))
			return
		}
		reqs = append(reqs, fr)
	}

	accepted := FetchAccepted{Fetches: make([]FetchStatus, 0, len(reqs))}
	for _, fr := range reqs {
		s.tracker.add(fr)
		if err := s.dispatcher.Dispatch(fr); err != nil {
			s.tracker.remove(fr.ID())
			if errors.Is(err, dispatch.ErrStopped) {
				s.writeError(w, http.StatusServiceUnavailable, "worker is stopped")
				return
			}
			s.logger.Error("failed to dispatch fetch", "url", fr.URL(), "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to dispatch fetch")
			return
		}
		st, ok := s.tracker.status(fr.ID(), false)
		if !ok {
			// Already delivered and evicted by a later submission.
			st = FetchStatus{ID: fr.ID(), URL: fr.URL(), Status: fr.Phase().String()}
		}
		accepted.Fetches = append(accepted.Fetches, st)
	}
	respondJSON(w, http.StatusAccepted, accepted)
}

// handleList handles GET /fetch.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, FetchList{Fetches: s.tracker.list()})
}

// handleGetFetch handles GET /fetch/{fetchID}. ?body=true includes the
// response body, base64 encoded.
func (s *Server) handleGetFetch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fetchID")
	includeBody, _ := strconv.ParseBool(r.URL.Query().Get("body"))

	if st, ok := s.tracker.status(id, includeBody); ok {
		respondJSON(w, http.StatusOK, st)
		return
	}
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "fetch not found")
		return
	}
	entry, err := s.history.Get(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "fetch not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read history", "fetch_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	respondJSON(w, http.StatusOK, statusFromEntry(entry))
}

// onResult runs on the pump goroutine for every finished fetch.
func (s *Server) onResult(res fetch.Result) {
	if !s.tracker.complete(res) {
		s.logger.Warn("completion for untracked fetch", "fetch_id", res.ID)
	}
	st := FetchStatus{ID: res.ID, URL: res.URL, Status: phaseOf(res)}
	fillResult(&st, res, false)
	s.events.Publish(EventFetchCompleted, st)

	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.Record(ctx, res); err != nil {
		s.logger.Error("failed to record fetch", "fetch_id", res.ID, "error", err)
	}
}

func phaseOf(res fetch.Result) string {
	if res.OK() {
		return queue.PhaseCompletedOK.String()
	}
	return queue.PhaseCompletedError.String()
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
