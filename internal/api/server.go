// Package api exposes the courier worker over HTTP: submit fetches, query
// their outcome, and follow completions as server-sent events.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/courier/internal/fetch"
)

const (
	// EventFetchCompleted is the SSE event type published per finished fetch.
	EventFetchCompleted = "fetch.completed"

	defaultPollInterval = 50 * time.Millisecond
	maxRequestBodyBytes = 1 << 20
)

// Config holds API server configuration
type Config struct {
	Listen       string
	MaxTracked   int
	FeedCapacity int
	MaxBatch     int
	// PollInterval is the fallback pump period when no ready signal arrives.
	PollInterval time.Duration
	CORSOrigins  []string
	// FetchOptions apply to every fetch submitted through the API.
	FetchOptions []fetch.Option
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	dispatcher Dispatcher
	history    HistoryStore
	logger     *slog.Logger
	startedAt  time.Time
	tracker    *tracker
	events     *Feed
}

// New creates a server. store may be nil to disable history.
func New(config Config, d Dispatcher, store HistoryStore, logger *slog.Logger) *Server {
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.MaxBatch <= 0 {
		config.MaxBatch = 64
	}
	return &Server{
		config:     config,
		dispatcher: d,
		history:    store,
		logger:     logger,
		startedAt:  time.Now(),
		tracker:    newTracker(config.MaxTracked),
		events:     NewFeed(config.FeedCapacity),
	}
}

// Events exposes the completion feed.
func (s *Server) Events() *Feed { return s.events }

// Start listens on config.Listen and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln alongside the poll pump that delivers
// worker completions. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("API server listening", "listen", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.Pump(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("API server shutting down")
		// SSE handlers return once their subscriptions close.
		s.events.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Pump polls the dispatcher whenever it signals readiness, and on a fixed
// period as a fallback, until ctx is done. Fetch handlers run on this
// goroutine.
func (s *Server) Pump(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	ready := s.dispatcher.Ready()
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case <-ready:
		case <-ticker.C:
		}
		s.drain()
	}
}

func (s *Server) drain() {
	for s.dispatcher.Poll() > 0 {
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/fetch", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{fetchID}", s.handleGetFetch)
	})
	r.Get("/events", s.handleEvents)

	if len(s.config.CORSOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Last-Event-ID"},
	}).Handler(r)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
