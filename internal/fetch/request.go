// Package fetch implements the HTTP GET request that courier dispatches to
// its worker.
package fetch

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/courier/internal/dispatch"
	"github.com/mattjoyce/courier/internal/eventloop"
	"github.com/mattjoyce/courier/internal/httpconn"
	"github.com/mattjoyce/courier/internal/httpwire"
	"github.com/mattjoyce/courier/internal/lock"
	"github.com/mattjoyce/courier/internal/neterr"
	"github.com/mattjoyce/courier/internal/queue"
	"github.com/mattjoyce/courier/internal/transport"
)

const (
	DefaultConnectTimeout  = transport.DefaultConnectTimeout
	DefaultResponseTimeout = 30 * time.Second
)

var ErrUnsupportedScheme = errors.New("fetch: only http:// URLs are supported")

// Handler receives the outcome of a fetch on the goroutine that polls the
// worker.
type Handler func(Result)

// Result is the outcome of one fetch. Exactly one of Response and Err is set.
type Result struct {
	ID         string
	URL        string
	Response   *httpwire.Response
	Err        error
	Digest     string
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r Result) OK() bool { return r.Err == nil && r.Response != nil }

func (r Result) Kind() neterr.Kind { return neterr.KindOf(r.Err) }

func (r Result) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// BodyDigest returns the blake3 digest of body as "blake3:<hex>".
func BodyDigest(body []byte) string {
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:])
}

type Option func(*UriRequest)

// WithTimeouts bounds the dial and the wait for a complete response. The
// response deadline runs from Execute. Zero keeps the default.
func WithTimeouts(connect, response time.Duration) Option {
	return func(r *UriRequest) {
		if connect > 0 {
			r.connectTimeout = connect
		}
		if response > 0 {
			r.responseTimeout = response
		}
	}
}

// WithLimits bounds the response header section and body.
func WithLimits(maxHeaderBytes int, maxBodyBytes int64) Option {
	return func(r *UriRequest) {
		r.limits = httpwire.Options{MaxHeaderBytes: maxHeaderBytes, MaxBodyBytes: maxBodyBytes}
	}
}

// WithHeader adds a request header sent after Host.
func WithHeader(name, value string) Option {
	return func(r *UriRequest) {
		r.headers = append(r.headers, httpwire.Header{Name: name, Value: value})
	}
}

func WithUserAgent(ua string) Option {
	return func(r *UriRequest) {
		if ua != "" {
			r.headers = append(r.headers, httpwire.Header{Name: "User-Agent", Value: ua})
		}
	}
}

// WithID overrides the generated request ID.
func WithID(id string) Option {
	return func(r *UriRequest) {
		if id != "" {
			r.id = id
		}
	}
}

// UriRequest fetches one http:// URL with a GET. It implements
// dispatch.Request.
type UriRequest struct {
	id              string
	rawURL          string
	hostname        string
	port            int
	hostHeader      string
	target          string
	handler         Handler
	connectTimeout  time.Duration
	responseTimeout time.Duration
	limits          httpwire.Options
	headers         []httpwire.Header

	mu    lock.Mutex
	phase queue.Phase

	// worker thread only, until handoff
	host   dispatch.Host
	log    *slog.Logger
	conn   *httpconn.Conn
	timer  *eventloop.Timer
	done   bool
	result Result
}

// New parses rawURL and builds a request that reports to handler.
func New(rawURL string, handler Handler, opts ...Option) (*UriRequest, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
	case "":
		return nil, fmt.Errorf("fetch: url %q has no scheme", rawURL)
	default:
		return nil, fmt.Errorf("%w (got %s)", ErrUnsupportedScheme, u.Scheme)
	}
	hostname := u.Hostname()
	if hostname == "" {
		return nil, fmt.Errorf("fetch: url %q has no host", rawURL)
	}
	port := 80
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("fetch: invalid port %q", p)
		}
	}

	r := &UriRequest{
		id:              uuid.NewString(),
		rawURL:          rawURL,
		hostname:        hostname,
		port:            port,
		hostHeader:      hostHeader(hostname, port),
		target:          u.RequestURI(),
		handler:         handler,
		connectTimeout:  DefaultConnectTimeout,
		responseTimeout: DefaultResponseTimeout,
		phase:           queue.PhasePending,
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, h := range r.headers {
		if err := httpwire.ValidateHeader(h); err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
	}
	return r, nil
}

func hostHeader(hostname string, port int) string {
	if port == 80 {
		if strings.Contains(hostname, ":") {
			return "[" + hostname + "]"
		}
		return hostname
	}
	return net.JoinHostPort(hostname, strconv.Itoa(port))
}

func (r *UriRequest) ID() string  { return r.id }
func (r *UriRequest) URL() string { return r.rawURL }

// Phase is safe to read from any goroutine.
func (r *UriRequest) Phase() queue.Phase {
	defer r.mu.Acquire()()
	return r.phase
}

func (r *UriRequest) setPhase(p queue.Phase) {
	defer r.mu.Acquire()()
	r.phase = p
}

// Result is valid once OnComplete has been called.
func (r *UriRequest) Result() Result { return r.result }

// Execute implements dispatch.Request.
func (r *UriRequest) Execute(h dispatch.Host) {
	r.host = h
	r.log = h.Logger().With("request_id", r.id, "url", r.rawURL)
	r.setPhase(queue.PhaseExecuting)
	r.result = Result{ID: r.id, URL: r.rawURL, StartedAt: time.Now()}

	r.conn = httpconn.New(h.Loop(), proc{r}, httpconn.Options{
		Transport: transport.Options{ConnectTimeout: r.connectTimeout, Logger: r.log},
		Parser:    r.limits,
		Headers:   r.headers,
	})
	r.timer = h.Loop().AfterFunc(r.responseTimeout, r.timedOut)

	r.log.Debug("fetch started", "host", r.hostname, "port", r.port)
	if err := r.conn.Connect(r.hostname, r.port); err != nil {
		r.finish(nil, neterr.New(neterr.KindConnect, "connect", err))
	}
}

// OnComplete implements dispatch.Request.
func (r *UriRequest) OnComplete() {
	if r.handler != nil {
		r.handler(r.result)
	}
}

func (r *UriRequest) timedOut() {
	r.finish(nil, neterr.New(neterr.KindTimeout, "await response",
		fmt.Errorf("no complete response within %s", r.responseTimeout)))
}

func (r *UriRequest) finish(resp *httpwire.Response, err error) {
	if r.done {
		return
	}
	r.done = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.conn.Close()

	r.result.FinishedAt = time.Now()
	r.result.Response = resp
	r.result.Err = err
	if resp != nil {
		r.result.Digest = BodyDigest(resp.Body)
		r.setPhase(queue.PhaseCompletedOK)
		r.log.Debug("fetch completed", "status", resp.StatusCode, "bytes", len(resp.Body), "duration", r.result.Duration())
	} else {
		r.setPhase(queue.PhaseCompletedError)
		r.log.Debug("fetch failed", "kind", neterr.KindOf(err).String(), "error", err)
	}
	r.host.Complete(r)
}

// proc routes connection events back into the request.
type proc struct{ r *UriRequest }

func (p proc) OnConnect() {
	if err := p.r.conn.Get(p.r.hostHeader, p.r.target); err != nil {
		p.r.finish(nil, neterr.New(neterr.KindTransport, "send", err))
	}
}

func (p proc) OnResponse(resp *httpwire.Response) {
	if resp.Interim() {
		return
	}
	p.r.finish(resp, nil)
}

func (p proc) OnError(err error) {
	p.r.finish(nil, err)
}
