// Package transport provides a TCP socket whose events are delivered on an
// eventloop.Loop. Dialing, reading and writing happen on helper goroutines;
// every Handler callback runs on the loop goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mattjoyce/courier/internal/eventloop"
	"github.com/mattjoyce/courier/internal/log"
	"github.com/mattjoyce/courier/internal/neterr"
	"github.com/mattjoyce/courier/internal/queue"
)

var (
	ErrNotConnected = errors.New("transport: socket is not connected")
	ErrInUse        = errors.New("transport: socket already used")
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadBufferSize = 16 << 10
)

// Handler receives socket events on the loop goroutine. Exactly one of
// OnConnect or OnError follows Connect. After OnError or OnClose no further
// callbacks arrive; after a local Close none arrive at all.
type Handler interface {
	OnConnect()
	OnRecv(p []byte)
	OnClose()
	OnError(err error)
}

type Options struct {
	ConnectTimeout time.Duration
	ReadBufferSize int
	Logger         *slog.Logger
}

type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Socket is a single-use TCP connection bound to a loop. Its methods must be
// called on the loop goroutine.
type Socket struct {
	loop *eventloop.Loop
	h    Handler
	opts Options
	log  *slog.Logger

	state      State
	conn       net.Conn
	cancelDial context.CancelFunc
	unregister func()

	out      *queue.Queue[[]byte]
	outReady chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func New(loop *eventloop.Loop, h Handler, opts Options) *Socket {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("transport")
	}
	return &Socket{
		loop:     loop,
		h:        h,
		opts:     opts,
		log:      logger,
		out:      queue.New[[]byte](),
		outReady: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *Socket) State() State { return s.state }

// Connect starts dialing host:port. It returns an error only when the socket
// cannot start a dial at all; dial failures arrive through OnError.
func (s *Socket) Connect(host string, port int) error {
	if s.state != StateIdle {
		return ErrInUse
	}
	if host == "" {
		return fmt.Errorf("transport: empty host")
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("transport: invalid port %d", port)
	}

	s.state = StateConnecting
	s.unregister = s.loop.Register(closerFunc(s.Close))

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	s.cancelDial = cancel
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	go func() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		cancel()
		if submitErr := s.loop.Submit(func() { s.dialed(conn, err) }); submitErr != nil && conn != nil {
			_ = conn.Close()
		}
	}()
	return nil
}

func (s *Socket) dialed(conn net.Conn, err error) {
	if s.state != StateConnecting {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.shutdown()
		s.h.OnError(neterr.Dial(err))
		return
	}

	s.conn = conn
	s.state = StateConnected
	go s.readLoop(conn)
	go s.writeLoop(conn)
	s.h.OnConnect()
}

// Send queues p for writing. Writes go out in call order. p is copied.
func (s *Socket) Send(p []byte) error {
	if s.state != StateConnected {
		return ErrNotConnected
	}
	s.out.Push(append([]byte(nil), p...))
	select {
	case s.outReady <- struct{}{}:
	default:
	}
	return nil
}

// Close tears the socket down without invoking any callback. Safe to repeat.
func (s *Socket) Close() {
	if s.state == StateClosed {
		return
	}
	s.shutdown()
}

func (s *Socket) shutdown() {
	s.state = StateClosed
	if s.cancelDial != nil {
		s.cancelDial()
	}
	s.stopOnce.Do(func() { close(s.done) })
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.unregister != nil {
		s.unregister()
		s.unregister = nil
	}
}

func (s *Socket) readLoop(conn net.Conn) {
	buf := make([]byte, s.opts.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if s.loop.Submit(func() { s.received(chunk) }) != nil {
				return
			}
		}
		if err != nil {
			_ = s.loop.Submit(func() { s.readFailed(err) })
			return
		}
	}
}

func (s *Socket) received(p []byte) {
	if s.state != StateConnected {
		return
	}
	s.h.OnRecv(p)
}

func (s *Socket) readFailed(err error) {
	if s.state != StateConnected {
		return
	}
	remote := s.conn.RemoteAddr().String()
	s.shutdown()
	if errors.Is(err, io.EOF) {
		s.h.OnClose()
		return
	}
	s.log.Debug("socket read failed", "remote", remote, "reset", neterr.Reset(err), "error", err)
	s.h.OnError(neterr.IO("read", err))
}

func (s *Socket) writeLoop(conn net.Conn) {
	for {
		select {
		case <-s.done:
			return
		case <-s.outReady:
		}
		for _, p := range s.out.Drain() {
			if _, err := conn.Write(p); err != nil {
				_ = s.loop.Submit(func() { s.writeFailed(err) })
				return
			}
		}
	}
}

func (s *Socket) writeFailed(err error) {
	if s.state != StateConnected {
		return
	}
	s.shutdown()
	s.h.OnError(neterr.IO("write", err))
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}
