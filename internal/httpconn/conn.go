// Package httpconn pairs a transport.Socket with an httpwire parser to make
// an HTTP-capable socket. All methods and callbacks run on the loop goroutine.
package httpconn

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/courier/internal/eventloop"
	"github.com/mattjoyce/courier/internal/httpwire"
	"github.com/mattjoyce/courier/internal/neterr"
	"github.com/mattjoyce/courier/internal/transport"
)

// Handler receives connection outcomes. OnResponse may fire more than once
// when the server sends interim responses or keeps the connection open. After
// OnError nothing else fires.
type Handler interface {
	OnConnect()
	OnResponse(resp *httpwire.Response)
	OnError(err error)
}

type Options struct {
	Transport transport.Options
	Parser    httpwire.Options
	// Headers are appended to every request after Host.
	Headers []httpwire.Header
}

// Conn is a single HTTP/1.x connection.
type Conn struct {
	h      Handler
	opts   Options
	sock   *transport.Socket
	parser *httpwire.ResponseParser

	finals int
	failed bool
}

func New(loop *eventloop.Loop, h Handler, opts Options) *Conn {
	c := &Conn{h: h, opts: opts}
	c.parser = httpwire.NewResponseParser(opts.Parser)
	c.parser.OnComplete = c.complete
	c.parser.OnError = c.parseFailed
	c.sock = transport.New(loop, socketEvents{c}, opts.Transport)
	return c
}

func (c *Conn) Connect(host string, port int) error {
	return c.sock.Connect(host, port)
}

// Get sends a GET for target. host is sent verbatim as the Host header.
func (c *Conn) Get(host, target string) error {
	for _, h := range c.opts.Headers {
		if err := httpwire.ValidateHeader(h); err != nil {
			return fmt.Errorf("httpconn: %w", err)
		}
	}
	return c.sock.Send(httpwire.AppendGET(nil, host, target, c.opts.Headers))
}

// Close drops the connection without further callbacks.
func (c *Conn) Close() {
	c.failed = true
	c.sock.Close()
}

// Responses reports how many final (non-1xx) responses were delivered.
func (c *Conn) Responses() int { return c.finals }

func (c *Conn) complete(resp *httpwire.Response) {
	if c.failed {
		return
	}
	if !resp.Interim() {
		c.finals++
	}
	c.h.OnResponse(resp)
}

func (c *Conn) parseFailed(err error) {
	if errors.Is(err, httpwire.ErrIncomplete) {
		c.fail(neterr.New(neterr.KindClosed, "recv", err))
		return
	}
	c.fail(neterr.New(neterr.KindMalformed, "parse", err))
}

func (c *Conn) fail(err error) {
	if c.failed {
		return
	}
	c.failed = true
	c.sock.Close()
	c.h.OnError(err)
}

// socketEvents adapts transport callbacks onto the parser.
type socketEvents struct{ c *Conn }

func (e socketEvents) OnConnect() {
	if !e.c.failed {
		e.c.h.OnConnect()
	}
}

func (e socketEvents) OnRecv(p []byte) {
	if !e.c.failed {
		e.c.parser.Parse(p)
	}
}

// OnClose finishes the parser: a read-to-close body completes here, and a
// stream that ends mid-message or before any final response is a close error.
func (e socketEvents) OnClose() {
	c := e.c
	if c.failed {
		return
	}
	c.parser.Finish()
	if !c.failed && c.finals == 0 {
		c.fail(neterr.New(neterr.KindClosed, "recv", nil))
	}
}

func (e socketEvents) OnError(err error) {
	e.c.fail(err)
}
