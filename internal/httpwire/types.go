// Package httpwire reads and writes the HTTP/1.x wire format used by courier
// fetches: an incremental response parser and a minimal GET writer.
package httpwire

import (
	"errors"
	"fmt"
	"strings"
)

// Header is one header line as received. Names keep their wire casing.
type Header struct {
	Name  string
	Value string
}

// Response is a parsed HTTP/1.x response. Headers keep arrival order and
// duplicates. A Response delivered by the parser is never mutated again.
type Response struct {
	Proto      string
	StatusCode int
	Reason     string
	Headers    []Header
	Body       []byte
}

// Get returns the first value of the named header, matched case-insensitively.
func (r *Response) Get(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Values returns every value of the named header in arrival order.
func (r *Response) Values(name string) []string {
	var out []string
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// Interim reports whether r is a 1xx informational response.
func (r *Response) Interim() bool {
	return r.StatusCode >= 100 && r.StatusCode < 200
}

var (
	// ErrMalformed marks a byte stream that is not a valid HTTP/1.x response.
	ErrMalformed = errors.New("httpwire: malformed response")
	// ErrUnsupportedTransferEncoding marks a response framed by a transfer
	// coding other than identity.
	ErrUnsupportedTransferEncoding = errors.New("httpwire: unsupported transfer-encoding")
	// ErrTooLarge marks a header section or body over the configured limit.
	ErrTooLarge = errors.New("httpwire: message too large")
	// ErrIncomplete marks a stream that ended in the middle of a message.
	ErrIncomplete = errors.New("httpwire: stream ended mid-message")
)

// ParseError locates a parse failure in the stream. Err is one of the
// package sentinels.
type ParseError struct {
	Offset int64
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v at byte %d: %s", e.Err, e.Offset, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// EventKind identifies what a parser Event carries.
type EventKind uint8

const (
	// EventHeadersComplete carries the status line and headers. Body is nil.
	EventHeadersComplete EventKind = iota + 1
	// EventMessageComplete carries the full Response.
	EventMessageComplete
	// EventError carries the failure. The parser emits nothing afterwards.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventHeadersComplete:
		return "headers_complete"
	case EventMessageComplete:
		return "message_complete"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is one parser output.
type Event struct {
	Kind     EventKind
	Response *Response
	Err      error
}
