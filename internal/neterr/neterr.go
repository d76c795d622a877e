// Package neterr classifies fetch failures into the kinds callers act on.
package neterr

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Kind is the failure class of a fetch.
type Kind int

const (
	KindNone Kind = iota
	// KindConnect: the connection was never established (refused, DNS,
	// unreachable, dial timeout).
	KindConnect
	// KindTransport: the connection failed after it was established.
	KindTransport
	// KindMalformed: bytes arrived that are not a valid response.
	KindMalformed
	// KindClosed: the peer closed before a complete response arrived.
	KindClosed
	// KindTimeout: no complete response within the response deadline.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnect:
		return "connect_failure"
	case KindTransport:
		return "transport_error"
	case KindMalformed:
		return "malformed_response"
	case KindClosed:
		return "closed_without_response"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a Kind string back to its value.
func ParseKind(s string) (Kind, bool) {
	for k := KindNone; k <= KindTimeout; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return KindNone, false
}

// Error is a classified failure. Op names the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, KindNone for a
// nil err and KindTransport for an unclassified one.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Dial classifies an error returned by a dialer.
func Dial(err error) *Error {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return New(KindConnect, "resolve", err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return New(KindConnect, "connect", err)
	default:
		return New(KindConnect, "dial", err)
	}
}

// IO classifies an error from a read or write on an established connection.
// A reset or broken pipe before a response is reported by callers as a
// transport failure, matching any other mid-stream error.
func IO(op string, err error) *Error {
	return New(KindTransport, op, err)
}

// Reset reports whether err is a connection reset or broken pipe.
func Reset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
