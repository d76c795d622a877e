package httpwire

import (
	"strconv"
	"strings"
)

const (
	DefaultMaxHeaderBytes = 64 << 10
	DefaultMaxBodyBytes   = 32 << 20
)

// Options bounds what a Parser accepts. Zero fields take the defaults.
type Options struct {
	MaxHeaderBytes int
	MaxBodyBytes   int64
}

func (o Options) withDefaults() Options {
	if o.MaxHeaderBytes <= 0 {
		o.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return o
}

type state uint8

const (
	stateProto state = iota
	stateStatusCode
	stateReason
	stateStatusLF
	stateLineStart
	stateName
	stateValueLead
	stateValue
	stateLineLF
	stateHeadersLF
	stateBodyLength
	stateBodyClose
	stateDead
)

// field tracks which half of a header pair is being accumulated.
type field uint8

const (
	fieldNone field = iota
	fieldName
	fieldValue
)

// Parser incrementally decodes a stream of HTTP/1.x responses. Feed may be
// called with the stream split at any byte boundaries; the events produced are
// the same for every split. A Parser is not safe for concurrent use.
type Parser struct {
	opts Options

	state  state
	field  field
	name   []byte
	value  []byte
	line   []byte // protocol token, then reason phrase
	code   int
	digits int

	resp        *Response
	started     bool
	headerBytes int
	remaining   int64
	offset      int64
}

// NewParser returns a parser positioned at the start of a message.
func NewParser(opts Options) *Parser {
	p := &Parser{opts: opts.withDefaults()}
	p.reset()
	return p
}

func (p *Parser) reset() {
	p.state = stateProto
	p.field = fieldNone
	p.name = p.name[:0]
	p.value = p.value[:0]
	p.line = p.line[:0]
	p.code = 0
	p.digits = 0
	p.resp = &Response{}
	p.started = false
	p.headerBytes = 0
	p.remaining = 0
}

// Dead reports whether the parser has stopped after an error or Finish.
func (p *Parser) Dead() bool { return p.state == stateDead }

// Feed consumes b and returns the events completed by it. b is not retained.
func (p *Parser) Feed(b []byte) []Event {
	var events []Event
	for i := 0; i < len(b); {
		if p.state == stateDead {
			return events
		}

		switch p.state {
		case stateBodyLength:
			n := int64(len(b) - i)
			if n > p.remaining {
				n = p.remaining
			}
			p.resp.Body = append(p.resp.Body, b[i:i+int(n)]...)
			p.remaining -= n
			p.offset += n
			i += int(n)
			if p.remaining == 0 {
				events = append(events, p.complete())
			}
			continue

		case stateBodyClose:
			n := len(b) - i
			if int64(len(p.resp.Body))+int64(n) > p.opts.MaxBodyBytes {
				return append(events, p.fail(ErrTooLarge, "body exceeds limit"))
			}
			p.resp.Body = append(p.resp.Body, b[i:]...)
			p.offset += int64(n)
			return events
		}

		events = append(events, p.step(b[i])...)
		i++
	}
	return events
}

// Finish tells the parser the stream has ended. A read-to-close body is
// completed; any other partial message is reported as ErrIncomplete. The
// parser is dead afterwards.
func (p *Parser) Finish() []Event {
	switch {
	case p.state == stateDead:
		return nil
	case p.state == stateBodyClose:
		ev := p.complete()
		p.state = stateDead
		return []Event{ev}
	case p.state == stateProto && !p.started:
		p.state = stateDead
		return nil
	default:
		return []Event{p.fail(ErrIncomplete, "unexpected end of stream")}
	}
}

// step advances the header-section state machine by one byte.
func (p *Parser) step(c byte) []Event {
	defer func() { p.offset++ }()

	if p.state == stateProto && !p.started && (c == '\r' || c == '\n') {
		// Stray CRLF between pipelined messages.
		return nil
	}
	p.started = true
	p.headerBytes++
	if p.headerBytes > p.opts.MaxHeaderBytes {
		return []Event{p.fail(ErrTooLarge, "header section exceeds limit")}
	}

	switch p.state {
	case stateProto:
		if c != ' ' {
			if len(p.line) >= len("HTTP/1.1") {
				return []Event{p.fail(ErrMalformed, "protocol version too long")}
			}
			p.line = append(p.line, c)
			return nil
		}
		if !validProto(p.line) {
			return []Event{p.fail(ErrMalformed, "bad protocol version "+strconv.Quote(string(p.line)))}
		}
		p.resp.Proto = string(p.line)
		p.line = p.line[:0]
		p.state = stateStatusCode

	case stateStatusCode:
		switch {
		case c >= '0' && c <= '9':
			if p.digits == 3 {
				return []Event{p.fail(ErrMalformed, "status code longer than three digits")}
			}
			p.code = p.code*10 + int(c-'0')
			p.digits++
		case c == ' ' || c == '\r' || c == '\n':
			if p.digits != 3 || p.code < 100 {
				return []Event{p.fail(ErrMalformed, "bad status code")}
			}
			p.resp.StatusCode = p.code
			switch c {
			case ' ':
				p.state = stateReason
			case '\r':
				p.state = stateStatusLF
			default:
				p.state = stateLineStart
			}
		default:
			return []Event{p.fail(ErrMalformed, "non-digit in status code")}
		}

	case stateReason:
		switch {
		case c == '\r':
			p.resp.Reason = string(p.line)
			p.line = p.line[:0]
			p.state = stateStatusLF
		case c == '\n':
			p.resp.Reason = string(p.line)
			p.line = p.line[:0]
			p.state = stateLineStart
		case isCtl(c) && c != '\t':
			return []Event{p.fail(ErrMalformed, "control byte in reason phrase")}
		default:
			p.line = append(p.line, c)
		}

	case stateStatusLF, stateLineLF:
		if c != '\n' {
			return []Event{p.fail(ErrMalformed, "CR not followed by LF")}
		}
		p.state = stateLineStart

	case stateLineStart:
		switch {
		case c == '\r':
			p.state = stateHeadersLF
		case c == '\n':
			return p.headersDone()
		case c == ' ' || c == '\t':
			return []Event{p.fail(ErrMalformed, "obsolete header line folding")}
		case isTokenChar(c):
			if p.field == fieldValue {
				p.flush()
			}
			p.field = fieldName
			p.name = append(p.name, c)
			p.state = stateName
		default:
			return []Event{p.fail(ErrMalformed, "invalid byte at start of header line")}
		}

	case stateName:
		switch {
		case c == ':':
			p.field = fieldValue
			p.state = stateValueLead
		case isTokenChar(c):
			p.name = append(p.name, c)
		default:
			return []Event{p.fail(ErrMalformed, "invalid byte in header name")}
		}

	case stateValueLead, stateValue:
		switch {
		case c == '\r':
			p.state = stateLineLF
		case c == '\n':
			p.state = stateLineStart
		case p.state == stateValueLead && (c == ' ' || c == '\t'):
		case isCtl(c) && c != '\t':
			return []Event{p.fail(ErrMalformed, "control byte in header value")}
		default:
			p.value = append(p.value, c)
			p.state = stateValue
		}

	case stateHeadersLF:
		if c != '\n' {
			return []Event{p.fail(ErrMalformed, "CR not followed by LF")}
		}
		return p.headersDone()
	}
	return nil
}

// flush moves the pending name/value pair into the response and clears both
// buffers.
func (p *Parser) flush() {
	if p.field == fieldNone {
		return
	}
	p.resp.Headers = append(p.resp.Headers, Header{
		Name:  string(p.name),
		Value: strings.TrimRight(string(p.value), " \t"),
	})
	p.name = p.name[:0]
	p.value = p.value[:0]
	p.field = fieldNone
}

func (p *Parser) headersDone() []Event {
	p.flush()

	head := *p.resp
	events := []Event{{Kind: EventHeadersComplete, Response: &head}}

	length, hasLength, err := p.framing()
	if err != nil {
		return append(events, p.fail(err, "invalid message framing headers"))
	}

	switch {
	case p.resp.Interim(), p.resp.StatusCode == 204, p.resp.StatusCode == 304:
		return append(events, p.complete())
	case hasLength && length > p.opts.MaxBodyBytes:
		return append(events, p.fail(ErrTooLarge, "content-length exceeds limit"))
	case hasLength && length == 0:
		return append(events, p.complete())
	case hasLength:
		p.remaining = length
		p.state = stateBodyLength
	default:
		p.state = stateBodyClose
	}
	return events
}

// framing inspects Content-Length and Transfer-Encoding.
func (p *Parser) framing() (int64, bool, error) {
	var (
		length    int64
		hasLength bool
	)
	for _, h := range p.resp.Headers {
		switch {
		case strings.EqualFold(h.Name, "Transfer-Encoding"):
			if !strings.EqualFold(h.Value, "identity") {
				return 0, false, ErrUnsupportedTransferEncoding
			}
		case strings.EqualFold(h.Name, "Content-Length"):
			n, err := parseContentLength(h.Value)
			if err != nil {
				return 0, false, ErrMalformed
			}
			if hasLength && n != length {
				return 0, false, ErrMalformed
			}
			length, hasLength = n, true
		}
	}
	return length, hasLength, nil
}

func (p *Parser) complete() Event {
	resp := p.resp
	p.reset()
	return Event{Kind: EventMessageComplete, Response: resp}
}

func (p *Parser) fail(kind error, reason string) Event {
	p.state = stateDead
	return Event{Kind: EventError, Err: &ParseError{Offset: p.offset, Reason: reason, Err: kind}}
}

func parseContentLength(s string) (int64, error) {
	if s == "" {
		return 0, ErrMalformed
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, ErrMalformed
		}
	}
	return strconv.ParseInt(s, 10, 64)
}

func validProto(b []byte) bool {
	return len(b) == len("HTTP/1.1") &&
		string(b[:5]) == "HTTP/" &&
		isDigit(b[5]) && b[6] == '.' && isDigit(b[7])
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isCtl(c byte) bool { return c < 0x20 || c == 0x7f }

// isTokenChar reports whether c is an RFC 9110 tchar.
func isTokenChar(c byte) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || isDigit(c) {
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}
