package httpwire

// ResponseParser drives a Parser and reports results through callbacks.
// OnError fires at most once; nothing fires after it.
type ResponseParser struct {
	parser *Parser

	OnHeaders  func(*Response)
	OnComplete func(*Response)
	OnError    func(error)
}

func NewResponseParser(opts Options) *ResponseParser {
	return &ResponseParser{parser: NewParser(opts)}
}

// Parse feeds one received chunk.
func (rp *ResponseParser) Parse(b []byte) {
	rp.deliver(rp.parser.Feed(b))
}

// Finish reports end of stream.
func (rp *ResponseParser) Finish() {
	rp.deliver(rp.parser.Finish())
}

// Dead reports whether the underlying parser stopped.
func (rp *ResponseParser) Dead() bool { return rp.parser.Dead() }

func (rp *ResponseParser) deliver(events []Event) {
	for _, ev := range events {
		switch ev.Kind {
		case EventHeadersComplete:
			if rp.OnHeaders != nil {
				rp.OnHeaders(ev.Response)
			}
		case EventMessageComplete:
			if rp.OnComplete != nil {
				rp.OnComplete(ev.Response)
			}
		case EventError:
			if rp.OnError != nil {
				rp.OnError(ev.Err)
			}
			return
		}
	}
}
