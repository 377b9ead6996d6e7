package ember

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
)

// errFakeParserMalformed is what fakeParser.Feed returns for a line of
// "MALFORMED", simulating a wire-level parse failure distinct from a
// socket EOF/error (spec §4.5, §7).
var errFakeParserMalformed = errors.New("ember: fake parser malformed input")

// fakeRequest/fakeResponse/fakeParser/fakeDriver stand in for the wire
// parser spec.md §1 keeps out of this core's scope. The wire format here is
// deliberately trivial (one line == one request, "METHOD\n") since these
// tests exercise Connection/Server lifecycle, not HTTP framing.

type fakeRequest struct {
	method     string
	path       string
	wantsClose bool
}

func (r *fakeRequest) Method() string   { return r.method }
func (r *fakeRequest) WantsClose() bool { return r.wantsClose }
func (r *fakeRequest) Path() string     { return r.path }

// Clone returns a copy, the same shallow-copy-of-a-value-type shape the
// teacher's pooled http11 request objects would need behind their own
// Clone (pool.go reuses the backing buffer across requests).
func (r *fakeRequest) Clone() Request {
	cp := *r
	return &cp
}

type fakeResponse struct {
	status   int
	body     []byte
	detached bool
}

func (r *fakeResponse) StatusCode() int { return r.status }
func (r *fakeResponse) Detached() bool  { return r.detached }

// fakeParser buffers bytes until it sees '\n', then emits a fakeRequest from
// the line's content: "METHOD" or "METHOD PATH". A test can set waitGate to
// make the next dispatched request's Feed return ActionWait, simulating
// parser backpressure (spec §5's pause/resume suspension point).
type fakeParser struct {
	mu        sync.Mutex
	buf       []byte
	onMessage OnMessageFunc
	write     WriteFunc
	pending   int

	waitGate *future // set by a test to control backpressure
}

func (p *fakeParser) Feed(ctx context.Context, data []byte) (ParserResult, error) {
	p.mu.Lock()
	p.buf = append(p.buf, data...)
	p.mu.Unlock()

	for {
		p.mu.Lock()
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			p.mu.Unlock()
			break
		}
		line := string(p.buf[:idx])
		p.buf = p.buf[idx+1:]
		p.mu.Unlock()

		if line == "" {
			continue
		}
		if line == "MALFORMED" {
			return ParserResult{}, errFakeParserMalformed
		}
		method, path, _ := strings.Cut(line, " ")

		// pending counts requests this parser has received but not yet
		// handed to a respond-task (spec §4.8's "parser's in-flight request
		// count"); dispatch here is synchronous, so it is nonzero only
		// for the duration of the onMessage call itself.
		p.mu.Lock()
		p.pending++
		p.mu.Unlock()

		req := &fakeRequest{method: method, path: path}
		_ = p.onMessage(ctx, req)

		p.mu.Lock()
		p.pending--
		p.mu.Unlock()

		if p.waitGate != nil {
			gate := p.waitGate
			p.waitGate = nil
			return ParserResult{Action: ActionWait, Wait: gate}, nil
		}
	}

	return ParserResult{Action: ActionWant}, nil
}

func (p *fakeParser) PendingRequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// fakeDriver implements HttpDriver around fakeParser.
type fakeDriver struct {
	parser *fakeParser
}

func (d *fakeDriver) Setup(onMessage OnMessageFunc, write WriteFunc) Parser {
	d.parser = &fakeParser{onMessage: onMessage, write: write}
	return d.parser
}

func (d *fakeDriver) PendingRequestCount() int {
	if d.parser == nil {
		return 0
	}
	return d.parser.PendingRequestCount()
}

func (d *fakeDriver) Writer(ctx context.Context, resp Response, req Request, write WriteFunc) *future {
	r := resp.(*fakeResponse)
	return write(r.body, false)
}

func (d *fakeDriver) NewResponse(status int, headers map[string]string, body []byte) Response {
	return &fakeResponse{status: status, body: body}
}

// fakeDriverFactory hands out a fresh fakeDriver per connection.
type fakeDriverFactory struct{}

func (fakeDriverFactory) DriverFor(c *Connection) HttpDriver {
	return &fakeDriver{}
}

// fakeHandler implements RequestHandler by delegating to a plain function.
type fakeHandler struct {
	fn func(ctx context.Context, req Request) (Response, error)
}

func (h *fakeHandler) HandleRequest(ctx context.Context, req Request) (Response, error) {
	return h.fn(ctx, req)
}

func okHandler() RequestHandler {
	return &fakeHandler{fn: func(ctx context.Context, req Request) (Response, error) {
		return &fakeResponse{status: 200, body: []byte("ok\n")}, nil
	}}
}

// fakeErrorHandler renders a minimal body for any status.
type fakeErrorHandler struct{}

func (fakeErrorHandler) Handle(ctx context.Context, status int, reason string, req Request) (Response, error) {
	return &fakeResponse{status: status, body: []byte(reason)}, nil
}
