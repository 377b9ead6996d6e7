package ember

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// connStatus is the explicit {canRead, canWrite} pair design note §9
// recommends in place of the source's status bitset. Transitions are
// monotonic: once false, a field never goes back to true.
type connStatus struct {
	mu         sync.Mutex
	canRead    bool
	canWrite   bool
}

func newConnStatus() *connStatus {
	return &connStatus{canRead: true, canWrite: true}
}

func (s *connStatus) closeRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canRead = false
}

func (s *connStatus) closeWrite() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canWrite = false
}

func (s *connStatus) snapshot() (readClosed, writeClosed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.canRead, !s.canWrite
}

func (s *connStatus) fullyClosed() bool {
	r, w := s.snapshot()
	return r && w
}

// DetachedSocket is handed to the application when a Response marks
// itself Detached() (spec §4.5 "Exported" state, glossary "Export /
// Detach"). After Export returns, the Connection performs no further I/O;
// whoever holds the DetachedSocket owns the raw net.Conn.
type DetachedSocket struct {
	Conn      net.Conn
	Handshake HandshakeInfo
}

// Connection is the per-client state machine: spec §4.5, the 35%-budget
// centerpiece. It composes a ReadPump, a WriteQueue, and (optionally) a
// TlsNegotiator, runs the driver's Parser, and invokes the RequestHandler
// for each parsed request.
//
// All exported methods are safe for concurrent use; unlike the source's
// single-threaded event loop, this port runs the read pump, each
// respond-task, and the write pump as separate goroutines (design note
// §9), so the fields below are guarded rather than assumed
// single-threaded.
type Connection struct {
	id int64

	rawConn  net.Conn
	local    net.Addr
	remote   net.Addr
	networkID string

	status     *connStatus
	handshake  HandshakeInfo
	writeQueue *WriteQueue

	pendingResponses atomic.Int32
	requestsServed   atomic.Int32
	paused           atomic.Bool
	exported         atomic.Bool

	driver HttpDriver
	parser Parser

	options        Options
	timeoutCache   *TimeoutCache
	requestHandler RequestHandler
	errorHandler   ErrorHandler
	logger         Logger
	metrics        *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool

	closeMu      sync.Mutex
	closed       bool
	onCloseFuncs []func(*Connection)
}

// ConnectionDeps bundles the collaborators a Connection needs at
// construction, mirroring the teacher's ClientFactory signature (spec §6:
// "constructs a Connection from (socket, requestHandler, errorHandler,
// logger, options, timeoutCache)").
type ConnectionDeps struct {
	RequestHandler RequestHandler
	ErrorHandler   ErrorHandler
	Logger         Logger
	Options        Options
	TimeoutCache   *TimeoutCache
	Metrics        *Metrics
}

// NewConnection builds a Connection around an already-accepted socket. id
// must be unique for the server's lifetime (spec §3).
func NewConnection(id int64, conn net.Conn, deps ConnectionDeps) *Connection {
	logger := deps.Logger
	if logger == nil {
		logger = NewSlogLogger(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		id:             id,
		rawConn:        conn,
		local:          conn.LocalAddr(),
		remote:         conn.RemoteAddr(),
		status:         newConnStatus(),
		options:        deps.Options,
		timeoutCache:   deps.TimeoutCache,
		requestHandler: deps.RequestHandler,
		errorHandler:   deps.ErrorHandler,
		logger:         logger,
		metrics:        deps.Metrics,
		ctx:            ctx,
		cancel:         cancel,
	}
	c.networkID = computeNetworkID(c.remote)
	c.writeQueue = NewWriteQueue(conn, deps.Metrics)
	c.writeQueue.SetCloseCallbacks(c.onWriteQueueClosed, c.onWriteQueueDrainedClose)

	return c
}

// ID returns the connection's stable identity.
func (c *Connection) ID() int64 { return c.id }

// LocalAddr and RemoteAddr expose the socket endpoints (spec §3).
func (c *Connection) LocalAddr() net.Addr  { return c.local }
func (c *Connection) RemoteAddr() net.Addr { return c.remote }

// NetworkID is the /56-for-IPv6, full-address-for-everything-else bucket
// AdmissionPolicy rate-limits on (spec §3, §4.7).
func (c *Connection) NetworkID() string { return c.networkID }

// PendingResponses is the count of handler invocations not yet fully
// written (spec §3).
func (c *Connection) PendingResponses() int32 { return c.pendingResponses.Load() }

// IsReadClosed / IsWriteClosed / IsClosed expose the status bits.
func (c *Connection) IsReadClosed() bool {
	r, _ := c.status.snapshot()
	return r
}
func (c *Connection) IsWriteClosed() bool {
	_, w := c.status.snapshot()
	return w
}
func (c *Connection) IsClosed() bool { return c.status.fullyClosed() }

// IsPaused reports whether the read pump is currently suspended awaiting a
// parser-returned future (spec §3).
func (c *Connection) IsPaused() bool { return c.paused.Load() }

// IsExported reports whether Export has handed ownership of the socket to
// the application.
func (c *Connection) IsExported() bool { return c.exported.Load() }

// OnClose registers a callback invoked exactly once when the connection
// fully closes (spec §4.5, §5 idempotence). Safe to call even after the
// connection has already closed, in which case fn runs immediately.
func (c *Connection) OnClose(fn func(*Connection)) {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		fn(c)
		return
	}
	c.onCloseFuncs = append(c.onCloseFuncs, fn)
	c.closeMu.Unlock()
}

// Start registers the read/write watchers and begins the Accepted ->
// Handshaking|Reading transition (spec §4.5). It is not idempotent: a
// second call fails with ErrAlreadyStarted, a StateError.
func (c *Connection) Start(factory HttpDriverFactory) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	c.driver = factory.DriverFor(c)
	c.parser = c.driver.Setup(c.handleMessage, c.write)

	// Prime the parser once with no input (spec §4.5).
	if _, err := c.parser.Feed(c.ctx, nil); err != nil {
		c.logger.Critical(c.ctx, "ember: parser priming failed", "conn_id", c.id, "err", err)
		c.Close()
		return nil
	}

	go c.runHandshakeThenRead()
	return nil
}

func (c *Connection) runHandshakeThenRead() {
	var negotiator TlsNegotiator
	upgraded, info, err := negotiator.Negotiate(c.ctx, c.rawConn)
	if err != nil {
		c.logger.Debug(c.ctx, "ember: tls handshake failed", "conn_id", c.id, "err", err)
		c.Close()
		return
	}
	c.handshake = info
	// Negotiate hands back the conn it was given; only a different conn is
	// stored, so this goroutine never writes rawConn while Close reads it.
	if upgraded != c.rawConn {
		c.rawConn = upgraded
	}

	c.renewTimeout()
	pump := NewReadPump(c.rawConn, c.parser, c.options.IOGranularity, c.renewTimeout, c.onReadClosed, c.onParserError, c.paused.Store)
	pump.Run(c.ctx)
}

func (c *Connection) renewTimeout() {
	if c.timeoutCache == nil {
		return
	}
	c.timeoutCache.Renew(c.id, nowUnix(), int64(c.options.IdleTimeout.Seconds()))
}

// onReadClosed implements spec §4.3's EOF/error branch: if WRITE_CLOSED
// already or no response is pending, close(); otherwise set READ_CLOSED
// and let pending responses flush, closing once they finish.
func (c *Connection) onReadClosed(err error) {
	writeClosed := c.IsWriteClosed()
	if writeClosed || c.pendingResponses.Load() == 0 {
		c.Close()
		return
	}
	c.status.closeRead()
}

// onParserError implements spec §4.5's tie-break: unlike an ordinary socket
// EOF/error, a parser error must not wait for pending responses to drain —
// it logs critical and closes unconditionally (spec §7: "a parser error
// should not escape the read loop; it is logged critical and the connection
// is closed").
func (c *Connection) onParserError(err error) {
	c.logger.Critical(c.ctx, "ember: parser error", "conn_id", c.id, "err", err)
	c.Close()
}

// write is the WriteFunc handed to the driver (spec §4.2 tie-break: a
// write issued after WRITE_CLOSED fails immediately).
func (c *Connection) write(data []byte, closeAfter bool) *future {
	if c.IsWriteClosed() {
		return resolvedFuture(ErrClientDisconnected)
	}
	return c.writeQueue.Write(data, closeAfter)
}

func (c *Connection) onWriteQueueClosed() {
	c.status.closeWrite()
	c.cancel()
	// A blocking net.Conn.Read doesn't observe ctx cancellation on its
	// own; force it to return promptly so onReadClosed can see
	// WRITE_CLOSED and finish the teardown instead of waiting out the
	// idle timeout with nothing left to read anyway.
	if sdr, ok := c.rawConn.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = sdr.SetReadDeadline(time.Unix(0, 1))
	}
}

func (c *Connection) onWriteQueueDrainedClose() {
	c.Close()
}

// handleMessage is the OnMessageFunc the parser invokes for each fully
// parsed request (spec §4.5 "Responding"). It launches the respond-task
// described in steps 1-6 and returns a future that resolves once that task
// has fully finished.
//
// req is cloned before the respond-task's goroutine starts, not inside it:
// this callback runs synchronously on the ReadPump goroutine, the same one
// that will feed the parser its next chunk, so cloning here is the last
// point guaranteed to run before a pooled/reused Request object could be
// overwritten out from under the still-running handler goroutine.
func (c *Connection) handleMessage(ctx context.Context, req Request) *future {
	req = req.Clone()
	c.pendingResponses.Add(1)
	done := newFuture()

	go func() {
		defer done.resolve(nil)
		c.respond(ctx, req)
	}()

	return done
}

func (c *Connection) respond(ctx context.Context, req Request) {
	defer c.finalizeResponse()

	var resp Response
	status, reason, handled := c.validateMethod(req)
	if !handled {
		var err error
		resp, err = c.invokeHandler(ctx, req)
		if err != nil {
			if errors.Is(err, ErrClientDisconnected) {
				c.Close()
				return
			}
			resp = c.buildExceptionResponse(ctx, req, err)
		}
	} else {
		resp = c.buildBuiltinResponse(status, reason)
	}

	drain := c.driver.Writer(ctx, resp, req, c.write)
	if drain != nil {
		drain.wait(nil)
	}

	c.requestsServed.Add(1)

	if resp != nil && resp.Detached() {
		c.Export(resp)
	}
}

// validateMethod implements §4.5 step 1. handled is false when the method
// is allowed and the RequestHandler must actually be invoked.
func (c *Connection) validateMethod(req Request) (status int, reason string, handled bool) {
	method := req.Method()

	if method == "OPTIONS" && isOptionsStar(req) {
		return 200, "OK", true
	}
	if !isKnownMethod(method) {
		return 501, "Not Implemented", true
	}
	if !c.options.allows(method) {
		return 405, "Method Not Allowed", true
	}
	return 0, "", false
}

func (c *Connection) buildBuiltinResponse(status int, reason string) Response {
	headers := map[string]string{}
	if status == 405 || status == 501 || (status == 200 && reason == "OK") {
		if allow := c.options.allowHeader(); allow != "" {
			headers["Allow"] = allow
		}
	}
	var body []byte
	if status != 200 {
		body = []byte(defaultErrorPage(status, reason))
		headers["Content-Type"] = "text/html; charset=utf-8"
	}
	return c.driver.NewResponse(status, headers, body)
}

func (c *Connection) invokeHandler(ctx context.Context, req Request) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ember: handler panic: %v", r)
		}
	}()
	return c.requestHandler.HandleRequest(ctx, req)
}

// buildExceptionResponse implements §4.5 step 4.
func (c *Connection) buildExceptionResponse(ctx context.Context, req Request, handlerErr error) Response {
	c.logger.Error(ctx, "ember: request handler error", "conn_id", c.id, "err", handlerErr)

	if c.options.IsInDebugMode {
		uri := ""
		if m, ok := req.(interface{ Path() string }); ok {
			uri = m.Path()
		}
		body := debugExceptionPage(uri, fmt.Sprintf("%T", handlerErr), handlerErr.Error(), "", 0, "")
		return c.driver.NewResponse(500, map[string]string{"Content-Type": "text/html; charset=utf-8"}, []byte(body))
	}

	if c.errorHandler != nil {
		resp, err := c.invokeErrorHandler(ctx, 500, "Internal Server Error", req)
		if err == nil {
			return resp
		}
		c.logger.Error(ctx, "ember: error handler itself failed", "conn_id", c.id, "err", err)
	}

	body := defaultErrorPage(500, "Internal Server Error")
	return c.driver.NewResponse(500, map[string]string{"Content-Type": "text/html; charset=utf-8"}, []byte(body))
}

func (c *Connection) invokeErrorHandler(ctx context.Context, status int, reason string, req Request) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ember: error handler panic: %v", r)
		}
	}()
	return c.errorHandler.Handle(ctx, status, reason, req)
}

// finalizeResponse implements §4.5 step 6. Reaching the request cap closes
// write the same moment a read-side EOF would: once the last outstanding
// response drains, the Connection tears itself down instead of waiting for
// the next idle-timeout tick (SPEC_FULL.md's keep-alive cap behavior). The
// read-closed half of the same check also covers CloseAfterDrain, used by Server.Stop
// to retire idle-but-tracked connections as soon as their current response
// finishes instead of waiting out the full drain timeout.
func (c *Connection) finalizeResponse() {
	remaining := c.pendingResponses.Add(-1)

	if c.shouldCloseAfterRequestCap() {
		c.status.closeWrite()
	}

	if remaining == 0 && (c.IsReadClosed() || c.IsWriteClosed()) {
		c.Close()
		return
	}
	if c.exported.Load() {
		return
	}
	c.renewTimeout()
}

func (c *Connection) shouldCloseAfterRequestCap() bool {
	if c.options.MaxRequestsPerConnection <= 0 {
		return false
	}
	return c.requestsServed.Load() >= int32(c.options.MaxRequestsPerConnection)
}

// CloseAfterDrain marks the connection to close as soon as its current
// in-flight responses finish, rather than waiting for the next idle-timeout
// tick. Server.Stop calls this on every tracked client while draining (spec
// §8): a connection with nothing in flight closes immediately; one still
// writing a response closes from finalizeResponse once that write's count
// reaches zero. It sets READ_CLOSED rather than WRITE_CLOSED, so the
// in-flight responses can still be written before the close.
func (c *Connection) CloseAfterDrain() {
	c.status.closeRead()
	if c.pendingResponses.Load() == 0 {
		c.Close()
	}
}

// InFlightRequestCount exposes the driver's pending-request count so the
// Server's reaper can tell "actively writing a response" apart from
// "truly idle" (spec §4.8).
func (c *Connection) InFlightRequestCount() int {
	if c.driver == nil {
		return 0
	}
	return c.driver.PendingRequestCount()
}

// Export implements spec §4.5's "Exported" state: it clears all watchers,
// marks isExported, and hands a DetachedSocket surrogate to the caller.
// The Connection performs no further reads, writes, or closes after this
// returns.
func (c *Connection) Export(resp Response) *DetachedSocket {
	if !c.exported.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	return &DetachedSocket{Conn: c.rawConn, Handshake: c.handshake}
}

// Close implements spec §4.5's "Closed" state. It is idempotent: the first
// call performs the teardown and fires on-close callbacks exactly once;
// every later call is a no-op. Safe to call from any state, including
// mid-handshake.
func (c *Connection) Close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	callbacks := c.onCloseFuncs
	c.onCloseFuncs = nil
	c.closeMu.Unlock()

	c.status.closeRead()
	c.status.closeWrite()
	c.cancel()
	c.writeQueue.ForceClose(ErrConnectionClosed)

	shutdownSocket(c.rawConn)
	_ = c.rawConn.Close()

	if c.timeoutCache != nil {
		c.timeoutCache.Clear(c.id)
	}
	c.metrics.onClose()

	for _, fn := range callbacks {
		fn(c)
	}
}

func shutdownSocket(conn net.Conn) {
	type halfCloser interface {
		CloseRead() error
		CloseWrite() error
	}
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseRead()
		_ = hc.CloseWrite()
		return
	}
	if nc, ok := conn.(interface{ NetConn() net.Conn }); ok {
		shutdownSocket(nc.NetConn())
	}
}

func isKnownMethod(method string) bool {
	switch method {
	case "GET", "HEAD", "POST", "PUT", "DELETE", "CONNECT", "OPTIONS", "TRACE", "PATCH":
		return true
	default:
		return false
	}
}

func isOptionsStar(req Request) bool {
	if p, ok := req.(interface{ Path() string }); ok {
		return p.Path() == "*"
	}
	return false
}

// computeNetworkID implements spec §4.7/§3: full address for IPv4 and
// unix, first 7 bytes (/56) of packed IPv6 otherwise.
func computeNetworkID(addr net.Addr) string {
	host, _, err := splitHostPort(addr)
	if err != nil {
		return addr.String()
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}

	if ip.Is4() || ip.Is4In6() {
		return ip.String()
	}

	prefix, err := ip.Prefix(56)
	if err != nil {
		return ip.String()
	}
	return prefix.Masked().Addr().String()
}

func splitHostPort(addr net.Addr) (string, string, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String(), "", nil
	case *net.UnixAddr:
		return a.String(), "", nil
	default:
		return net.SplitHostPort(addr.String())
	}
}

func nowUnix() int64 {
	return time.Now().Unix()
}
