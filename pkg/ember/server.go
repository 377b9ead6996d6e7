package ember

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wattlabs/ember/pkg/ember/socket"
)

// status is the Server's strict lifecycle (spec §3, §4.8): Stopped ->
// Started -> Stopping -> Stopped.
type status int32

const (
	statusStopped status = iota
	statusStarted
	statusStopping
)

// Server owns the listeners, the client table, the AdmissionPolicy, and the
// idle-connection reaper (spec §4.8, the 18%-budget orchestrator). Grounded
// on the teacher's BaseServer/ShockwaveServer pair (shockwave/pkg/shockwave/server):
// the same connection-tracking map plus sync.WaitGroup shutdown drain,
// generalized from the teacher's single fixed Handler into this package's
// driver-factory/request-handler/error-handler triple.
type Server struct {
	mu sync.RWMutex

	options       Options
	driverFactory HttpDriverFactory
	clientFactory ClientFactory
	handler       RequestHandler
	errorHandler  ErrorHandler
	logger        Logger
	metrics       *Metrics
	tuning        socket.Config

	admission    *AdmissionPolicy
	timeoutCache *TimeoutCache

	status   atomic.Int32
	nextID   atomic.Int64
	clients  map[int64]*Connection
	clientMu sync.Mutex

	acceptors []*Acceptor
	wg        sync.WaitGroup

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// ClientFactory builds the Connection for a freshly admitted socket,
// mirroring the teacher's ClientFactory collaborator (spec §4.8's third
// configurator guard, alongside the driver factory and error handler). The
// default, used when ServerDeps.ClientFactory is nil, is NewConnection.
type ClientFactory func(id int64, conn net.Conn, deps ConnectionDeps) *Connection

// ServerDeps bundles a Server's collaborators. Handler, ErrorHandler, and
// ClientFactory may be supplied later via SetRequestHandler/SetErrorHandler/
// SetClientFactory while Stopped.
type ServerDeps struct {
	Options       Options
	DriverFactory HttpDriverFactory
	ClientFactory ClientFactory
	Handler       RequestHandler
	ErrorHandler  ErrorHandler
	Logger        Logger
	Metrics       *Metrics
	Tuning        socket.Config
}

// NewServer builds a Server in the Stopped state. Call Start with one or
// more listeners to begin accepting.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = NewSlogLogger(nil)
	}

	clientFactory := deps.ClientFactory
	if clientFactory == nil {
		clientFactory = NewConnection
	}

	s := &Server{
		options:       deps.Options,
		driverFactory: deps.DriverFactory,
		clientFactory: clientFactory,
		handler:       deps.Handler,
		errorHandler:  deps.ErrorHandler,
		logger:        logger,
		metrics:       deps.Metrics,
		tuning:        deps.Tuning,
		admission:     NewAdmissionPolicy(deps.Options.ConnectionLimit, deps.Options.ConnectionsPerIPLimit, deps.Metrics),
		timeoutCache:  NewTimeoutCache(),
		clients:       make(map[int64]*Connection),
	}
	return s
}

// Status reports the current lifecycle state.
func (s *Server) Status() string {
	switch status(s.status.Load()) {
	case statusStarted:
		return "Started"
	case statusStopping:
		return "Stopping"
	default:
		return "Stopped"
	}
}

// SetDriverFactory replaces the driver factory. Only valid while Stopped
// (spec §4.8 "Configurator guards").
func (s *Server) SetDriverFactory(f HttpDriverFactory) error {
	if status(s.status.Load()) != statusStopped {
		return ErrReconfigureWhileRunning
	}
	s.mu.Lock()
	s.driverFactory = f
	s.mu.Unlock()
	return nil
}

// SetClientFactory replaces the Connection constructor used for newly
// admitted sockets. Only valid while Stopped (spec §4.8 "Configurator
// guards").
func (s *Server) SetClientFactory(f ClientFactory) error {
	if status(s.status.Load()) != statusStopped {
		return ErrReconfigureWhileRunning
	}
	s.mu.Lock()
	s.clientFactory = f
	s.mu.Unlock()
	return nil
}

// SetRequestHandler replaces the request handler. Only valid while Stopped.
func (s *Server) SetRequestHandler(h RequestHandler) error {
	if status(s.status.Load()) != statusStopped {
		return ErrReconfigureWhileRunning
	}
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
	return nil
}

// SetErrorHandler replaces the error handler. Only valid while Stopped.
func (s *Server) SetErrorHandler(h ErrorHandler) error {
	if status(s.status.Load()) != statusStopped {
		return ErrReconfigureWhileRunning
	}
	s.mu.Lock()
	s.errorHandler = h
	s.mu.Unlock()
	return nil
}

// ClientCount returns the number of connections currently admitted.
func (s *Server) ClientCount() int {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return len(s.clients)
}

// Metrics exposes the Prometheus-backed counters, the equivalent of the
// teacher's BaseServer.Stats() accessor (spec §4.8 supplement).
func (s *Server) Metrics() *Metrics { return s.metrics }

// Start transitions Stopped -> Started: it spawns one accept goroutine per
// listener and starts the idle-connection reaper (spec §4.8, 1-second
// default tick).
func (s *Server) Start(listeners ...net.Listener) error {
	if !s.status.CompareAndSwap(int32(statusStopped), int32(statusStarted)) {
		return ErrServerAlreadyStarted
	}

	s.mu.RLock()
	tuning := s.tuning
	logger := s.logger
	s.mu.RUnlock()

	s.acceptors = s.acceptors[:0]
	for _, l := range listeners {
		acceptor := NewAcceptor(l, tuning, logger, s.onAccepted, s.onAcceptError)
		s.acceptors = append(s.acceptors, acceptor)
		s.wg.Add(1)
		go func(a *Acceptor) {
			defer s.wg.Done()
			a.Run()
		}(acceptor)
	}

	s.reaperStop = make(chan struct{})
	s.reaperDone = make(chan struct{})
	interval := s.options.TimeoutTickInterval
	if interval <= 0 {
		interval = time.Second
	}
	go s.runReaper(interval)

	return nil
}

// Stop transitions Started -> Stopping -> Stopped: it closes every listener
// (which ends every accept loop), waits up to timeout for in-flight
// responses to drain, then force-closes stragglers (spec §4.8).
func (s *Server) Stop(timeout time.Duration) error {
	if !s.status.CompareAndSwap(int32(statusStarted), int32(statusStopping)) {
		return ErrServerNotStarted
	}

	for _, a := range s.acceptors {
		a.Stop()
	}
	s.wg.Wait()

	close(s.reaperStop)
	<-s.reaperDone

	s.clientMu.Lock()
	draining := make([]*Connection, 0, len(s.clients))
	for _, c := range s.clients {
		draining = append(draining, c)
	}
	s.clientMu.Unlock()
	for _, c := range draining {
		c.CloseAfterDrain()
	}

	if timeout <= 0 {
		timeout = s.options.StopDrainTimeout
	}
	deadline := time.Now().Add(timeout)
	for s.ClientCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	s.clientMu.Lock()
	stragglers := make([]*Connection, 0, len(s.clients))
	for _, c := range s.clients {
		stragglers = append(stragglers, c)
	}
	s.clientMu.Unlock()
	for _, c := range stragglers {
		c.Close()
	}

	s.status.Store(int32(statusStopped))
	return nil
}

func (s *Server) onAccepted(conn net.Conn) {
	decision := s.admission.Admit(conn.RemoteAddr())
	if !decision.Allowed {
		s.logger.Warn(context.Background(), "ember: rejecting connection", "remote", conn.RemoteAddr().String(), "reason", decision.Err)
		_ = conn.Close()
		return
	}

	id := s.nextID.Add(1)

	s.mu.RLock()
	deps := ConnectionDeps{
		RequestHandler: s.handler,
		ErrorHandler:   s.errorHandler,
		Logger:         s.logger,
		Options:        s.options,
		TimeoutCache:   s.timeoutCache,
		Metrics:        s.metrics,
	}
	factory := s.driverFactory
	clientFactory := s.clientFactory
	s.mu.RUnlock()

	c := clientFactory(id, conn, deps)
	networkID := decision.NetworkID

	s.clientMu.Lock()
	s.clients[id] = c
	s.clientMu.Unlock()

	c.OnClose(func(conn *Connection) {
		s.clientMu.Lock()
		delete(s.clients, conn.ID())
		s.clientMu.Unlock()
		s.admission.Release(networkID)
	})

	if err := c.Start(factory); err != nil {
		c.Close()
	}
}

func (s *Server) onAcceptError(err error) {
	s.logger.Error(context.Background(), "ember: accept error", "err", err)
}

// runReaper drains the TimeoutCache every tick, closing or deferring expired
// connections per spec §4.8's "actively writing" rule.
func (s *Server) runReaper(interval time.Duration) {
	defer close(s.reaperDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.reaperStop:
			return
		case <-ticker.C:
			s.reapOnce()
		}
	}
}

func (s *Server) reapOnce() {
	now := nowUnix()
	for {
		id, ok := s.timeoutCache.Extract(now)
		if !ok {
			return
		}

		s.clientMu.Lock()
		c, live := s.clients[id]
		s.clientMu.Unlock()
		if !live {
			continue
		}

		if c.PendingResponses() > int32(c.InFlightRequestCount()) {
			s.timeoutCache.Update(id, now+1)
			continue
		}

		s.metrics.onTimeout()
		c.Close()
	}
}
