package ember

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

func newTestServer(t *testing.T, opts Options) (*Server, net.Listener) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewServer(ServerDeps{
		Options:       opts,
		DriverFactory: fakeDriverFactory{},
		Handler:       okHandler(),
		ErrorHandler:  fakeErrorHandler{},
		Logger:        NewSlogLogger(nil),
		Metrics:       NewMetrics(nil),
	})
	return s, l
}

func TestServerStartStopLifecycle(t *testing.T) {
	opts := DefaultOptions()
	opts.TimeoutTickInterval = 10 * time.Millisecond
	s, l := newTestServer(t, opts)

	if err := s.Start(l); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Status() != "Started" {
		t.Fatalf("expected Started, got %s", s.Status())
	}

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "ok\n" {
		t.Fatalf("got %q, want %q", line, "ok\n")
	}

	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Status() != "Stopped" {
		t.Fatalf("expected Stopped, got %s", s.Status())
	}
}

func TestServerStartTwiceFails(t *testing.T) {
	opts := DefaultOptions()
	s, l := newTestServer(t, opts)

	if err := s.Start(l); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)

	l2, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l2.Close()

	if err := s.Start(l2); err != ErrServerAlreadyStarted {
		t.Fatalf("expected ErrServerAlreadyStarted, got %v", err)
	}
}

func TestServerStopWithoutStartFails(t *testing.T) {
	opts := DefaultOptions()
	s, l := newTestServer(t, opts)
	defer l.Close()

	if err := s.Stop(time.Second); err != ErrServerNotStarted {
		t.Fatalf("expected ErrServerNotStarted, got %v", err)
	}
}

func TestServerReconfigureGuardWhileRunning(t *testing.T) {
	opts := DefaultOptions()
	s, l := newTestServer(t, opts)

	if err := s.Start(l); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)

	if err := s.SetRequestHandler(okHandler()); err != ErrReconfigureWhileRunning {
		t.Fatalf("expected ErrReconfigureWhileRunning, got %v", err)
	}
	if err := s.SetDriverFactory(fakeDriverFactory{}); err != ErrReconfigureWhileRunning {
		t.Fatalf("expected ErrReconfigureWhileRunning, got %v", err)
	}
	if err := s.SetErrorHandler(fakeErrorHandler{}); err != ErrReconfigureWhileRunning {
		t.Fatalf("expected ErrReconfigureWhileRunning, got %v", err)
	}
	if err := s.SetClientFactory(NewConnection); err != ErrReconfigureWhileRunning {
		t.Fatalf("expected ErrReconfigureWhileRunning, got %v", err)
	}
}

func TestServerAdmissionRejectsOverGlobalCap(t *testing.T) {
	opts := DefaultOptions()
	opts.ConnectionLimit = 1
	s, l := newTestServer(t, opts)

	if err := s.Start(l); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)

	first, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()

	waitFor(t, time.Second, func() bool { return s.ClientCount() == 1 })

	second, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	if _, err := second.Read(buf); err == nil {
		t.Fatalf("expected the second connection to be closed by admission control")
	}
}

// TestServerReaperDefersWhileRespondingThenClosesOnceIdle is spec.md §8
// boundary scenario 4: a timeout extracted while a response is still being
// produced is deferred by one second rather than closing the connection;
// once the response has drained and the connection is genuinely idle, the
// next tick closes it.
func TestServerReaperDefersWhileRespondingThenClosesOnceIdle(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	handler := RequestHandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		close(started)
		<-release
		return &fakeResponse{status: 200, body: []byte("ok\n")}, nil
	})

	opts := DefaultOptions()
	opts.IdleTimeout = time.Second
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewServer(ServerDeps{
		Options:       opts,
		DriverFactory: fakeDriverFactory{},
		Handler:       handler,
		ErrorHandler:  fakeErrorHandler{},
		Logger:        NewSlogLogger(nil),
		Metrics:       NewMetrics(nil),
	})
	if err := s.Start(l); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-started

	s.clientMu.Lock()
	var c *Connection
	for _, cc := range s.clients {
		c = cc
	}
	s.clientMu.Unlock()
	if c == nil {
		t.Fatalf("expected one admitted connection")
	}

	// Force the entry to look expired right now, simulating the tick
	// landing while the handler is still producing its response.
	s.timeoutCache.Update(c.ID(), nowUnix()-1)
	s.reapOnce()

	if c.IsClosed() {
		t.Fatalf("expected the reaper to defer, not close, a connection actively responding")
	}

	close(release)

	reader := bufio.NewReader(conn)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read: %v", err)
	}
	waitFor(t, time.Second, func() bool { return c.PendingResponses() == 0 })

	// Now the connection is genuinely idle: force expiry again and expect
	// the next tick to close it.
	s.timeoutCache.Update(c.ID(), nowUnix()-1)
	s.reapOnce()

	waitFor(t, time.Second, c.IsClosed)
}

// TestServerStopDrainsSlowInFlightResponse is spec.md §8 boundary scenario
// 5: stop() closes every listener immediately (no new accept can occur) but
// waits for an in-flight response to finish writing before the server
// finishes transitioning to Stopped.
func TestServerStopDrainsSlowInFlightResponse(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	handler := RequestHandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		close(started)
		<-release
		return &fakeResponse{status: 200, body: []byte("ok\n")}, nil
	})

	opts := DefaultOptions()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	s := NewServer(ServerDeps{
		Options:       opts,
		DriverFactory: fakeDriverFactory{},
		Handler:       handler,
		ErrorHandler:  fakeErrorHandler{},
		Logger:        NewSlogLogger(nil),
		Metrics:       NewMetrics(nil),
	})
	if err := s.Start(l); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-started

	stopDone := make(chan error, 1)
	go func() { stopDone <- s.Stop(2 * time.Second) }()

	// The listener must close immediately: a new connection attempt fails.
	waitFor(t, time.Second, func() bool {
		_, dialErr := net.Dial("tcp", addr)
		return dialErr != nil
	})

	select {
	case err := <-stopDone:
		t.Fatalf("expected Stop to block until the in-flight response drains, returned early with %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	reader := bufio.NewReader(conn)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read: %v", err)
	}

	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Stop to return after the in-flight response drained")
	}

	if s.Status() != "Stopped" {
		t.Fatalf("expected Stopped, got %s", s.Status())
	}
}
