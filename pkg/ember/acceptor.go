package ember

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/wattlabs/ember/pkg/ember/socket"
)

// Acceptor owns one net.Listener and runs its accept loop on a dedicated
// goroutine (spec §4.6). Each accepted socket is tuned, passed through the
// Server's AdmissionPolicy, and on admission handed to a freshly built
// Connection. The acceptor never blocks the rest of the server: a slow or
// misbehaving Connection runs on its own goroutines, never the accept loop's.
type Acceptor struct {
	listener net.Listener
	tuning   socket.Config
	logger   Logger

	onAccept func(conn net.Conn)
	onError  func(err error)

	wg   sync.WaitGroup
	done chan struct{}
}

// NewAcceptor wraps l. onAccept is invoked once per accepted (and tuned)
// connection; onError is invoked for transient Accept errors (the loop
// continues) and is not invoked once the acceptor is stopped. logger may be
// nil, in which case tuning failures are simply not logged.
func NewAcceptor(l net.Listener, tuning socket.Config, logger Logger, onAccept func(net.Conn), onError func(error)) *Acceptor {
	return &Acceptor{
		listener: l,
		tuning:   tuning,
		logger:   logger,
		onAccept: onAccept,
		onError:  onError,
		done:     make(chan struct{}),
	}
}

// Run starts the accept loop on the current goroutine and blocks until the
// listener closes or Stop is called. Callers typically invoke this via
// `go acceptor.Run()`.
func (a *Acceptor) Run() {
	a.wg.Add(1)
	defer a.wg.Done()

	_ = socket.TuneListener(a.listener, a.tuning)

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if a.onError != nil {
				a.onError(err)
			}
			continue
		}

		if err := socket.Tune(conn, a.tuning); err != nil && a.logger != nil {
			a.logger.Debug(context.Background(), "ember: socket tuning failed", "remote", conn.RemoteAddr().String(), "err", err)
		}

		if a.onAccept != nil {
			a.onAccept(conn)
		}
	}
}

// Stop closes the listener, which unblocks Accept with an error the loop
// treats as a clean shutdown, then waits for Run to return.
func (a *Acceptor) Stop() {
	select {
	case <-a.done:
		// already stopped
	default:
		close(a.done)
	}
	_ = a.listener.Close()
	a.wg.Wait()
}
