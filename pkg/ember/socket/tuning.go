// Package socket applies OS-level tuning to accepted connections and
// listeners. Platform-specific option sets live in tuning_unix.go and
// tuning_other.go.
package socket

import "net"

// Config controls which socket options Tune and TuneListener apply. Zero
// values mean "leave the system default alone".
type Config struct {
	// NoDelay disables Nagle's algorithm (TCP_NODELAY).
	NoDelay bool

	// RecvBuffer and SendBuffer set SO_RCVBUF/SO_SNDBUF in bytes; 0 keeps
	// the system default.
	RecvBuffer int
	SendBuffer int

	// KeepAlive enables SO_KEEPALIVE.
	KeepAlive bool

	// QuickAck requests TCP_QUICKACK where the platform supports it.
	QuickAck bool
}

// DefaultConfig is the tuning applied to accepted connections unless the
// caller overrides it: low-latency HTTP defaults.
func DefaultConfig() Config {
	return Config{
		NoDelay:    true,
		RecvBuffer: 256 * 1024,
		SendBuffer: 256 * 1024,
		KeepAlive:  true,
		QuickAck:   true,
	}
}

// Tune applies cfg to conn. conn must be a *net.TCPConn; any other type is a
// silent no-op since there is nothing to tune (e.g. a unix-domain socket, or
// a *tls.Conn before the underlying conn is reached). Failures setting the
// buffer sizes, SO_KEEPALIVE or TCP_QUICKACK are ignored since none of them
// are load bearing for correctness, only performance; a TCP_NODELAY failure
// is returned.
func Tune(conn net.Conn, cfg Config) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return err
	}

	var ctrlErr error
	err = rawConn.Control(func(fd uintptr) {
		ctrlErr = applyConnOptions(int(fd), cfg)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// TuneListener applies the listener-scoped subset of cfg (options that must
// be set before Accept, like TCP_DEFER_ACCEPT) to l.
func TuneListener(l net.Listener, cfg Config) error {
	tcpListener, ok := l.(*net.TCPListener)
	if !ok {
		return nil
	}

	rawConn, err := tcpListener.SyscallConn()
	if err != nil {
		return err
	}

	var ctrlErr error
	err = rawConn.Control(func(fd uintptr) {
		ctrlErr = applyListenerOptions(int(fd), cfg)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}
