//go:build linux || darwin

package socket

import "golang.org/x/sys/unix"

// applyConnOptions applies the per-connection options (spec: socket tuning
// on accept). Ported from the teacher's tuning_linux.go onto
// golang.org/x/sys/unix so the same call sites work on darwin too, instead
// of hand-rolling the syscall numbers tuning_linux.go declared as local
// untyped constants.
func applyConnOptions(fd int, cfg Config) error {
	if cfg.NoDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return err
		}
	}
	if cfg.RecvBuffer > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.RecvBuffer)
	}
	if cfg.SendBuffer > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SendBuffer)
	}
	if cfg.KeepAlive {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	}
	if cfg.QuickAck {
		setQuickAck(fd)
	}
	return nil
}

// applyListenerOptions applies listener-scoped options. TCP_DEFER_ACCEPT is
// Linux-only; darwin has no equivalent so it's a no-op there.
func applyListenerOptions(fd int, cfg Config) error {
	deferAccept(fd, cfg)
	return nil
}
