//go:build darwin

package socket

// setQuickAck is a no-op on darwin: TCP_QUICKACK has no equivalent.
func setQuickAck(fd int) {}

// deferAccept is a no-op on darwin: TCP_DEFER_ACCEPT has no equivalent.
func deferAccept(fd int, cfg Config) {}
