//go:build !linux && !darwin

package socket

// No socket-tuning support on this platform; every knob is a no-op.

func applyConnOptions(fd int, cfg Config) error { return nil }

func applyListenerOptions(fd int, cfg Config) error { return nil }
