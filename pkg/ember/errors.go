package ember

import "errors"

// Sentinel errors mirror the teacher's http11 convention of a flat,
// package-level error block rather than typed error structs.
var (
	// ErrClientDisconnected surfaces from any I/O attempted against a peer
	// that is already gone. Connection boundaries catch it and close
	// silently; it must never propagate past a respond-task.
	ErrClientDisconnected = errors.New("ember: client disconnected")

	// ErrConnectionClosed resolves a drain future that is still outstanding
	// when the Connection closes (WriteQueue.ForceClose). Writes attempted
	// after WRITE_CLOSED or full close fail with ErrClientDisconnected.
	ErrConnectionClosed = errors.New("ember: connection closed")

	// ErrAlreadyStarted is a StateError: Connection.Start was called twice.
	ErrAlreadyStarted = errors.New("ember: connection already started")

	// ErrServerAlreadyStarted is a StateError: Server.Start from a
	// non-Stopped state.
	ErrServerAlreadyStarted = errors.New("ember: server already started")

	// ErrServerNotStarted is a StateError: Server.Stop called on a server
	// that was never started or has already stopped.
	ErrServerNotStarted = errors.New("ember: server not started")

	// ErrReconfigureWhileRunning is a StateError: an attempt to replace the
	// driver factory, client factory, or error handler while the server is
	// not Stopped.
	ErrReconfigureWhileRunning = errors.New("ember: cannot reconfigure a running server")

	// ErrTooManyConnections is the AdmissionDenied reason when the global
	// connection cap is reached.
	ErrTooManyConnections = errors.New("ember: too many existing connections")

	// ErrTooManyConnectionsFromIP is the AdmissionDenied reason when a
	// single network bucket is at its per-IP cap.
	ErrTooManyConnectionsFromIP = errors.New("ember: too many existing connections from this address")
)
