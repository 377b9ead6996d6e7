package ember

import (
	"io"
	"sync"
)

// WriteQueue is a single connection's outbound buffer plus its one
// outstanding drain waiter (spec §4.2). The source models this against a
// non-blocking socket with an explicit writable-readiness watcher; this
// port instead runs one writer goroutine per connection that performs
// ordinary blocking net.Conn.Write calls, which already gives the same
// backpressure (the goroutine simply doesn't return to "idle" while there
// are unwritten bytes) without needing a separate readiness callback.
// "The writable watcher is enabled" becomes "the writer goroutine is
// currently draining a non-empty buffer", exposed via Pending()/Draining().
type WriteQueue struct {
	mu       sync.Mutex
	buf      []byte
	draining bool
	drain    *future
	closed   bool
	closeErr error

	w       io.Writer
	metrics *Metrics

	// onWriteClosed is invoked exactly once, synchronously, the moment a
	// closeAfter write is queued: it tells the Connection to flip
	// WRITE_CLOSED and cancel its read watcher (spec §4.2).
	onWriteClosed func()
	// onDrainedClose is invoked once the buffer the closeAfter write
	// belongs to has fully drained (or failed), scheduling Connection.close().
	onDrainedClose func()
	closeAfter     bool
}

// NewWriteQueue builds a queue that writes to w and reports byte-pending
// counts to metrics (which may be nil).
func NewWriteQueue(w io.Writer, metrics *Metrics) *WriteQueue {
	return &WriteQueue{
		w:       w,
		metrics: metrics,
	}
}

// SetCloseCallbacks wires the Connection hooks a WriteQueue needs but
// cannot import directly without a cycle: onWriteClosed fires the instant
// a closeAfter write is accepted, onDrainedClose fires once that write's
// bytes have actually left the socket (or failed to).
func (q *WriteQueue) SetCloseCallbacks(onWriteClosed, onDrainedClose func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onWriteClosed = onWriteClosed
	q.onDrainedClose = onDrainedClose
}

// Write appends data to the buffer and returns a future resolved once the
// buffer next reaches empty. Per spec §4.2, calls issued while a drain
// future is already outstanding all receive that SAME future: this is how
// the driver serializes body chunks without minting a fresh handle per
// chunk.
func (q *WriteQueue) Write(data []byte, closeAfter bool) *future {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return resolvedFuture(ErrClientDisconnected)
	}

	if len(data) == 0 && !closeAfter && !q.draining {
		q.mu.Unlock()
		return resolvedFuture(nil)
	}

	if len(data) > 0 {
		q.buf = append(q.buf, data...)
		q.metrics.addWriteQueueBytes(len(data))
	}

	if closeAfter && !q.closeAfter {
		q.closeAfter = true
		if cb := q.onWriteClosed; cb != nil {
			cb()
		}
	}

	if q.drain == nil {
		q.drain = newFuture()
	}
	drain := q.drain

	if !q.draining {
		q.draining = true
		q.mu.Unlock()
		go q.pump()
		return drain
	}

	q.mu.Unlock()
	return drain
}

// pump is the per-connection writer goroutine. There is at most one
// running at a time (guarded by draining).
func (q *WriteQueue) pump() {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.buf) == 0 {
			q.finishLocked(nil)
			q.mu.Unlock()
			return
		}
		chunk := q.buf
		q.buf = nil
		q.mu.Unlock()

		n, err := q.w.Write(chunk)
		q.metrics.addWriteQueueBytes(-len(chunk))

		if err == nil && n < len(chunk) {
			err = io.ErrShortWrite
		}
		if err != nil {
			q.mu.Lock()
			q.buf = nil
			q.finishLocked(classifyWriteErr(err))
			q.mu.Unlock()
			return
		}
	}
}

// finishLocked must be called with q.mu held. It resolves the outstanding
// drain future and, if a closeAfter write (or a failure) is pending,
// schedules the close callback exactly once.
func (q *WriteQueue) finishLocked(err error) {
	q.draining = false
	if err != nil {
		q.closed = true
		q.closeErr = err
	}
	if q.drain != nil {
		q.drain.resolve(err)
		q.drain = nil
	}
	if (q.closeAfter || err != nil) && q.onDrainedClose != nil {
		cb := q.onDrainedClose
		q.onDrainedClose = nil
		go cb()
	}
}

// ForceClose marks the queue closed, discards any unsent buffered bytes,
// and immediately resolves the outstanding drain future with err — the
// synchronous half of Connection.close() (spec §4.5: "close() ... resolves
// any outstanding drain future").
func (q *WriteQueue) ForceClose(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.closeErr = err
	q.buf = nil
	if q.drain != nil {
		q.drain.resolve(err)
		q.drain = nil
	}
}

func classifyWriteErr(err error) error {
	if err == io.EOF || err == io.ErrClosedPipe || err == io.ErrShortWrite {
		return ErrClientDisconnected
	}
	return err
}

// Pending reports the number of bytes currently buffered and not yet
// handed to the socket. The writable-watcher invariant (spec §4.2 / §8)
// is exactly Pending() > 0 implies a pump goroutine is running.
func (q *WriteQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Draining reports whether a pump goroutine currently owns the buffer.
func (q *WriteQueue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Closed reports whether the queue has been force-closed or hit a write
// error.
func (q *WriteQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
