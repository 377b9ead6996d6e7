package ember

import (
	"context"
	"sync"
)

// future is a one-shot completion handle: exactly one of its resolutions
// wins, every later resolve is a no-op, and every waiter observes the same
// outcome. It is the Go-native stand-in for the "drain future" / parser
// "wait future" the spec describes: a close-once channel, as the teacher
// uses to signal shutdown completion (shockwave/pkg/shockwave/server/server.go's
// BaseServer.Shutdown), guarded here by sync.Once where the teacher uses a
// CompareAndSwap.
type future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// resolvedFuture returns an already-completed future, used where a write
// needs no drain: an empty WriteQueue.Write with no close requested and
// nothing draining (resolved with nil), and any write after the queue or
// the Connection is closed (resolved with ErrClientDisconnected).
func resolvedFuture(err error) *future {
	f := newFuture()
	f.resolve(err)
	return f
}

func (f *future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// wait blocks until the future resolves or ctx is done, whichever comes
// first. A nil ctx waits unconditionally.
func (f *future) wait(ctx context.Context) error {
	if ctx == nil {
		<-f.done
		return f.err
	}
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done exposes the completion channel for callers that want to select on
// it directly.
func (f *future) Done() <-chan struct{} {
	return f.done
}

func (f *future) Err() error {
	return f.err
}
