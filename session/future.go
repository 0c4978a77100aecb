package session

import (
	"context"
	"sync"
	"time"

	"github.com/arloliu/go-netsession/internal/pool"
)

// FutureState represents the resolution state of a Future.
type FutureState uint32

const (
	// FuturePending indicates that the future is not resolved yet.
	FuturePending FutureState = iota
	// FutureSucceeded indicates that the operation completed successfully.
	FutureSucceeded
	// FutureFailed indicates that the operation failed.
	FutureFailed
	// FutureCancelled indicates that the operation was cancelled before it ran.
	FutureCancelled
)

// String returns string representation of the future state.
func (fs FutureState) String() string {
	switch fs {
	case FuturePending:
		return "pending"
	case FutureSucceeded:
		return "succeeded"
	case FutureFailed:
		return "failed"
	case FutureCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FutureCallback is invoked once a Future is resolved.
type FutureCallback func(f *Future)

// Future is a single-resolution handle for an asynchronous operation.
//
// A Future resolves exactly once, either succeeded, failed or cancelled. Later attempts to
// resolve it are ignored. Callbacks registered with OnComplete are submitted to the owning
// executor, or run inline when the future has no executor or the executor is closed.
type Future struct {
	executor  Executor
	mu        sync.Mutex
	state     FutureState
	err       error
	done      chan struct{}
	callbacks []FutureCallback
}

// NewFuture creates a pending Future whose callbacks run on executor.
// The executor may be nil.
func NewFuture(executor Executor) *Future {
	return &Future{
		executor: executor,
		done:     make(chan struct{}),
	}
}

// NewSucceededFuture returns a Future that already succeeded.
func NewSucceededFuture(executor Executor) *Future {
	f := NewFuture(executor)
	f.Succeed()

	return f
}

// NewFailedFuture returns a Future that already failed with err.
func NewFailedFuture(executor Executor, err error) *Future {
	f := NewFuture(executor)
	f.Fail(err)

	return f
}

// Succeed marks the future as succeeded. It returns false if the future was already resolved.
func (f *Future) Succeed() bool {
	return f.resolve(FutureSucceeded, nil)
}

// Fail marks the future as failed with err. It returns false if the future was already resolved.
//
// A nil err is replaced by ErrFutureFailed, so Err never returns nil for a failed future.
func (f *Future) Fail(err error) bool {
	if err == nil {
		err = ErrFutureFailed
	}

	return f.resolve(FutureFailed, err)
}

// Cancel marks the future as cancelled. It returns false if the future was already resolved.
func (f *Future) Cancel() bool {
	return f.resolve(FutureCancelled, ErrFutureCancelled)
}

// Complete resolves the future from err: nil succeeds it, anything else fails it.
func (f *Future) Complete(err error) bool {
	if err != nil {
		return f.Fail(err)
	}

	return f.Succeed()
}

func (f *Future) resolve(state FutureState, err error) bool {
	f.mu.Lock()
	if f.state != FuturePending {
		f.mu.Unlock()
		return false
	}
	f.state = state
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	if len(callbacks) > 0 {
		f.dispatch(func() {
			for _, cb := range callbacks {
				cb(f)
			}
		})
	}

	return true
}

func (f *Future) dispatch(task Task) {
	if f.executor == nil || f.executor.Submit(task) != nil {
		task()
	}
}

// State returns the current resolution state.
func (f *Future) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state
}

// Done returns a channel that is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone returns true if the future is resolved.
func (f *Future) IsDone() bool {
	return f.State() != FuturePending
}

// IsSuccess returns true if the future succeeded.
func (f *Future) IsSuccess() bool {
	return f.State() == FutureSucceeded
}

// IsCancelled returns true if the future was cancelled.
func (f *Future) IsCancelled() bool {
	return f.State() == FutureCancelled
}

// Err returns the failure cause, ErrFutureCancelled for a cancelled future, or nil.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.err
}

// Wait blocks until the future is resolved or ctx is done, and returns the failure cause.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout blocks until the future is resolved or timeout elapses.
// It returns ErrFutureTimeout if the future is still pending after timeout.
func (f *Future) WaitTimeout(timeout time.Duration) error {
	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case <-f.done:
		return f.Err()
	case <-timer.C:
		return ErrFutureTimeout
	}
}

// OnComplete registers cb to be invoked once the future is resolved. If the future is already
// resolved, cb is scheduled immediately.
func (f *Future) OnComplete(cb FutureCallback) *Future {
	f.mu.Lock()
	if f.state == FuturePending {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()

		return f
	}
	f.mu.Unlock()

	f.dispatch(func() { cb(f) })

	return f
}

// AndThen returns a future that resolves like the future returned by next, which is invoked
// only after f succeeded. A failure or cancellation of f propagates without calling next.
func (f *Future) AndThen(next func() *Future) *Future {
	chained := NewFuture(f.executor)
	f.OnComplete(func(f *Future) {
		switch f.State() {
		case FutureSucceeded:
			nf := next()
			if nf == nil {
				chained.Succeed()
				return
			}
			nf.OnComplete(func(nf *Future) { chained.propagate(nf) })
		default:
			chained.propagate(f)
		}
	})

	return chained
}

// OrRecover returns a future that succeeds when f succeeds. If f fails or is cancelled, recover
// is invoked with the cause; the returned future succeeds if recover returns nil and fails
// with the returned error otherwise.
func (f *Future) OrRecover(recover func(err error) error) *Future {
	chained := NewFuture(f.executor)
	f.OnComplete(func(f *Future) {
		if f.IsSuccess() {
			chained.Succeed()
			return
		}
		chained.Complete(recover(f.Err()))
	})

	return chained
}

func (f *Future) propagate(src *Future) {
	switch src.State() {
	case FutureSucceeded:
		f.Succeed()
	case FutureCancelled:
		f.Cancel()
	default:
		f.Fail(src.Err())
	}
}
