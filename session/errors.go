package session

import "errors"

var (
	// ErrProtocolViolation is wrapped by every error caused by malformed or abusive peer input.
	// A session always terminates after such an error reached its error handler.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnsupportedMessage indicates that an outbound message reached the transport without
	// being encoded into a []byte.
	ErrUnsupportedMessage = errors.New("unsupported outbound message type")

	// ErrHandlerPanic indicates that a pipeline handler panicked while processing an event.
	ErrHandlerPanic = errors.New("pipeline handler panicked")
)

var (
	// ErrSessionConfigNil indicates that a nil SessionConfig was provided.
	ErrSessionConfigNil = errors.New("session config is nil")

	// ErrAdapterNil indicates that a session was created without a transport adapter.
	ErrAdapterNil = errors.New("transport adapter is nil")

	// ErrSessionClosed indicates that the session is closing or closed.
	ErrSessionClosed = errors.New("session closed")

	// ErrSendQueueFull indicates that too many sends were queued, either while the session was
	// connecting or in front of a transport writer that can't keep up.
	ErrSendQueueFull = errors.New("send queue is full")

	// ErrInvalidTransition is returned when an attempt is made to transition the session
	// state to an invalid state.
	ErrInvalidTransition = errors.New("invalid state transition")
)

var (
	// ErrReliabilityMismatch indicates that a send on an enforced channel resolved to a
	// reliability level other than the channel's fixed one.
	ErrReliabilityMismatch = errors.New("reliability mismatch")

	// ErrDuplicateName indicates that a pipeline handler with the same name already exists.
	ErrDuplicateName = errors.New("duplicate handler name")

	// ErrInvalidHandler indicates that a nil handler or an empty handler name was provided.
	ErrInvalidHandler = errors.New("invalid handler")

	// ErrNotFound indicates that no pipeline handler has the given name.
	ErrNotFound = errors.New("handler not found")

	// ErrChannelNotFound indicates that no channel with the given id is cached.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrReservedChannel indicates an operation on the default channel that is not allowed.
	ErrReservedChannel = errors.New("channel 0 is reserved")

	// ErrChannelIDExhausted indicates that the channel id allocator has no ids left.
	ErrChannelIDExhausted = errors.New("channel id space exhausted")
)

var (
	// ErrFutureCancelled indicates that the operation behind a future was cancelled.
	ErrFutureCancelled = errors.New("future cancelled")

	// ErrFutureFailed is the failure cause of a future failed without an explicit error.
	ErrFutureFailed = errors.New("future failed")

	// ErrFutureTimeout indicates that waiting on a future timed out.
	ErrFutureTimeout = errors.New("future wait timeout")

	// ErrExecutorClosed indicates that a task was submitted to a closed executor.
	ErrExecutorClosed = errors.New("executor closed")
)
