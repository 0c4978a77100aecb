package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-netsession/logger"
)

// State represents the lifecycle stage of a session.
type State uint32

const (
	// ConnectingState indicates that the transport connection is being established.
	ConnectingState State = iota
	// ConnectedState indicates that the session is ready for data exchange.
	ConnectedState
	// DisconnectingState indicates that the session is shutting down.
	DisconnectingState
	// DisconnectedState indicates that the session is closed. It is the final state.
	DisconnectedState
)

// String returns string representation of the session state.
func (st State) String() string {
	switch st {
	case ConnectingState:
		return "connecting"
	case ConnectedState:
		return "connected"
	case DisconnectingState:
		return "disconnecting"
	case DisconnectedState:
		return "disconnected"
	default:
		return "unknown"
	}
}

// IsConnected returns if the state is ConnectedState.
func (st State) IsConnected() bool { return st == ConnectedState }

// IsClosing returns if the state is DisconnectingState or DisconnectedState.
func (st State) IsClosing() bool { return st == DisconnectingState || st == DisconnectedState }

// StateChangeHandler is invoked after the state of a session changed.
//
// Note: the handler is invoked on the session's executor. Take care with long-running implementations.
type StateChangeHandler func(s *Session, prevState State, newState State)

// stateMgr tracks the session state and lets goroutines wait for a given state.
//
// Transitions are only performed by session tasks, so they never race each other; the mutex
// and condition variable serve WaitState callers on other goroutines.
type stateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	session  *Session
	logger   logger.Logger
	handlers []StateChangeHandler
}

func newStateMgr(s *Session, l logger.Logger, handlers ...StateChangeHandler) *stateMgr {
	mgr := &stateMgr{
		session:  s,
		logger:   l,
		handlers: append([]StateChangeHandler(nil), handlers...),
	}
	mgr.cond = sync.NewCond(&mgr.mu)
	mgr.state.Store(uint32(ConnectingState))

	return mgr
}

func (mgr *stateMgr) State() State {
	return State(mgr.state.Load())
}

func (mgr *stateMgr) addHandler(handlers ...StateChangeHandler) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.handlers = append(mgr.handlers, handlers...)
}

// WaitState waits for the session state to reach the specified state or until the context is done.
// It returns ErrSessionClosed if the session is disconnected before reaching the state.
func (mgr *stateMgr) WaitState(ctx context.Context, state State) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	stopFunc := context.AfterFunc(ctx, func() {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		mgr.cond.Broadcast()
	})
	defer stopFunc()

	for {
		cur := mgr.State()
		if cur == state {
			return nil
		}
		if cur == DisconnectedState {
			return ErrSessionClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		mgr.cond.Wait()
	}
}

// to transitions to newState if the transition is allowed.
func (mgr *stateMgr) to(newState State) error {
	mgr.mu.Lock()
	prevState := mgr.State()
	if prevState == newState {
		mgr.mu.Unlock()
		return nil
	}
	if !validTransition(prevState, newState) {
		mgr.mu.Unlock()
		mgr.logger.Debug("invalid session state transition", "prev_state", prevState, "new_state", newState)

		return ErrInvalidTransition
	}
	mgr.state.Store(uint32(newState))
	mgr.cond.Broadcast()
	handlers := mgr.handlers
	mgr.mu.Unlock()

	mgr.logger.Debug("session state changed", "prev_state", prevState, "new_state", newState)
	for _, handler := range handlers {
		if handler != nil {
			handler(mgr.session, prevState, newState)
		}
	}

	return nil
}

func validTransition(prevState, newState State) bool {
	switch newState {
	case ConnectedState:
		return prevState == ConnectingState
	case DisconnectingState:
		return prevState == ConnectedState
	case DisconnectedState:
		return prevState != DisconnectedState
	default:
		return false
	}
}
