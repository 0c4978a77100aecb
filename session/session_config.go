package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-netsession/logger"
)

// ErrorHandler is invoked on the session executor when a pipeline handler fails.
// It returns true if the error was handled and the session may stay open. Protocol violations
// close the session regardless of the result.
type ErrorHandler func(s *Session, err error) bool

// PipelineInitializer installs the handlers of a new session's pipeline.
type PipelineInitializer func(p *Pipeline) error

// SessionConfig represents the configuration shared by the sessions a backend creates.
type SessionConfig struct {
	mu sync.RWMutex

	// executor runs the tasks of every session created with this config.
	// When both executor and loopGroup are nil, each session owns a private event loop.
	executor Executor
	// loopGroup hands out an event loop per session in round-robin order.
	loopGroup *EventLoopGroup

	// defaultReliability is the fallback reliability of channel 0 and of new channels.
	// Defaults to ReliableOrdered.
	defaultReliability Reliability

	// channelIDs allocates ids for OpenChannel. Defaults to a process-wide allocator.
	channelIDs *ChannelIDAllocator

	// arenaSize is the number of channel ids stored in the dense channel table; larger ids
	// fall back to a map. Defaults to 256.
	arenaSize int

	// pendingSendLimit bounds the number of sends queued while the session is connecting.
	// Defaults to 1024.
	pendingSendLimit int

	// closeTimeout bounds the final flush of a graceful close. The transport is closed when it
	// expires, dropping what was not written. Defaults to 5 seconds.
	closeTimeout time.Duration

	errorHandler  ErrorHandler
	initializer   PipelineInitializer
	stateHandlers []StateChangeHandler

	logger logger.Logger
}

// NewSessionConfig creates a session configuration with default values and applies opts.
func NewSessionConfig(opts ...SessionOption) (*SessionConfig, error) {
	cfg := &SessionConfig{
		defaultReliability: ReliableOrdered,
		channelIDs:         defaultChannelIDs,
		arenaSize:          256,
		pendingSendLimit:   1024,
		closeTimeout:       5 * time.Second,
		logger:             logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// Update applies runtime options to an existing configuration.
// It fails without applying anything if one of opts can't be changed at runtime.
func (cfg *SessionConfig) Update(opts ...SessionOption) error {
	if cfg == nil {
		return ErrSessionConfigNil
	}

	for _, opt := range opts {
		if o, ok := opt.(*sessionOptFunc); ok && !o.runtime {
			return fmt.Errorf("option %s cannot be changed at runtime", o.name)
		}
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return err
		}
	}

	return nil
}

// Logger returns the configured logger.
func (cfg *SessionConfig) Logger() logger.Logger {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.logger
}

// DefaultReliability returns the fallback reliability of new channels.
func (cfg *SessionConfig) DefaultReliability() Reliability {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.defaultReliability
}

// CloseTimeout returns the timeout of the final flush of a graceful close.
func (cfg *SessionConfig) CloseTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.closeTimeout
}

func (cfg *SessionConfig) getErrorHandler() ErrorHandler {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.errorHandler
}

// nextExecutor returns the executor for a new session, and whether the session owns it.
func (cfg *SessionConfig) nextExecutor(name string) (Executor, bool) {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	switch {
	case cfg.executor != nil:
		return cfg.executor, false
	case cfg.loopGroup != nil:
		return cfg.loopGroup.Next(), false
	default:
		return NewEventLoop(name, cfg.logger), true
	}
}

// SessionOption represents a functional option for configuring a SessionConfig.
type SessionOption interface {
	apply(*SessionConfig) error
}

type sessionOptFunc struct {
	name      string
	runtime   bool
	applyFunc func(*SessionConfig) error
}

func (o *sessionOptFunc) apply(cfg *SessionConfig) error {
	if cfg == nil {
		return ErrSessionConfigNil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	return o.applyFunc(cfg)
}

func newSessionOptFunc(name string, runtime bool, f func(*SessionConfig) error) *sessionOptFunc {
	return &sessionOptFunc{
		name:      name,
		runtime:   runtime,
		applyFunc: f,
	}
}

// WithExecutor makes every session run its tasks on executor.
//
// This option can't be changed at runtime.
func WithExecutor(executor Executor) SessionOption {
	return newSessionOptFunc("WithExecutor", false, func(cfg *SessionConfig) error {
		if executor == nil {
			return fmt.Errorf("executor is nil")
		}
		cfg.executor = executor

		return nil
	})
}

// WithEventLoopGroup makes sessions share the event loops of group, assigned in round-robin order.
//
// This option can't be changed at runtime.
func WithEventLoopGroup(group *EventLoopGroup) SessionOption {
	return newSessionOptFunc("WithEventLoopGroup", false, func(cfg *SessionConfig) error {
		if group == nil {
			return fmt.Errorf("event loop group is nil")
		}
		cfg.loopGroup = group

		return nil
	})
}

// WithDefaultReliability sets the fallback reliability of channel 0 and of newly created channels.
//
// The default value is ReliableOrdered.
//
// This option can be changed at runtime; existing channels keep their reliability.
func WithDefaultReliability(rel Reliability) SessionOption {
	return newSessionOptFunc("WithDefaultReliability", true, func(cfg *SessionConfig) error {
		if !rel.IsValid() {
			return fmt.Errorf("invalid reliability: %d", rel)
		}
		cfg.defaultReliability = rel

		return nil
	})
}

// WithChannelIDAllocator sets the allocator OpenChannel draws ids from.
//
// This option can't be changed at runtime.
func WithChannelIDAllocator(alloc *ChannelIDAllocator) SessionOption {
	return newSessionOptFunc("WithChannelIDAllocator", false, func(cfg *SessionConfig) error {
		if alloc == nil {
			return fmt.Errorf("channel id allocator is nil")
		}
		cfg.channelIDs = alloc

		return nil
	})
}

// WithChannelArenaSize sets the number of channel ids kept in the dense channel table.
// It should be between 1 and 65536.
//
// The default value is 256.
//
// This option can't be changed at runtime.
func WithChannelArenaSize(size int) SessionOption {
	return newSessionOptFunc("WithChannelArenaSize", false, func(cfg *SessionConfig) error {
		if size < 1 || size > 65536 {
			return fmt.Errorf("channel arena size is out of range [1, 65536]")
		}
		cfg.arenaSize = size

		return nil
	})
}

// WithPendingSendLimit sets the number of sends that may be queued while a session is connecting.
// It should be between 1 and 65536.
//
// The default value is 1024.
//
// This option can be changed at runtime.
func WithPendingSendLimit(limit int) SessionOption {
	return newSessionOptFunc("WithPendingSendLimit", true, func(cfg *SessionConfig) error {
		if limit < 1 || limit > 65536 {
			return fmt.Errorf("pending send limit is out of range [1, 65536]")
		}
		cfg.pendingSendLimit = limit

		return nil
	})
}

// WithCloseTimeout sets how long a graceful close waits for queued writes to reach the network
// before the transport is closed. It should be between 1 millisecond and 10 minutes.
//
// The default value is 5 seconds.
//
// This option can be changed at runtime.
func WithCloseTimeout(timeout time.Duration) SessionOption {
	return newSessionOptFunc("WithCloseTimeout", true, func(cfg *SessionConfig) error {
		if timeout < time.Millisecond || timeout > 10*time.Minute {
			return fmt.Errorf("close timeout is out of range [1ms, 10m]")
		}
		cfg.closeTimeout = timeout

		return nil
	})
}

// WithErrorHandler sets the handler invoked when a pipeline handler fails.
// Without an error handler every handler error closes the session.
//
// This option can be changed at runtime.
func WithErrorHandler(handler ErrorHandler) SessionOption {
	return newSessionOptFunc("WithErrorHandler", true, func(cfg *SessionConfig) error {
		cfg.errorHandler = handler
		return nil
	})
}

// WithPipelineInitializer sets the function that installs the handlers of each new session.
//
// This option can't be changed at runtime.
func WithPipelineInitializer(init PipelineInitializer) SessionOption {
	return newSessionOptFunc("WithPipelineInitializer", false, func(cfg *SessionConfig) error {
		cfg.initializer = init
		return nil
	})
}

// WithStateChangeHandler adds handlers invoked on every state change of each new session.
//
// This option can't be changed at runtime.
func WithStateChangeHandler(handlers ...StateChangeHandler) SessionOption {
	return newSessionOptFunc("WithStateChangeHandler", false, func(cfg *SessionConfig) error {
		cfg.stateHandlers = append(cfg.stateHandlers, handlers...)
		return nil
	})
}

// WithLogger sets the logger of the sessions.
//
// This option can be changed at runtime; it affects sessions created afterwards.
func WithLogger(l logger.Logger) SessionOption {
	return newSessionOptFunc("WithLogger", true, func(cfg *SessionConfig) error {
		if l == nil {
			return fmt.Errorf("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
