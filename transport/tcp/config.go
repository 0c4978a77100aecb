package tcp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-netsession/framer"
	"github.com/arloliu/go-netsession/logger"
	"github.com/arloliu/go-netsession/session"
)

// Config represents the configuration of TCP sessions and listeners.
type Config struct {
	mu sync.RWMutex

	// dialTimeout is the timeout for establishing an outgoing connection.
	// It should be between 10 milliseconds and 5 minutes. Defaults to 10 seconds.
	dialTimeout time.Duration

	// keepAlive is the TCP keep-alive period. A negative value disables keep-alives.
	// Defaults to 30 seconds.
	keepAlive time.Duration

	// noDelay sets TCP_NODELAY on connections. Defaults to true.
	noDelay bool

	// linger is the SO_LINGER timeout in seconds applied on close. A negative value keeps the
	// operating system default, 0 discards unsent data and resets the connection.
	// Defaults to -1.
	linger int

	// readBufferSize is the size of the read buffer of each connection. Defaults to 32 KiB.
	readBufferSize int
	// writeBufferSize is the size of the buffered writer of each connection. Defaults to 32 KiB.
	writeBufferSize int

	// sendQueueSize is the number of writes and flushes queued to the sender goroutine of each
	// connection. Sends fail with session.ErrSendQueueFull when it is full. Defaults to 1024.
	sendQueueSize int

	// acceptTimeout is the deadline of each accept iteration of a listener, after which the
	// listener checks whether it was closed. It should be between 10 milliseconds and 10 seconds.
	// Defaults to 1 second.
	acceptTimeout time.Duration

	// acceptBacklog is the number of accepted sessions buffered until Accept picks them up.
	// Defaults to 128.
	acceptBacklog int

	// closeTimeout is the timeout for closing all sessions of a listener. Defaults to 3 seconds.
	closeTimeout time.Duration

	// framerCfg installs a framer as the first pipeline stage of every session when not nil.
	framerCfg *framer.Config

	sessionOpts []session.SessionOption

	logger logger.Logger
}

// NewConfig creates a TCP configuration with default values and applies opts.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		dialTimeout:     10 * time.Second,
		keepAlive:       30 * time.Second,
		noDelay:         true,
		linger:          -1,
		readBufferSize:  32 << 10,
		writeBufferSize: 32 << 10,
		sendQueueSize:   session.DefaultSendQueueSize,
		acceptTimeout:   time.Second,
		acceptBacklog:   128,
		closeTimeout:    3 * time.Second,
		logger:          logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// DialTimeout returns the dial timeout.
func (cfg *Config) DialTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.dialTimeout
}

// ReadBufferSize returns the read buffer size.
func (cfg *Config) ReadBufferSize() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.readBufferSize
}

// SendQueueSize returns the number of writes and flushes a session can queue to its sender.
func (cfg *Config) SendQueueSize() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.sendQueueSize
}

// Logger returns the logger.
func (cfg *Config) Logger() logger.Logger {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.logger
}

// sessionConfig builds a fresh session configuration from the session options.
func (cfg *Config) sessionConfig() (*session.SessionConfig, error) {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	opts := make([]session.SessionOption, 0, len(cfg.sessionOpts)+1)
	opts = append(opts, session.WithLogger(cfg.logger))
	opts = append(opts, cfg.sessionOpts...)

	return session.NewSessionConfig(opts...)
}

// ErrConfigNil indicates that a nil Config was provided.
var ErrConfigNil = errors.New("tcp: config is nil")

// Option represents a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc struct {
	name      string
	applyFunc func(*Config) error
}

func (o *optFunc) apply(cfg *Config) error {
	if cfg == nil {
		return ErrConfigNil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if err := o.applyFunc(cfg); err != nil {
		return fmt.Errorf("%s: %w", o.name, err)
	}

	return nil
}

func newOptFunc(name string, f func(*Config) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithDialTimeout sets the timeout for establishing an outgoing connection.
// It should be between 10 milliseconds and 5 minutes.
//
// The default value is 10 seconds.
func WithDialTimeout(timeout time.Duration) Option {
	return newOptFunc("WithDialTimeout", func(cfg *Config) error {
		if timeout < 10*time.Millisecond || timeout > 5*time.Minute {
			return errors.New("dial timeout is out of range [10ms, 5m]")
		}
		cfg.dialTimeout = timeout

		return nil
	})
}

// WithKeepAlive sets the TCP keep-alive period. A negative value disables keep-alives.
//
// The default value is 30 seconds.
func WithKeepAlive(period time.Duration) Option {
	return newOptFunc("WithKeepAlive", func(cfg *Config) error {
		cfg.keepAlive = period
		return nil
	})
}

// WithNoDelay controls TCP_NODELAY.
//
// The default value is true.
func WithNoDelay(noDelay bool) Option {
	return newOptFunc("WithNoDelay", func(cfg *Config) error {
		cfg.noDelay = noDelay
		return nil
	})
}

// WithLinger sets the SO_LINGER timeout in seconds. It should be between -1 and 3600.
//
// The default value is -1, the operating system default.
func WithLinger(sec int) Option {
	return newOptFunc("WithLinger", func(cfg *Config) error {
		if sec < -1 || sec > 3600 {
			return errors.New("linger is out of range [-1, 3600]")
		}
		cfg.linger = sec

		return nil
	})
}

// WithReadBufferSize sets the read buffer size of each connection.
// It should be between 512 bytes and 16 MiB.
//
// The default value is 32 KiB.
func WithReadBufferSize(size int) Option {
	return newOptFunc("WithReadBufferSize", func(cfg *Config) error {
		if size < 512 || size > 16<<20 {
			return errors.New("read buffer size is out of range [512, 16MiB]")
		}
		cfg.readBufferSize = size

		return nil
	})
}

// WithWriteBufferSize sets the buffered writer size of each connection.
// It should be between 512 bytes and 16 MiB.
//
// The default value is 32 KiB.
func WithWriteBufferSize(size int) Option {
	return newOptFunc("WithWriteBufferSize", func(cfg *Config) error {
		if size < 512 || size > 16<<20 {
			return errors.New("write buffer size is out of range [512, 16MiB]")
		}
		cfg.writeBufferSize = size

		return nil
	})
}

// WithSendQueueSize sets the number of writes and flushes queued to the sender goroutine of each
// connection, which bounds the backlog of a peer that reads slower than the application sends.
// It should be between 1 and 65536.
//
// The default value is 1024.
func WithSendQueueSize(size int) Option {
	return newOptFunc("WithSendQueueSize", func(cfg *Config) error {
		if size < 1 || size > 65536 {
			return errors.New("send queue size is out of range [1, 65536]")
		}
		cfg.sendQueueSize = size

		return nil
	})
}

// WithAcceptTimeout sets the deadline of each accept iteration.
// It should be between 10 milliseconds and 10 seconds.
//
// The default value is 1 second.
func WithAcceptTimeout(timeout time.Duration) Option {
	return newOptFunc("WithAcceptTimeout", func(cfg *Config) error {
		if timeout < 10*time.Millisecond || timeout > 10*time.Second {
			return errors.New("accept timeout is out of range [10ms, 10s]")
		}
		cfg.acceptTimeout = timeout

		return nil
	})
}

// WithAcceptBacklog sets the number of accepted sessions waiting for Accept.
// It should be between 1 and 65536.
//
// The default value is 128.
func WithAcceptBacklog(size int) Option {
	return newOptFunc("WithAcceptBacklog", func(cfg *Config) error {
		if size < 1 || size > 65536 {
			return errors.New("accept backlog is out of range [1, 65536]")
		}
		cfg.acceptBacklog = size

		return nil
	})
}

// WithCloseTimeout sets the timeout for closing all sessions of a listener.
// It should be between 100 milliseconds and 1 minute.
//
// The default value is 3 seconds.
func WithCloseTimeout(timeout time.Duration) Option {
	return newOptFunc("WithCloseTimeout", func(cfg *Config) error {
		if timeout < 100*time.Millisecond || timeout > time.Minute {
			return errors.New("close timeout is out of range [100ms, 1m]")
		}
		cfg.closeTimeout = timeout

		return nil
	})
}

// WithFraming installs a framer configured by framerCfg as the first pipeline stage of every
// session. A nil framerCfg uses the default framer configuration.
func WithFraming(framerCfg *framer.Config) Option {
	return newOptFunc("WithFraming", func(cfg *Config) error {
		if framerCfg == nil {
			var err error
			if framerCfg, err = framer.NewConfig(framer.WithLogger(cfg.logger)); err != nil {
				return err
			}
		}
		cfg.framerCfg = framerCfg

		return nil
	})
}

// WithSessionOptions appends options applied to the configuration of every session.
func WithSessionOptions(opts ...session.SessionOption) Option {
	return newOptFunc("WithSessionOptions", func(cfg *Config) error {
		cfg.sessionOpts = append(cfg.sessionOpts, opts...)
		return nil
	})
}

// WithLogger sets the logger of the backend and the default logger of its sessions.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(cfg *Config) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
