package udp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-netsession/internal/pool"
	"github.com/arloliu/go-netsession/logger"
	"github.com/arloliu/go-netsession/session"
)

// Config represents the configuration of UDP sessions and listeners.
type Config struct {
	mu sync.RWMutex

	// maxDatagramSize is the largest datagram sent, header included. Larger messages fail.
	// It should be between 64 and 65507 bytes. Defaults to 1400 bytes.
	maxDatagramSize int

	// retransmitInterval is the time after which an unacknowledged reliable datagram is sent
	// again. Defaults to 200 milliseconds.
	retransmitInterval time.Duration

	// maxRetransmits is the number of retransmissions of a datagram before the peer is considered
	// gone and the session closes. Defaults to 10.
	maxRetransmits int

	// receiveWindow is the number of sequence numbers tracked ahead of the oldest missing one on
	// each reliable lane. Datagrams beyond it are dropped unacknowledged. Defaults to 4096.
	receiveWindow uint32

	// idleTimeout closes a session that received nothing for this long. 0 disables it.
	// Defaults to 0.
	idleTimeout time.Duration

	acceptBacklog int
	closeTimeout  time.Duration

	sessionOpts []session.SessionOption

	logger logger.Logger
}

// NewConfig creates a UDP configuration with default values and applies opts.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		maxDatagramSize:    1400,
		retransmitInterval: 200 * time.Millisecond,
		maxRetransmits:     10,
		receiveWindow:      4096,
		acceptBacklog:      128,
		closeTimeout:       3 * time.Second,
		logger:             logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// MaxPayloadSize returns the largest message size.
func (cfg *Config) MaxPayloadSize() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.maxDatagramSize - HeaderSize
}

// RetransmitInterval returns the retransmission interval.
func (cfg *Config) RetransmitInterval() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.retransmitInterval
}

// Logger returns the logger.
func (cfg *Config) Logger() logger.Logger {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.logger
}

func (cfg *Config) sessionConfig() (*session.SessionConfig, error) {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	opts := make([]session.SessionOption, 0, len(cfg.sessionOpts)+1)
	opts = append(opts, session.WithLogger(cfg.logger))
	opts = append(opts, cfg.sessionOpts...)

	return session.NewSessionConfig(opts...)
}

// ErrConfigNil indicates that a nil Config was provided.
var ErrConfigNil = errors.New("udp: config is nil")

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

// WithMaxDatagramSize sets the largest datagram sent, header included.
// It should be between 64 and 65507 bytes.
//
// The default value is 1400 bytes.
func WithMaxDatagramSize(size int) Option {
	return newOptFunc("WithMaxDatagramSize", func(cfg *Config) error {
		if size < 64 || size > pool.MaxDatagramSize {
			return fmt.Errorf("max datagram size is out of range [64, %d]", pool.MaxDatagramSize)
		}
		cfg.maxDatagramSize = size

		return nil
	})
}

// WithRetransmitInterval sets the retransmission interval of reliable datagrams.
// It should be between 5 milliseconds and 10 seconds.
//
// The default value is 200 milliseconds.
func WithRetransmitInterval(interval time.Duration) Option {
	return newOptFunc("WithRetransmitInterval", func(cfg *Config) error {
		if interval < 5*time.Millisecond || interval > 10*time.Second {
			return errors.New("retransmit interval is out of range [5ms, 10s]")
		}
		cfg.retransmitInterval = interval

		return nil
	})
}

// WithMaxRetransmits sets the number of retransmissions before the session closes.
// It should be between 1 and 1000.
//
// The default value is 10.
func WithMaxRetransmits(count int) Option {
	return newOptFunc("WithMaxRetransmits", func(cfg *Config) error {
		if count < 1 || count > 1000 {
			return errors.New("max retransmits is out of range [1, 1000]")
		}
		cfg.maxRetransmits = count

		return nil
	})
}

// WithReceiveWindow sets the number of sequence numbers tracked on each reliable lane.
// It should be between 16 and 1<<20.
//
// The default value is 4096.
func WithReceiveWindow(size int) Option {
	return newOptFunc("WithReceiveWindow", func(cfg *Config) error {
		if size < 16 || size > 1<<20 {
			return errors.New("receive window is out of range [16, 1048576]")
		}
		cfg.receiveWindow = uint32(size) //nolint:gosec

		return nil
	})
}

// WithIdleTimeout closes sessions that received nothing for timeout. 0 disables it.
// A non-zero value should be between 100 milliseconds and 1 hour.
//
// The default value is 0.
func WithIdleTimeout(timeout time.Duration) Option {
	return newOptFunc("WithIdleTimeout", func(cfg *Config) error {
		if timeout != 0 && (timeout < 100*time.Millisecond || timeout > time.Hour) {
			return errors.New("idle timeout is out of range [100ms, 1h]")
		}
		cfg.idleTimeout = timeout

		return nil
	})
}

// WithAcceptBacklog sets the number of accepted sessions waiting for Accept. Sessions of new
// peers beyond it are refused. It should be between 1 and 65536.
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
