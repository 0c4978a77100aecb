package quic

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/arloliu/go-netsession/framer"
	"github.com/arloliu/go-netsession/logger"
	"github.com/arloliu/go-netsession/session"
)

// ALPN is the application protocol negotiated by the backend.
const ALPN = "netsession"

// Default stream limits of a connection.
const (
	DefaultMaxIncomingStreams    = 1024
	DefaultMaxIncomingUniStreams = 4096
)

// Config represents the configuration of QUIC sessions and listeners.
type Config struct {
	mu sync.RWMutex

	// tlsConfig is the TLS configuration. Listeners without one use a generated self-signed
	// certificate. The ALPN protocol is added when NextProtos is empty.
	tlsConfig *tls.Config

	// dialTimeout is the timeout of the QUIC handshake of outgoing connections. Defaults to 10 seconds.
	dialTimeout time.Duration
	// idleTimeout is the QUIC max idle timeout. Defaults to 30 seconds.
	idleTimeout time.Duration
	// keepAlivePeriod is the QUIC keep-alive period, 0 disables keep-alives. Defaults to 10 seconds.
	keepAlivePeriod time.Duration
	// openStreamTimeout bounds waiting for the peer stream limit when opening a stream.
	// Defaults to 5 seconds.
	openStreamTimeout time.Duration
	// maxIncomingStreams is the number of bidirectional streams the peer may open, one per
	// channel in use. Defaults to 1024.
	maxIncomingStreams int64
	// maxIncomingUniStreams is the number of concurrent unidirectional streams the peer may open,
	// one per in-flight Reliable message. Defaults to 4096.
	maxIncomingUniStreams int64
	// maxFrameSize is the largest accepted message. Defaults to 16 MiB.
	maxFrameSize uint32
	// sendQueueSize is the number of writes and flushes queued to the sender goroutine of each
	// connection. Defaults to 1024.
	sendQueueSize int

	acceptBacklog int
	closeTimeout  time.Duration

	sessionOpts []session.SessionOption

	logger logger.Logger
}

// NewConfig creates a QUIC configuration with default values and applies opts.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		dialTimeout:           10 * time.Second,
		idleTimeout:           30 * time.Second,
		keepAlivePeriod:       10 * time.Second,
		openStreamTimeout:     5 * time.Second,
		maxIncomingStreams:    DefaultMaxIncomingStreams,
		maxIncomingUniStreams: DefaultMaxIncomingUniStreams,
		maxFrameSize:          framer.DefaultMaxFrameSize,
		sendQueueSize:         session.DefaultSendQueueSize,
		acceptBacklog:         128,
		closeTimeout:          3 * time.Second,
		logger:                logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// MaxFrameSize returns the largest accepted message size.
func (cfg *Config) MaxFrameSize() uint32 {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.maxFrameSize
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

func (cfg *Config) quicConfig() *quicgo.Config {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return &quicgo.Config{
		HandshakeIdleTimeout:  cfg.dialTimeout,
		MaxIdleTimeout:        cfg.idleTimeout,
		KeepAlivePeriod:       cfg.keepAlivePeriod,
		MaxIncomingStreams:    cfg.maxIncomingStreams,
		MaxIncomingUniStreams: cfg.maxIncomingUniStreams,
	}
}

// clientTLSConfig returns the TLS configuration of outgoing connections.
func (cfg *Config) clientTLSConfig() *tls.Config {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var tlsConf *tls.Config
	if cfg.tlsConfig != nil {
		tlsConf = cfg.tlsConfig.Clone()
	} else {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS13}
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}

	return tlsConf
}

// serverTLSConfig returns the TLS configuration of listeners. A configuration without certificate
// gets a self-signed one.
func (cfg *Config) serverTLSConfig() (*tls.Config, error) {
	cfg.mu.RLock()
	tlsConf := cfg.tlsConfig
	cfg.mu.RUnlock()

	if tlsConf == nil || (len(tlsConf.Certificates) == 0 && tlsConf.GetCertificate == nil) {
		selfSigned, err := SelfSignedTLSConfig("localhost", "127.0.0.1", "::1")
		if err != nil || tlsConf == nil {
			return selfSigned, err
		}
		tlsConf = tlsConf.Clone()
		tlsConf.Certificates = selfSigned.Certificates
	} else {
		tlsConf = tlsConf.Clone()
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}

	return tlsConf, nil
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
var ErrConfigNil = errors.New("quic: config is nil")

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

// WithTLSConfig sets the TLS configuration.
func WithTLSConfig(tlsConf *tls.Config) Option {
	return newOptFunc("WithTLSConfig", func(cfg *Config) error {
		if tlsConf == nil {
			return errors.New("tls config is nil")
		}
		cfg.tlsConfig = tlsConf

		return nil
	})
}

// WithDialTimeout sets the handshake timeout. It should be between 10 milliseconds and 5 minutes.
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

// WithIdleTimeout sets the QUIC max idle timeout. It should be between 100 milliseconds and 10 minutes.
//
// The default value is 30 seconds.
func WithIdleTimeout(timeout time.Duration) Option {
	return newOptFunc("WithIdleTimeout", func(cfg *Config) error {
		if timeout < 100*time.Millisecond || timeout > 10*time.Minute {
			return errors.New("idle timeout is out of range [100ms, 10m]")
		}
		cfg.idleTimeout = timeout

		return nil
	})
}

// WithKeepAlivePeriod sets the QUIC keep-alive period, 0 disables keep-alives.
//
// The default value is 10 seconds.
func WithKeepAlivePeriod(period time.Duration) Option {
	return newOptFunc("WithKeepAlivePeriod", func(cfg *Config) error {
		if period < 0 {
			return errors.New("keep-alive period is negative")
		}
		cfg.keepAlivePeriod = period

		return nil
	})
}

// WithOpenStreamTimeout sets how long opening a stream waits for the peer stream limit.
// It should be between 10 milliseconds and 1 minute.
//
// The default value is 5 seconds.
func WithOpenStreamTimeout(timeout time.Duration) Option {
	return newOptFunc("WithOpenStreamTimeout", func(cfg *Config) error {
		if timeout < 10*time.Millisecond || timeout > time.Minute {
			return errors.New("open stream timeout is out of range [10ms, 1m]")
		}
		cfg.openStreamTimeout = timeout

		return nil
	})
}

// WithMaxIncomingStreams sets the number of bidirectional and unidirectional streams the peer may open.
// Both should be between 1 and 1<<20.
//
// The default values are 1024 and 4096.
func WithMaxIncomingStreams(bidi int64, uni int64) Option {
	return newOptFunc("WithMaxIncomingStreams", func(cfg *Config) error {
		if bidi < 1 || bidi > 1<<20 || uni < 1 || uni > 1<<20 {
			return errors.New("max incoming streams is out of range [1, 1048576]")
		}
		cfg.maxIncomingStreams = bidi
		cfg.maxIncomingUniStreams = uni

		return nil
	})
}

// WithMaxFrameSize sets the largest accepted message size. It should be between 1 and 2^31-1 bytes.
//
// The default value is 16 MiB.
func WithMaxFrameSize(size int) Option {
	return newOptFunc("WithMaxFrameSize", func(cfg *Config) error {
		if size < 1 || size > 1<<31-1 {
			return fmt.Errorf("max frame size is out of range [1, %d]", 1<<31-1)
		}
		cfg.maxFrameSize = uint32(size) //nolint:gosec

		return nil
	})
}

// WithSendQueueSize sets the number of writes and flushes queued to the sender goroutine of each
// connection. Sends fail with session.ErrSendQueueFull when it is full.
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
