package httpdec

import (
	"fmt"
	"sync"

	"github.com/arloliu/go-netsession/logger"
)

const (
	// DefaultMaxRequestLineSize is the default maximum request line length, CRLF excluded.
	DefaultMaxRequestLineSize = 8 << 10
	// DefaultMaxHeaderLineSize is the default maximum header line length, CRLF excluded.
	DefaultMaxHeaderLineSize = 8 << 10
	// DefaultMaxHeaderCount is the default maximum number of header lines.
	DefaultMaxHeaderCount = 100
)

// Config represents the decoder limits.
type Config struct {
	mu sync.RWMutex

	maxRequestLineSize int
	maxHeaderLineSize  int
	maxHeaderCount     int
	logger             logger.Logger
}

// NewConfig creates a decoder configuration with default values and applies opts.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		maxRequestLineSize: DefaultMaxRequestLineSize,
		maxHeaderLineSize:  DefaultMaxHeaderLineSize,
		maxHeaderCount:     DefaultMaxHeaderCount,
		logger:             logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// MaxRequestLineSize returns the maximum request line length.
func (cfg *Config) MaxRequestLineSize() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.maxRequestLineSize
}

// MaxHeaderLineSize returns the maximum header line length.
func (cfg *Config) MaxHeaderLineSize() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.maxHeaderLineSize
}

// MaxHeaderCount returns the maximum number of header lines.
func (cfg *Config) MaxHeaderCount() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.maxHeaderCount
}

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

// WithMaxRequestLineSize sets the maximum request line length in bytes, CRLF excluded.
// It should be between 16 and 1 MiB.
//
// The default value is 8 KiB.
func WithMaxRequestLineSize(size int) Option {
	return newOptFunc("WithMaxRequestLineSize", func(cfg *Config) error {
		if size < 16 || size > 1<<20 {
			return fmt.Errorf("max request line size is out of range [16, %d]", 1<<20)
		}
		cfg.maxRequestLineSize = size

		return nil
	})
}

// WithMaxHeaderLineSize sets the maximum header line length in bytes, CRLF excluded.
// It should be between 16 and 1 MiB.
//
// The default value is 8 KiB.
func WithMaxHeaderLineSize(size int) Option {
	return newOptFunc("WithMaxHeaderLineSize", func(cfg *Config) error {
		if size < 16 || size > 1<<20 {
			return fmt.Errorf("max header line size is out of range [16, %d]", 1<<20)
		}
		cfg.maxHeaderLineSize = size

		return nil
	})
}

// WithMaxHeaderCount sets the maximum number of header lines. It should be between 0 and 10000.
//
// The default value is 100.
func WithMaxHeaderCount(count int) Option {
	return newOptFunc("WithMaxHeaderCount", func(cfg *Config) error {
		if count < 0 || count > 10000 {
			return fmt.Errorf("max header count is out of range [0, 10000]")
		}
		cfg.maxHeaderCount = count

		return nil
	})
}

// WithLogger sets the logger of the decoder.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(cfg *Config) error {
		if l == nil {
			return fmt.Errorf("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
