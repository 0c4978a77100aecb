// Package framer implements the length-prefixed framing of stream transports.
//
// Each frame is an 8-byte big-endian header, payload length then channel id, followed by the
// payload. Frame boundaries come from the length prefix only. The Framer is a pipeline stage:
// inbound it turns raw stream chunks into (payload, channel id) messages, outbound it emits the
// header and the payload as two consecutive writes.
package framer

import (
	"fmt"
	"sync"

	"github.com/arloliu/go-netsession/internal/bytebuf"
	"github.com/arloliu/go-netsession/internal/util"
	"github.com/arloliu/go-netsession/logger"
	"github.com/arloliu/go-netsession/session"
)

const (
	// DefaultMaxFrameSize is the default maximum payload length of a frame.
	DefaultMaxFrameSize = 16 << 20
	// DefaultCompactInterval is the default number of receive cycles between buffer compactions.
	DefaultCompactInterval = 16
	// HandlerName is the conventional pipeline name of the framer stage.
	HandlerName = "framer"
)

// Config represents the framer configuration.
type Config struct {
	mu sync.RWMutex

	// maxFrameSize is the largest accepted payload length, in both directions.
	// Defaults to 16 MiB.
	maxFrameSize uint32

	// compactInterval is the number of receive cycles after which consumed bytes are
	// discarded from the accumulation buffer. Defaults to 16.
	compactInterval int

	logger logger.Logger
}

// NewConfig creates a framer configuration with default values and applies opts.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		maxFrameSize:    DefaultMaxFrameSize,
		compactInterval: DefaultCompactInterval,
		logger:          logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// MaxFrameSize returns the maximum payload length.
func (cfg *Config) MaxFrameSize() uint32 {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.maxFrameSize
}

// CompactInterval returns the number of receive cycles between compactions.
func (cfg *Config) CompactInterval() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.compactInterval
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

	return o.applyFunc(cfg)
}

func newOptFunc(name string, f func(*Config) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithMaxFrameSize sets the maximum payload length. It should be between 1 and 2^31-1 bytes.
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

// WithCompactInterval sets the number of receive cycles between buffer compactions.
// It should be between 1 and 65536.
//
// The default value is 16.
func WithCompactInterval(cycles int) Option {
	return newOptFunc("WithCompactInterval", func(cfg *Config) error {
		if cycles < 1 || cycles > 65536 {
			return fmt.Errorf("compact interval is out of range [1, 65536]")
		}
		cfg.compactInterval = cycles

		return nil
	})
}

// WithLogger sets the logger of the framer.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(cfg *Config) error {
		if l == nil {
			return fmt.Errorf("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

// Framer is the pipeline stage splitting a byte stream into frames.
//
// A Framer owns its accumulation buffer and serves exactly one session.
type Framer struct {
	buf             *bytebuf.Buffer
	cycles          int
	maxFrameSize    uint32
	compactInterval int
	logger          logger.Logger
}

var _ session.Handler = (*Framer)(nil)

// New creates a Framer from cfg. A nil cfg uses the default configuration.
func New(cfg *Config) *Framer {
	if cfg == nil {
		cfg, _ = NewConfig()
	}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return &Framer{
		buf:             bytebuf.New(4096),
		maxFrameSize:    cfg.maxFrameSize,
		compactInterval: cfg.compactInterval,
		logger:          cfg.logger,
	}
}

// Buffered returns the number of buffered bytes of an incomplete frame.
func (f *Framer) Buffered() int {
	return f.buf.Len()
}

func (f *Framer) HandleOpened(ctx *session.HandlerContext) error {
	ctx.FireOpened()
	return nil
}

func (f *Framer) HandleClosed(ctx *session.HandlerContext) error {
	f.buf.Reset()
	f.cycles = 0
	ctx.FireClosed()

	return nil
}

// HandleReceived appends a raw chunk and forwards every complete frame as a ([]byte, channel id) message.
// Messages other than []byte pass through untouched. When a later stage fails, the frames left
// in the chunk are discarded.
func (f *Framer) HandleReceived(ctx *session.HandlerContext, msg any, channelID uint32) error {
	data, ok := msg.([]byte)
	if !ok {
		ctx.FireReceived(msg, channelID)
		return nil
	}

	f.buf.Append(data)

	for f.buf.Len() >= HeaderSize {
		length, frameChannel := ParseHeader(f.buf.Slice(0, HeaderSize))
		if length > f.maxFrameSize {
			f.buf.Reset()
			return &FrameTooLargeError{Length: length, Max: f.maxFrameSize, ChannelID: frameChannel}
		}

		frameLen := HeaderSize + int(length)
		if f.buf.Len() < frameLen {
			break
		}

		payload := util.CloneSlice(f.buf.Slice(HeaderSize, int(length)), 0)
		f.buf.Skip(frameLen)
		ctx.FireReceived(payload, frameChannel)

		if ctx.Aborted() {
			f.buf.Reset()
			f.cycles = 0

			return nil
		}
	}

	f.cycles++
	if f.cycles >= f.compactInterval {
		f.buf.Compact()
		f.cycles = 0
	}

	return nil
}

// HandleSending writes the frame header followed by the payload. Only the payload write carries
// the send future.
func (f *Framer) HandleSending(ctx *session.HandlerContext, msg any, channelID uint32, rel session.Reliability, future *session.Future) error {
	data, ok := msg.([]byte)
	if !ok {
		ctx.FireSending(msg, channelID, rel, future)
		return nil
	}

	if uint64(len(data)) > uint64(f.maxFrameSize) {
		err := fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrPayloadTooLarge, len(data), f.maxFrameSize)
		if future != nil {
			future.Fail(err)
		}
		f.logger.Debug("outbound payload rejected", "channel", channelID, "error", err)

		return nil
	}

	header := AppendHeader(make([]byte, 0, HeaderSize), uint32(len(data)), channelID) //nolint:gosec
	ctx.FireSending(header, channelID, rel, nil)
	ctx.FireSending(data, channelID, rel, future)

	return nil
}
