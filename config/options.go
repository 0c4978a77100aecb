package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"

	"github.com/arloliu/go-netsession/framer"
	"github.com/arloliu/go-netsession/httpdec"
	"github.com/arloliu/go-netsession/logger"
	"github.com/arloliu/go-netsession/session"
	"github.com/arloliu/go-netsession/transport/quic"
	"github.com/arloliu/go-netsession/transport/tcp"
	"github.com/arloliu/go-netsession/transport/udp"
)

// LogLevel returns the level of the [log] section.
func (c *Config) LogLevel() (logger.Level, error) {
	level, ok := logger.ParseLevel(c.Log.Level)
	if !ok {
		return level, fmt.Errorf("%w: log level %q", ErrInvalidValue, c.Log.Level)
	}

	return level, nil
}

// NewLogger creates the logger described by the [log] section. The returned closer releases the
// log file, if any.
func (c *Config) NewLogger() (logger.Logger, io.Closer, error) {
	level, err := c.LogLevel()
	if err != nil {
		return nil, nil, err
	}

	if c.Log.File == "" {
		return logger.NewSlog(level, c.Log.AddSource), nopCloser{}, nil
	}

	l, closer := logger.NewRotatingSlog(logger.RotationConfig{
		Filename:   c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}, level, c.Log.AddSource)

	return l, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ChannelReliabilities returns the reliability of every [[channels]] entry by channel id.
func (c *Config) ChannelReliabilities() (map[uint32]session.Reliability, error) {
	rels := make(map[uint32]session.Reliability, len(c.Channels))
	for _, ch := range c.Channels {
		rel, ok := session.ParseReliability(ch.Reliability)
		if !ok {
			return nil, fmt.Errorf("%w: channel %d reliability %q", ErrInvalidValue, ch.ID, ch.Reliability)
		}
		if _, dup := rels[ch.ID]; dup {
			return nil, fmt.Errorf("%w: channel %d defined twice", ErrInvalidValue, ch.ID)
		}
		rels[ch.ID] = rel
	}

	return rels, nil
}

// ChannelByName returns the [[channels]] entry with the given name.
func (c *Config) ChannelByName(name string) (ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.Name == name {
			return ch, true
		}
	}

	return ChannelConfig{}, false
}

// ApplyChannels sets the reliability and enforcement of the configured channels on s.
func (c *Config) ApplyChannels(s *session.Session) error {
	rels, err := c.ChannelReliabilities()
	if err != nil {
		return err
	}

	for _, ch := range c.Channels {
		if err := s.Channel(ch.ID).SetReliability(rels[ch.ID], ch.Enforced); err != nil {
			return err
		}
	}

	return nil
}

// SessionOptions returns the session options of the [session] section, followed by extra.
func (c *Config) SessionOptions(l logger.Logger, extra ...session.SessionOption) ([]session.SessionOption, error) {
	opts := []session.SessionOption{session.WithLogger(l)}

	if c.IsDefined("session", "default_reliability") {
		rel, ok := session.ParseReliability(c.Session.DefaultReliability)
		if !ok {
			return nil, fmt.Errorf("%w: default reliability %q", ErrInvalidValue, c.Session.DefaultReliability)
		}
		opts = append(opts, session.WithDefaultReliability(rel))
	}
	if c.IsDefined("session", "channel_arena_size") {
		opts = append(opts, session.WithChannelArenaSize(c.Session.ChannelArenaSize))
	}
	if c.IsDefined("session", "pending_send_limit") {
		opts = append(opts, session.WithPendingSendLimit(c.Session.PendingSendLimit))
	}
	if c.IsDefined("session", "close_timeout") {
		opts = append(opts, session.WithCloseTimeout(c.Session.CloseTimeout))
	}

	return append(opts, extra...), nil
}

// NewEventLoopGroup creates the event loop group of the [session] section, or returns nil if
// event_loops is not set. The caller closes the group.
func (c *Config) NewEventLoopGroup(l logger.Logger) *session.EventLoopGroup {
	if c.Session.EventLoops <= 0 {
		return nil
	}

	return session.NewEventLoopGroup(c.Session.EventLoops, l)
}

// FramerOptions returns the framer options of the [framer] section.
func (c *Config) FramerOptions(l logger.Logger) []framer.Option {
	opts := []framer.Option{framer.WithLogger(l)}

	if c.IsDefined("framer", "max_frame_size") {
		opts = append(opts, framer.WithMaxFrameSize(c.Framer.MaxFrameSize))
	}
	if c.IsDefined("framer", "compact_interval") {
		opts = append(opts, framer.WithCompactInterval(c.Framer.CompactInterval))
	}

	return opts
}

// NewFramerConfig creates the framer configuration of the [framer] section.
func (c *Config) NewFramerConfig(l logger.Logger) (*framer.Config, error) {
	return framer.NewConfig(c.FramerOptions(l)...)
}

// HTTPOptions returns the HTTP decoder options of the [http] section.
func (c *Config) HTTPOptions(l logger.Logger) []httpdec.Option {
	opts := []httpdec.Option{httpdec.WithLogger(l)}

	if c.IsDefined("http", "max_request_line_size") {
		opts = append(opts, httpdec.WithMaxRequestLineSize(c.HTTP.MaxRequestLineSize))
	}
	if c.IsDefined("http", "max_header_line_size") {
		opts = append(opts, httpdec.WithMaxHeaderLineSize(c.HTTP.MaxHeaderLineSize))
	}
	if c.IsDefined("http", "max_header_count") {
		opts = append(opts, httpdec.WithMaxHeaderCount(c.HTTP.MaxHeaderCount))
	}

	return opts
}

// NewHTTPDecoderConfig creates the HTTP decoder configuration of the [http] section.
func (c *Config) NewHTTPDecoderConfig(l logger.Logger) (*httpdec.Config, error) {
	return httpdec.NewConfig(c.HTTPOptions(l)...)
}

// TCPOptions returns the TCP options of the [tcp] section. Sessions get the options of the
// [session] section followed by sessOpts.
func (c *Config) TCPOptions(l logger.Logger, sessOpts ...session.SessionOption) ([]tcp.Option, error) {
	sessionOpts, err := c.SessionOptions(l, sessOpts...)
	if err != nil {
		return nil, err
	}

	opts := []tcp.Option{tcp.WithLogger(l), tcp.WithSessionOptions(sessionOpts...)}

	t := c.TCP
	if c.IsDefined("tcp", "dial_timeout") {
		opts = append(opts, tcp.WithDialTimeout(t.DialTimeout))
	}
	if c.IsDefined("tcp", "keep_alive") {
		opts = append(opts, tcp.WithKeepAlive(t.KeepAlive))
	}
	if c.IsDefined("tcp", "no_delay") {
		opts = append(opts, tcp.WithNoDelay(t.NoDelay))
	}
	if c.IsDefined("tcp", "linger") {
		opts = append(opts, tcp.WithLinger(t.Linger))
	}
	if c.IsDefined("tcp", "read_buffer_size") {
		opts = append(opts, tcp.WithReadBufferSize(t.ReadBufferSize))
	}
	if c.IsDefined("tcp", "write_buffer_size") {
		opts = append(opts, tcp.WithWriteBufferSize(t.WriteBufferSize))
	}
	if c.IsDefined("tcp", "send_queue_size") {
		opts = append(opts, tcp.WithSendQueueSize(t.SendQueueSize))
	}
	if c.IsDefined("tcp", "accept_timeout") {
		opts = append(opts, tcp.WithAcceptTimeout(t.AcceptTimeout))
	}
	if c.IsDefined("tcp", "accept_backlog") {
		opts = append(opts, tcp.WithAcceptBacklog(t.AcceptBacklog))
	}
	if c.IsDefined("tcp", "close_timeout") {
		opts = append(opts, tcp.WithCloseTimeout(t.CloseTimeout))
	}
	if t.Framing {
		framerCfg, err := c.NewFramerConfig(l)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tcp.WithFraming(framerCfg))
	}

	return opts, nil
}

// QUICOptions returns the QUIC options of the [quic] section. Sessions get the options of the
// [session] section followed by sessOpts.
func (c *Config) QUICOptions(l logger.Logger, sessOpts ...session.SessionOption) ([]quic.Option, error) {
	sessionOpts, err := c.SessionOptions(l, sessOpts...)
	if err != nil {
		return nil, err
	}

	opts := []quic.Option{quic.WithLogger(l), quic.WithSessionOptions(sessionOpts...)}

	q := c.QUIC
	if c.IsDefined("quic", "dial_timeout") {
		opts = append(opts, quic.WithDialTimeout(q.DialTimeout))
	}
	if c.IsDefined("quic", "idle_timeout") {
		opts = append(opts, quic.WithIdleTimeout(q.IdleTimeout))
	}
	if c.IsDefined("quic", "keep_alive_period") {
		opts = append(opts, quic.WithKeepAlivePeriod(q.KeepAlivePeriod))
	}
	if c.IsDefined("quic", "open_stream_timeout") {
		opts = append(opts, quic.WithOpenStreamTimeout(q.OpenStreamTimeout))
	}
	if c.IsDefined("quic", "max_incoming_streams") || c.IsDefined("quic", "max_incoming_uni_streams") {
		bidi, uni := q.MaxIncomingStreams, q.MaxIncomingUniStreams
		if !c.IsDefined("quic", "max_incoming_streams") {
			bidi = quic.DefaultMaxIncomingStreams
		}
		if !c.IsDefined("quic", "max_incoming_uni_streams") {
			uni = quic.DefaultMaxIncomingUniStreams
		}
		opts = append(opts, quic.WithMaxIncomingStreams(bidi, uni))
	}
	if c.IsDefined("quic", "max_frame_size") {
		opts = append(opts, quic.WithMaxFrameSize(q.MaxFrameSize))
	}
	if c.IsDefined("quic", "send_queue_size") {
		opts = append(opts, quic.WithSendQueueSize(q.SendQueueSize))
	}
	if c.IsDefined("quic", "accept_backlog") {
		opts = append(opts, quic.WithAcceptBacklog(q.AcceptBacklog))
	}
	if c.IsDefined("quic", "close_timeout") {
		opts = append(opts, quic.WithCloseTimeout(q.CloseTimeout))
	}

	tlsConf, err := c.quicTLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsConf != nil {
		opts = append(opts, quic.WithTLSConfig(tlsConf))
	}

	return opts, nil
}

func (c *Config) quicTLSConfig() (*tls.Config, error) {
	q := c.QUIC
	if q.CertFile == "" && q.KeyFile == "" && q.CAFile == "" && q.ServerName == "" && !q.InsecureSkipVerify {
		return nil, nil //nolint:nilnil
	}

	tlsConf := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		ServerName:         q.ServerName,
		InsecureSkipVerify: q.InsecureSkipVerify, //nolint:gosec
	}

	if q.CertFile != "" || q.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(q.CertFile, q.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: quic certificate: %w", ErrInvalidValue, err)
		}
		tlsConf.Certificates = []tls.Certificate{cert}
	}

	if q.CAFile != "" {
		pem, err := os.ReadFile(q.CAFile)
		if err != nil {
			return nil, fmt.Errorf("%w: quic ca file: %w", ErrInvalidValue, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: quic ca file %s has no certificate", ErrInvalidValue, q.CAFile)
		}
		tlsConf.RootCAs = pool
	}

	return tlsConf, nil
}

// UDPOptions returns the UDP options of the [udp] section. Sessions get the options of the
// [session] section followed by sessOpts.
func (c *Config) UDPOptions(l logger.Logger, sessOpts ...session.SessionOption) ([]udp.Option, error) {
	sessionOpts, err := c.SessionOptions(l, sessOpts...)
	if err != nil {
		return nil, err
	}

	opts := []udp.Option{udp.WithLogger(l), udp.WithSessionOptions(sessionOpts...)}

	u := c.UDP
	if c.IsDefined("udp", "max_datagram_size") {
		opts = append(opts, udp.WithMaxDatagramSize(u.MaxDatagramSize))
	}
	if c.IsDefined("udp", "retransmit_interval") {
		opts = append(opts, udp.WithRetransmitInterval(u.RetransmitInterval))
	}
	if c.IsDefined("udp", "max_retransmits") {
		opts = append(opts, udp.WithMaxRetransmits(u.MaxRetransmits))
	}
	if c.IsDefined("udp", "receive_window") {
		opts = append(opts, udp.WithReceiveWindow(u.ReceiveWindow))
	}
	if c.IsDefined("udp", "idle_timeout") {
		opts = append(opts, udp.WithIdleTimeout(u.IdleTimeout))
	}
	if c.IsDefined("udp", "accept_backlog") {
		opts = append(opts, udp.WithAcceptBacklog(u.AcceptBacklog))
	}
	if c.IsDefined("udp", "close_timeout") {
		opts = append(opts, udp.WithCloseTimeout(u.CloseTimeout))
	}

	return opts, nil
}

// validateOptions builds the configuration of every package from the options of its section.
func (c *Config) validateOptions() error {
	l := logger.GetLogger()

	sessionOpts, err := c.SessionOptions(l)
	if err != nil {
		return err
	}
	if _, err := session.NewSessionConfig(sessionOpts...); err != nil {
		return fmt.Errorf("%w: [session] %w", ErrInvalidValue, err)
	}

	if _, err := c.NewFramerConfig(l); err != nil {
		return fmt.Errorf("%w: [framer] %w", ErrInvalidValue, err)
	}
	if _, err := c.NewHTTPDecoderConfig(l); err != nil {
		return fmt.Errorf("%w: [http] %w", ErrInvalidValue, err)
	}

	tcpOpts, err := c.TCPOptions(l)
	if err != nil {
		return err
	}
	if _, err := tcp.NewConfig(tcpOpts...); err != nil {
		return fmt.Errorf("%w: [tcp] %w", ErrInvalidValue, err)
	}

	quicOpts, err := c.QUICOptions(l)
	if err != nil {
		return err
	}
	if _, err := quic.NewConfig(quicOpts...); err != nil {
		return fmt.Errorf("%w: [quic] %w", ErrInvalidValue, err)
	}

	udpOpts, err := c.UDPOptions(l)
	if err != nil {
		return err
	}
	if _, err := udp.NewConfig(udpOpts...); err != nil {
		return fmt.Errorf("%w: [udp] %w", ErrInvalidValue, err)
	}

	return nil
}
