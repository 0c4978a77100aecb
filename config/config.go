// Package config loads the TOML configuration of netsession applications and converts it into the
// functional options of the session, framer, httpdec and transport packages.
//
// Only the keys present in the file produce options, everything else keeps the defaults of the
// respective package. A minimal file:
//
//	transport = "udp"
//	address = "0.0.0.0:7000"
//
//	[log]
//	level = "debug"
//
//	[udp]
//	retransmit_interval = "100ms"
//
//	[[channels]]
//	id = 1
//	reliability = "unreliable-sequenced"
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var (
	// ErrUnknownKey indicates that the file contains keys this package does not know.
	ErrUnknownKey = errors.New("config: unknown key")

	// ErrInvalidValue indicates a value that can't be converted into an option.
	ErrInvalidValue = errors.New("config: invalid value")
)

// Transport names accepted by the transport key.
const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
	TransportUDP  = "udp"
)

// Default values of the application level keys.
const (
	DefaultTransport = TransportTCP
	DefaultAddress   = "127.0.0.1:7000"
)

// Config is the decoded configuration file.
type Config struct {
	// Transport selects the backend: tcp, quic or udp.
	Transport string `toml:"transport"`
	// Address is the address to listen on or to dial.
	Address string `toml:"address"`

	Log      LogConfig       `toml:"log"`
	Session  SessionConfig   `toml:"session"`
	Channels []ChannelConfig `toml:"channels"`
	Framer   FramerConfig    `toml:"framer"`
	HTTP     HTTPConfig      `toml:"http"`
	TCP      TCPConfig       `toml:"tcp"`
	QUIC     QUICConfig      `toml:"quic"`
	UDP      UDPConfig       `toml:"udp"`

	meta toml.MetaData
}

// LogConfig is the [log] section.
type LogConfig struct {
	Level     string `toml:"level"`
	AddSource bool   `toml:"add_source"`
	// File enables JSON logs in a rotating file instead of stderr.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// SessionConfig is the [session] section.
type SessionConfig struct {
	DefaultReliability string `toml:"default_reliability"`
	ChannelArenaSize   int    `toml:"channel_arena_size"`
	PendingSendLimit   int    `toml:"pending_send_limit"`
	// CloseTimeout bounds the final flush of a graceful close.
	CloseTimeout time.Duration `toml:"close_timeout"`
	// EventLoops makes sessions share a group of event loops instead of running one each.
	EventLoops int `toml:"event_loops"`
}

// ChannelConfig is one [[channels]] entry.
type ChannelConfig struct {
	ID          uint32 `toml:"id"`
	Name        string `toml:"name"`
	Reliability string `toml:"reliability"`
	Enforced    bool   `toml:"enforced"`
}

// FramerConfig is the [framer] section.
type FramerConfig struct {
	MaxFrameSize    int `toml:"max_frame_size"`
	CompactInterval int `toml:"compact_interval"`
}

// HTTPConfig is the [http] section, used by the HTTP request decoder.
type HTTPConfig struct {
	MaxRequestLineSize int `toml:"max_request_line_size"`
	MaxHeaderLineSize  int `toml:"max_header_line_size"`
	MaxHeaderCount     int `toml:"max_header_count"`
}

// TCPConfig is the [tcp] section.
type TCPConfig struct {
	DialTimeout     time.Duration `toml:"dial_timeout"`
	KeepAlive       time.Duration `toml:"keep_alive"`
	NoDelay         bool          `toml:"no_delay"`
	Linger          int           `toml:"linger"`
	ReadBufferSize  int           `toml:"read_buffer_size"`
	WriteBufferSize int           `toml:"write_buffer_size"`
	SendQueueSize   int           `toml:"send_queue_size"`
	AcceptTimeout   time.Duration `toml:"accept_timeout"`
	AcceptBacklog   int           `toml:"accept_backlog"`
	CloseTimeout    time.Duration `toml:"close_timeout"`
	// Framing adds the length-prefix framer, configured by the [framer] section, to every session.
	Framing bool `toml:"framing"`
}

// QUICConfig is the [quic] section.
type QUICConfig struct {
	DialTimeout           time.Duration `toml:"dial_timeout"`
	IdleTimeout           time.Duration `toml:"idle_timeout"`
	KeepAlivePeriod       time.Duration `toml:"keep_alive_period"`
	OpenStreamTimeout     time.Duration `toml:"open_stream_timeout"`
	MaxIncomingStreams    int64         `toml:"max_incoming_streams"`
	MaxIncomingUniStreams int64         `toml:"max_incoming_uni_streams"`
	MaxFrameSize          int           `toml:"max_frame_size"`
	SendQueueSize         int           `toml:"send_queue_size"`
	AcceptBacklog         int           `toml:"accept_backlog"`
	CloseTimeout          time.Duration `toml:"close_timeout"`
	// CertFile and KeyFile hold the listener certificate. Without them a self-signed one is used.
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	// CAFile verifies the server certificate when dialing.
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// UDPConfig is the [udp] section.
type UDPConfig struct {
	MaxDatagramSize    int           `toml:"max_datagram_size"`
	RetransmitInterval time.Duration `toml:"retransmit_interval"`
	MaxRetransmits     int           `toml:"max_retransmits"`
	ReceiveWindow      int           `toml:"receive_window"`
	IdleTimeout        time.Duration `toml:"idle_timeout"`
	AcceptBacklog      int           `toml:"accept_backlog"`
	CloseTimeout       time.Duration `toml:"close_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Transport: DefaultTransport,
		Address:   DefaultAddress,
		Log:       LogConfig{Level: "info"},
	}
}

// Load decodes the TOML file at path over the defaults and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	if err := cfg.init(meta); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	return cfg, nil
}

// Decode decodes a TOML document over the defaults and validates it.
func Decode(data string) (*Config, error) {
	cfg := Default()

	meta, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.init(meta); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func (c *Config) init(meta toml.MetaData) error {
	c.meta = meta

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}

		return fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(keys, ", "))
	}

	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	c.Address = strings.TrimSpace(c.Address)

	return c.Validate()
}

// IsDefined returns true if the key, given as its path of section and key names, is in the file.
func (c *Config) IsDefined(key ...string) bool {
	return c.meta.IsDefined(key...)
}

// Validate checks the application level keys and builds the options of every section, returning
// the first invalid value.
func (c *Config) Validate() error {
	if !slices.Contains([]string{TransportTCP, TransportQUIC, TransportUDP}, c.Transport) {
		return fmt.Errorf("%w: transport %q, expected tcp, quic or udp", ErrInvalidValue, c.Transport)
	}
	if c.Address == "" {
		return fmt.Errorf("%w: address is empty", ErrInvalidValue)
	}

	if _, err := c.LogLevel(); err != nil {
		return err
	}

	if _, err := c.ChannelReliabilities(); err != nil {
		return err
	}

	return c.validateOptions()
}
