// Package httpdec implements an incremental HTTP/1.1 request decoder running as a pipeline stage.
//
// The Decoder accepts raw bytes in chunks of any size and parses the request line and the
// header section. Once the empty line ending the header section arrives, it emits one *Request,
// removes itself from the pipeline and forwards the remaining bytes, usually the start of the
// body, to the next stage unchanged.
package httpdec

import (
	"fmt"

	"github.com/arloliu/go-netsession/internal/bytebuf"
	"github.com/arloliu/go-netsession/logger"
	"github.com/arloliu/go-netsession/session"
)

// HandlerName is the conventional pipeline name of the decoder stage.
const HandlerName = "http-decoder"

// DecoderState represents the parsing stage of a Decoder.
type DecoderState int

const (
	AwaitingRequestLine DecoderState = iota
	AwaitingHeaders
	Complete
)

func (st DecoderState) String() string {
	switch st {
	case AwaitingRequestLine:
		return "AwaitingRequestLine"
	case AwaitingHeaders:
		return "AwaitingHeaders"
	case Complete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Decoder is the HTTP/1.1 request decoder stage. A Decoder serves one session at a time and
// is reset after every request or error, so it can be installed again afterwards.
type Decoder struct {
	buf   *bytebuf.Buffer
	state DecoderState
	// scanned is the offset, relative to the read cursor, up to which the buffer has been
	// searched for a line terminator.
	scanned int

	method  string
	target  string
	version string
	headers map[string]string
	// headerLines counts header lines, duplicates included.
	headerLines int

	maxRequestLineSize int
	maxHeaderLineSize  int
	maxHeaderCount     int
	logger             logger.Logger
}

var _ session.Handler = (*Decoder)(nil)

// New creates a Decoder from cfg. A nil cfg uses the default configuration.
func New(cfg *Config) *Decoder {
	if cfg == nil {
		cfg, _ = NewConfig()
	}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return &Decoder{
		buf:                bytebuf.New(1024),
		state:              AwaitingRequestLine,
		maxRequestLineSize: cfg.maxRequestLineSize,
		maxHeaderLineSize:  cfg.maxHeaderLineSize,
		maxHeaderCount:     cfg.maxHeaderCount,
		logger:             cfg.logger,
	}
}

// State returns the current parsing stage.
func (d *Decoder) State() DecoderState {
	return d.state
}

func (d *Decoder) HandleOpened(ctx *session.HandlerContext) error {
	ctx.FireOpened()
	return nil
}

func (d *Decoder) HandleClosed(ctx *session.HandlerContext) error {
	d.reset()
	ctx.FireClosed()

	return nil
}

func (d *Decoder) HandleSending(ctx *session.HandlerContext, msg any, channelID uint32, rel session.Reliability, future *session.Future) error {
	ctx.FireSending(msg, channelID, rel, future)
	return nil
}

// HandleReceived consumes raw bytes. Messages other than []byte pass through untouched.
func (d *Decoder) HandleReceived(ctx *session.HandlerContext, msg any, channelID uint32) error {
	data, ok := msg.([]byte)
	if !ok {
		ctx.FireReceived(msg, channelID)
		return nil
	}

	d.buf.Append(data)

	if err := d.decode(); err != nil {
		d.reset()
		return err
	}
	if d.state != Complete {
		return nil
	}

	req := &Request{Method: d.method, Target: d.target, Version: d.version, Headers: d.headers}
	var rest []byte
	if d.buf.Len() > 0 {
		rest = append([]byte(nil), d.buf.Bytes()...)
	}
	d.reset()

	if d.logger.Level() == logger.DebugLevel {
		d.logger.Debug("http request decoded", "method", req.Method, "target", req.Target, "headers", len(req.Headers))
	}

	if err := ctx.Remove(); err != nil {
		return err
	}
	ctx.FireReceived(req, channelID)
	if len(rest) > 0 {
		ctx.FireReceived(rest, channelID)
	}

	return nil
}

// decode parses buffered lines until the request is complete or more bytes are needed.
func (d *Decoder) decode() error {
	for d.state != Complete {
		line, found := d.nextLine()
		if !found {
			return d.checkPending()
		}

		var err error
		if d.state == AwaitingRequestLine {
			err = d.parseRequestLine(line)
		} else {
			err = d.parseHeaderLine(line)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// nextLine returns the next CRLF terminated line, without the terminator, and consumes it.
// The returned slice is only valid until the buffer is modified.
func (d *Decoder) nextLine() ([]byte, bool) {
	for {
		idx := d.buf.IndexByte(d.scanned, '\n')
		if idx < 0 {
			d.scanned = d.buf.Len()
			return nil, false
		}

		if idx > 0 && d.buf.Slice(idx-1, 1)[0] == '\r' {
			line := d.buf.Slice(0, idx-1)
			d.buf.Skip(idx + 1)
			d.scanned = 0

			return line, true
		}

		// bare LF
		d.scanned = idx + 1
	}
}

// checkPending enforces the line limits on an unterminated line.
func (d *Decoder) checkPending() error {
	pending := d.buf.Len()
	if pending > 0 && d.buf.Slice(pending-1, 1)[0] == '\r' {
		pending--
	}

	switch d.state {
	case AwaitingRequestLine:
		if pending > d.maxRequestLineSize {
			return fmt.Errorf("%w: more than %d bytes without terminator", ErrURITooLong, d.maxRequestLineSize)
		}
	case AwaitingHeaders:
		if pending > d.maxHeaderLineSize {
			return fmt.Errorf("%w: header line exceeds %d bytes", ErrHeaderFieldsTooLarge, d.maxHeaderLineSize)
		}
	}

	return nil
}

func (d *Decoder) parseRequestLine(line []byte) error {
	if len(line) > d.maxRequestLineSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrURITooLong, len(line), d.maxRequestLineSize)
	}

	method, rest, ok := cutSpace(line)
	if !ok || !isToken(method) {
		return fmt.Errorf("%w: invalid method", ErrBadRequest)
	}

	target, version, ok := cutSpace(rest)
	if !ok || !isTarget(target) {
		return fmt.Errorf("%w: invalid request target", ErrBadRequest)
	}

	if !isVersion(version) {
		return fmt.Errorf("%w: invalid http version %q", ErrBadRequest, version)
	}

	d.method = string(method)
	d.target = string(target)
	d.version = string(version)
	d.headers = make(map[string]string)
	d.state = AwaitingHeaders

	return nil
}

func (d *Decoder) parseHeaderLine(line []byte) error {
	if len(line) == 0 {
		d.state = Complete
		return nil
	}

	if len(line) > d.maxHeaderLineSize {
		return fmt.Errorf("%w: header line exceeds %d bytes", ErrHeaderFieldsTooLarge, d.maxHeaderLineSize)
	}

	if d.headerLines >= d.maxHeaderCount {
		return fmt.Errorf("%w: more than %d headers", ErrHeaderFieldsTooLarge, d.maxHeaderCount)
	}

	colon := -1
	for i, c := range line {
		if c == ':' {
			colon = i
			break
		}
	}
	if colon <= 0 || !isToken(line[:colon]) {
		return fmt.Errorf("%w: invalid header name", ErrBadRequest)
	}

	value := trimOWS(line[colon+1:])
	if !isFieldValue(value) {
		return fmt.Errorf("%w: invalid value of header %q", ErrBadRequest, line[:colon])
	}

	d.headers[string(line[:colon])] = string(value)
	d.headerLines++

	return nil
}

func (d *Decoder) reset() {
	d.buf.Reset()
	d.state = AwaitingRequestLine
	d.scanned = 0
	d.method = ""
	d.target = ""
	d.version = ""
	d.headers = nil
	d.headerLines = 0
}
