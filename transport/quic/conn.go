package quic

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	quicgo "github.com/quic-go/quic-go"

	"github.com/arloliu/go-netsession/framer"
	"github.com/arloliu/go-netsession/logger"
	"github.com/arloliu/go-netsession/session"
)

// orderedStream is the long-lived bidirectional stream carrying the ReliableOrdered messages
// of one channel.
type orderedStream struct {
	stream quicgo.Stream
	writer *bufio.Writer
	header [framer.HeaderSize]byte
	dirty  bool
}

// conn is the TransportAdapter of a QUIC session.
//
// ReliableOrdered messages of a channel share one bidirectional stream opened on first use,
// each Reliable message travels on its own unidirectional stream. Both carry length-prefixed
// frames, so the receiving side reads the channel id from the frame header.
//
// Opening streams and writing to them may wait for the peer, so both run on the sender
// goroutine. Write and Flush only queue.
type conn struct {
	cfg     *Config
	logger  logger.Logger
	taskMgr *session.TaskManager
	session *session.Session

	mu     sync.Mutex // protects qconn
	qconn  quicgo.Connection
	sender atomic.Pointer[session.Sender]

	// accessed only by the sender goroutine
	dirty []*orderedStream

	ordered *xsync.MapOf[uint32, *orderedStream]
	closed  atomic.Bool
}

var _ session.TransportAdapter = (*conn)(nil)

func newSession(cfg *Config) (*conn, error) {
	sessCfg, err := cfg.sessionConfig()
	if err != nil {
		return nil, err
	}

	c := &conn{
		cfg:     cfg,
		logger:  cfg.Logger(),
		taskMgr: session.NewTaskManager(context.Background(), cfg.Logger()),
		ordered: xsync.NewMapOf[uint32, *orderedStream](),
	}

	if c.session, err = session.NewSession(c, sessCfg); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *conn) Kind() session.TransportKind { return session.MultiStreamTransport }

func (c *conn) connection() (quicgo.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.qconn == nil || c.closed.Load() {
		return nil, net.ErrClosed
	}

	return c.qconn, nil
}

func (c *conn) Write(p []byte, channelID uint32, rel session.Reliability) error {
	if maxSize := c.cfg.MaxFrameSize(); uint64(len(p)) > uint64(maxSize) {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d", framer.ErrPayloadTooLarge, len(p), maxSize)
	}

	sender := c.sender.Load()
	if sender == nil || c.closed.Load() {
		return net.ErrClosed
	}

	return sender.Write(p, channelID, rel)
}

func (c *conn) Flush(done func(error)) {
	sender := c.sender.Load()
	if sender == nil || c.closed.Load() {
		done(net.ErrClosed)
		return
	}

	sender.Flush(done)
}

// writeStream is the write function of the sender goroutine.
func (c *conn) writeStream(p []byte, channelID uint32, rel session.Reliability) error {
	qconn, err := c.connection()
	if err != nil {
		return err
	}

	if rel == session.Reliable {
		return c.writeUnordered(qconn, p, channelID)
	}

	st, err := c.orderedStream(qconn, channelID)
	if err != nil {
		return err
	}

	header := framer.AppendHeader(st.header[:0], uint32(len(p)), channelID) //nolint:gosec
	if _, err := st.writer.Write(header); err != nil {
		return err
	}
	if _, err := st.writer.Write(p); err != nil {
		return err
	}

	if !st.dirty {
		st.dirty = true
		c.dirty = append(c.dirty, st)
	}

	return nil
}

func (c *conn) orderedStream(qconn quicgo.Connection, channelID uint32) (*orderedStream, error) {
	if st, ok := c.ordered.Load(channelID); ok {
		return st, nil
	}

	c.cfg.mu.RLock()
	timeout := c.cfg.openStreamTimeout
	c.cfg.mu.RUnlock()

	ctx, cancel := context.WithTimeout(c.taskMgr.Context(), timeout)
	defer cancel()

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream of channel %d: %w", channelID, err)
	}

	st := &orderedStream{stream: stream, writer: bufio.NewWriter(stream)}
	c.ordered.Store(channelID, st)

	c.logger.Debug("ordered stream opened", "channel", channelID, "stream", stream.StreamID(), "session", c.session.ID())

	return st, nil
}

func (c *conn) writeUnordered(qconn quicgo.Connection, p []byte, channelID uint32) error {
	c.cfg.mu.RLock()
	timeout := c.cfg.openStreamTimeout
	c.cfg.mu.RUnlock()

	ctx, cancel := context.WithTimeout(c.taskMgr.Context(), timeout)
	defer cancel()

	stream, err := qconn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open unidirectional stream: %w", err)
	}

	if _, err := stream.Write(framer.EncodeFrame(make([]byte, 0, framer.HeaderSize+len(p)), channelID, p)); err != nil {
		stream.CancelWrite(0)
		return err
	}

	return stream.Close()
}

// flushStreams is the flush function of the sender goroutine.
func (c *conn) flushStreams() error {
	dirty := c.dirty
	c.dirty = nil

	var errs []error
	for _, st := range dirty {
		st.dirty = false

		if err := st.writer.Flush(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Close closes the connection, or aborts a pending dial. Closing the connection resets every stream.
func (c *conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if sender := c.sender.Load(); sender != nil {
		sender.Close()
	}
	c.taskMgr.Stop()

	c.mu.Lock()
	qconn := c.qconn
	c.mu.Unlock()

	if qconn == nil {
		return nil
	}

	c.logger.Debug("close QUIC connection", "remote", qconn.RemoteAddr())

	return qconn.CloseWithError(0, "session closed")
}

func (c *conn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.qconn == nil {
		return nil
	}

	return c.qconn.LocalAddr()
}

func (c *conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.qconn == nil {
		return nil
	}

	return c.qconn.RemoteAddr()
}

// attach binds an established connection, reports the session connected and starts the
// stream acceptors.
func (c *conn) attach(qconn quicgo.Connection) error {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = qconn.CloseWithError(0, "session closed")

		return net.ErrClosed
	}
	c.qconn = qconn
	c.mu.Unlock()

	c.cfg.mu.RLock()
	queueSize := c.cfg.sendQueueSize
	c.cfg.mu.RUnlock()

	sender := session.NewSender("quicSender", queueSize, c.writeStream, c.flushStreams, c.writeFailed, c.logger)
	c.sender.Store(sender)
	if err := sender.Start(c.taskMgr); err != nil {
		c.session.NotifyDisconnected(err)
		return err
	}

	c.logger.Debug("QUIC connection established",
		"local_addr", qconn.LocalAddr().String(),
		"remote_addr", qconn.RemoteAddr().String(),
		"session", c.session.ID(),
	)

	c.session.NotifyConnected()

	ctx := c.taskMgr.Context()
	tasks := []struct {
		name string
		fn   session.TaskFunc
	}{
		{"quicConnWatcher", func() bool {
			select {
			case <-qconn.Context().Done():
				c.connectionDone(context.Cause(qconn.Context()))
			case <-ctx.Done():
			}
			return false
		}},
		{"quicStreamAcceptor", func() bool {
			stream, err := qconn.AcceptStream(ctx)
			if err != nil {
				return false
			}
			c.startStreamReader(stream, false)

			return true
		}},
		{"quicUniStreamAcceptor", func() bool {
			stream, err := qconn.AcceptUniStream(ctx)
			if err != nil {
				return false
			}
			c.startStreamReader(stream, true)

			return true
		}},
	}

	for _, task := range tasks {
		if err := c.taskMgr.Start(task.name, task.fn); err != nil {
			c.session.NotifyDisconnected(err)
			return err
		}
	}

	return nil
}

// startStreamReader forwards the frames of an incoming stream. A unidirectional stream carries
// exactly one frame.
func (c *conn) startStreamReader(stream quicgo.ReceiveStream, single bool) {
	header := make([]byte, framer.HeaderSize)
	maxSize := c.cfg.MaxFrameSize()
	name := fmt.Sprintf("quicStreamReader-%d", stream.StreamID())

	err := c.taskMgr.Start(name, func() bool {
		payload, channelID, err := framer.ReadFrame(stream, header, maxSize)
		if err != nil {
			c.streamFailed(stream, err)
			return false
		}

		c.session.NotifyReceived(payload, channelID)

		return !single
	})
	if err != nil {
		stream.CancelRead(0)
	}
}

func (c *conn) streamFailed(stream quicgo.ReceiveStream, err error) {
	switch {
	case errors.Is(err, io.EOF):
		return
	case errors.Is(err, session.ErrProtocolViolation):
		c.logger.Warn("protocol violation on stream, closing session", "stream", stream.StreamID(), "error", err)
		stream.CancelRead(1)
		c.session.NotifyDisconnected(err)
	case c.closed.Load():
		return
	default:
		c.logger.Debug("stream read failed", "stream", stream.StreamID(), "error", err)
	}
}

// writeFailed disconnects the session after a failed stream write.
func (c *conn) writeFailed(err error) {
	if c.closed.Load() {
		return
	}

	c.logger.Debug("QUIC write failed", "error", err, "session", c.session.ID())
	c.session.NotifyDisconnected(err)
}

func (c *conn) connectionDone(cause error) {
	var appErr *quicgo.ApplicationError
	if c.closed.Load() || (errors.As(cause, &appErr) && appErr.ErrorCode == 0) {
		cause = nil
	}

	if cause != nil {
		c.logger.Debug("QUIC connection lost", "error", cause, "session", c.session.ID())
	}

	c.session.NotifyDisconnected(cause)
}
