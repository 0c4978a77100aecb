package tcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-netsession/framer"
	"github.com/arloliu/go-netsession/internal/util"
	"github.com/arloliu/go-netsession/logger"
	"github.com/arloliu/go-netsession/session"
)

// conn is the TransportAdapter of a TCP session. The network connection is attached once
// dialing succeeded, or right away for accepted connections.
//
// Writes are queued to a sender goroutine owning the buffered writer, so a peer that stops
// reading never blocks the session executor.
type conn struct {
	cfg     *Config
	logger  logger.Logger
	taskMgr *session.TaskManager
	session *session.Session

	mu      sync.Mutex // protects netConn
	netConn net.Conn
	sender  atomic.Pointer[session.Sender]

	closed atomic.Bool
}

var _ session.TransportAdapter = (*conn)(nil)

// newSession creates a session in the connecting state over a detached conn.
func newSession(ctx context.Context, cfg *Config) (*conn, error) {
	sessCfg, err := cfg.sessionConfig()
	if err != nil {
		return nil, err
	}

	c := &conn{
		cfg:     cfg,
		logger:  cfg.Logger(),
		taskMgr: session.NewTaskManager(ctx, cfg.Logger()),
	}

	s, err := session.NewSession(c, sessCfg)
	if err != nil {
		return nil, err
	}
	c.session = s

	cfg.mu.RLock()
	framerCfg := cfg.framerCfg
	cfg.mu.RUnlock()

	if framerCfg != nil {
		if err := s.Pipeline().AddFirst(framer.HandlerName, framer.New(framerCfg)); err != nil {
			_ = s.CloseNow()
			return nil, err
		}
	}

	return c, nil
}

func (c *conn) Kind() session.TransportKind { return session.StreamTransport }

func (c *conn) Write(p []byte, channelID uint32, rel session.Reliability) error {
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

// Close stops the reader and the sender and closes the network connection, or aborts a pending dial.
// Queued writes are dropped.
func (c *conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if sender := c.sender.Load(); sender != nil {
		sender.Close()
	}
	c.taskMgr.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.netConn == nil {
		return nil
	}

	c.logger.Debug("close TCP connection", "remote", c.netConn.RemoteAddr())

	return c.netConn.Close()
}

func (c *conn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.netConn == nil {
		return nil
	}

	return c.netConn.LocalAddr()
}

func (c *conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.netConn == nil {
		return nil
	}

	return c.netConn.RemoteAddr()
}

// attach binds an established connection, reports the session connected and starts reading.
func (c *conn) attach(netConn net.Conn) error {
	c.setupConn(netConn)

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = netConn.Close()

		return net.ErrClosed
	}
	c.netConn = netConn
	c.mu.Unlock()

	if err := c.startSender(netConn); err != nil {
		c.session.NotifyDisconnected(err)
		return err
	}

	c.logger.Debug("TCP connection established",
		"local_addr", netConn.LocalAddr().String(),
		"remote_addr", netConn.RemoteAddr().String(),
		"session", c.session.ID(),
	)

	c.session.NotifyConnected()

	var readErr error
	err := c.taskMgr.StartReceiver("tcpReader", c.cfg.ReadBufferSize(),
		func(buf []byte) bool {
			n, err := netConn.Read(buf)
			if n > 0 {
				c.session.NotifyReceived(util.CloneSlice(buf[:n], 0), 0)
			}
			if err != nil {
				readErr = err
				return false
			}

			return true
		},
		func() {
			c.readerDone(readErr)
		},
	)
	if err != nil {
		c.session.NotifyDisconnected(err)
		return err
	}

	return nil
}

func (c *conn) startSender(netConn net.Conn) error {
	c.cfg.mu.RLock()
	writeBufferSize, queueSize := c.cfg.writeBufferSize, c.cfg.sendQueueSize
	c.cfg.mu.RUnlock()

	writer := bufio.NewWriterSize(netConn, writeBufferSize)
	sender := session.NewSender("tcpSender", queueSize,
		func(p []byte, _ uint32, _ session.Reliability) error {
			_, err := writer.Write(p)
			return err
		},
		writer.Flush,
		c.writeFailed,
		c.logger,
	)
	c.sender.Store(sender)

	return sender.Start(c.taskMgr)
}

// writeFailed disconnects the session after a failed write or flush.
func (c *conn) writeFailed(err error) {
	if c.closed.Load() {
		return
	}

	c.logger.Debug("TCP write failed", "error", err, "session", c.session.ID())
	c.session.NotifyDisconnected(err)
}

func (c *conn) readerDone(err error) {
	if c.closed.Load() {
		err = nil
	}

	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.logger.Debug("TCP read failed", "error", err, "session", c.session.ID())
	}

	c.session.NotifyDisconnected(err)
}

func (c *conn) setupConn(netConn net.Conn) {
	tcpConn, ok := netConn.(*net.TCPConn)
	if !ok {
		return
	}

	c.cfg.mu.RLock()
	noDelay, linger, keepAlive := c.cfg.noDelay, c.cfg.linger, c.cfg.keepAlive
	c.cfg.mu.RUnlock()

	_ = tcpConn.SetNoDelay(noDelay)
	if linger >= 0 {
		_ = tcpConn.SetLinger(linger)
	}
	if keepAlive > 0 {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(keepAlive)
	} else if keepAlive < 0 {
		_ = tcpConn.SetKeepAlive(false)
	}
}

