package udp

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-netsession/internal/pool"
	"github.com/arloliu/go-netsession/logger"
	"github.com/arloliu/go-netsession/session"
)

// ErrListenerClosed indicates that the listener was closed.
var ErrListenerClosed = errors.New("udp: listener closed")

// ListenerMetrics contains atomic metrics for a listener.
type ListenerMetrics struct {
	// AcceptCount indicates the number of sessions created for new peers.
	AcceptCount atomic.Uint64
	// AcceptErrCount indicates the number of peers rejected, e.g. because the accept backlog was full.
	AcceptErrCount atomic.Uint64
	// DroppedCount indicates the number of datagrams from unknown peers that did not open a session.
	DroppedCount atomic.Uint64
}

// Listener demultiplexes the datagrams of one UDP socket into a session per remote address.
//
// A session is created by the first DATA datagram of an unknown peer. Sessions share the socket,
// closing one removes its peer so that a later datagram from the same address opens a new session.
type Listener struct {
	cfg      *Config
	logger   logger.Logger
	taskMgr  *session.TaskManager
	registry *session.Registry
	metrics  ListenerMetrics

	conn  *net.UDPConn
	peers *xsync.MapOf[string, *conn]

	accepted  chan *session.Session
	closeOnce sync.Once
	closed    atomic.Bool
}

// Listen binds address and starts reading datagrams.
func Listen(ctx context.Context, address string, opts ...Option) (*Listener, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		cfg.Logger().Error("failed to listen", "address", address, "error", err)
		return nil, err
	}

	cfg.mu.RLock()
	backlog := cfg.acceptBacklog
	cfg.mu.RUnlock()

	l := &Listener{
		cfg:      cfg,
		logger:   cfg.Logger(),
		taskMgr:  session.NewTaskManager(context.Background(), cfg.Logger()),
		registry: session.NewRegistry(),
		conn:     pc.(*net.UDPConn), //nolint:forcetypeassert
		peers:    xsync.NewMapOf[string, *conn](),
		accepted: make(chan *session.Session, backlog),
	}

	l.logger.Debug("listen success", "address", pc.LocalAddr())

	if err := l.taskMgr.StartReceiver("udpListenerReader", pool.MaxDatagramSize, l.readTask, nil); err != nil {
		_ = pc.Close()
		return nil, err
	}

	return l, nil
}

// Accept waits for the session of the next new peer.
func (l *Listener) Accept(ctx context.Context) (*session.Session, error) {
	select {
	case s, ok := <-l.accepted:
		if !ok {
			return nil, ErrListenerClosed
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the local address of the socket.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Sessions returns the registry of the live sessions of the listener.
func (l *Listener) Sessions() *session.Registry {
	return l.registry
}

// Metrics returns the listener metrics.
func (l *Listener) Metrics() *ListenerMetrics {
	return &l.metrics
}

// Close stops reading, closes every session and then the socket.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.taskMgr.Stop()

		// unblock the reader, sessions still need the socket to send CLOSE
		_ = l.conn.SetReadDeadline(time.Now())
		l.taskMgr.Wait()
		close(l.accepted)

		l.cfg.mu.RLock()
		timeout := l.cfg.closeTimeout
		l.cfg.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if closeErr := l.registry.CloseAll(ctx); closeErr != nil {
			l.logger.Warn("failed to close sessions", "error", closeErr)
		}

		err = l.conn.Close()
	})

	return err
}

func (l *Listener) readTask(buf []byte) bool {
	n, addr, err := l.conn.ReadFromUDP(buf)
	if err != nil {
		if l.closed.Load() || errors.Is(err, net.ErrClosed) {
			return false
		}
		l.logger.Debug("failed to read datagram", "error", err)

		return true
	}

	key := addr.String()
	c, ok := l.peers.Load(key)
	if !ok {
		if n < HeaderSize || PacketKind(buf[0]) != DataPacket {
			l.metrics.DroppedCount.Add(1)
			return true
		}

		if c = l.newPeer(addr, key); c == nil {
			return true
		}
	}

	c.handleDatagram(buf[:n])

	return true
}

func (l *Listener) newPeer(addr *net.UDPAddr, key string) *conn {
	c, err := newConn(l.cfg,
		func(b []byte) error {
			_, err := l.conn.WriteToUDP(b, addr)
			return err
		},
		func() error {
			l.peers.Delete(key)
			return nil
		},
		l.conn.LocalAddr(),
		addr,
	)
	if err != nil {
		l.metrics.AcceptErrCount.Add(1)
		l.logger.Error("failed to create session", "remote", addr, "error", err)

		return nil
	}

	l.peers.Store(key, c)
	l.registry.Add(c.session)

	if err := c.start(); err != nil {
		l.metrics.AcceptErrCount.Add(1)
		return nil
	}

	select {
	case l.accepted <- c.session:
		l.metrics.AcceptCount.Add(1)
		l.logger.Debug("peer accepted", "remote", addr, "session", c.session.ID())

		return c
	default:
		l.metrics.AcceptErrCount.Add(1)
		l.logger.Warn("accept backlog full, reject peer", "remote", addr)
		_ = c.session.CloseAsync()

		return nil
	}
}
