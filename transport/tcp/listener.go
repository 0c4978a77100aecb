package tcp

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-netsession/logger"
	"github.com/arloliu/go-netsession/session"
)

// ErrListenerClosed indicates that the listener was closed.
var ErrListenerClosed = errors.New("tcp: listener closed")

// ListenerMetrics contains atomic metrics for a listener.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ListenerMetrics struct {
	// AcceptCount indicates the number of accepted connections.
	AcceptCount atomic.Uint64
	// AcceptErrCount indicates the number of failed accepts and rejected connections.
	AcceptErrCount atomic.Uint64
}

// Listener accepts TCP connections and turns each of them into a connected session.
type Listener struct {
	cfg      *Config
	logger   logger.Logger
	taskMgr  *session.TaskManager
	registry *session.Registry
	metrics  ListenerMetrics

	listenerMutex sync.Mutex
	listener      *net.TCPListener

	accepted  chan *session.Session
	closeOnce sync.Once
	closed    atomic.Bool
}

// Listen listens on address and starts accepting connections.
func Listen(ctx context.Context, address string, opts ...Option) (*Listener, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
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
		listener: ln.(*net.TCPListener), //nolint:forcetypeassert
		accepted: make(chan *session.Session, backlog),
	}

	l.logger.Debug("listen success", "address", ln.Addr())

	if err := l.taskMgr.Start("tcpAcceptor", l.acceptTask); err != nil {
		_ = ln.Close()
		return nil, err
	}

	return l, nil
}

// Accept waits for the next connected session.
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

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	l.listenerMutex.Lock()
	defer l.listenerMutex.Unlock()

	if l.listener == nil {
		return nil
	}

	return l.listener.Addr()
}

// Sessions returns the registry of the live sessions accepted by the listener.
func (l *Listener) Sessions() *session.Registry {
	return l.registry
}

// Metrics returns the listener metrics.
func (l *Listener) Metrics() *ListenerMetrics {
	return &l.metrics
}

// Close stops accepting and closes every session accepted by the listener.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.taskMgr.Stop()

		l.listenerMutex.Lock()
		if l.listener != nil {
			err = l.listener.Close()
			l.listener = nil
		}
		l.listenerMutex.Unlock()

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
	})

	return err
}

func (l *Listener) acceptTask() bool {
	tcpListener := l.getTCPListener()
	if tcpListener == nil {
		return false
	}

	netConn, err := tcpListener.Accept()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			select {
			case <-l.taskMgr.Context().Done():
				return false
			default:
				return true
			}
		}

		if !l.closed.Load() {
			l.metrics.AcceptErrCount.Add(1)
			l.logger.Error("failed to accept connection", "error", err)
		}

		return false
	}

	l.metrics.AcceptCount.Add(1)
	l.logger.Debug("connection accepted", "remote_address", netConn.RemoteAddr())

	c, err := newSession(context.Background(), l.cfg)
	if err != nil {
		l.metrics.AcceptErrCount.Add(1)
		l.logger.Error("failed to create session", "error", err)
		_ = netConn.Close()

		return true
	}

	l.registry.Add(c.session)
	if err := c.attach(netConn); err != nil {
		return true
	}

	select {
	case l.accepted <- c.session:
	case <-l.taskMgr.Context().Done():
		_ = c.session.CloseNow()
		return false
	}

	return true
}

func (l *Listener) getTCPListener() *net.TCPListener {
	l.listenerMutex.Lock()
	defer l.listenerMutex.Unlock()

	if l.listener == nil {
		return nil
	}

	l.cfg.mu.RLock()
	timeout := l.cfg.acceptTimeout
	l.cfg.mu.RUnlock()

	if err := l.listener.SetDeadline(time.Now().Add(timeout)); err != nil {
		l.logger.Error("failed to set deadline for tcp listener", "error", err)
		return nil
	}

	return l.listener
}
