package quic

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	quicgo "github.com/quic-go/quic-go"

	"github.com/arloliu/go-netsession/logger"
	"github.com/arloliu/go-netsession/session"
)

// ErrListenerClosed indicates that the listener was closed.
var ErrListenerClosed = errors.New("quic: listener closed")

// ListenerMetrics contains atomic metrics for a listener.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ListenerMetrics struct {
	// AcceptCount indicates the number of accepted connections.
	AcceptCount atomic.Uint64
	// AcceptErrCount indicates the number of connections that could not be turned into sessions.
	AcceptErrCount atomic.Uint64
}

// Listener accepts QUIC connections and turns each of them into a connected session.
type Listener struct {
	cfg      *Config
	logger   logger.Logger
	listener *quicgo.Listener
	taskMgr  *session.TaskManager
	registry *session.Registry
	metrics  ListenerMetrics

	accepted  chan *session.Session
	closeOnce sync.Once
	closed    atomic.Bool
}

// Listen listens on the UDP address and starts accepting QUIC connections.
func Listen(address string, opts ...Option) (*Listener, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	tlsConf, err := cfg.serverTLSConfig()
	if err != nil {
		return nil, err
	}

	ln, err := quicgo.ListenAddr(address, tlsConf, cfg.quicConfig())
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
		listener: ln,
		taskMgr:  session.NewTaskManager(context.Background(), cfg.Logger()),
		registry: session.NewRegistry(),
		accepted: make(chan *session.Session, backlog),
	}

	l.logger.Debug("listen success", "address", ln.Addr())

	if err := l.taskMgr.Start("quicAcceptor", l.acceptTask); err != nil {
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

		err = l.listener.Close()
	})

	return err
}

func (l *Listener) acceptTask() bool {
	ctx := l.taskMgr.Context()

	qconn, err := l.listener.Accept(ctx)
	if err != nil {
		if ctx.Err() == nil && !l.closed.Load() {
			l.metrics.AcceptErrCount.Add(1)
			l.logger.Error("failed to accept connection", "error", err)
		}

		return false
	}

	l.metrics.AcceptCount.Add(1)
	l.logger.Debug("connection accepted", "remote_address", qconn.RemoteAddr())

	c, err := newSession(l.cfg)
	if err != nil {
		l.metrics.AcceptErrCount.Add(1)
		l.logger.Error("failed to create session", "error", err)
		_ = qconn.CloseWithError(1, "session setup failed")

		return true
	}

	l.registry.Add(c.session)
	if err := c.attach(qconn); err != nil {
		return true
	}

	select {
	case l.accepted <- c.session:
	case <-ctx.Done():
		_ = c.session.CloseNow()
		return false
	}

	return true
}
