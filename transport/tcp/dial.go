package tcp

import (
	"context"
	"net"

	"github.com/arloliu/go-netsession/session"
)

// Dial starts connecting to address and returns the session right away, in the connecting state.
//
// The session connect future resolves once the connection is established, or fails with the dial
// error. Sends issued while connecting are queued and flushed on connect. Closing the session while
// connecting aborts the dial. ctx bounds the dial only.
func Dial(ctx context.Context, address string, opts ...Option) (*session.Session, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	c, err := newSession(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	if err := c.taskMgr.Start("tcpDialer", func() bool {
		c.dial(ctx, address)
		return false
	}); err != nil {
		_ = c.session.CloseNow()
		return nil, err
	}

	return c.session, nil
}

// Connect dials address and waits until the session is connected.
func Connect(ctx context.Context, address string, opts ...Option) (*session.Session, error) {
	s, err := Dial(ctx, address, opts...)
	if err != nil {
		return nil, err
	}

	if err := s.ConnectFuture().Wait(ctx); err != nil {
		_ = s.CloseNow()
		return nil, err
	}

	return s, nil
}

func (c *conn) dial(ctx context.Context, address string) {
	c.cfg.mu.RLock()
	dialer := &net.Dialer{Timeout: c.cfg.dialTimeout, KeepAlive: c.cfg.keepAlive}
	c.cfg.mu.RUnlock()

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.taskMgr.Context(), cancel)
	defer stop()

	c.logger.Debug("dial TCP", "address", address, "session", c.session.ID())

	netConn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		c.logger.Debug("failed to dial", "address", address, "error", err)
		c.session.NotifyDisconnected(err)

		return
	}

	_ = c.attach(netConn)
}
