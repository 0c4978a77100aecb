package quic

import (
	"context"

	quicgo "github.com/quic-go/quic-go"

	"github.com/arloliu/go-netsession/session"
)

// Dial starts connecting to address and returns the session right away, in the connecting state.
//
// The session connect future resolves once the QUIC handshake completed, or fails with the dial
// error. Closing the session while connecting aborts the dial. ctx bounds the dial only.
func Dial(ctx context.Context, address string, opts ...Option) (*session.Session, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	c, err := newSession(cfg)
	if err != nil {
		return nil, err
	}

	if err := c.taskMgr.Start("quicDialer", func() bool {
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
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.taskMgr.Context(), cancel)
	defer stop()

	c.logger.Debug("dial QUIC", "address", address, "session", c.session.ID())

	qconn, err := quicgo.DialAddr(dialCtx, address, c.cfg.clientTLSConfig(), c.cfg.quicConfig())
	if err != nil {
		c.logger.Debug("failed to dial", "address", address, "error", err)
		c.session.NotifyDisconnected(err)

		return
	}

	_ = c.attach(qconn)
}
