package udp

import (
	"context"
	"errors"
	"net"

	"github.com/arloliu/go-netsession/internal/pool"
	"github.com/arloliu/go-netsession/session"
)

// Dial binds a UDP socket connected to address and returns its session.
//
// There is no handshake: the session connects as soon as the socket is bound, and the peer
// learns about it from the first datagram. A peer that is not listening shows up as a failed
// reliable send or a disconnect with the socket error.
func Dial(ctx context.Context, address string, opts ...Option) (*session.Session, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "udp", address)
	if err != nil {
		cfg.Logger().Debug("failed to dial", "address", address, "error", err)
		return nil, err
	}
	udpConn := netConn.(*net.UDPConn) //nolint:forcetypeassert

	c, err := newConn(cfg,
		func(b []byte) error {
			_, err := udpConn.Write(b)
			return err
		},
		udpConn.Close,
		udpConn.LocalAddr(),
		udpConn.RemoteAddr(),
	)
	if err != nil {
		_ = udpConn.Close()
		return nil, err
	}

	c.logger.Debug("dial UDP", "address", address, "local", udpConn.LocalAddr(), "session", c.session.ID())

	if err := c.start(); err != nil {
		return nil, err
	}

	var readErr error
	if err := c.taskMgr.StartReceiver("udpReader", pool.MaxDatagramSize,
		func(buf []byte) bool {
			n, err := udpConn.Read(buf)
			if err != nil {
				readErr = err
				return false
			}
			c.handleDatagram(buf[:n])

			return true
		},
		func() { c.readerDone(readErr) },
	); err != nil {
		c.session.NotifyDisconnected(err)
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

func (c *conn) readerDone(err error) {
	if c.closed.Load() || errors.Is(err, net.ErrClosed) {
		c.session.NotifyDisconnected(nil)
		return
	}

	c.logger.Debug("UDP read failed", "remote", c.remoteAddr, "error", err)
	c.session.NotifyDisconnected(err)
}
