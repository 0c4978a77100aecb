package udp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-netsession/logger"
	"github.com/arloliu/go-netsession/session"
)

func echoInitializer(p *session.Pipeline) error {
	return p.AddLast("echo", session.ReceivedFunc(func(ctx *session.HandlerContext, msg any, channelID uint32) error {
		return ctx.Session().SendOn(channelID, msg, session.Reliable)
	}))
}

func listen(t *testing.T, opts ...Option) *Listener {
	t.Helper()

	l, err := Listen(context.Background(), "127.0.0.1:0", append([]Option{WithLogger(logger.NewPermissiveMockLogger())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	return l
}

func connect(t *testing.T, l *Listener, received chan<- message, opts ...Option) *session.Session {
	t.Helper()

	base := []Option{WithLogger(logger.NewPermissiveMockLogger())}
	if received != nil {
		base = append(base, WithSessionOptions(session.WithPipelineInitializer(collectInitializer(received))))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s, err := Connect(ctx, l.Addr().String(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.CloseNow() })

	return s
}

func TestEcho(t *testing.T) {
	require := require.New(t)

	l := listen(t, WithSessionOptions(session.WithPipelineInitializer(echoInitializer)))
	received := make(chan message, 16)
	client := connect(t, l, received)

	require.Equal(session.DatagramTransport, client.Kind())
	require.NotNil(client.LocalAddr())

	for i, rel := range []session.Reliability{
		session.Reliable,
		session.ReliableOrdered,
		session.ReliableSequenced,
		session.UnreliableSequenced,
		session.Unreliable,
	} {
		require.NoError(client.SendFlushOn(uint32(i), []byte(rel.String()), rel).WaitTimeout(time.Second))
		m := receive(t, received)
		require.Equal(rel.String(), string(m.payload))
		require.Equal(uint32(i), m.channelID)
	}

	server, err := l.Accept(context.Background())
	require.NoError(err)
	require.Equal(session.DatagramTransport, server.Kind())
	require.Equal(client.LocalAddr().String(), server.RemoteAddr().String())
	require.Equal(uint64(1), l.Metrics().AcceptCount.Load())
	require.Equal(1, l.Sessions().Len())

	metrics, ok := MetricsOf(client)
	require.True(ok)
	require.GreaterOrEqual(metrics.DatagramRecvCount.Load(), uint64(5))
	require.GreaterOrEqual(metrics.AckRecvCount.Load(), uint64(3))
	require.Eventually(func() bool { return metrics.UnackedGauge.Load() == 0 }, time.Second, 10*time.Millisecond)
}

func TestPeerClose(t *testing.T) {
	require := require.New(t)

	l := listen(t)
	client := connect(t, l, nil)
	require.NoError(client.SendFlush([]byte("hello"), session.Reliable).WaitTimeout(time.Second))

	server, err := l.Accept(context.Background())
	require.NoError(err)

	require.NoError(client.CloseNow())
	require.NoError(server.DisconnectFuture().WaitTimeout(3 * time.Second))
	require.Eventually(func() bool { return l.Sessions().Len() == 0 }, time.Second, 10*time.Millisecond)

	again := connect(t, l, nil)
	require.NoError(again.SendFlush([]byte("again"), session.Reliable).WaitTimeout(time.Second))
	server2, err := l.Accept(context.Background())
	require.NoError(err)
	require.NotEqual(server.ID(), server2.ID())
}

func TestDroppedDatagrams(t *testing.T) {
	require := require.New(t)

	l := listen(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	raw, err := Connect(ctx, l.Addr().String(), WithLogger(logger.NewPermissiveMockLogger()))
	require.NoError(err)
	require.NoError(raw.CloseNow())

	require.Eventually(func() bool { return l.Metrics().DroppedCount.Load() == 1 }, time.Second, 10*time.Millisecond,
		"a CLOSE from an unknown peer does not open a session")
	require.Zero(l.Sessions().Len())
}

func TestAcceptBacklogFull(t *testing.T) {
	require := require.New(t)

	l := listen(t, WithAcceptBacklog(1))

	first := connect(t, l, nil)
	require.NoError(first.SendFlush([]byte("1"), session.Reliable).WaitTimeout(time.Second))

	second := connect(t, l, nil)
	require.NoError(second.SendFlush([]byte("2"), session.Reliable).WaitTimeout(time.Second))
	require.NoError(second.DisconnectFuture().WaitTimeout(3 * time.Second))
	require.Equal(uint64(1), l.Metrics().AcceptErrCount.Load())

	s, err := l.Accept(context.Background())
	require.NoError(err)
	require.Equal(first.LocalAddr().String(), s.RemoteAddr().String())
}

func TestListener_Close(t *testing.T) {
	require := require.New(t)

	l := listen(t)
	client := connect(t, l, nil)
	require.NoError(client.SendFlush([]byte("hello"), session.Reliable).WaitTimeout(time.Second))

	server, err := l.Accept(context.Background())
	require.NoError(err)

	require.NoError(l.Close())
	require.Equal(session.DisconnectedState, server.State())
	require.NoError(client.DisconnectFuture().WaitTimeout(3 * time.Second))

	_, err = l.Accept(context.Background())
	require.ErrorIs(err, ErrListenerClosed)
}

func TestConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConfig()
	require.NoError(err)
	require.Equal(1400-HeaderSize, cfg.MaxPayloadSize())
	require.Equal(200*time.Millisecond, cfg.RetransmitInterval())

	cfg, err = NewConfig(WithMaxDatagramSize(512), WithRetransmitInterval(time.Second), WithIdleTimeout(0))
	require.NoError(err)
	require.Equal(512-HeaderSize, cfg.MaxPayloadSize())

	for _, opt := range []Option{
		WithMaxDatagramSize(63),
		WithMaxDatagramSize(70000),
		WithRetransmitInterval(time.Millisecond),
		WithMaxRetransmits(0),
		WithReceiveWindow(8),
		WithIdleTimeout(time.Millisecond),
		WithAcceptBacklog(0),
		WithCloseTimeout(0),
		WithLogger(nil),
	} {
		_, err := NewConfig(opt)
		require.Error(err)
	}

	var nilCfg *Config
	require.ErrorIs(WithMaxRetransmits(1).apply(nilCfg), ErrConfigNil)
}
