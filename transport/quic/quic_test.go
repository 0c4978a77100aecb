package quic

import (
	"context"
	"crypto/x509"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-netsession/framer"
	"github.com/arloliu/go-netsession/logger"
	"github.com/arloliu/go-netsession/session"
)

type message struct {
	payload   []byte
	channelID uint32
}

func echoInitializer(p *session.Pipeline) error {
	return p.AddLast("echo", session.ReceivedFunc(func(ctx *session.HandlerContext, msg any, channelID uint32) error {
		return ctx.Session().SendOn(channelID, msg, session.ReliableOrdered)
	}))
}

func collectInitializer(ch chan<- message) session.PipelineInitializer {
	return func(p *session.Pipeline) error {
		return p.AddLast("collect", session.ReceivedFunc(func(_ *session.HandlerContext, msg any, channelID uint32) error {
			ch <- message{payload: msg.([]byte), channelID: channelID}
			return nil
		}))
	}
}

func listen(t *testing.T, opts ...Option) *Listener {
	t.Helper()

	l, err := Listen("127.0.0.1:0", append([]Option{WithLogger(logger.NewPermissiveMockLogger())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	return l
}

func connect(t *testing.T, l *Listener, received chan<- message, opts ...Option) *session.Session {
	t.Helper()

	base := []Option{
		WithLogger(logger.NewPermissiveMockLogger()),
		WithTLSConfig(InsecureClientTLSConfig()),
	}
	if received != nil {
		base = append(base, WithSessionOptions(session.WithPipelineInitializer(collectInitializer(received))))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Connect(ctx, l.Addr().String(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.CloseNow() })

	return s
}

func receive(t *testing.T, ch <-chan message) message {
	t.Helper()

	select {
	case m := <-ch:
		return m
	case <-time.After(3 * time.Second):
		require.FailNow(t, "no message received")
		return message{}
	}
}

func TestEcho(t *testing.T) {
	require := require.New(t)

	l := listen(t, WithSessionOptions(session.WithPipelineInitializer(echoInitializer)))
	received := make(chan message, 16)
	client := connect(t, l, received)

	require.Equal(session.MultiStreamTransport, client.Kind())
	require.NotNil(client.LocalAddr())

	t.Run("Ordered", func(t *testing.T) {
		require.NoError(client.SendFlushOn(1, []byte("ordered"), session.ReliableSequenced).WaitTimeout(time.Second))
		require.Equal(message{payload: []byte("ordered"), channelID: 1}, receive(t, received))
	})

	t.Run("Unordered", func(t *testing.T) {
		require.NoError(client.SendFlushOn(2, []byte("reliable"), session.Unreliable).WaitTimeout(time.Second))
		require.Equal(message{payload: []byte("reliable"), channelID: 2}, receive(t, received))
	})

	t.Run("Empty payload", func(t *testing.T) {
		require.NoError(client.SendFlushOn(0, []byte{}, session.ReliableOrdered).WaitTimeout(time.Second))
		m := receive(t, received)
		require.Empty(m.payload)
		require.Zero(m.channelID)
	})

	server, err := l.Accept(context.Background())
	require.NoError(err)
	require.Equal(session.MultiStreamTransport, server.Kind())
	require.Equal(uint64(1), l.Metrics().AcceptCount.Load())
}

func TestOrderPerChannel(t *testing.T) {
	require := require.New(t)

	l := listen(t, WithSessionOptions(session.WithPipelineInitializer(echoInitializer)))
	received := make(chan message, 256)
	client := connect(t, l, received)

	const count = 100
	futures := make([]*session.Future, 0, 2*count)
	for i := range count {
		futures = append(futures,
			client.SendAsyncOn(7, []byte(fmt.Sprintf("a-%d", i)), session.ReliableOrdered),
			client.SendAsyncOn(8, []byte(fmt.Sprintf("b-%d", i)), session.ReliableOrdered),
		)
	}
	for _, f := range futures {
		require.NoError(f.WaitTimeout(2 * time.Second))
	}

	next := map[uint32]int{7: 0, 8: 0}
	prefix := map[uint32]string{7: "a", 8: "b"}
	for range 2 * count {
		m := receive(t, received)
		require.Equal(fmt.Sprintf("%s-%d", prefix[m.channelID], next[m.channelID]), string(m.payload))
		next[m.channelID]++
	}
}

func TestPayloadTooLarge(t *testing.T) {
	require := require.New(t)

	l := listen(t)
	client := connect(t, l, nil, WithMaxFrameSize(8))

	err := client.SendFlush([]byte("way too large"), session.ReliableOrdered).WaitTimeout(time.Second)
	require.ErrorIs(err, framer.ErrPayloadTooLarge)
	require.Equal(session.ConnectedState, client.State())
}

func TestDialTimeout(t *testing.T) {
	require := require.New(t)

	l := listen(t)
	addr := l.Addr().String()
	require.NoError(l.Close())

	s, err := Dial(context.Background(), addr,
		WithLogger(logger.NewPermissiveMockLogger()),
		WithTLSConfig(InsecureClientTLSConfig()),
		WithDialTimeout(200*time.Millisecond),
	)
	require.NoError(err)

	connErr := s.ConnectFuture().WaitTimeout(5 * time.Second)
	require.Error(connErr)
	require.Equal(session.DisconnectedState, s.State())
	require.Equal(connErr, s.DisconnectFuture().WaitTimeout(time.Second))
}

func TestListener_Close(t *testing.T) {
	require := require.New(t)

	l := listen(t)
	client := connect(t, l, nil)

	server, err := l.Accept(context.Background())
	require.NoError(err)

	require.NoError(l.Close())
	require.Equal(session.DisconnectedState, server.State())
	require.NoError(client.DisconnectFuture().WaitTimeout(3 * time.Second))

	_, err = l.Accept(context.Background())
	require.ErrorIs(err, ErrListenerClosed)
}

func TestSelfSignedTLSConfig(t *testing.T) {
	require := require.New(t)

	tlsConf, err := SelfSignedTLSConfig("example.test", "10.0.0.1")
	require.NoError(err)
	require.Equal([]string{ALPN}, tlsConf.NextProtos)
	require.Len(tlsConf.Certificates, 1)

	cert, err := x509.ParseCertificate(tlsConf.Certificates[0].Certificate[0])
	require.NoError(err)
	require.Equal([]string{"example.test"}, cert.DNSNames)
	require.Len(cert.IPAddresses, 1)
	require.NoError(cert.VerifyHostname("example.test"))
}

func TestConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConfig()
	require.NoError(err)
	require.Equal(uint32(framer.DefaultMaxFrameSize), cfg.MaxFrameSize())
	require.Equal([]string{ALPN}, cfg.clientTLSConfig().NextProtos)

	qc := cfg.quicConfig()
	require.Equal(int64(1024), qc.MaxIncomingStreams)
	require.Equal(30*time.Second, qc.MaxIdleTimeout)

	for _, opt := range []Option{
		WithTLSConfig(nil),
		WithDialTimeout(0),
		WithIdleTimeout(time.Hour),
		WithKeepAlivePeriod(-1),
		WithOpenStreamTimeout(0),
		WithMaxIncomingStreams(0, 1),
		WithMaxFrameSize(0),
		WithAcceptBacklog(0),
		WithSendQueueSize(0),
		WithCloseTimeout(0),
		WithLogger(nil),
	} {
		_, err := NewConfig(opt)
		require.Error(err)
	}

	var nilCfg *Config
	require.ErrorIs(WithMaxFrameSize(1).apply(nilCfg), ErrConfigNil)
}
