package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSession_ConnectLifecycle(t *testing.T) {
	require := require.New(t)

	var mu sync.Mutex
	var transitions []State
	s, adapter := newTestSession(t, StreamTransport, WithStateChangeHandler(func(_ *Session, _ State, newState State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, newState)
	}))
	rec := newRecorder()
	require.NoError(s.Pipeline().AddLast("rec", rec))

	require.Equal(ConnectingState, s.State())
	require.Equal(StreamTransport, s.Kind())
	require.NotNil(s.RemoteAddr())
	require.Contains(s.String(), s.ID().String())

	connect(t, s)
	require.NoError(s.WaitState(context.Background(), ConnectedState))

	require.NoError(s.CloseAsync().WaitTimeout(time.Second))
	require.Equal(DisconnectedState, s.State())
	require.True(adapter.Closed())
	require.Equal([]string{"opened", "closed"}, rec.Events())
	require.NoError(s.Cause())

	mu.Lock()
	defer mu.Unlock()
	require.Equal([]State{ConnectedState, DisconnectingState, DisconnectedState}, transitions)
}

func TestSession_CloseBeforeConnect(t *testing.T) {
	require := require.New(t)

	t.Run("CloseAsync", func(t *testing.T) {
		s, adapter := newTestSession(t, StreamTransport)
		rec := newRecorder()
		require.NoError(s.Pipeline().AddLast("rec", rec))

		pending := s.SendAsync([]byte("queued"), ReliableOrdered)

		disconnect := s.CloseAsync()
		require.ErrorIs(s.ConnectFuture().WaitTimeout(time.Second), ErrSessionClosed)
		require.ErrorIs(disconnect.WaitTimeout(time.Second), ErrSessionClosed)
		require.True(pending.IsCancelled())

		// a late connect report is ignored
		s.NotifyConnected()
		require.Equal(DisconnectedState, s.State())
		require.Empty(rec.Events())
		require.True(adapter.Closed())
		require.Empty(adapter.Written())
	})

	t.Run("CloseNow", func(t *testing.T) {
		s, _ := newTestSession(t, StreamTransport)
		rec := newRecorder()
		require.NoError(s.Pipeline().AddLast("rec", rec))

		require.NoError(s.CloseNow())
		s.NotifyConnected()

		require.ErrorIs(s.ConnectFuture().WaitTimeout(time.Second), ErrSessionClosed)
		require.ErrorIs(s.WaitState(context.Background(), ConnectedState), ErrSessionClosed)
		require.Empty(rec.Events())
	})

	t.Run("Transport failure", func(t *testing.T) {
		s, _ := newTestSession(t, StreamTransport)
		rec := newRecorder()
		require.NoError(s.Pipeline().AddLast("rec", rec))

		refused := errors.New("connection refused")
		s.NotifyDisconnected(refused)

		require.ErrorIs(s.ConnectFuture().WaitTimeout(time.Second), refused)
		require.ErrorIs(s.DisconnectFuture().WaitTimeout(time.Second), refused)
		require.ErrorIs(s.Cause(), refused)
		require.Empty(rec.Events())
	})
}

func TestSession_TransportErrorAfterConnect(t *testing.T) {
	require := require.New(t)

	s, _ := newTestSession(t, StreamTransport)
	rec := newRecorder()
	require.NoError(s.Pipeline().AddLast("rec", rec))
	connect(t, s)

	s.NotifyDisconnected(io.ErrUnexpectedEOF)
	require.ErrorIs(s.DisconnectFuture().WaitTimeout(time.Second), io.ErrUnexpectedEOF)
	require.Equal([]string{"opened", "closed"}, rec.Events())

	t.Run("Orderly EOF", func(t *testing.T) {
		s, _ := newTestSession(t, StreamTransport)
		connect(t, s)

		s.NotifyDisconnected(io.EOF)
		require.NoError(s.DisconnectFuture().WaitTimeout(time.Second))
		require.ErrorIs(s.Cause(), io.EOF)
	})
}

func TestSession_Send(t *testing.T) {
	require := require.New(t)

	t.Run("Sends queued while connecting are flushed in order", func(t *testing.T) {
		s, adapter := newTestSession(t, StreamTransport)

		first := s.SendAsync([]byte("a"), Unreliable)
		require.NoError(s.SendOn(3, []byte("b"), ReliableOrdered))
		last := s.SendAsyncOn(3, []byte("c"), Reliable)

		require.Eventually(func() bool {
			return s.Metrics().PendingSendGauge.Load() == 3
		}, time.Second, time.Millisecond)

		connect(t, s)
		require.NoError(first.WaitTimeout(time.Second))
		require.NoError(last.WaitTimeout(time.Second))

		written := adapter.Written()
		require.Len(written, 3)
		require.Equal([]byte("a"), written[0].data)
		require.Equal(uint32(0), written[0].channelID)
		require.Equal(ReliableOrdered, written[0].rel)
		require.Equal([]byte("b"), written[1].data)
		require.Equal([]byte("c"), written[2].data)
		require.Equal(uint32(3), written[2].channelID)
		require.Equal(uint64(3), s.Metrics().MsgSendCount.Load())
	})

	t.Run("Pending send limit", func(t *testing.T) {
		s, _ := newTestSession(t, StreamTransport, WithPendingSendLimit(1))

		first := s.SendAsync([]byte("a"), ReliableOrdered)
		second := s.SendAsync([]byte("b"), ReliableOrdered)
		require.ErrorIs(second.WaitTimeout(time.Second), ErrSendQueueFull)
		require.False(first.IsDone())
	})

	t.Run("SendFlush flushes right away", func(t *testing.T) {
		s, adapter := newTestSession(t, DatagramTransport)
		connect(t, s)

		f := s.SendFlushOn(9, []byte("now"), UnreliableSequenced)
		require.NoError(f.WaitTimeout(time.Second))

		written := adapter.Written()
		require.Len(written, 1)
		require.Equal(UnreliableSequenced, written[0].rel)
		require.GreaterOrEqual(s.Metrics().FlushCount.Load(), uint64(1))
	})

	t.Run("Write failure fails the future", func(t *testing.T) {
		s, adapter := newTestSession(t, StreamTransport)
		connect(t, s)

		adapter.mu.Lock()
		adapter.writeErr = errors.New("broken pipe")
		adapter.mu.Unlock()

		f := s.SendAsync([]byte("x"), ReliableOrdered)
		require.ErrorContains(f.WaitTimeout(time.Second), "broken pipe")
		require.Equal(uint64(1), s.Metrics().SendErrCount.Load())
		require.Equal(ConnectedState, s.State())
	})

	t.Run("Sends after close fail fast", func(t *testing.T) {
		s, _ := newTestSession(t, StreamTransport)
		connect(t, s)
		require.NoError(s.CloseAsync().WaitTimeout(time.Second))

		require.ErrorIs(s.Send([]byte("late")), ErrSessionClosed)
		require.ErrorIs(s.SendAsync([]byte("late"), ReliableOrdered).Err(), ErrSessionClosed)
		require.ErrorIs(s.SendFlush([]byte("late"), ReliableOrdered).Err(), ErrSessionClosed)
	})

	t.Run("CloseNow cancels sends not handed to the transport", func(t *testing.T) {
		s, _ := newTestSession(t, StreamTransport)
		queued := s.SendAsync([]byte("queued"), ReliableOrdered)
		require.Eventually(func() bool {
			return s.Metrics().PendingSendGauge.Load() == 1
		}, time.Second, time.Millisecond)

		require.NoError(s.CloseNow())
		require.ErrorIs(queued.WaitTimeout(time.Second), ErrFutureCancelled)
	})

	t.Run("Sends before CloseAsync are delivered", func(t *testing.T) {
		s, adapter := newTestSession(t, StreamTransport)
		connect(t, s)

		f := s.SendAsync([]byte("bye"), ReliableOrdered)
		require.NoError(s.CloseAsync().WaitTimeout(time.Second))
		require.NoError(f.WaitTimeout(time.Second))
		require.Len(adapter.Written(), 1)
	})

	t.Run("Send futures wait for the transport flush", func(t *testing.T) {
		s, adapter := newTestSession(t, StreamTransport)
		connect(t, s)
		adapter.setStall(true)

		f := s.SendFlush([]byte("slow"), ReliableOrdered)
		require.Never(f.IsDone, 50*time.Millisecond, 5*time.Millisecond)

		require.NoError(s.CloseNow())
		require.ErrorIs(f.WaitTimeout(time.Second), net.ErrClosed)
	})

	t.Run("Close timeout bounds the final flush", func(t *testing.T) {
		s, adapter := newTestSession(t, StreamTransport, WithCloseTimeout(50*time.Millisecond))
		connect(t, s)
		adapter.setStall(true)

		f := s.SendAsync([]byte("stuck"), ReliableOrdered)
		start := time.Now()
		require.NoError(s.CloseAsync().WaitTimeout(time.Second))
		require.GreaterOrEqual(time.Since(start), 50*time.Millisecond)
		require.ErrorIs(f.WaitTimeout(time.Second), net.ErrClosed)
		require.True(adapter.Closed())
		require.Equal(DisconnectedState, s.State())
	})
}

func TestSession_StalledTransportOnSharedLoop(t *testing.T) {
	require := require.New(t)

	group := NewEventLoopGroup(1, nil)
	defer group.Close()

	stalled, stalledAdapter := newTestSession(t, StreamTransport, WithEventLoopGroup(group))
	healthy, healthyAdapter := newTestSession(t, StreamTransport, WithEventLoopGroup(group))
	require.Same(stalled.Executor(), healthy.Executor())
	stalledAdapter.setStall(true)

	connect(t, stalled)
	stuck := stalled.SendFlush([]byte("stuck"), ReliableOrdered)

	connect(t, healthy)
	require.NoError(healthy.SendFlush([]byte("ok"), ReliableOrdered).WaitTimeout(time.Second))
	require.Len(healthyAdapter.Written(), 1)
	require.False(stuck.IsDone())

	require.NoError(stalled.CloseNow())
	require.ErrorIs(stuck.WaitTimeout(time.Second), net.ErrClosed)
	require.NoError(stalled.DisconnectFuture().WaitTimeout(time.Second))
}

func TestSession_ReceiveBeforeConnectIsDropped(t *testing.T) {
	require := require.New(t)

	s, _ := newTestSession(t, StreamTransport)
	rec := newRecorder()
	require.NoError(s.Pipeline().AddLast("rec", rec))

	s.NotifyReceived([]byte("early"), 0)
	connect(t, s)
	s.NotifyReceived([]byte("ok"), 0)

	require.Equal([]byte("ok"), rec.next(t))
	require.Equal(uint64(1), s.Metrics().DroppedCount.Load())
	require.Equal(uint64(1), s.Metrics().MsgRecvCount.Load())
	require.Equal(uint64(2), s.Metrics().ByteRecvCount.Load())
}

func TestChannel_ReliabilityEnforcement(t *testing.T) {
	require := require.New(t)

	t.Run("Enforced reliable channel on a stream transport", func(t *testing.T) {
		s, _ := newTestSession(t, StreamTransport)
		ch := s.Channel(7)
		require.NoError(ch.SetReliability(Reliable, true))
		require.True(ch.Enforced())

		err := ch.SendWith([]byte("x"), Unreliable)
		require.ErrorIs(err, ErrReliabilityMismatch)

		f := ch.SendFuture([]byte("x"), Unreliable)
		require.ErrorIs(f.Err(), ErrReliabilityMismatch)

		// the session stays usable
		require.Equal(ConnectingState, s.State())
		require.NoError(s.Channel(8).SendWith([]byte("x"), Unreliable))
	})

	t.Run("Enforced channel matching the transport", func(t *testing.T) {
		s, _ := newTestSession(t, MultiStreamTransport)
		ch := s.Channel(1)
		require.NoError(ch.SetReliability(Reliable, true))

		require.NoError(ch.SendWith([]byte("x"), Unreliable))
		require.NoError(ch.Send([]byte("x")))
		require.ErrorIs(ch.SendWith([]byte("x"), ReliableSequenced), ErrReliabilityMismatch)

		resolved, err := ch.Resolve(Unreliable)
		require.NoError(err)
		require.Equal(Reliable, resolved)
	})

	t.Run("Invalid reliability", func(t *testing.T) {
		s, _ := newTestSession(t, DatagramTransport)
		require.Error(s.Channel(1).SetReliability(Reliability(42), false))
	})
}

func TestSession_Channels(t *testing.T) {
	require := require.New(t)

	alloc := NewChannelIDAllocator()
	s, _ := newTestSession(t, DatagramTransport,
		WithDefaultReliability(Unreliable),
		WithChannelIDAllocator(alloc),
		WithChannelArenaSize(4),
	)

	require.Same(s.Channel(0), s.Channel(0))
	require.Equal(Unreliable, s.Channel(0).Reliability())
	require.Equal(1, s.ChannelCount())

	dense := s.Channel(2)
	sparse := s.Channel(1 << 20)
	require.Same(dense, s.Channel(2))
	require.Same(sparse, s.Channel(1<<20))
	require.Equal(uint32(1<<20), sparse.ID())
	require.Same(s, sparse.Session())
	require.Equal(3, s.ChannelCount())

	opened, err := s.OpenChannel()
	require.NoError(err)
	require.Equal(uint32(1), opened.ID())

	require.ErrorIs(s.RemoveChannel(0), ErrReservedChannel)
	require.NoError(s.RemoveChannel(2))
	require.ErrorIs(s.RemoveChannel(2), ErrChannelNotFound)
	require.NoError(s.RemoveChannel(1 << 20))
	require.NotSame(dense, s.Channel(2))

	connect(t, s)
	require.NoError(s.CloseAsync().WaitTimeout(time.Second))
	require.NotSame(s.Channel(5), s.Channel(5))
	require.NotNil(s.Channel(0))
}

func TestChannelIDAllocator(t *testing.T) {
	require := require.New(t)

	alloc := NewChannelIDAllocator()
	id, err := alloc.Next()
	require.NoError(err)
	require.Equal(uint32(1), id)

	alloc.last.Store(1<<32 - 1)
	_, err = alloc.Next()
	require.ErrorIs(err, ErrChannelIDExhausted)
	_, err = alloc.Next()
	require.ErrorIs(err, ErrChannelIDExhausted)
}

func TestSession_Attributes(t *testing.T) {
	require := require.New(t)

	s, _ := newTestSession(t, StreamTransport)
	s.SetAttr("user", "alice")
	v, ok := s.Attr("user")
	require.True(ok)
	require.Equal("alice", v)

	s.DeleteAttr("user")
	_, ok = s.Attr("user")
	require.False(ok)
}

func TestSessionConfig(t *testing.T) {
	require := require.New(t)

	_, err := NewSessionConfig(WithChannelArenaSize(0))
	require.Error(err)
	_, err = NewSessionConfig(WithPendingSendLimit(1 << 20))
	require.Error(err)
	_, err = NewSessionConfig(WithDefaultReliability(Reliability(9)))
	require.Error(err)
	_, err = NewSessionConfig(WithCloseTimeout(0))
	require.Error(err)

	cfg, err := NewSessionConfig()
	require.NoError(err)
	require.Equal(ReliableOrdered, cfg.DefaultReliability())
	require.Equal(5*time.Second, cfg.CloseTimeout())

	require.NoError(cfg.Update(WithDefaultReliability(Reliable)))
	require.Equal(Reliable, cfg.DefaultReliability())

	err = cfg.Update(WithChannelArenaSize(8))
	require.ErrorContains(err, "cannot be changed at runtime")

	var nilCfg *SessionConfig
	require.ErrorIs(nilCfg.Update(), ErrSessionConfigNil)

	_, err = NewSession(nil, cfg)
	require.ErrorIs(err, ErrAdapterNil)
	_, err = NewSession(&fakeAdapter{}, nil)
	require.ErrorIs(err, ErrSessionConfigNil)

	failing, err := NewSessionConfig(WithPipelineInitializer(func(*Pipeline) error {
		return errors.New("init failed")
	}))
	require.NoError(err)
	_, err = NewSession(&fakeAdapter{}, failing)
	require.ErrorContains(err, "init failed")
}

func TestSession_SharedEventLoopGroup(t *testing.T) {
	require := require.New(t)

	group := NewEventLoopGroup(2, nil)
	defer group.Close()

	s1, _ := newTestSession(t, StreamTransport, WithEventLoopGroup(group))
	s2, _ := newTestSession(t, StreamTransport, WithEventLoopGroup(group))
	require.NotSame(s1.Executor(), s2.Executor())

	connect(t, s1)
	require.NoError(s1.CloseAsync().WaitTimeout(time.Second))

	// shared loops outlive the sessions
	loop, ok := s1.Executor().(*EventLoop)
	require.True(ok)
	require.False(loop.IsClosed())
}

func TestRegistry(t *testing.T) {
	require := require.New(t)

	reg := NewRegistry()
	s1, _ := newTestSession(t, StreamTransport)
	s2, _ := newTestSession(t, StreamTransport)
	connect(t, s1)
	connect(t, s2)

	reg.Add(s1)
	reg.Add(s2)
	require.Equal(2, reg.Len())

	got, ok := reg.Get(s1.ID())
	require.True(ok)
	require.Same(s1, got)

	require.NoError(s1.CloseAsync().WaitTimeout(time.Second))
	require.Eventually(func() bool { return reg.Len() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(reg.CloseAll(ctx))
	require.Eventually(func() bool { return reg.Len() == 0 }, time.Second, time.Millisecond)
	require.Equal(DisconnectedState, s2.State())

	count := 0
	reg.Range(func(*Session) bool {
		count++
		return true
	})
	require.Zero(count)
	reg.Remove(s2.ID())
}
