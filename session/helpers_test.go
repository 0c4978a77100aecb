package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-netsession/logger"
)

type fakeWrite struct {
	data      []byte
	channelID uint32
	rel       Reliability
}

// fakeAdapter buffers writes until Flush, like a buffered stream transport.
// A stalled adapter completes no flush until it is closed, like a peer that stopped reading.
type fakeAdapter struct {
	kind     TransportKind
	mu       sync.Mutex
	buffered []fakeWrite
	written  []fakeWrite
	flushes  int
	closes   int
	writeErr error
	stall    bool
	stalled  []func(error)
}

var _ TransportAdapter = (*fakeAdapter)(nil)

func (a *fakeAdapter) Kind() TransportKind { return a.kind }

func (a *fakeAdapter) Write(p []byte, channelID uint32, rel Reliability) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writeErr != nil {
		return a.writeErr
	}
	if a.closes > 0 {
		return net.ErrClosed
	}
	a.buffered = append(a.buffered, fakeWrite{data: append([]byte(nil), p...), channelID: channelID, rel: rel})

	return nil
}

func (a *fakeAdapter) Flush(done func(error)) {
	a.mu.Lock()
	if a.stall && a.closes == 0 {
		a.stalled = append(a.stalled, done)
		a.mu.Unlock()

		return
	}
	a.mu.Unlock()

	done(a.flush())
}

func (a *fakeAdapter) flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closes > 0 && len(a.buffered) > 0 {
		return net.ErrClosed
	}
	a.written = append(a.written, a.buffered...)
	a.buffered = nil
	a.flushes++

	return nil
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	a.closes++
	stalled := a.stalled
	a.stalled = nil
	a.mu.Unlock()

	for _, done := range stalled {
		done(net.ErrClosed)
	}

	return nil
}

func (a *fakeAdapter) setStall(stall bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stall = stall
}

func (a *fakeAdapter) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1000}
}

func (a *fakeAdapter) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2000}
}

func (a *fakeAdapter) Written() []fakeWrite {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]fakeWrite(nil), a.written...)
}

func (a *fakeAdapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.closes > 0
}

// recorder records the events reaching it and does not forward received messages.
type recorder struct {
	HandlerBase
	mu       sync.Mutex
	events   []string
	received chan any
}

func newRecorder() *recorder {
	return &recorder{received: make(chan any, 64)}
}

func (r *recorder) record(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.events...)
}

func (r *recorder) HandleOpened(ctx *HandlerContext) error {
	r.record("opened")
	ctx.FireOpened()

	return nil
}

func (r *recorder) HandleReceived(_ *HandlerContext, msg any, _ uint32) error {
	r.record("received")
	r.received <- msg

	return nil
}

func (r *recorder) HandleClosed(ctx *HandlerContext) error {
	r.record("closed")
	ctx.FireClosed()

	return nil
}

func (r *recorder) next(t *testing.T) any {
	t.Helper()

	select {
	case msg := <-r.received:
		return msg
	case <-time.After(time.Second):
		require.FailNow(t, "no message received")
		return nil
	}
}

func newTestSession(t *testing.T, kind TransportKind, opts ...SessionOption) (*Session, *fakeAdapter) {
	t.Helper()

	opts = append([]SessionOption{WithLogger(logger.NewPermissiveMockLogger())}, opts...)
	cfg, err := NewSessionConfig(opts...)
	require.NoError(t, err)

	adapter := &fakeAdapter{kind: kind}
	s, err := NewSession(adapter, cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.CloseNow() })

	return s, adapter
}

func connect(t *testing.T, s *Session) {
	t.Helper()

	s.NotifyConnected()
	require.NoError(t, s.ConnectFuture().WaitTimeout(time.Second))
}
