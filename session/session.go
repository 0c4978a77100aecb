// Package session implements the transport-agnostic session and channel layer.
//
// A Session represents one physical connection of any transport backend. It owns a Pipeline of
// named handlers processing inbound and outbound events, a table of logical Channels multiplexed
// over the connection, and a pair of futures tracking the connection lifecycle.
//
// Every pipeline dispatch of a session runs on the session's Executor, so handlers never run
// concurrently with each other and need no locking. Transport backends drive a session through
// NotifyConnected, NotifyReceived and NotifyDisconnected, and receive outbound bytes through the
// TransportAdapter interface.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-netsession/logger"
)

// TransportAdapter is the capability set a transport backend exposes to a session.
//
// Write and Flush are only called from the session executor and must not block on the network.
// Close may be called from any goroutine and must be idempotent.
type TransportAdapter interface {
	// Kind returns the structural class of the transport.
	Kind() TransportKind
	// Write hands p to the transport. The transport may queue or buffer it until Flush.
	// p must not be retained after Write returns.
	Write(p []byte, channelID uint32, rel Reliability) error
	// Flush pushes the writes handed over so far to the network and calls done with the
	// result once they were written. done may be called on any goroutine.
	Flush(done func(error))
	// Close closes the underlying connection.
	Close() error
	// LocalAddr returns the local network address, if known.
	LocalAddr() net.Addr
	// RemoteAddr returns the remote network address, if known.
	RemoteAddr() net.Addr
}

type pendingSend struct {
	msg       any
	channelID uint32
	rel       Reliability
	future    *Future
	flush     bool
}

// Session is the transport-unifying façade of one physical connection.
type Session struct {
	id           uuid.UUID
	cfg          *SessionConfig
	adapter      TransportAdapter
	executor     Executor
	ownsExecutor bool
	pipeline     *Pipeline
	stateMgr     *stateMgr
	logger       logger.Logger
	metrics      Metrics
	attrs        *xsync.MapOf[string, any]

	defaultChannel *Channel
	channels       *channelTable
	channelIDs     *ChannelIDAllocator
	defaultRel     Reliability

	connectFuture    *Future
	disconnectFuture *Future
	closeRequested   atomic.Bool
	cause            atomic.Pointer[error]

	// accessed only on the executor
	pendingSends     []pendingSend
	pendingSendLimit int
	unflushed        []*Future
	dirty            bool
	flushScheduled   bool
}

// NewSession creates a session in ConnectingState on top of adapter.
//
// The pipeline initializer configured in cfg runs before NewSession returns.
func NewSession(adapter TransportAdapter, cfg *SessionConfig) (*Session, error) {
	if adapter == nil {
		return nil, ErrAdapterNil
	}
	if cfg == nil {
		return nil, ErrSessionConfigNil
	}

	id := uuid.New()

	cfg.mu.RLock()
	defaultRel := cfg.defaultReliability
	channelIDs := cfg.channelIDs
	arenaSize := cfg.arenaSize
	pendingSendLimit := cfg.pendingSendLimit
	initializer := cfg.initializer
	stateHandlers := cfg.stateHandlers
	l := cfg.logger
	cfg.mu.RUnlock()

	executor, owned := cfg.nextExecutor("session-" + id.String()[:8])

	s := &Session{
		id:               id,
		cfg:              cfg,
		adapter:          adapter,
		executor:         executor,
		ownsExecutor:     owned,
		logger:           l.With("session_id", id.String(), "transport", adapter.Kind().String()),
		attrs:            xsync.NewMapOf[string, any](),
		channels:         newChannelTable(arenaSize),
		channelIDs:       channelIDs,
		defaultRel:       defaultRel,
		pendingSendLimit: pendingSendLimit,
	}
	s.stateMgr = newStateMgr(s, s.logger, stateHandlers...)
	s.pipeline = newPipeline(s, s.logger)
	s.connectFuture = NewFuture(executor)
	s.disconnectFuture = NewFuture(executor)
	s.defaultChannel = s.channels.getOrCreate(0, func() *Channel { return newChannel(s, 0, defaultRel) })

	if initializer != nil {
		if err := initializer(s.pipeline); err != nil {
			s.releaseExecutor()
			return nil, fmt.Errorf("initialize pipeline: %w", err)
		}
	}

	return s, nil
}

// ID returns the unique session id.
func (s *Session) ID() uuid.UUID { return s.id }

// Kind returns the transport kind of the session.
func (s *Session) Kind() TransportKind { return s.adapter.Kind() }

// LocalAddr returns the local network address.
func (s *Session) LocalAddr() net.Addr { return s.adapter.LocalAddr() }

// RemoteAddr returns the remote network address.
func (s *Session) RemoteAddr() net.Addr { return s.adapter.RemoteAddr() }

// Pipeline returns the session pipeline.
func (s *Session) Pipeline() *Pipeline { return s.pipeline }

// Executor returns the executor running the session tasks.
func (s *Session) Executor() Executor { return s.executor }

// Logger returns the session logger.
func (s *Session) Logger() logger.Logger { return s.logger }

// Metrics returns the session counters.
func (s *Session) Metrics() *Metrics { return &s.metrics }

// State returns the current session state.
func (s *Session) State() State { return s.stateMgr.State() }

// WaitState waits until the session reaches state or ctx is done.
func (s *Session) WaitState(ctx context.Context, state State) error {
	return s.stateMgr.WaitState(ctx, state)
}

// AddStateChangeHandler adds handlers invoked on every subsequent state change.
func (s *Session) AddStateChangeHandler(handlers ...StateChangeHandler) {
	s.stateMgr.addHandler(handlers...)
}

// ConnectFuture returns the future resolved when the session connected or failed to connect.
func (s *Session) ConnectFuture() *Future { return s.connectFuture }

// DisconnectFuture returns the future resolved once the session is disconnected.
func (s *Session) DisconnectFuture() *Future { return s.disconnectFuture }

// Cause returns the error reported by the transport when the session disconnected, or nil.
func (s *Session) Cause() error {
	if p := s.cause.Load(); p != nil {
		return *p
	}

	return nil
}

// Attr returns the session attribute stored under key.
func (s *Session) Attr(key string) (any, bool) {
	return s.attrs.Load(key)
}

// SetAttr stores a session attribute.
func (s *Session) SetAttr(key string, val any) {
	s.attrs.Store(key, val)
}

// DeleteAttr removes a session attribute.
func (s *Session) DeleteAttr(key string) {
	s.attrs.Delete(key)
}

// String returns a short description of the session.
func (s *Session) String() string {
	return fmt.Sprintf("session(%s, %s, %v)", s.id, s.Kind(), s.RemoteAddr())
}

// Channel returns the channel with the given id, creating it on first access.
func (s *Session) Channel(id uint32) *Channel {
	if id == 0 {
		return s.defaultChannel
	}

	return s.channels.getOrCreate(id, func() *Channel {
		return newChannel(s, id, s.cfg.DefaultReliability())
	})
}

// OpenChannel allocates a new channel id and returns its channel.
func (s *Session) OpenChannel() (*Channel, error) {
	id, err := s.channelIDs.Next()
	if err != nil {
		return nil, err
	}

	return s.Channel(id), nil
}

// RemoveChannel drops the channel with the given id from the channel table.
// It returns ErrReservedChannel for channel 0.
func (s *Session) RemoveChannel(id uint32) error {
	if id == 0 {
		return ErrReservedChannel
	}
	if !s.channels.remove(id) {
		return fmt.Errorf("%w: %d", ErrChannelNotFound, id)
	}

	return nil
}

// ChannelCount returns the number of cached channels, including channel 0.
func (s *Session) ChannelCount() int {
	return s.channels.len()
}

// Send sends msg on channel 0 with its fallback reliability.
func (s *Session) Send(msg any) error {
	return s.defaultChannel.Send(msg)
}

// SendWith sends msg on channel 0 with the requested reliability.
func (s *Session) SendWith(msg any, rel Reliability) error {
	return s.defaultChannel.SendWith(msg, rel)
}

// SendAsync sends msg on channel 0 and returns a future completed after the transport write.
func (s *Session) SendAsync(msg any, rel Reliability) *Future {
	return s.defaultChannel.SendFuture(msg, rel)
}

// SendFlush sends msg on channel 0 and flushes the transport. The future completes after the flush.
func (s *Session) SendFlush(msg any, rel Reliability) *Future {
	return s.defaultChannel.SendFlush(msg, rel)
}

// SendOn sends msg on the given channel with the requested reliability.
func (s *Session) SendOn(channelID uint32, msg any, rel Reliability) error {
	return s.Channel(channelID).SendWith(msg, rel)
}

// SendAsyncOn is the channel-scoped variant of SendAsync.
func (s *Session) SendAsyncOn(channelID uint32, msg any, rel Reliability) *Future {
	return s.Channel(channelID).SendFuture(msg, rel)
}

// SendFlushOn is the channel-scoped variant of SendFlush.
func (s *Session) SendFlushOn(channelID uint32, msg any, rel Reliability) *Future {
	return s.Channel(channelID).SendFlush(msg, rel)
}

// CloseNow asks the transport to disconnect right away and schedules the session shutdown.
// The disconnect future may still be pending when CloseNow returns.
func (s *Session) CloseNow() error {
	s.closeRequested.Store(true)

	err := s.adapter.Close()
	s.execute(func() { s.onDisconnected(nil) })

	return err
}

// CloseAsync schedules a graceful shutdown on the session executor. Sends scheduled before
// CloseAsync are still written and flushed, then the pipeline sees the closed event and the
// transport is closed. A session still connecting is aborted right away.
// The returned future is the disconnect future.
func (s *Session) CloseAsync() *Future {
	if s.State() == ConnectingState {
		s.closeRequested.Store(true)
	}
	s.execute(func() { s.onDisconnected(nil) })

	return s.disconnectFuture
}

// NotifyConnected reports that the transport connection is established.
func (s *Session) NotifyConnected() {
	s.execute(s.onConnected)
}

// NotifyReceived reports inbound bytes read from the transport on channelID.
// data must not be modified by the caller afterwards.
func (s *Session) NotifyReceived(data []byte, channelID uint32) {
	s.execute(func() { s.onReceived(data, channelID) })
}

// NotifyDisconnected reports that the transport connection is gone. cause is nil, io.EOF or
// net.ErrClosed for an orderly shutdown.
func (s *Session) NotifyDisconnected(cause error) {
	s.execute(func() { s.onDisconnected(cause) })
}

func (s *Session) execute(task Task) {
	if err := s.executor.Submit(task); err != nil {
		task()
	}
}

func (s *Session) submitSend(channelID uint32, msg any, rel Reliability, future *Future, flush bool) error {
	if s.closeRequested.Load() || s.State().IsClosing() {
		return ErrSessionClosed
	}

	ps := pendingSend{msg: msg, channelID: channelID, rel: rel, future: future, flush: flush}
	if err := s.executor.Submit(func() { s.doSend(ps) }); err != nil {
		return ErrSessionClosed
	}

	return nil
}

func (s *Session) doSend(ps pendingSend) {
	if s.closeRequested.Load() {
		cancelFuture(ps.future)
		return
	}

	switch s.State() {
	case ConnectingState:
		if len(s.pendingSends) >= s.pendingSendLimit {
			failFuture(ps.future, ErrSendQueueFull)
			return
		}
		s.pendingSends = append(s.pendingSends, ps)
		s.metrics.setPendingSendGauge(len(s.pendingSends))

	case ConnectedState:
		s.pipeline.FireSending(ps.msg, ps.channelID, ps.rel, ps.future)
		if ps.flush {
			s.flush(nil)
		}

	default:
		cancelFuture(ps.future)
	}
}

// writeToTransport is the head stage of the pipeline.
func (s *Session) writeToTransport(msg any, channelID uint32, rel Reliability, future *Future) {
	data, ok := msg.([]byte)
	if !ok {
		err := fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg)
		s.logger.Debug("outbound message reached transport unencoded", "channel", channelID, "error", err)
		failFuture(future, err)

		return
	}

	if !s.State().IsConnected() {
		failFuture(future, ErrSessionClosed)
		return
	}

	if err := s.adapter.Write(data, channelID, rel); err != nil {
		s.metrics.incSendErrCount()
		s.logger.Debug("transport write failed", "channel", channelID, "reliability", rel, "error", err)
		failFuture(future, err)

		return
	}
	s.metrics.incMsgSendCount(len(data))

	if future != nil {
		s.unflushed = append(s.unflushed, future)
	}
	s.dirty = true
	s.scheduleFlush()
}

func (s *Session) scheduleFlush() {
	if s.flushScheduled {
		return
	}
	s.flushScheduled = true

	if idle, ok := s.executor.(IdleScheduler); ok {
		idle.RunWhenIdle(s.flushIfDirty)
		return
	}
	s.execute(s.flushIfDirty)
}

func (s *Session) flushIfDirty() {
	s.flushScheduled = false
	if s.dirty {
		s.flush(nil)
	}
}

// flush asks the transport to flush. Once it did, the futures of the flushed writes are
// completed and then runs, both on the executor.
func (s *Session) flush(then func()) {
	futures := s.unflushed
	s.unflushed = nil
	s.dirty = false

	if state := s.State(); !state.IsConnected() && state != DisconnectingState {
		completeFutures(futures, ErrSessionClosed)
		if then != nil {
			then()
		}

		return
	}

	s.metrics.incFlushCount()
	s.adapter.Flush(func(err error) {
		if err != nil {
			s.metrics.incSendErrCount()
			s.logger.Debug("transport flush failed", "error", err)
		}

		s.execute(func() {
			completeFutures(futures, err)
			if then != nil {
				then()
			}
		})
	})
}

func (s *Session) onConnected() {
	if s.closeRequested.Load() {
		// the queued disconnect task fails the connect future
		return
	}
	if err := s.stateMgr.to(ConnectedState); err != nil {
		return
	}

	s.logger.Debug("session connected", "local", s.LocalAddr(), "remote", s.RemoteAddr())
	s.connectFuture.Succeed()
	s.pipeline.FireOpened()

	pending := s.pendingSends
	s.pendingSends = nil
	s.metrics.setPendingSendGauge(0)
	for _, ps := range pending {
		s.doSend(ps)
	}
}

func (s *Session) onReceived(data []byte, channelID uint32) {
	if !s.State().IsConnected() || s.closeRequested.Load() {
		s.metrics.incDroppedCount()
		return
	}

	s.metrics.incMsgRecvCount(len(data))
	s.pipeline.FireReceived(data, channelID)
}

func (s *Session) onDisconnected(cause error) {
	state := s.State()
	if state == DisconnectedState {
		return
	}

	s.closeRequested.Store(true)
	if cause != nil {
		s.cause.CompareAndSwap(nil, &cause)
	}

	if state == DisconnectingState {
		// the final flush is in progress; a dead transport won't complete it
		if cause != nil {
			_ = s.adapter.Close()
		}

		return
	}

	if state == ConnectingState {
		if cause == nil {
			cause = ErrSessionClosed
		}
		_ = s.adapter.Close()
		s.cancelPendingSends()
		_ = s.stateMgr.to(DisconnectedState)
		s.channels.close()

		s.logger.Debug("session failed to connect", "error", cause)
		s.connectFuture.Fail(cause)
		s.disconnectFuture.Fail(cause)
		s.releaseExecutor()

		return
	}

	_ = s.stateMgr.to(DisconnectingState)
	s.cancelPendingSends()

	// a peer that stopped reading must not hold the session forever
	closeTimer := time.AfterFunc(s.cfg.CloseTimeout(), func() {
		s.logger.Debug("final flush timed out, closing transport")
		_ = s.adapter.Close()
	})

	s.flush(func() {
		closeTimer.Stop()
		s.finishDisconnect()
	})
}

// finishDisconnect runs on the executor once the final flush completed.
func (s *Session) finishDisconnect() {
	s.pipeline.FireClosed()

	if err := s.adapter.Close(); err != nil {
		s.logger.Debug("close transport", "error", err)
	}
	_ = s.stateMgr.to(DisconnectedState)
	s.channels.close()

	cause := s.Cause()
	s.logger.Debug("session disconnected", "cause", cause)
	s.disconnectFuture.Complete(transportError(cause))
	s.releaseExecutor()
}

func (s *Session) cancelPendingSends() {
	for _, ps := range s.pendingSends {
		cancelFuture(ps.future)
	}
	s.pendingSends = nil
	s.metrics.setPendingSendGauge(0)
}

func (s *Session) releaseExecutor() {
	if !s.ownsExecutor {
		return
	}
	if el, ok := s.executor.(*EventLoop); ok {
		el.Close()
	}
}

// handleError routes a pipeline error to the error handler and closes the session if needed.
func (s *Session) handleError(err error) {
	s.metrics.incPipelineErrCount()

	handled := false
	if handler := s.cfg.getErrorHandler(); handler != nil {
		handled = handler(s, err)
	}

	if handled && !errors.Is(err, ErrProtocolViolation) {
		s.logger.Debug("pipeline error handled", "error", err)
		return
	}

	s.logger.Warn("pipeline error, closing session", "error", err, "remote", s.RemoteAddr())
	_ = s.CloseNow()
}

// transportError returns nil for causes that denote an orderly shutdown.
func transportError(cause error) error {
	if cause == nil ||
		errors.Is(cause, ErrSessionClosed) ||
		errors.Is(cause, io.EOF) ||
		errors.Is(cause, net.ErrClosed) {
		return nil
	}

	return cause
}

func completeFutures(futures []*Future, err error) {
	for _, f := range futures {
		f.Complete(err)
	}
}

func failFuture(f *Future, err error) {
	if f != nil {
		f.Fail(err)
	}
}

func cancelFuture(f *Future) {
	if f != nil {
		f.Cancel()
	}
}
