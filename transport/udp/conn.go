package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-netsession/framer"
	"github.com/arloliu/go-netsession/internal/pool"
	"github.com/arloliu/go-netsession/internal/util"
	"github.com/arloliu/go-netsession/logger"
	"github.com/arloliu/go-netsession/session"
)

var (
	// ErrPeerUnresponsive indicates that a reliable datagram was not acknowledged after the
	// maximum number of retransmissions.
	ErrPeerUnresponsive = errors.New("udp: peer unresponsive")

	// ErrIdleTimeout indicates that nothing was received from the peer within the idle timeout.
	ErrIdleTimeout = errors.New("udp: idle timeout")
)

// laneKey identifies an independent sequence number space: one per channel and reliability.
type laneKey struct {
	channelID uint32
	rel       session.Reliability
}

type pendingKey struct {
	laneKey
	seq uint32
}

// pendingPacket is a reliable datagram waiting for its ack.
// sentAt and retries are only accessed by the retransmit task once stored.
type pendingPacket struct {
	data    []byte
	sentAt  time.Time
	retries int
}

// conn is the TransportAdapter of a UDP session and its selective reliability layer.
//
// Write runs on the session executor, handleDatagram on the goroutine reading the socket and the
// retransmission on its own ticker goroutine. Sequence counters belong to the executor, receive
// windows to the reader and the pending table is shared.
type conn struct {
	cfg     *Config
	logger  logger.Logger
	taskMgr *session.TaskManager
	session *session.Session
	metrics *Metrics

	send       func(b []byte) error
	closeFn    func() error
	localAddr  net.Addr
	remoteAddr net.Addr

	maxPayload     int
	rto            time.Duration
	maxRetransmits int
	windowSize     uint32
	idleTimeout    time.Duration

	nextSeq map[laneKey]uint32
	pending *xsync.MapOf[pendingKey, *pendingPacket]

	windows map[laneKey]*recvWindow
	filters map[laneKey]*sequencedFilter

	lastRecv   atomic.Int64
	closed     atomic.Bool
	peerClosed atomic.Bool
}

var _ session.TransportAdapter = (*conn)(nil)

func newConn(cfg *Config, send func([]byte) error, closeFn func() error, localAddr net.Addr, remoteAddr net.Addr) (*conn, error) {
	sessCfg, err := cfg.sessionConfig()
	if err != nil {
		return nil, err
	}

	cfg.mu.RLock()
	c := &conn{
		cfg:            cfg,
		logger:         cfg.logger,
		metrics:        &Metrics{},
		send:           send,
		closeFn:        closeFn,
		localAddr:      localAddr,
		remoteAddr:     remoteAddr,
		maxPayload:     cfg.maxDatagramSize - HeaderSize,
		rto:            cfg.retransmitInterval,
		maxRetransmits: cfg.maxRetransmits,
		windowSize:     cfg.receiveWindow,
		idleTimeout:    cfg.idleTimeout,
		nextSeq:        make(map[laneKey]uint32),
		pending:        xsync.NewMapOf[pendingKey, *pendingPacket](),
		windows:        make(map[laneKey]*recvWindow),
		filters:        make(map[laneKey]*sequencedFilter),
	}
	cfg.mu.RUnlock()

	c.taskMgr = session.NewTaskManager(context.Background(), c.logger)

	if c.session, err = session.NewSession(c, sessCfg); err != nil {
		return nil, err
	}
	c.session.SetAttr(metricsAttr, c.metrics)

	return c, nil
}

// start reports the session connected and starts the retransmit task.
func (c *conn) start() error {
	c.lastRecv.Store(time.Now().UnixNano())
	c.session.NotifyConnected()

	if _, err := c.taskMgr.StartInterval("udpRetransmit", c.retransmitTask, c.rto, false); err != nil {
		c.session.NotifyDisconnected(err)
		return err
	}

	return nil
}

func (c *conn) Kind() session.TransportKind { return session.DatagramTransport }

func (c *conn) LocalAddr() net.Addr { return c.localAddr }

func (c *conn) RemoteAddr() net.Addr { return c.remoteAddr }

// Write sends p as one datagram. Reliable datagrams are kept until acknowledged.
func (c *conn) Write(p []byte, channelID uint32, rel session.Reliability) error {
	if len(p) > c.maxPayload {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d", framer.ErrPayloadTooLarge, len(p), c.maxPayload)
	}
	if c.closed.Load() {
		return net.ErrClosed
	}

	h := header{kind: DataPacket, rel: rel, channelID: channelID}
	if rel != session.Unreliable {
		lane := laneKey{channelID: channelID, rel: rel}
		h.seq = c.nextSeq[lane]
		c.nextSeq[lane]++
	}

	if !rel.IsReliable() {
		bufp := pool.GetDatagramBuffer()
		defer pool.PutDatagramBuffer(bufp)

		return c.sendDatagram(appendPacket((*bufp)[:0], h, p))
	}

	key := pendingKey{laneKey: laneKey{channelID: channelID, rel: rel}, seq: h.seq}
	pp := &pendingPacket{
		data:   appendPacket(make([]byte, 0, HeaderSize+len(p)), h, p),
		sentAt: time.Now(),
	}
	c.pending.Store(key, pp)
	c.metrics.UnackedGauge.Add(1)

	if err := c.sendDatagram(pp.data); err != nil {
		if _, ok := c.pending.LoadAndDelete(key); ok {
			c.metrics.UnackedGauge.Add(-1)
		}
		return err
	}

	return nil
}

// Flush reports success right away: every Write hands its datagram to the socket, which never
// waits for the peer.
func (c *conn) Flush(done func(error)) { done(nil) }

// Close sends a best-effort CLOSE datagram and releases the socket. Unacknowledged datagrams are dropped.
func (c *conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.taskMgr.Stop()

	if !c.peerClosed.Load() {
		var buf [HeaderSize]byte
		_ = c.sendDatagram(header{kind: ClosePacket}.append(buf[:0]))
	}

	c.pending.Clear()
	c.metrics.UnackedGauge.Store(0)

	c.logger.Debug("close UDP session", "remote", c.remoteAddr, "session", c.session.ID())

	return c.closeFn()
}

func (c *conn) sendDatagram(b []byte) error {
	if err := c.send(b); err != nil {
		return err
	}
	c.metrics.DatagramSendCount.Add(1)

	return nil
}

// handleDatagram processes one received datagram. It must be called by a single goroutine.
func (c *conn) handleDatagram(b []byte) {
	c.metrics.DatagramRecvCount.Add(1)
	c.lastRecv.Store(time.Now().UnixNano())

	h, payload, err := parsePacket(b)
	if err != nil {
		c.metrics.MalformedCount.Add(1)
		return
	}

	switch h.kind {
	case AckPacket:
		if _, ok := c.pending.LoadAndDelete(pendingKey{laneKey: laneKey{channelID: h.channelID, rel: h.rel}, seq: h.seq}); ok {
			c.metrics.AckRecvCount.Add(1)
			c.metrics.UnackedGauge.Add(-1)
		}

	case ClosePacket:
		c.logger.Debug("peer closed UDP session", "remote", c.remoteAddr, "session", c.session.ID())
		c.peerClosed.Store(true)
		c.session.NotifyDisconnected(nil)

	case DataPacket:
		c.handleData(h, payload)
	}
}

func (c *conn) handleData(h header, payload []byte) {
	lane := laneKey{channelID: h.channelID, rel: h.rel}

	switch h.rel {
	case session.Unreliable:
		c.deliver(payload, h.channelID)

	case session.UnreliableSequenced:
		if c.filter(lane).accept(h.seq) {
			c.deliver(payload, h.channelID)
		} else {
			c.metrics.StaleCount.Add(1)
		}

	case session.ReliableSequenced:
		c.sendAck(h)
		if c.filter(lane).accept(h.seq) {
			c.deliver(payload, h.channelID)
		} else {
			c.metrics.StaleCount.Add(1)
		}

	case session.Reliable:
		w := c.window(lane)
		if !c.track(w, h, nil, false) {
			return
		}
		w.advanceUnordered()
		c.deliver(payload, h.channelID)

	case session.ReliableOrdered:
		w := c.window(lane)
		if !c.track(w, h, util.CloneSlice(payload, 0), true) {
			return
		}
		for _, p := range w.popOrdered() {
			c.session.NotifyReceived(p, h.channelID)
		}
	}
}

// track records a reliable datagram in its window and acknowledges it. It returns false if the
// datagram must not be delivered.
func (c *conn) track(w *recvWindow, h header, payload []byte, keep bool) bool {
	switch w.receive(h.seq, payload, keep) {
	case outOfWindow:
		c.metrics.MalformedCount.Add(1)
		return false
	case duplicate:
		c.sendAck(h)
		c.metrics.DuplicateCount.Add(1)
		return false
	default:
		c.sendAck(h)
		return true
	}
}

func (c *conn) deliver(payload []byte, channelID uint32) {
	c.session.NotifyReceived(util.CloneSlice(payload, 0), channelID)
}

func (c *conn) sendAck(h header) {
	var buf [HeaderSize]byte
	ack := header{kind: AckPacket, rel: h.rel, channelID: h.channelID, seq: h.seq}
	if err := c.sendDatagram(ack.append(buf[:0])); err == nil {
		c.metrics.AckSendCount.Add(1)
	}
}

func (c *conn) window(lane laneKey) *recvWindow {
	w, ok := c.windows[lane]
	if !ok {
		w = newRecvWindow(c.windowSize)
		c.windows[lane] = w
	}

	return w
}

func (c *conn) filter(lane laneKey) *sequencedFilter {
	f, ok := c.filters[lane]
	if !ok {
		f = &sequencedFilter{}
		c.filters[lane] = f
	}

	return f
}

// retransmitTask sends again the datagrams not acknowledged within the retransmit interval and
// enforces the idle timeout.
func (c *conn) retransmitTask() bool {
	now := time.Now()

	exhausted := false
	c.pending.Range(func(_ pendingKey, pp *pendingPacket) bool {
		if now.Sub(pp.sentAt) < c.rto {
			return true
		}
		if pp.retries >= c.maxRetransmits {
			exhausted = true
			return false
		}

		pp.retries++
		pp.sentAt = now
		if err := c.sendDatagram(pp.data); err == nil {
			c.metrics.RetransmitCount.Add(1)
		}

		return true
	})

	if exhausted {
		c.logger.Warn("reliable datagram not acknowledged, closing session", "remote", c.remoteAddr, "retransmits", c.maxRetransmits)
		c.session.NotifyDisconnected(ErrPeerUnresponsive)

		return false
	}

	if c.idleTimeout > 0 && now.Sub(time.Unix(0, c.lastRecv.Load())) > c.idleTimeout {
		c.logger.Debug("UDP session idle, closing", "remote", c.remoteAddr, "timeout", c.idleTimeout)
		c.session.NotifyDisconnected(ErrIdleTimeout)

		return false
	}

	return true
}
