package session

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// ChannelIDAllocator hands out channel ids. It is safe for concurrent use and may be shared by
// many sessions.
type ChannelIDAllocator struct {
	last atomic.Uint32
}

var defaultChannelIDs = NewChannelIDAllocator()

// NewChannelIDAllocator creates an allocator whose first id is 1.
func NewChannelIDAllocator() *ChannelIDAllocator {
	return &ChannelIDAllocator{}
}

// Next returns an unused channel id. It returns ErrChannelIDExhausted once every id was handed out.
func (a *ChannelIDAllocator) Next() (uint32, error) {
	id := a.last.Add(1)
	if id == 0 {
		a.last.Store(math.MaxUint32)
		return 0, ErrChannelIDExhausted
	}

	return id, nil
}

// Channel is a logical sub-stream of a session.
//
// A channel carries a fallback reliability used by Send and an enforced flag. When the flag is
// set, every send must resolve to exactly the channel's reliability on the session transport.
// Channels do not buffer; ordering and back-pressure are the session's concern.
type Channel struct {
	id      uint32
	session *Session
	policy  atomic.Uint32 // reliability | enforced<<8
}

const enforcedBit = 1 << 8

func newChannel(s *Session, id uint32, rel Reliability) *Channel {
	c := &Channel{id: id, session: s}
	c.policy.Store(uint32(rel))

	return c
}

// ID returns the channel id.
func (c *Channel) ID() uint32 { return c.id }

// Session returns the owning session.
func (c *Channel) Session() *Session { return c.session }

// Reliability returns the channel's fallback reliability.
func (c *Channel) Reliability() Reliability {
	return Reliability(c.policy.Load() & 0xff) //nolint:gosec
}

// Enforced returns true if sends must resolve to the channel's reliability.
func (c *Channel) Enforced() bool {
	return c.policy.Load()&enforcedBit != 0
}

// SetReliability sets the fallback reliability and the enforced flag.
func (c *Channel) SetReliability(rel Reliability, enforced bool) error {
	if !rel.IsValid() {
		return fmt.Errorf("invalid reliability: %d", rel)
	}

	policy := uint32(rel)
	if enforced {
		policy |= enforcedBit
	}
	c.policy.Store(policy)

	return nil
}

// Resolve returns the reliability rel maps to on the session transport, or ErrReliabilityMismatch
// if the channel is enforced and the result differs from the channel's reliability.
func (c *Channel) Resolve(rel Reliability) (Reliability, error) {
	kind := c.session.Kind()
	resolved := rel.Resolve(kind)

	policy := c.policy.Load()
	fixed := Reliability(policy & 0xff) //nolint:gosec
	if policy&enforcedBit != 0 && resolved != fixed {
		return resolved, fmt.Errorf("%w: channel %d requires %s, %s resolves to %s on %s transport",
			ErrReliabilityMismatch, c.id, fixed, rel, resolved, kind)
	}

	return resolved, nil
}

// Send sends msg with the channel's fallback reliability.
func (c *Channel) Send(msg any) error {
	return c.SendWith(msg, c.Reliability())
}

// SendWith sends msg with the requested reliability. It returns once the send is scheduled.
func (c *Channel) SendWith(msg any, rel Reliability) error {
	resolved, err := c.Resolve(rel)
	if err != nil {
		return err
	}

	return c.session.submitSend(c.id, msg, resolved, nil, false)
}

// SendFuture sends msg with the requested reliability. The returned future completes when the
// transport write completed.
func (c *Channel) SendFuture(msg any, rel Reliability) *Future {
	return c.sendFuture(msg, rel, false)
}

// SendFlush is like SendFuture but also flushes the transport right after the write.
func (c *Channel) SendFlush(msg any, rel Reliability) *Future {
	return c.sendFuture(msg, rel, true)
}

func (c *Channel) sendFuture(msg any, rel Reliability, flush bool) *Future {
	future := NewFuture(c.session.executor)

	resolved, err := c.Resolve(rel)
	if err != nil {
		future.Fail(err)
		return future
	}

	if err := c.session.submitSend(c.id, msg, resolved, future, flush); err != nil {
		future.Fail(err)
	}

	return future
}

// channelTable stores channels in a dense slice indexed by id. Ids beyond the arena size are
// stored in a map. Removing a channel clears its slot.
type channelTable struct {
	mu     sync.Mutex
	dense  []*Channel
	sparse map[uint32]*Channel
	limit  int
	closed bool
}

func newChannelTable(limit int) *channelTable {
	return &channelTable{limit: limit}
}

func (t *channelTable) getOrCreate(id uint32, create func() *Channel) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return create()
	}

	if int64(id) < int64(t.limit) {
		idx := int(id)
		if idx >= len(t.dense) {
			t.dense = append(t.dense, make([]*Channel, idx+1-len(t.dense))...)
		}
		if t.dense[idx] == nil {
			t.dense[idx] = create()
		}

		return t.dense[idx]
	}

	if t.sparse == nil {
		t.sparse = make(map[uint32]*Channel)
	}
	c, ok := t.sparse[id]
	if !ok {
		c = create()
		t.sparse[id] = c
	}

	return c
}

func (t *channelTable) remove(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int64(id) < int64(t.limit) {
		idx := int(id)
		if idx >= len(t.dense) || t.dense[idx] == nil {
			return false
		}
		t.dense[idx] = nil

		return true
	}

	if _, ok := t.sparse[id]; !ok {
		return false
	}
	delete(t.sparse, id)

	return true
}

func (t *channelTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.sparse)
	for _, c := range t.dense {
		if c != nil {
			n++
		}
	}

	return n
}

// close clears the table. Channels looked up afterwards are not cached.
func (t *channelTable) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.dense = nil
	t.sparse = nil
}
