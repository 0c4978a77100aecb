package udp

// recvWindow tracks the reliable sequence numbers received on one lane, to drop duplicates and
// to release ordered messages.
//
// base is the oldest sequence number not received yet: everything before it was received.
// pending holds the numbers received beyond base, with their payload for ordered lanes.
type recvWindow struct {
	base    uint32
	size    uint32
	pending map[uint32][]byte
}

func newRecvWindow(size uint32) *recvWindow {
	return &recvWindow{size: size, pending: make(map[uint32][]byte)}
}

// windowResult is the outcome of receiving a sequence number.
type windowResult int

const (
	// accepted means the sequence number is new.
	accepted windowResult = iota
	// duplicate means the sequence number was received before.
	duplicate
	// outOfWindow means the sequence number is too far ahead to be tracked.
	outOfWindow
)

// receive records seq. For unordered lanes payload is not kept.
func (w *recvWindow) receive(seq uint32, payload []byte, keep bool) windowResult {
	if seqAfter(w.base, seq) {
		return duplicate
	}
	if seq-w.base >= w.size {
		return outOfWindow
	}
	if _, ok := w.pending[seq]; ok {
		return duplicate
	}

	if keep {
		w.pending[seq] = payload
	} else {
		w.pending[seq] = nil
	}

	return accepted
}

// advanceUnordered moves base over the contiguous received numbers.
func (w *recvWindow) advanceUnordered() {
	for {
		if _, ok := w.pending[w.base]; !ok {
			return
		}
		delete(w.pending, w.base)
		w.base++
	}
}

// popOrdered returns the payloads that became deliverable in order, advancing base.
func (w *recvWindow) popOrdered() [][]byte {
	var out [][]byte
	for {
		payload, ok := w.pending[w.base]
		if !ok {
			return out
		}
		delete(w.pending, w.base)
		w.base++
		out = append(out, payload)
	}
}

// buffered returns the number of tracked sequence numbers beyond base.
func (w *recvWindow) buffered() int {
	return len(w.pending)
}

// sequencedFilter keeps the newest sequence number seen on a sequenced lane.
type sequencedFilter struct {
	last uint32
	seen bool
}

// accept reports whether seq is newer than every number accepted before, and records it.
func (f *sequencedFilter) accept(seq uint32) bool {
	if f.seen && !seqAfter(seq, f.last) {
		return false
	}
	f.last = seq
	f.seen = true

	return true
}
