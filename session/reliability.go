package session

import "strings"

// Reliability is a delivery guarantee class requested by the application.
type Reliability uint8

const (
	// Unreliable messages may be lost, duplicated or reordered.
	Unreliable Reliability = iota
	// UnreliableSequenced messages may be lost, but stale messages are dropped on arrival.
	UnreliableSequenced
	// Reliable messages are delivered exactly once in no particular order.
	Reliable
	// ReliableOrdered messages are delivered exactly once in send order.
	ReliableOrdered
	// ReliableSequenced messages are delivered reliably, the receiver only keeps the newest one.
	ReliableSequenced
)

var reliabilityNames = [...]string{
	Unreliable:          "unreliable",
	UnreliableSequenced: "unreliable-sequenced",
	Reliable:            "reliable",
	ReliableOrdered:     "reliable-ordered",
	ReliableSequenced:   "reliable-sequenced",
}

// String returns string representation of the reliability level.
func (r Reliability) String() string {
	if r.IsValid() {
		return reliabilityNames[r]
	}

	return "unknown"
}

// IsValid returns true if r is one of the defined reliability levels.
func (r Reliability) IsValid() bool {
	return r <= ReliableSequenced
}

// IsReliable returns true if the level guarantees delivery.
func (r Reliability) IsReliable() bool {
	return r == Reliable || r == ReliableOrdered || r == ReliableSequenced
}

// IsOrdered returns true if the level guarantees send order.
func (r Reliability) IsOrdered() bool {
	return r == ReliableOrdered
}

// IsSequenced returns true if the level drops messages older than the newest one received.
func (r Reliability) IsSequenced() bool {
	return r == UnreliableSequenced || r == ReliableSequenced
}

// Resolve maps r to the nearest level supported by the transport kind.
//
// Resolve is total and idempotent: unknown levels resolve to ReliableOrdered and unknown
// transport kinds behave like StreamTransport.
func (r Reliability) Resolve(kind TransportKind) Reliability {
	if !r.IsValid() {
		return ReliableOrdered
	}

	switch kind {
	case DatagramTransport:
		return r
	case MultiStreamTransport:
		switch r {
		case Unreliable, Reliable:
			return Reliable
		default:
			return ReliableOrdered
		}
	default:
		return ReliableOrdered
	}
}

// IsSupported returns true if the transport kind honors r natively.
func (r Reliability) IsSupported(kind TransportKind) bool {
	return r.IsValid() && r.Resolve(kind) == r
}

// ParseReliability converts a level name, as returned by String, into a Reliability.
// Underscores and case are ignored, so "RELIABLE_ORDERED" is accepted too.
func ParseReliability(name string) (Reliability, bool) {
	name = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
	for i, n := range reliabilityNames {
		if n == name {
			return Reliability(i), true
		}
	}

	return ReliableOrdered, false
}

// TransportKind identifies the structural class of a transport backend.
type TransportKind uint8

const (
	// StreamTransport is a reliable ordered byte stream, e.g. TCP.
	StreamTransport TransportKind = iota
	// MultiStreamTransport multiplexes independent reliable streams, e.g. QUIC.
	MultiStreamTransport
	// DatagramTransport sends discrete datagrams with selective reliability, e.g. UDP.
	DatagramTransport
)

// String returns string representation of the transport kind.
func (k TransportKind) String() string {
	switch k {
	case StreamTransport:
		return "stream"
	case MultiStreamTransport:
		return "multi-stream"
	case DatagramTransport:
		return "datagram"
	default:
		return "unknown"
	}
}

// Supported returns the reliability levels the transport kind honors natively.
func (k TransportKind) Supported() []Reliability {
	levels := make([]Reliability, 0, len(reliabilityNames))
	for i := range reliabilityNames {
		if r := Reliability(i); r.IsSupported(k) {
			levels = append(levels, r)
		}
	}

	return levels
}
