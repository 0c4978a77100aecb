package udp

import (
	"encoding/binary"
	"errors"

	"github.com/arloliu/go-netsession/session"
)

// HeaderSize is the size of the datagram header.
const HeaderSize = 10

// PacketKind is the type of a datagram.
type PacketKind uint8

const (
	// DataPacket carries one application message.
	DataPacket PacketKind = iota + 1
	// AckPacket acknowledges a reliable DataPacket.
	AckPacket
	// ClosePacket announces that the sender closed the session.
	ClosePacket
)

func (k PacketKind) String() string {
	switch k {
	case DataPacket:
		return "DATA"
	case AckPacket:
		return "ACK"
	case ClosePacket:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrMalformedPacket indicates a datagram too short or with an unknown kind or reliability.
	ErrMalformedPacket = errors.New("udp: malformed packet")
)

// header is the decoded datagram header: kind, reliability, channel id and sequence number,
// big-endian.
type header struct {
	kind      PacketKind
	rel       session.Reliability
	channelID uint32
	seq       uint32
}

func (h header) append(dst []byte) []byte {
	dst = append(dst, byte(h.kind), byte(h.rel))
	dst = binary.BigEndian.AppendUint32(dst, h.channelID)

	return binary.BigEndian.AppendUint32(dst, h.seq)
}

// appendPacket appends the datagram of h followed by payload to dst.
func appendPacket(dst []byte, h header, payload []byte) []byte {
	return append(h.append(dst), payload...)
}

// parsePacket decodes a datagram. The returned payload aliases b.
func parsePacket(b []byte) (header, []byte, error) {
	if len(b) < HeaderSize {
		return header{}, nil, ErrMalformedPacket
	}

	h := header{
		kind:      PacketKind(b[0]),
		rel:       session.Reliability(b[1]),
		channelID: binary.BigEndian.Uint32(b[2:6]),
		seq:       binary.BigEndian.Uint32(b[6:10]),
	}
	if h.kind < DataPacket || h.kind > ClosePacket || !h.rel.IsValid() {
		return header{}, nil, ErrMalformedPacket
	}

	return h, b[HeaderSize:], nil
}

// seqAfter reports whether a is newer than b in serial number arithmetic.
func seqAfter(a uint32, b uint32) bool {
	return int32(a-b) > 0 //nolint:gosec
}
