package framer

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the size of the frame header: a 4-byte payload length followed by a 4-byte channel id.
const HeaderSize = 8

// AppendHeader appends the big-endian frame header for a payload of the given length.
func AppendHeader(dst []byte, length uint32, channelID uint32) []byte {
	dst = binary.BigEndian.AppendUint32(dst, length)
	return binary.BigEndian.AppendUint32(dst, channelID)
}

// ParseHeader decodes a frame header. b must hold at least HeaderSize bytes.
func ParseHeader(b []byte) (length uint32, channelID uint32) {
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint32(b[4:8])
}

// EncodeFrame appends the complete frame of payload on channelID to dst.
func EncodeFrame(dst []byte, channelID uint32, payload []byte) []byte {
	dst = AppendHeader(dst, uint32(len(payload)), channelID) //nolint:gosec
	return append(dst, payload...)
}

// ReadFrame reads one frame from r.
//
// header must be a HeaderSize-byte scratch buffer reused across calls to avoid per-frame
// allocations. Frames with a payload longer than maxSize fail with *FrameTooLargeError
// before any payload byte is read.
func ReadFrame(r io.Reader, header []byte, maxSize uint32) (payload []byte, channelID uint32, err error) {
	if len(header) < HeaderSize {
		return nil, 0, fmt.Errorf("frame header buffer too short: %d", len(header))
	}

	if _, err = io.ReadFull(r, header[:HeaderSize]); err != nil {
		return nil, 0, fmt.Errorf("read frame header: %w", err)
	}

	length, channelID := ParseHeader(header)
	if length > maxSize {
		return nil, channelID, &FrameTooLargeError{Length: length, Max: maxSize, ChannelID: channelID}
	}

	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return nil, channelID, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, channelID, nil
}
