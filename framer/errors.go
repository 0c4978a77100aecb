package framer

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-netsession/session"
)

var (
	// ErrFrameTooLarge indicates an inbound frame whose length exceeds the configured maximum.
	// It is a protocol violation: the session is closed.
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", session.ErrProtocolViolation)

	// ErrPayloadTooLarge indicates an outbound payload that can't be framed within the
	// configured maximum. Only the send fails.
	ErrPayloadTooLarge = errors.New("framer: outbound payload too large")

	// ErrConfigNil indicates that a nil Config was provided.
	ErrConfigNil = errors.New("framer: config is nil")
)

// FrameTooLargeError describes an inbound frame rejected because of its length.
type FrameTooLargeError struct {
	Length    uint32
	Max       uint32
	ChannelID uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame on channel %d too large: length %d exceeds maximum %d", e.ChannelID, e.Length, e.Max)
}

// Is reports whether target is ErrFrameTooLarge or the protocol violation it wraps.
func (e *FrameTooLargeError) Is(target error) bool {
	return target == ErrFrameTooLarge || target == session.ErrProtocolViolation //nolint:errorlint
}

func (e *FrameTooLargeError) Unwrap() error {
	return ErrFrameTooLarge
}
