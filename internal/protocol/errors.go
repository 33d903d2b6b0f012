package protocol

import (
	"errors"
	"fmt"
)

// ErrShortHeader is returned when fewer than HeaderSize bytes are supplied
var ErrShortHeader = errors.New("short handshake header")

// ProtocolError reports a malformed or unexpected protocol byte
type ProtocolError struct {
	// Field names the offending part of the message (role, action)
	Field string
	// Value is the byte that was received
	Value byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: unexpected %s 0x%02x", e.Field, e.Value)
}

// IsProtocolError reports whether err is or wraps a *ProtocolError
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
