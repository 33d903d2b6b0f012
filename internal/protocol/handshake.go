package protocol

import (
	"fmt"
	"io"
)

// HeaderSize is the length of the handshake header on the wire
const HeaderSize = 3

// SessionID addresses a registered Main on the broker
type SessionID = uint8

// Role identifies which side of a pairing a connection plays
type Role uint8

const (
	// RoleSub is a caller asking to be paired with a registered Main
	RoleSub Role = 0
	// RoleMain is a backend registering itself under its connection id
	RoleMain Role = 1
)

// String returns the string representation
func (r Role) String() string {
	switch r {
	case RoleSub:
		return "sub"
	case RoleMain:
		return "main"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(r))
	}
}

// IsValid checks if the role is one of the defined values
func (r Role) IsValid() bool {
	return r == RoleSub || r == RoleMain
}

// ParseRole converts a wire byte into a Role
func ParseRole(b byte) (Role, error) {
	r := Role(b)
	if !r.IsValid() {
		return 0, &ProtocolError{Field: "role", Value: b}
	}
	return r, nil
}

// Header is the handshake sent immediately after a connection is opened
type Header struct {
	ConnectionID uint8
	Role         Role
	// Target is only meaningful for RoleSub
	Target SessionID
}

// SessionID returns the session the header refers to: the sender's own id
// for a Main, the requested target for a Sub
func (h Header) SessionID() SessionID {
	if h.Role == RoleMain {
		return h.ConnectionID
	}
	return h.Target
}

// Encode returns the wire form of the header
func (h Header) Encode() [HeaderSize]byte {
	return [HeaderSize]byte{h.ConnectionID, byte(h.Role), h.Target}
}

// MarshalBinary implements encoding.BinaryMarshaler
func (h Header) MarshalBinary() ([]byte, error) {
	if !h.Role.IsValid() {
		return nil, &ProtocolError{Field: "role", Value: byte(h.Role)}
	}
	b := h.Encode()
	return b[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return ErrShortHeader
	}
	decoded, err := Decode([HeaderSize]byte{data[0], data[1], data[2]})
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

// Decode parses a wire header, rejecting unknown roles
func Decode(b [HeaderSize]byte) (Header, error) {
	role, err := ParseRole(b[1])
	if err != nil {
		return Header{}, err
	}
	return Header{ConnectionID: b[0], Role: role, Target: b[2]}, nil
}

// ReadHeader reads and decodes exactly one header from r
func ReadHeader(r io.Reader) (Header, error) {
	var b [HeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Header{}, fmt.Errorf("read handshake: %w", err)
	}
	return Decode(b)
}

// WriteHeader writes the header in a single write
func WriteHeader(w io.Writer, h Header) error {
	b, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return nil
}
