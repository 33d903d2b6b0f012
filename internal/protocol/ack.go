package protocol

import (
	"fmt"
	"io"
)

const (
	ackReject byte = 0
	ackAccept byte = 1
)

// Action is the single byte a paired Sub sends on its control connection
type Action uint8

// ActionOpenData announces that the Sub is opening a data connection which
// the broker must splice to the matched Main
const ActionOpenData Action = 0x12

// WriteAck writes 1 for accept and 0 for reject
func WriteAck(w io.Writer, ok bool) error {
	b := ackReject
	if ok {
		b = ackAccept
	}
	if _, err := w.Write([]byte{b}); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}
	return nil
}

// ReadAck blocks for one byte. Zero means reject; every other value is
// treated as accept even though only 1 is ever written.
func ReadAck(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, fmt.Errorf("read ack: %w", err)
	}
	return b[0] != ackReject, nil
}

// WriteAction writes a single action byte
func WriteAction(w io.Writer, a Action) error {
	if _, err := w.Write([]byte{byte(a)}); err != nil {
		return fmt.Errorf("write action: %w", err)
	}
	return nil
}

// ReadAction reads one action byte and rejects codes this version does not define
func ReadAction(r io.Reader) (Action, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("read action: %w", err)
	}
	if Action(b[0]) != ActionOpenData {
		return 0, &ProtocolError{Field: "action", Value: b[0]}
	}
	return ActionOpenData, nil
}
