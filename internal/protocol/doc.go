// Package protocol implements the rendezvous wire format spoken between the
// broker and its agents.
//
// Every raw connection opens with a fixed 3-byte handshake header:
//
//	[connection_id, role, target]
//
// role is 0 for a Sub (caller) and 1 for a Main (backend). target names the
// session a Sub wants to pair with and is ignored for a Main, whose own
// connection_id becomes its session id.
//
// The broker answers every handshake with a single ack byte. A paired Sub then
// sends one action byte; ActionOpenData (0x12) is the only action defined and
// announces that the Sub is about to open a second, unframed data connection.
package protocol
