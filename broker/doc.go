// Package broker implements the publicly reachable rendezvous relay.
//
// Mains register a session id and park their connection in the registry.
// A Sub asking for that id takes the Main's connection out of the registry,
// announces a data connection with action 0x12, and the broker splices that
// next connection onto the Main. Each pairing consumes the registration; the
// Main must register again to serve another caller.
//
// Every accepted connection is handled on its own goroutine. The registry and
// the queue of pending data connections are the only shared state.
package broker
