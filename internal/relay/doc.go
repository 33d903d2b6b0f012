// Package relay provides the byte-stream transports the broker and its agents
// talk over, and the Splice primitive that joins two live connections.
//
// # Core Interfaces
//
// Connection is a bidirectional stream with deadline support. Listener
// accepts connections and Dialer opens them. The rendezvous protocol is the
// same on every transport.
//
// # Transports
//
//   - TCP (ListenTCP, TCPDialer): the default, raw sockets.
//   - WebSocket (ListenWS, WSDialer): binary frames over an HTTP upgrade, for
//     brokers that are only reachable through HTTP infrastructure.
//   - Memory (NewMemoryListener): synchronous in-process pipes for tests.
//     A MemoryListener is also its own Dialer.
//
// # Splice
//
// Splice copies in both directions until one side closes or fails, then
// closes both ends and reports per-direction byte counts:
//
//	res, err := relay.Splice(dataConn, mainConn, &relay.SpliceOptions{})
//	if err != nil {
//	    logger.Warn("splice failed", logging.Error(err))
//	}
//	logger.Info("splice finished", logging.Bytes("sent", res.AToB))
package relay
