package config

// Transport selects how agents reach the broker
type Transport string

const (
	// TransportTCP carries the protocol on raw TCP connections
	TransportTCP Transport = "tcp"

	// TransportWS carries the protocol in binary WebSocket frames
	TransportWS Transport = "ws"

	// TransportQUIC carries the protocol on one QUIC stream per connection
	TransportQUIC Transport = "quic"
)

// IsValid checks if the transport is valid
func (t Transport) IsValid() bool {
	switch t {
	case TransportTCP, TransportWS, TransportQUIC:
		return true
	}
	return false
}

// String returns the string representation
func (t Transport) String() string {
	return string(t)
}
