package cmd

import (
	"fmt"
	"time"

	"github.com/b1tg/kvass/internal/config"
	"github.com/b1tg/kvass/internal/relay"
)

// listen binds the broker's rendezvous listener for the configured transport
func listen(c *config.Config, addr string) (relay.Listener, error) {
	switch c.Transport {
	case config.TransportTCP:
		return relay.ListenTCP(addr)
	case config.TransportWS:
		return relay.ListenWS(&relay.WSListenerOptions{
			Address: addr,
			Path:    c.WSPath,
			Logger:  logger,
		})
	case config.TransportQUIC:
		return relay.ListenQUIC(&relay.QUICListenerOptions{
			Address: addr,
			Logger:  logger,
		})
	default:
		return nil, fmt.Errorf("unsupported transport %q", c.Transport)
	}
}

// brokerDialer reaches the broker at addr over the configured transport,
// through proxy when one is set
func brokerDialer(c *config.Config, addr, proxy string, timeout time.Duration) relay.Dialer {
	switch c.Transport {
	case config.TransportWS:
		return &relay.WSDialer{Address: addr, Path: c.WSPath, Timeout: timeout, Proxy: proxy}
	case config.TransportQUIC:
		return &relay.QUICDialer{Address: addr, Timeout: timeout}
	default:
		return &relay.TCPDialer{Address: addr, Timeout: timeout, Proxy: proxy}
	}
}
