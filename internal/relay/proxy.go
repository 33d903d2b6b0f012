package relay

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// dialContextFunc opens a raw stream connection
type dialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// netDialer returns a direct dialer, or one tunnelling through the
// socks5:// proxy at proxyURL when it is set
func netDialer(proxyURL string, timeout time.Duration) (dialContextFunc, error) {
	direct := &net.Dialer{Timeout: timeout}
	if proxyURL == "" {
		return direct.DialContext, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", u.Redacted(), err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy %s does not support contexts", u.Redacted())
	}
	return cd.DialContext, nil
}
