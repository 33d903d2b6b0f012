// Package httpclient is the HTTP client used to talk to the broker's admin API.
// Requests pass through a chain of policies before reaching the transport.
package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/b1tg/kvass/internal/logging"
)

var defaultUserAgent = fmt.Sprintf("kvass/1.0 (Go/%s; %s/%s)", runtime.Version(), runtime.GOOS, runtime.GOARCH)

// Client executes requests through its policy chain
type Client struct {
	httpClient *http.Client
	policies   []Policy
}

// Options contains configuration options for the HTTP client
type Options struct {
	// Timeout bounds each attempt, not the whole retry sequence
	Timeout time.Duration

	// MaxRetries is the number of extra attempts after the first (0 disables retries)
	MaxRetries int

	// RetryDelay is the initial backoff, doubled after every attempt
	RetryDelay time.Duration

	// Logger receives debug entries for every request (optional)
	Logger *logging.Logger

	// UserAgent overrides the default User-Agent header
	UserAgent string

	// Transport allows customizing the underlying HTTP transport
	Transport http.RoundTripper
}

// DefaultOptions returns default options for the HTTP client
func DefaultOptions() *Options {
	return &Options{
		Timeout:    10 * time.Second,
		MaxRetries: 2,
		RetryDelay: 200 * time.Millisecond,
		UserAgent:  defaultUserAgent,
	}
}

// NewClient creates a new HTTP client with the given options
func NewClient(opts *Options) *Client {
	if opts == nil {
		opts = DefaultOptions()
	}

	httpClient := &http.Client{Timeout: opts.Timeout}
	if opts.Transport != nil {
		httpClient.Transport = opts.Transport
	}

	// Outermost first. Logging sits last so it sees the final headers.
	policies := []Policy{NewErrorPolicy()}
	if opts.MaxRetries > 0 {
		policies = append(policies, NewRetryPolicy(&RetryOptions{
			MaxRetries: opts.MaxRetries,
			RetryDelay: opts.RetryDelay,
			Logger:     opts.Logger,
		}))
	}
	policies = append(policies,
		NewRequestIDPolicy(""),
		NewUserAgentPolicy(opts.UserAgent),
	)
	if opts.Logger != nil {
		policies = append(policies, NewLoggingPolicy(opts.Logger))
	}

	return &Client{
		httpClient: httpClient,
		policies:   policies,
	}
}

// Do executes an HTTP request through the policy chain
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	next := func(r *http.Request) (*http.Response, error) {
		return c.httpClient.Do(r)
	}

	for i := len(c.policies) - 1; i >= 0; i-- {
		policy := c.policies[i]
		currentNext := next
		next = func(r *http.Request) (*http.Response, error) {
			return policy.Do(r, currentNext)
		}
	}

	return next(req)
}

// Get is a convenience method for GET requests
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Delete is a convenience method for DELETE requests
func (c *Client) Delete(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}
