package httpclient

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Policy represents a middleware that can modify requests and responses
type Policy interface {
	// Do executes the policy and calls the next policy in the chain
	Do(req *http.Request, next func(*http.Request) (*http.Response, error)) (*http.Response, error)
}

// PolicyFunc is a function adapter for Policy interface
type PolicyFunc func(req *http.Request, next func(*http.Request) (*http.Response, error)) (*http.Response, error)

// Do implements Policy interface
func (f PolicyFunc) Do(req *http.Request, next func(*http.Request) (*http.Response, error)) (*http.Response, error) {
	return f(req, next)
}

// NewErrorPolicy prefixes transport errors with the request URL
func NewErrorPolicy() Policy {
	return PolicyFunc(func(req *http.Request, next func(*http.Request) (*http.Response, error)) (*http.Response, error) {
		resp, err := next(req)
		if err != nil {
			return resp, fmt.Errorf("request to %s failed: %w", req.URL.String(), err)
		}
		return resp, nil
	})
}

// NewRequestIDPolicy stamps every request with a fresh uuid under headerName,
// which the broker's telemetry middleware echoes back
func NewRequestIDPolicy(headerName string) Policy {
	if headerName == "" {
		headerName = "X-Client-Request-Id"
	}
	return PolicyFunc(func(req *http.Request, next func(*http.Request) (*http.Response, error)) (*http.Response, error) {
		req.Header.Set(headerName, uuid.New().String())
		return next(req)
	})
}

// NewUserAgentPolicy sets the User-Agent header
func NewUserAgentPolicy(userAgent string) Policy {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return PolicyFunc(func(req *http.Request, next func(*http.Request) (*http.Response, error)) (*http.Response, error) {
		req.Header.Set("User-Agent", userAgent)
		return next(req)
	})
}
