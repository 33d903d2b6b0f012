package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/b1tg/kvass/internal/httpclient"
	"github.com/b1tg/kvass/internal/logging"
)

// ErrSessionNotFound is returned when the broker has no such session registered
var ErrSessionNotFound = errors.New("session not found")

// Client talks to the broker's admin HTTP API
type Client struct {
	baseURL    string
	httpClient *httpclient.Client
}

// Options contains configuration for the API client
type Options struct {
	// BaseURL is the admin server, either host:port or a full http URL
	BaseURL string

	// Timeout is the HTTP request timeout
	Timeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// Logger is used for debug logging (optional)
	Logger *logging.Logger
}

// DefaultOptions returns default options for the API client
func DefaultOptions() *Options {
	return &Options{
		BaseURL:    "http://127.0.0.1:9090",
		Timeout:    10 * time.Second,
		MaxRetries: 2,
	}
}

// NewClient creates a new admin API client
func NewClient(opts *Options) *Client {
	if opts == nil {
		opts = DefaultOptions()
	}

	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	return &Client{
		baseURL: baseURL,
		httpClient: httpclient.NewClient(&httpclient.Options{
			Timeout:    opts.Timeout,
			MaxRetries: opts.MaxRetries,
			RetryDelay: 200 * time.Millisecond,
			Logger:     opts.Logger,
		}),
	}
}

// Sessions lists the Mains waiting in the broker's registry
func (c *Client) Sessions(ctx context.Context) (*SessionsResponse, error) {
	resp, err := c.httpClient.Get(ctx, c.baseURL+"/api/sessions")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var sessions SessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &sessions, nil
}

// Session returns one registered session
func (c *Client) Session(ctx context.Context, id uint8) (*SessionInfo, error) {
	resp, err := c.httpClient.Get(ctx, c.sessionURL(id))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("0x%02x: %w", id, ErrSessionNotFound)
	default:
		return nil, statusError(resp)
	}

	var info SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &info, nil
}

// Evict removes a session from the registry and closes its Main connection
func (c *Client) Evict(ctx context.Context, id uint8) error {
	resp, err := c.httpClient.Delete(ctx, c.sessionURL(id))
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("0x%02x: %w", id, ErrSessionNotFound)
	default:
		return statusError(resp)
	}
}

func (c *Client) sessionURL(id uint8) string {
	return fmt.Sprintf("%s/api/sessions/0x%02x", c.baseURL, id)
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
