package httpclient

import (
	"net/http"
	"time"

	"github.com/b1tg/kvass/internal/logging"
)

// LoggingPolicy logs requests and responses at debug level
type LoggingPolicy struct {
	logger *logging.Logger
}

// NewLoggingPolicy creates a new LoggingPolicy
func NewLoggingPolicy(logger *logging.Logger) *LoggingPolicy {
	return &LoggingPolicy{logger: logger}
}

// Do implements Policy interface
func (p *LoggingPolicy) Do(
	req *http.Request,
	next func(*http.Request) (*http.Response, error),
) (*http.Response, error) {
	log := p.logger.With(
		logging.String("method", req.Method),
		logging.String("url", req.URL.String()),
		logging.String("request_id", req.Header.Get("X-Client-Request-Id")))

	log.Debug("HTTP Request")

	start := time.Now()
	resp, err := next(req)
	if err != nil {
		log.Debug("HTTP Request failed", logging.Error(err), logging.Duration("duration", time.Since(start)))
		return resp, err
	}

	log.Debug("HTTP Response",
		logging.Int("status", resp.StatusCode),
		logging.Duration("duration", time.Since(start)))
	return resp, nil
}
