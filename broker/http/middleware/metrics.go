package middleware

import (
	"net/http"

	"github.com/b1tg/kvass/internal/metrics"
)

// Metrics counts admin requests by route and status code. route maps a
// request to a bounded label; nil falls back to the raw path.
func Metrics(m *metrics.Metrics, route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			label := r.URL.Path
			if route != nil {
				label = route(r)
			}

			rw := wrapResponseWriter(w)
			next.ServeHTTP(rw, r)

			m.RecordHTTPRequest(label, rw.statusCode)
		})
	}
}
