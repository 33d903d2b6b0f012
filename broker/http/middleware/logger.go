package middleware

import (
	"net/http"
	"time"

	"github.com/b1tg/kvass/internal/logging"
)

// responseWriter is a wrapper around http.ResponseWriter that captures the status code
type responseWriter struct {
	http.ResponseWriter

	statusCode int
	written    bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Logger logs each admin request once it has been answered. The request
// scoped logger, carrying the request ids, is stored in the context for
// handlers.
func Logger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			fields := []logging.Field{
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
			}
			if id := GetRequestID(r.Context()); id != "" {
				fields = append(fields, logging.String("request_id", id))
			}
			if id := GetClientRequestID(r.Context()); id != "" {
				fields = append(fields, logging.String("client_request_id", id))
			}

			reqLogger := logger.With(fields...)
			if reqLogger == nil {
				reqLogger = logging.Nop()
			}
			r = r.WithContext(logging.WithContext(r.Context(), reqLogger))

			reqLogger.Debug("Request received", logging.String("remote_addr", r.RemoteAddr))

			rw := wrapResponseWriter(w)
			next.ServeHTTP(rw, r)

			reqLogger.Info("Response sent",
				logging.Int("status", rw.statusCode),
				logging.Duration("duration", time.Since(start)))
		})
	}
}
