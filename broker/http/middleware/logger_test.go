package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/b1tg/kvass/internal/logging"
)

func TestLogger_LogsResponse(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.NewWithOutput(logging.InfoLevel, buf)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("test response"))
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	Logger(logger)(handler).ServeHTTP(w, req)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 log line at info level, got %d: %q", len(lines), buf.String())
	}
	for _, want := range []string{"Response sent", "method=GET", "path=/test", "status=200", "duration="} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("Expected %q in log line, got: %s", want, lines[0])
		}
	}
}

func TestLogger_DebugLogsRequest(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.NewWithOutput(logging.DebugLevel, buf)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	Logger(logger)(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/x", nil))

	output := buf.String()
	if !strings.Contains(output, "Request received") || !strings.Contains(output, "remote_addr=") {
		t.Errorf("Expected request line with remote_addr, got: %s", output)
	}
}

func TestLogger_LogsWithTelemetryIDs(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.NewWithOutput(logging.InfoLevel, buf)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), RequestIDKey, "test-request-id")
	ctx = context.WithValue(ctx, ClientRequestIDKey, "test-client-id")
	req = req.WithContext(ctx)

	Logger(logger)(handler).ServeHTTP(httptest.NewRecorder(), req)

	output := buf.String()
	if !strings.Contains(output, "request_id=test-request-id") {
		t.Errorf("Expected 'request_id=test-request-id' in output, got: %s", output)
	}
	if !strings.Contains(output, "client_request_id=test-client-id") {
		t.Errorf("Expected 'client_request_id=test-client-id' in output, got: %s", output)
	}
}

func TestLogger_LogsDifferentStatusCodes(t *testing.T) {
	testCases := []struct {
		name       string
		statusCode int
		want       string
	}{
		{"OK", http.StatusOK, "status=200"},
		{"NoContent", http.StatusNoContent, "status=204"},
		{"NotFound", http.StatusNotFound, "status=404"},
		{"InternalServerError", http.StatusInternalServerError, "status=500"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := logging.NewWithOutput(logging.InfoLevel, buf)

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
			})
			Logger(logger)(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))

			if !strings.Contains(buf.String(), tc.want) {
				t.Errorf("Expected %q in output, got: %s", tc.want, buf.String())
			}
		})
	}
}

func TestLogger_StoresLoggerInContext(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.NewWithOutput(logging.InfoLevel, buf)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logging.FromContext(r.Context()).Info("from handler")
	})

	req := httptest.NewRequest(http.MethodGet, "/ctx", nil)
	req = req.WithContext(context.WithValue(req.Context(), RequestIDKey, "rid-1"))
	Logger(logger)(handler).ServeHTTP(httptest.NewRecorder(), req)

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, "from handler") && !strings.Contains(line, "request_id=rid-1") {
			t.Errorf("Expected handler log to carry request fields, got: %s", line)
		}
	}
	if !strings.Contains(buf.String(), "from handler") {
		t.Error("Expected handler to log through the context logger")
	}
}

func TestLogger_NilLogger(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logging.FromContext(r.Context()).Info("discarded")
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	Logger(nil)(handler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("Expected status code %d, got %d", http.StatusTeapot, w.Code)
	}
}

func TestResponseWriter_WriteWithoutWriteHeader(t *testing.T) {
	rw := wrapResponseWriter(httptest.NewRecorder())

	if _, err := rw.Write([]byte("test")); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if rw.statusCode != http.StatusOK {
		t.Errorf("Expected status code 200, got %d", rw.statusCode)
	}
	if !rw.written {
		t.Error("Expected written flag to be true")
	}
}

func TestResponseWriter_MultipleWriteHeader(t *testing.T) {
	rw := wrapResponseWriter(httptest.NewRecorder())

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusInternalServerError)

	if rw.statusCode != http.StatusCreated {
		t.Errorf("Expected status code 201, got %d", rw.statusCode)
	}
	if wrapResponseWriter(rw) != rw {
		t.Error("Expected an already wrapped writer to be reused")
	}
}
