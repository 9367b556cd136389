package middleware

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/kenneth/credential-gateway/internal/audit"
	"github.com/kenneth/credential-gateway/internal/config"
)

func TestLoggingMiddleware(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := &config.LoggingConfig{
		AccessLogFormat: "default",
		RedactHeaders:   []string{"authorization"},
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("test"))
	})

	req := httptest.NewRequest("POST", "/v1/keys", nil)
	w := httptest.NewRecorder()
	LoggingMiddleware(logger, cfg)(handler).ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("expected status %d, got %d", http.StatusCreated, w.Code)
	}
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}

	rw.WriteHeader(http.StatusNotFound)
	if rw.statusCode != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rw.statusCode)
	}

	n, err := rw.Write([]byte("test"))
	if err != nil {
		t.Errorf("Write returned error: %v", err)
	}
	if n != 4 || rw.bytesWritten != 4 {
		t.Errorf("expected 4 bytes written, got n=%d bytesWritten=%d", n, rw.bytesWritten)
	}
}

func TestLoggingFormats(t *testing.T) {
	tests := []struct {
		name     string
		format   string
		contains []string
		excludes []string
	}{
		{
			name:     "default format",
			format:   "default",
			contains: []string{`"method":"GET"`, `"status":200`, `"correlation_id":"req-12345678"`, "duration_ms"},
			excludes: []string{"abc-code"},
		},
		{
			name:     "json format",
			format:   "json",
			contains: []string{`"json":`, "[REDACTED]", "req-12345678"},
			excludes: []string{"Bearer cgw_secret", "handle-value", "abc-code"},
		},
		{
			name:     "clf format",
			format:   "clf",
			contains: []string{`"clf":`, "203.0.113.9 - -", "GET /v1/oauth/github/callback?code=REDACTED"},
			excludes: []string{"abc-code"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			logger := logrus.New()
			logger.SetOutput(&out)
			logger.SetFormatter(&logrus.JSONFormatter{})

			cfg := &config.LoggingConfig{
				AccessLogFormat: tt.format,
				RedactHeaders:   []string{"authorization", "x-session-handle"},
			}
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("ok"))
			})

			req := httptest.NewRequest("GET", "/v1/oauth/github/callback?code=abc-code&state=xyz", nil)
			req.RemoteAddr = "203.0.113.9:41000"
			req.Header.Set("User-Agent", "test-agent")
			req.Header.Set("Authorization", "Bearer cgw_secret")
			req.Header.Set("X-Session-Handle", "handle-value")
			req = req.WithContext(audit.WithCorrelationID(req.Context(), "req-12345678"))

			LoggingMiddleware(logger, cfg)(handler).ServeHTTP(httptest.NewRecorder(), req)

			logged := out.String()
			for _, s := range tt.contains {
				assert.Contains(t, logged, s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, logged, s)
			}
		})
	}
}

func TestShouldRedactHeader(t *testing.T) {
	tests := []struct {
		headerName    string
		redactHeaders []string
		expected      bool
	}{
		{"authorization", []string{"authorization", "x-session-handle"}, true},
		{"x-session-handle", []string{"authorization", "x-session-handle"}, true},
		{"content-type", []string{"authorization", "x-session-handle"}, false},
		{"AUTHORIZATION", []string{"authorization"}, true},
		{"user-agent", []string{}, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%v", tt.headerName, tt.redactHeaders), func(t *testing.T) {
			result := shouldRedactHeader(tt.headerName, tt.redactHeaders)
			if result != tt.expected {
				t.Errorf("shouldRedactHeader(%q, %v) = %v, expected %v", tt.headerName, tt.redactHeaders, result, tt.expected)
			}
		})
	}
}

func TestRedactQuery(t *testing.T) {
	assert.Equal(t, "", redactQuery(""))
	assert.Equal(t, "code=REDACTED&state=REDACTED", redactQuery("state=s1&code=c1"))
	assert.Equal(t, "limit=10", redactQuery("limit=10"))
	assert.Equal(t, "[UNPARSEABLE]", redactQuery("a=%zz"))
}

func TestCreateLogEntry(t *testing.T) {
	cfg := &config.LoggingConfig{
		AccessLogFormat: "json",
		RedactHeaders:   []string{"authorization"},
	}

	req := httptest.NewRequest("PUT", "/v1/secrets/github", strings.NewReader(`{"secret":"x"}`))
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("Content-Type", "application/json")
	ctx := context.WithValue(req.Context(), clientIPKey{}, "198.51.100.7")
	req = req.WithContext(ctx)

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusNoContent}
	entry := createLogEntry(req, rw, 0, cfg)

	assert.Equal(t, "PUT", entry.Method)
	assert.Equal(t, "198.51.100.7", entry.ClientIP)
	assert.Equal(t, int64(14), entry.RequestBytes)
	assert.Equal(t, http.StatusNoContent, entry.Status)
	assert.Equal(t, "[REDACTED]", entry.Headers["authorization"])
	assert.Equal(t, "application/json", entry.Headers["content-type"])
}
