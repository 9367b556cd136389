package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/credential-gateway/internal/audit"
	"github.com/kenneth/credential-gateway/internal/config"
)

// sensitiveQueryParams never reach the access log. The OAuth callback
// carries the authorization code and state in its query.
var sensitiveQueryParams = map[string]bool{
	"code":          true,
	"state":         true,
	"access_token":  true,
	"refresh_token": true,
	"token":         true,
	"session":       true,
}

// LoggingMiddleware wraps handlers with request logging.
func LoggingMiddleware(logger *logrus.Logger, cfg *config.LoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			logEntry := createLogEntry(r, rw, time.Since(start), cfg)

			switch cfg.AccessLogFormat {
			case "json":
				logJSON(logger, logEntry)
			case "clf":
				logCLF(logger, logEntry)
			default:
				logDefault(logger, logEntry)
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp     string            `json:"timestamp"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	Query         string            `json:"query,omitempty"`
	ClientIP      string            `json:"client_ip"`
	UserAgent     string            `json:"user_agent,omitempty"`
	Status        int               `json:"status"`
	DurationMs    int64             `json:"duration_ms"`
	RequestBytes  int64             `json:"request_bytes"`
	Bytes         int64             `json:"bytes"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// createLogEntry creates a log entry with header and query redaction.
func createLogEntry(r *http.Request, rw *responseWriter, duration time.Duration, cfg *config.LoggingConfig) *LogEntry {
	entry := &LogEntry{
		Timestamp:     time.Now().Format(time.RFC3339),
		CorrelationID: audit.CorrelationID(r.Context()),
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         redactQuery(r.URL.RawQuery),
		ClientIP:      ClientIP(r),
		UserAgent:     r.UserAgent(),
		Status:        rw.statusCode,
		DurationMs:    duration.Milliseconds(),
		Bytes:         rw.bytesWritten,
	}
	if r.ContentLength > 0 {
		entry.RequestBytes = r.ContentLength
	}

	// Add redacted headers for structured formats
	if cfg.AccessLogFormat == "json" {
		entry.Headers = make(map[string]string)
		for name, values := range r.Header {
			lowerName := strings.ToLower(name)
			if shouldRedactHeader(lowerName, cfg.RedactHeaders) {
				entry.Headers[lowerName] = "[REDACTED]"
			} else {
				entry.Headers[lowerName] = strings.Join(values, ",")
			}
		}
	}

	return entry
}

// shouldRedactHeader checks if a header should be redacted.
func shouldRedactHeader(headerName string, redactHeaders []string) bool {
	for _, redact := range redactHeaders {
		if strings.EqualFold(redact, headerName) {
			return true
		}
	}
	return false
}

// redactQuery masks the values of sensitive query parameters.
func redactQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "[UNPARSEABLE]"
	}
	for name := range values {
		if sensitiveQueryParams[strings.ToLower(name)] {
			values[name] = []string{"REDACTED"}
		}
	}
	return values.Encode()
}

// logDefault logs in the default structured format.
func logDefault(logger *logrus.Logger, entry *LogEntry) {
	fields := logrus.Fields{
		"method":        entry.Method,
		"path":          entry.Path,
		"client_ip":     entry.ClientIP,
		"status":        entry.Status,
		"duration_ms":   entry.DurationMs,
		"bytes":         entry.Bytes,
		"request_bytes": entry.RequestBytes,
	}
	if entry.CorrelationID != "" {
		fields["correlation_id"] = entry.CorrelationID
	}
	if entry.Query != "" {
		fields["query"] = entry.Query
	}
	if entry.UserAgent != "" {
		fields["user_agent"] = entry.UserAgent
	}

	logger.WithFields(fields).Info("HTTP request")
}

// logJSON logs in JSON format.
func logJSON(logger *logrus.Logger, entry *LogEntry) {
	if jsonData, err := json.Marshal(entry); err == nil {
		logger.WithField("json", string(jsonData)).Info("HTTP request")
	} else {
		logDefault(logger, entry)
	}
}

// logCLF logs in Common Log Format.
func logCLF(logger *logrus.Logger, entry *LogEntry) {
	// %h %l %u %t "%r" %>s %b
	target := entry.Path
	if entry.Query != "" {
		target += "?" + entry.Query
	}
	clf := fmt.Sprintf(`%s - - [%s] "%s %s HTTP/1.1" %d %d`,
		entry.ClientIP,
		entry.Timestamp,
		entry.Method,
		target,
		entry.Status,
		entry.Bytes,
	)

	logger.WithField("clf", clf).Info("HTTP request")
}
