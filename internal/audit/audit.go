package audit

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/credential-gateway/internal/metrics"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeSecurity is a security-relevant occurrence such as a failed
	// authentication or a tamper detection.
	EventTypeSecurity EventType = "security_event"
	// EventTypeRateLimit is a throttled or blocked request.
	EventTypeRateLimit EventType = "rate_limit_violation"
	// EventTypeCredential is a credential lifecycle operation.
	EventTypeCredential EventType = "credential_operation"
)

// Severity grades an event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Security event kinds.
const (
	KindAuthenticationFailure = "authentication_failure"
	KindAuthorizationDenied   = "authorization_denied"
	KindDecryptionFailure     = "decryption_failure"
	KindCsrfValidationFailure = "csrf_validation_failure"
	KindClientBlocked         = "client_blocked"
	KindOversizedRequest      = "oversized_request"
	KindKeyRotation           = "key_rotation"
	KindSessionRefreshFailure = "session_refresh_failure"
)

const redacted = "[REDACTED]"

// Event represents a single audit log event. It never carries raw owner ids,
// tokens or secrets.
type Event struct {
	Timestamp        time.Time              `json:"timestamp"`
	EventType        EventType              `json:"event_type"`
	Kind             string                 `json:"kind,omitempty"`
	Severity         Severity               `json:"severity"`
	CorrelationID    string                 `json:"correlation_id"`
	OwnerFingerprint string                 `json:"owner_fingerprint,omitempty"`
	ClientID         string                 `json:"client_id,omitempty"`
	Operation        string                 `json:"operation,omitempty"`
	Platform         string                 `json:"platform,omitempty"`
	Success          bool                   `json:"success"`
	Details          map[string]interface{} `json:"details,omitempty"`
}

// Summary aggregates recent events.
type Summary struct {
	Since      time.Time        `json:"since"`
	Total      int              `json:"total"`
	ByType     map[string]int   `json:"by_type"`
	BySeverity map[Severity]int `json:"by_severity"`
	ByKind     map[string]int   `json:"by_kind"`
}

// Logger is the interface for audit logging. Emitting never fails the
// caller; writer errors are counted and dropped.
type Logger interface {
	// Log records a prepared event.
	Log(event *Event)

	// LogSecurityEvent records a security event.
	LogSecurityEvent(kind string, severity Severity, correlationID, ownerFingerprint string, details map[string]interface{})

	// LogRateLimitViolation records a throttled or blocked request.
	LogRateLimitViolation(correlationID, clientID, class, verdict string, retryAfter time.Duration, violations int)

	// LogCredentialOperation records a credential lifecycle operation.
	LogCredentialOperation(operation, platform, correlationID, ownerFingerprint string, success bool)

	// Events returns a copy of the buffered events.
	Events() []*Event

	// Summary aggregates buffered events newer than since.
	Summary(since time.Time) Summary
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// Option configures the audit logger.
type Option func(*auditLogger)

// WithClock sets the clock used for event timestamps.
func WithClock(clk clock.Clock) Option {
	return func(l *auditLogger) { l.clock = clk }
}

// auditLogger keeps a bounded buffer of recent events and forwards each
// event to a writer.
type auditLogger struct {
	mu            sync.Mutex
	events        []*Event
	maxEvents     int
	writer        EventWriter
	clock         clock.Clock
	writeFailures atomic.Int64
}

// NewLogger creates a new audit logger. A nil writer discards events after
// buffering them.
func NewLogger(maxEvents int, writer EventWriter, opts ...Option) Logger {
	if maxEvents < 0 {
		maxEvents = 0
	}
	l := &auditLogger{
		events:    make([]*Event, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
		clock:     clock.WallClock,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Discard returns a logger that keeps and writes nothing.
func Discard() Logger {
	return NewLogger(0, nil)
}

// Log records an event.
func (l *auditLogger) Log(event *Event) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.clock.Now()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = uuid.NewString()
	}
	event.Details = redactDetails(event.Details)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		if err := l.writer.WriteEvent(event); err != nil {
			l.writeFailures.Add(1)
		}
	}

	if l.maxEvents == 0 {
		return
	}
	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

func (l *auditLogger) LogSecurityEvent(kind string, severity Severity, correlationID, ownerFingerprint string, details map[string]interface{}) {
	l.Log(&Event{
		EventType:        EventTypeSecurity,
		Kind:             kind,
		Severity:         severity,
		CorrelationID:    correlationID,
		OwnerFingerprint: ownerFingerprint,
		Details:          details,
	})
}

func (l *auditLogger) LogRateLimitViolation(correlationID, clientID, class, verdict string, retryAfter time.Duration, violations int) {
	severity := SeverityWarning
	if verdict == "block" {
		severity = SeverityCritical
	}
	l.Log(&Event{
		EventType:     EventTypeRateLimit,
		Severity:      severity,
		CorrelationID: correlationID,
		ClientID:      clientID,
		Operation:     class,
		Details: map[string]interface{}{
			"verdict":             verdict,
			"retry_after_seconds": retryAfter.Seconds(),
			"violation_count":     violations,
		},
	})
}

func (l *auditLogger) LogCredentialOperation(operation, platform, correlationID, ownerFingerprint string, success bool) {
	severity := SeverityInfo
	if !success {
		severity = SeverityWarning
	}
	l.Log(&Event{
		EventType:        EventTypeCredential,
		Severity:         severity,
		CorrelationID:    correlationID,
		OwnerFingerprint: ownerFingerprint,
		Operation:        operation,
		Platform:         platform,
		Success:          success,
	})
}

// Events returns all buffered audit events.
func (l *auditLogger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

func (l *auditLogger) Summary(since time.Time) Summary {
	s := Summary{
		Since:      since,
		ByType:     map[string]int{},
		BySeverity: map[Severity]int{},
		ByKind:     map[string]int{},
	}
	for _, e := range l.Events() {
		if e.Timestamp.Before(since) {
			continue
		}
		s.Total++
		s.ByType[string(e.EventType)]++
		s.BySeverity[e.Severity]++
		if e.Kind != "" {
			s.ByKind[e.Kind]++
		}
	}
	return s
}

// redactDetails masks values whose keys look like they hold credentials.
func redactDetails(details map[string]interface{}) map[string]interface{} {
	if len(details) == 0 {
		return details
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		lower := strings.ToLower(k)
		switch {
		case strings.Contains(lower, "fingerprint"), strings.HasSuffix(lower, "_version"):
			out[k] = v
		case strings.Contains(lower, "token"), strings.Contains(lower, "secret"),
			strings.Contains(lower, "password"), strings.Contains(lower, "key"),
			strings.Contains(lower, "session"), strings.Contains(lower, "state"):
			out[k] = redacted
		default:
			out[k] = v
		}
	}
	return out
}

// LogrusWriter writes events as structured log lines.
type LogrusWriter struct {
	Logger *logrus.Logger
}

func (w *LogrusWriter) WriteEvent(event *Event) error {
	fields := logrus.Fields{
		"audit":          true,
		"event_type":     event.EventType,
		"severity":       event.Severity,
		"correlation_id": event.CorrelationID,
		"success":        event.Success,
	}
	if event.Kind != "" {
		fields["kind"] = event.Kind
	}
	if event.OwnerFingerprint != "" {
		fields["owner_fingerprint"] = event.OwnerFingerprint
	}
	if event.ClientID != "" {
		fields["client_id"] = event.ClientID
	}
	if event.Operation != "" {
		fields["operation"] = event.Operation
	}
	if event.Platform != "" {
		fields["platform"] = event.Platform
	}
	for k, v := range event.Details {
		fields["detail_"+k] = v
	}

	entry := w.Logger.WithFields(fields)
	switch event.Severity {
	case SeverityCritical:
		entry.Error("Audit event")
	case SeverityWarning:
		entry.Warn("Audit event")
	default:
		entry.Info("Audit event")
	}
	return nil
}

// MetricsWriter counts events in Prometheus.
type MetricsWriter struct {
	Metrics *metrics.Metrics
}

func (w *MetricsWriter) WriteEvent(event *Event) error {
	label := string(event.EventType)
	if event.Kind != "" {
		label = event.Kind
	}
	w.Metrics.RecordSecurityEvent(label, string(event.Severity))
	return nil
}

// MultiWriter fans an event out to several writers and returns the first
// error after trying all of them.
type MultiWriter []EventWriter

func (m MultiWriter) WriteEvent(event *Event) error {
	var first error
	for _, w := range m {
		if err := w.WriteEvent(event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
