package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	rateLimitDecisions *prometheus.CounterVec
	trackedClients     prometheus.Gauge

	authAttempts         *prometheus.CounterVec
	credentialOperations *prometheus.CounterVec
	gateOutcomes         *prometheus.CounterVec

	cryptoOperations *prometheus.CounterVec
	cryptoDuration   *prometheus.HistogramVec
	cryptoErrors     *prometheus.CounterVec
	rotatedReads     *prometheus.CounterVec

	workloadResolutions *prometheus.CounterVec
	securityEvents      *prometheus.CounterVec

	buildInfo         *prometheus.GaugeVec
	activeConnections prometheus.Gauge
	goroutines        prometheus.Gauge
	memoryAllocBytes  prometheus.Gauge
	memorySysBytes    prometheus.Gauge
}

// NewMetrics creates a metrics instance on the default Prometheus registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates a metrics instance on reg, which is also
// used to serve the metrics endpoint.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetrics(reg, reg)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes received in HTTP requests",
			},
			[]string{"method", "path"},
		),
		rateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_decisions_total",
				Help: "Rate limiter decisions by operation class and verdict",
			},
			[]string{"class", "verdict"},
		),
		trackedClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ratelimit_tracked_clients",
				Help: "Client records kept by the rate limiter after the last sweep",
			},
		),
		authAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_attempts_total",
				Help: "Authentication attempts by method and result",
			},
			[]string{"method", "result"},
		),
		credentialOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credential_operations_total",
				Help: "Credential lifecycle operations",
			},
			[]string{"operation", "platform", "result"},
		),
		gateOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_outcomes_total",
				Help: "Access gate outcomes",
			},
			[]string{"outcome"},
		),
		cryptoOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crypto_operations_total",
				Help: "Total number of seal/unseal operations",
			},
			[]string{"operation"},
		),
		cryptoDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crypto_duration_seconds",
				Help:    "Seal/unseal duration in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
			[]string{"operation"},
		),
		cryptoErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crypto_errors_total",
				Help: "Total number of seal/unseal failures",
			},
			[]string{"operation"},
		),
		rotatedReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crypto_rotated_reads_total",
				Help: "Secrets read under a non-active key version",
			},
			[]string{"key_version", "active_version"},
		),
		workloadResolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workload_identity_resolutions_total",
				Help: "Workload identity resolutions by platform and result",
			},
			[]string{"platform", "result"},
		),
		securityEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_events_total",
				Help: "Security events emitted by type and severity",
			},
			[]string{"type", "severity"},
		),
		buildInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "credential_gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordRateLimitDecision counts one limiter verdict.
func (m *Metrics) RecordRateLimitDecision(class, verdict string) {
	m.rateLimitDecisions.WithLabelValues(class, verdict).Inc()
}

// SetTrackedClients sets the number of client records held by the limiter.
func (m *Metrics) SetTrackedClients(n int) {
	m.trackedClients.Set(float64(n))
}

// RecordAuthAttempt counts an authentication attempt.
func (m *Metrics) RecordAuthAttempt(method, result string) {
	m.authAttempts.WithLabelValues(method, result).Inc()
}

// RecordCredentialOperation counts a credential lifecycle operation.
func (m *Metrics) RecordCredentialOperation(operation, platform string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.credentialOperations.WithLabelValues(operation, platform, result).Inc()
}

// RecordGateOutcome counts an access gate outcome.
func (m *Metrics) RecordGateOutcome(outcome string) {
	m.gateOutcomes.WithLabelValues(outcome).Inc()
}

// RecordCryptoOperation records a seal or unseal.
func (m *Metrics) RecordCryptoOperation(operation string, duration time.Duration) {
	m.cryptoOperations.WithLabelValues(operation).Inc()
	m.cryptoDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCryptoError records a failed seal or unseal.
func (m *Metrics) RecordCryptoError(operation string) {
	m.cryptoErrors.WithLabelValues(operation).Inc()
}

// RecordRotatedRead records a secret opened under an older key version.
func (m *Metrics) RecordRotatedRead(keyVersion, activeVersion int) {
	m.rotatedReads.WithLabelValues(strconv.Itoa(keyVersion), strconv.Itoa(activeVersion)).Inc()
}

// RecordWorkloadResolution records a workload identity lookup.
func (m *Metrics) RecordWorkloadResolution(platform, result string) {
	m.workloadResolutions.WithLabelValues(platform, result).Inc()
}

// RecordSecurityEvent counts an emitted security event.
func (m *Metrics) RecordSecurityEvent(eventType, severity string) {
	m.securityEvents.WithLabelValues(eventType, severity).Inc()
}

// SetVersion publishes the build version.
func (m *Metrics) SetVersion(version string) {
	m.buildInfo.WithLabelValues(version).Set(1)
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector updates system metrics every five seconds
// until ctx is done.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
