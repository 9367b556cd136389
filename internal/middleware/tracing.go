package middleware

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/credential-gateway/internal/audit"
)

// safeHeaders are recorded on spans verbatim.
var safeHeaders = []string{
	"content-type",
	"content-length",
	"accept",
	"user-agent",
	"x-request-id",
}

// sensitiveHeaders are recorded only as [REDACTED] unless redaction is off.
// Authorization and the session handle are never recorded.
var sensitiveHeaders = []string{
	"x-forwarded-for",
	"x-real-ip",
	"x-platform",
}

// TracingMiddleware wraps handlers with OpenTelemetry tracing. It must run
// inside the router so the matched route template is available.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer("credential-gateway/http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			route := routeTemplate(r)
			ctx, span := tracer.Start(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPRoute(route),
					attribute.String("http.host", r.Host),
					attribute.String("client.address", ClientIP(r)),
				),
			)
			if corr := audit.CorrelationID(ctx); corr != "" {
				span.SetAttributes(attribute.String("correlation_id", corr))
			}
			if !redactSensitive {
				span.SetAttributes(semconv.HTTPTarget(r.URL.Path))
			}
			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{ResponseWriter: w}
			defer func() {
				status := rw.statusCode
				if status == 0 {
					status = http.StatusOK
				}
				span.SetAttributes(semconv.HTTPStatusCode(status))
				if status >= 500 {
					span.SetStatus(codes.Error, http.StatusText(status))
				} else {
					span.SetStatus(codes.Ok, "")
				}
				span.End()
			}()

			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

// routeTemplate returns the mux path template, which keeps ids and
// platform names out of span names.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// addHeadersToSpan adds relevant headers to the span, redacting sensitive ones
func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
	for _, header := range sensitiveHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if redactSensitive {
			value = "[REDACTED]"
		}
		span.SetAttributes(attribute.String("http.request.header."+header, value))
	}
	if headers.Get("Authorization") != "" || headers.Get("X-Session-Handle") != "" {
		span.SetAttributes(attribute.Bool("http.request.credentials_present", true))
	}
}

// tracingResponseWriter wraps http.ResponseWriter to capture status code for tracing
type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
