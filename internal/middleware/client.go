package middleware

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/kenneth/credential-gateway/internal/audit"
)

// RequestIDHeader carries the correlation id in both directions.
const RequestIDHeader = "X-Request-ID"

var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._:-]{8,64}$`)

// RequestIDMiddleware assigns every request a correlation id. A well-formed
// inbound X-Request-ID is reused; anything else is replaced.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if !validRequestID.MatchString(id) {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(audit.WithCorrelationID(r.Context(), id)))
		})
	}
}

type clientIPKey struct{}

// ClientIP returns the address stored by ClientIPMiddleware, or the peer
// address when the middleware did not run.
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok {
		return ip
	}
	return hostOnly(r.RemoteAddr)
}

// ClientIPResolver derives the caller address. Forwarding headers are only
// honoured when the direct peer is a trusted proxy.
type ClientIPResolver struct {
	trusted []*net.IPNet
}

// NewClientIPResolver accepts addresses and CIDR ranges. Invalid entries are
// skipped.
func NewClientIPResolver(trustedProxies []string) *ClientIPResolver {
	r := &ClientIPResolver{}
	for _, p := range trustedProxies {
		p = strings.TrimSpace(p)
		if !strings.Contains(p, "/") {
			if ip := net.ParseIP(p); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				p = ip.String() + "/" + strconv.Itoa(bits)
			}
		}
		if _, n, err := net.ParseCIDR(p); err == nil {
			r.trusted = append(r.trusted, n)
		}
	}
	return r
}

func (c *ClientIPResolver) isTrusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range c.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolve returns the client address of r. X-Forwarded-For is walked from
// the right, skipping trusted hops.
func (c *ClientIPResolver) Resolve(r *http.Request) string {
	peer := hostOnly(r.RemoteAddr)
	if !c.isTrusted(peer) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				break
			}
			if !c.isTrusted(hop) {
				return hop
			}
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}
	return peer
}

// ClientIPMiddleware stores the resolved client address on the request.
func ClientIPMiddleware(resolver *ClientIPResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), clientIPKey{}, resolver.Resolve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
