package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// ClientID derives the limiter key from the caller's address and user agent.
// Clients behind one NAT with different user agents get separate budgets.
func ClientID(ip, userAgent string) string {
	ua := "unknown"
	if userAgent != "" {
		sum := sha256.Sum256([]byte(userAgent))
		ua = hex.EncodeToString(sum[:])[:8]
	}
	if ip == "" {
		ip = "unknown"
	}
	return ip + ":" + ua
}

// ClassFor maps a request to its operation class.
func ClassFor(method, path string) Class {
	p := strings.ToLower(path)
	switch {
	case containsAny(p, "/auth", "/keys", "/oauth"):
		return ClassAuthentication
	case containsAny(p, "/bulk", "/batch"):
		return ClassBulk
	case containsAny(p, "/create", "/upload"):
		return ClassMutating
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return ClassMutating
	}
	return ClassGeneral
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
