package workload

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"
)

// DefaultEnvTokenLifetime is assumed for opaque provisioned tokens.
const DefaultEnvTokenLifetime = 365 * 24 * time.Hour

// EnvTokenSource serves a service credential provisioned into the process
// environment by the platform, never by a user.
type EnvTokenSource struct {
	platform string
	variable string
	clock    clock.Clock
	lookup   func(string) (string, bool)
}

// NewEnvTokenSource reads variable for platform.
func NewEnvTokenSource(platform, variable string, clk clock.Clock) *EnvTokenSource {
	if clk == nil {
		clk = clock.WallClock
	}
	return &EnvTokenSource{platform: platform, variable: variable, clock: clk, lookup: os.LookupEnv}
}

// Platform implements Source.
func (s *EnvTokenSource) Platform() string { return s.platform }

// Acquire implements Source. A JWT's exp claim is read without verifying
// the signature; the token is only passed through.
func (s *EnvTokenSource) Acquire(_ context.Context, resource string) (*Lease, error) {
	token, ok := s.lookup(s.variable)
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, ErrUnavailable
	}

	expiresAt := s.clock.Now().Add(DefaultEnvTokenLifetime)
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return &Lease{
		Platform:  s.platform,
		Resource:  resource,
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: expiresAt,
		Metadata:  map[string]string{"source": "environment", "variable": s.variable},
	}, nil
}
