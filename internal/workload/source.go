// Package workload obtains short-lived credentials from the execution
// platform itself so that no long-lived secret has to be stored.
package workload

import (
	"context"
	"errors"
	"time"
)

// Platform names used as source keys.
const (
	PlatformAzureDevOps = "azure_devops"
	PlatformGitHub      = "github"
)

// ErrUnavailable means the source cannot work in this environment, e.g. no
// metadata endpoint or no provisioned variable.
var ErrUnavailable = errors.New("workload identity unavailable")

// Lease is a platform-issued credential with its expiry.
type Lease struct {
	Platform  string            `json:"platform"`
	Resource  string            `json:"resource,omitempty"`
	Token     string            `json:"-"`
	TokenType string            `json:"token_type"`
	ExpiresAt time.Time         `json:"expires_at"`
	Scopes    []string          `json:"scopes,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Source is a secretless credential source for one platform.
type Source interface {
	// Platform returns the platform the source serves.
	Platform() string

	// Acquire fetches a fresh lease for resource. An empty resource selects
	// the source's default.
	Acquire(ctx context.Context, resource string) (*Lease, error)
}
