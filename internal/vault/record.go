// Package vault persists sealed platform secrets, one active record per
// owner and platform.
package vault

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kenneth/credential-gateway/internal/crypto"
)

// Record is a persisted sealed secret. Owners are known only by their
// fingerprint.
type Record struct {
	ID               uuid.UUID              `json:"id"`
	OwnerFingerprint string                 `json:"owner_fingerprint"`
	Platform         string                 `json:"platform"`
	Sealed           crypto.EncryptedSecret `json:"-"`
	AuditHash        string                 `json:"audit_hash"`
	OrganizationURL  string                 `json:"organization_url,omitempty"`
	ProjectID        string                 `json:"project_id,omitempty"`
	KeyVersion       int                    `json:"key_version"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	ExpiresAt        *time.Time             `json:"expires_at,omitempty"`
	IsActive         bool                   `json:"is_active"`
	DeactivatedAt    *time.Time             `json:"deactivated_at,omitempty"`
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Repository stores records. Implementations guarantee at most one active
// record per (owner fingerprint, platform) pair.
type Repository interface {
	// Replace deactivates the active record for rec's owner and platform,
	// if any, and inserts rec as the new active one atomically.
	Replace(ctx context.Context, rec *Record) error

	// Active returns the active record or errs.ErrCredentialNotFound.
	Active(ctx context.Context, ownerFingerprint, platform string) (*Record, error)

	// ListActive returns the owner's active records ordered by platform.
	ListActive(ctx context.Context, ownerFingerprint string) ([]*Record, error)

	// UpdateSealed swaps the sealed payload of an active record in place.
	UpdateSealed(ctx context.Context, id uuid.UUID, sealed crypto.EncryptedSecret, updatedAt time.Time) error

	// Deactivate marks the active record for the pair inactive. It reports
	// whether there was one.
	Deactivate(ctx context.Context, ownerFingerprint, platform string, at time.Time) (bool, error)

	// DeactivateExpired deactivates every active record expiring at or
	// before now.
	DeactivateExpired(ctx context.Context, now time.Time) (int, error)

	Close() error
}
