package vault

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kenneth/credential-gateway/internal/crypto"
	"github.com/kenneth/credential-gateway/internal/errs"
)

// MemoryRepository keeps records in process memory. Inactive records are
// retained like in the SQL repository.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[uuid.UUID]*Record)}
}

func copyRecord(r *Record) *Record {
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.DeactivatedAt != nil {
		t := *r.DeactivatedAt
		c.DeactivatedAt = &t
	}
	return &c
}

func (m *MemoryRepository) activeLocked(ownerFingerprint, platform string) *Record {
	for _, r := range m.records {
		if r.IsActive && r.OwnerFingerprint == ownerFingerprint && r.Platform == platform {
			return r
		}
	}
	return nil
}

func deactivate(r *Record, at time.Time) {
	r.IsActive = false
	r.DeactivatedAt = &at
	r.UpdatedAt = at
}

// Replace implements Repository.
func (m *MemoryRepository) Replace(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev := m.activeLocked(rec.OwnerFingerprint, rec.Platform); prev != nil {
		deactivate(prev, rec.CreatedAt)
	}
	c := copyRecord(rec)
	c.IsActive = true
	m.records[c.ID] = c
	return nil
}

// Active implements Repository.
func (m *MemoryRepository) Active(_ context.Context, ownerFingerprint, platform string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r := m.activeLocked(ownerFingerprint, platform); r != nil {
		return copyRecord(r), nil
	}
	return nil, errs.ErrCredentialNotFound
}

// ListActive implements Repository.
func (m *MemoryRepository) ListActive(_ context.Context, ownerFingerprint string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, r := range m.records {
		if r.IsActive && r.OwnerFingerprint == ownerFingerprint {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}

// UpdateSealed implements Repository.
func (m *MemoryRepository) UpdateSealed(_ context.Context, id uuid.UUID, sealed crypto.EncryptedSecret, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || !r.IsActive {
		return errs.ErrCredentialNotFound
	}
	r.Sealed = sealed
	r.KeyVersion = sealed.KeyVersion
	r.UpdatedAt = updatedAt
	return nil
}

// Deactivate implements Repository.
func (m *MemoryRepository) Deactivate(_ context.Context, ownerFingerprint, platform string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.activeLocked(ownerFingerprint, platform)
	if r == nil {
		return false, nil
	}
	deactivate(r, at)
	return true, nil
}

// DeactivateExpired implements Repository.
func (m *MemoryRepository) DeactivateExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.IsActive && r.Expired(now) {
			deactivate(r, now)
			n++
		}
	}
	return n, nil
}

// Close implements Repository.
func (m *MemoryRepository) Close() error { return nil }
