// Package apikey issues and verifies signed bearer API keys.
package apikey

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/credential-gateway/internal/crypto"
	"github.com/kenneth/credential-gateway/internal/errs"
	"github.com/kenneth/credential-gateway/internal/store"
)

const (
	// TokenPrefix starts every issued key.
	TokenPrefix = "cgw_v1_"

	// MinSecretSize is the minimum HMAC signing key size.
	MinSecretSize = 32

	// DefaultTTL is the validity horizon of an issued key.
	DefaultTTL = 365 * 24 * time.Hour

	displayPrefixLen = 20
)

// Scopes understood by the gateway.
const (
	ScopeRead       = "read"
	ScopeWrite      = "write"
	ScopeManageKeys = "manage_keys"
)

// DefaultScopes are granted when Issue is called without scopes.
func DefaultScopes() []string {
	return []string{ScopeRead, ScopeWrite, ScopeManageKeys}
}

var tokenFormat = regexp.MustCompile(`^cgw_v1_[0-9a-f]{8}_[0-9]{1,20}_[0-9a-f]{32}$`)

// Credential is the stored form of an issued key. The token itself is never
// stored; records are keyed by its SHA-256.
type Credential struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Scopes    []string  `json:"scopes"`
	DisplayID string    `json:"display_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Signature string    `json:"signature"`
}

// HasScope reports whether scope was granted.
func (c Credential) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// KeyInfo describes an issued key without revealing it.
type KeyInfo struct {
	ID        string    `json:"id"`
	DisplayID string    `json:"display_id"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    string    `json:"status"`
}

// Options configures an Issuer.
type Options struct {
	TTL    time.Duration
	Clock  clock.Clock
	Logger *logrus.Logger
}

// Issuer mints, verifies and revokes API keys.
type Issuer struct {
	store  store.Store[Credential]
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
	logger *logrus.Logger
}

// NewIssuer creates an issuer signing with secret.
func NewIssuer(st store.Store[Credential], secret []byte, opts Options) (*Issuer, error) {
	if len(secret) < MinSecretSize {
		return nil, fmt.Errorf("signing secret must be at least %d bytes, got %d", MinSecretSize, len(secret))
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Issuer{
		store:  st,
		secret: append([]byte(nil), secret...),
		ttl:    opts.TTL,
		clock:  opts.Clock,
		logger: opts.Logger,
	}, nil
}

// CredentialID returns the storage key of token.
func CredentialID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func normalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (i *Issuer) sign(token, ownerID string, scopes []string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(token + ":" + ownerID + ":" + strings.Join(scopes, ":")))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue mints a key for ownerID. The returned token is shown to the caller
// once and cannot be recovered afterwards.
func (i *Issuer) Issue(ctx context.Context, ownerID string, scopes []string) (string, *Credential, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", nil, errs.InvalidInput("owner id is required")
	}
	scopes = normalizeScopes(scopes)
	if len(scopes) == 0 {
		scopes = DefaultScopes()
	}

	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	now := i.clock.Now().UTC()
	ownerHash := sha256.Sum256([]byte(ownerID))
	token := TokenPrefix + hex.EncodeToString(ownerHash[:])[:8] + "_" +
		strconv.FormatInt(now.Unix(), 10) + "_" + hex.EncodeToString(random)

	cred := Credential{
		ID:        CredentialID(token),
		OwnerID:   ownerID,
		Scopes:    scopes,
		DisplayID: token[:displayPrefixLen] + "...",
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
		Signature: i.sign(token, ownerID, scopes),
	}
	if err := i.store.Put(ctx, cred.ID, cred, i.ttl); err != nil {
		return "", nil, fmt.Errorf("failed to store credential: %w", err)
	}

	i.logger.WithFields(logrus.Fields{
		"owner_fingerprint": crypto.OwnerFingerprint(ownerID),
		"scopes":            scopes,
		"expires_at":        cred.ExpiresAt,
	}).Info("Issued API key")
	return token, &cred, nil
}

// Authenticate verifies token and checks that it grants requiredScope. An
// empty requiredScope skips the scope check.
//
// Malformed, unknown, expired and tampered keys all yield
// errs.ErrAuthenticationFailed.
func (i *Issuer) Authenticate(ctx context.Context, token, requiredScope string) (*Credential, error) {
	if token == "" {
		return nil, errs.ErrAuthenticationRequired
	}
	if !tokenFormat.MatchString(token) {
		return nil, errs.ErrAuthenticationFailed
	}

	id := CredentialID(token)
	cred, ok, err := i.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if !ok {
		return nil, errs.ErrAuthenticationFailed
	}

	if !i.clock.Now().Before(cred.ExpiresAt) {
		if _, err := i.store.Delete(ctx, id); err != nil {
			i.logger.WithError(err).Warn("Failed to evict expired API key")
		}
		return nil, errs.ErrAuthenticationFailed
	}

	expected := i.sign(token, cred.OwnerID, normalizeScopes(cred.Scopes))
	if !hmac.Equal([]byte(expected), []byte(cred.Signature)) {
		i.logger.WithField("owner_fingerprint", crypto.OwnerFingerprint(cred.OwnerID)).
			Warn("API key signature mismatch")
		return nil, errs.ErrAuthenticationFailed
	}

	if requiredScope != "" && !cred.HasScope(requiredScope) {
		return &cred, fmt.Errorf("%w: scope %q not granted", errs.ErrAuthorizationDenied, requiredScope)
	}
	return &cred, nil
}

// Revoke deletes token if it belongs to ownerID.
func (i *Issuer) Revoke(ctx context.Context, token, ownerID string) (bool, error) {
	return i.RevokeID(ctx, CredentialID(token), ownerID)
}

var errForeignCredential = errors.New("credential belongs to another owner")

// RevokeID deletes the credential stored under id if it belongs to ownerID.
// A credential owned by someone else is left untouched.
func (i *Issuer) RevokeID(ctx context.Context, id, ownerID string) (bool, error) {
	revoked := false
	_, _, err := i.store.Update(ctx, id, i.ttl, func(cur Credential, exists bool) (Credential, bool, error) {
		revoked = false
		if !exists {
			return cur, false, nil
		}
		if cur.OwnerID != ownerID {
			return cur, true, errForeignCredential
		}
		revoked = true
		return cur, false, nil
	})
	if errors.Is(err, errForeignCredential) {
		i.logger.WithFields(logrus.Fields{
			"owner_fingerprint": crypto.OwnerFingerprint(ownerID),
		}).Warn("Attempt to revoke another owner's API key")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to revoke credential: %w", err)
	}
	if revoked {
		i.logger.WithField("owner_fingerprint", crypto.OwnerFingerprint(ownerID)).Info("Revoked API key")
	}
	return revoked, nil
}

// List returns the keys issued to ownerID, oldest first.
func (i *Issuer) List(ctx context.Context, ownerID string) ([]KeyInfo, error) {
	now := i.clock.Now()
	var out []KeyInfo
	err := i.store.Range(ctx, func(_ string, c Credential) bool {
		if c.OwnerID != ownerID {
			return true
		}
		status := "active"
		if !now.Before(c.ExpiresAt) {
			status = "expired"
		}
		out = append(out, KeyInfo{
			ID:        c.ID,
			DisplayID: c.DisplayID,
			Scopes:    append([]string(nil), c.Scopes...),
			IssuedAt:  c.IssuedAt,
			ExpiresAt: c.ExpiresAt,
			Status:    status,
		})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].IssuedAt.Before(out[b].IssuedAt) })
	return out, nil
}

// SweepExpired removes expired keys and returns how many were removed.
func (i *Issuer) SweepExpired(ctx context.Context) (int, error) {
	now := i.clock.Now()
	var expired []string
	err := i.store.Range(ctx, func(id string, c Credential) bool {
		if !now.Before(c.ExpiresAt) {
			expired = append(expired, id)
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan credentials: %w", err)
	}
	removed := 0
	for _, id := range expired {
		ok, err := i.store.Delete(ctx, id)
		if err != nil {
			return removed, fmt.Errorf("failed to delete credential: %w", err)
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		i.logger.WithField("count", removed).Info("Cleaned up expired API keys")
	}
	return removed, nil
}
