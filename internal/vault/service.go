package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/credential-gateway/internal/audit"
	"github.com/kenneth/credential-gateway/internal/crypto"
	"github.com/kenneth/credential-gateway/internal/errs"
	"github.com/kenneth/credential-gateway/internal/metrics"
)

// StoreOptions carries the optional attributes of a stored secret.
type StoreOptions struct {
	OrganizationURL string
	ProjectID       string
	// TTL overrides the service default. Zero uses the default; a negative
	// value stores the secret without expiry.
	TTL      time.Duration
	Metadata map[string]string
}

// Options configures a Service.
type Options struct {
	DefaultTTL time.Duration
	Clock      clock.Clock
	Logger     *logrus.Logger
	Metrics    *metrics.Metrics
	Audit      audit.Logger
}

// Service seals secrets on the way in and opens them on the way out.
type Service struct {
	repo   Repository
	engine *crypto.Engine
	opts   Options
}

// NewService wires repo and engine together.
func NewService(repo Repository, engine *crypto.Engine, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Audit == nil {
		opts.Audit = audit.Discard()
	}
	return &Service{repo: repo, engine: engine, opts: opts}
}

// now is truncated to whole seconds so stored timestamps compare as text
// in SQLite.
func (s *Service) now() time.Time {
	return s.opts.Clock.Now().UTC().Truncate(time.Second)
}

func (s *Service) recordOp(ctx context.Context, op, platform, ownerFP string, success bool) {
	s.opts.Audit.LogCredentialOperation(op, platform, audit.CorrelationID(ctx), ownerFP, success)
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordCredentialOperation(op, platform, success)
	}
}

func validatePair(ownerID, platform string) error {
	if strings.TrimSpace(ownerID) == "" {
		return errs.InvalidInput("owner id is required")
	}
	if strings.TrimSpace(platform) == "" {
		return errs.InvalidInput("platform is required")
	}
	return nil
}

// Store seals secret for owner and platform, replacing any active record
// for the pair.
func (s *Service) Store(ctx context.Context, ownerID, platform, secret string, opts StoreOptions) (*Record, error) {
	if err := validatePair(ownerID, platform); err != nil {
		return nil, err
	}
	ownerFP := crypto.OwnerFingerprint(ownerID)

	start := time.Now()
	sealed, err := s.engine.Seal(secret, ownerID, platform, opts.Metadata)
	if err != nil {
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordCryptoError("seal")
		}
		s.recordOp(ctx, "store", platform, ownerFP, false)
		return nil, err
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordCryptoOperation("seal", time.Since(start))
	}

	now := s.now()
	rec := &Record{
		ID:               uuid.New(),
		OwnerFingerprint: ownerFP,
		Platform:         platform,
		Sealed:           *sealed,
		AuditHash:        s.engine.AuditFingerprint(secret, ownerID, platform),
		OrganizationURL:  opts.OrganizationURL,
		ProjectID:        opts.ProjectID,
		KeyVersion:       sealed.KeyVersion,
		CreatedAt:        now,
		UpdatedAt:        now,
		IsActive:         true,
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = s.opts.DefaultTTL
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		rec.ExpiresAt = &exp
	}

	if err := s.repo.Replace(ctx, rec); err != nil {
		s.recordOp(ctx, "store", platform, ownerFP, false)
		return nil, fmt.Errorf("failed to store secret: %w", err)
	}
	s.recordOp(ctx, "store", platform, ownerFP, true)
	s.opts.Logger.WithFields(logrus.Fields{
		"owner_fingerprint": ownerFP,
		"platform":          platform,
		"key_version":       rec.KeyVersion,
		"audit_hash":        rec.AuditHash,
	}).Info("Stored platform secret")
	return rec, nil
}

// Open returns the active secret of owner for platform. Records sealed under
// an older key version are re-sealed under the active one.
func (s *Service) Open(ctx context.Context, ownerID, platform string) (string, *crypto.Verification, error) {
	if err := validatePair(ownerID, platform); err != nil {
		return "", nil, err
	}
	ownerFP := crypto.OwnerFingerprint(ownerID)

	rec, err := s.repo.Active(ctx, ownerFP, platform)
	if err != nil {
		return "", nil, err
	}
	now := s.now()
	if rec.Expired(now) {
		if _, err := s.repo.Deactivate(ctx, ownerFP, platform, now); err != nil {
			s.opts.Logger.WithError(err).Warn("Failed to deactivate expired secret")
		}
		s.recordOp(ctx, "expire", platform, ownerFP, true)
		return "", nil, errs.ErrCredentialNotFound
	}

	if err := s.engine.VerifyIntegrity(&rec.Sealed); err != nil {
		s.decryptionFailure(ctx, ownerFP, platform, rec, "integrity")
		return "", nil, errs.ErrDecryptionFailed
	}

	start := time.Now()
	secret, v, err := s.engine.Unseal(&rec.Sealed, ownerID, platform)
	if err != nil {
		s.decryptionFailure(ctx, ownerFP, platform, rec, "unseal")
		return "", nil, err
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordCryptoOperation("unseal", time.Since(start))
	}

	if !s.engine.SealedUnderActiveKey(&rec.Sealed) {
		s.reseal(ctx, ownerID, platform, secret, v, rec, s.engine.ActiveKeyVersion())
	}
	return secret, v, nil
}

func (s *Service) decryptionFailure(ctx context.Context, ownerFP, platform string, rec *Record, stage string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordCryptoError(stage)
	}
	s.opts.Audit.LogSecurityEvent(audit.KindDecryptionFailure, audit.SeverityCritical, audit.CorrelationID(ctx), ownerFP, map[string]interface{}{
		"platform":    platform,
		"record_id":   rec.ID.String(),
		"key_version": rec.Sealed.KeyVersion,
		"stage":       stage,
	})
}

// reseal failures are logged only; the caller already has the secret.
func (s *Service) reseal(ctx context.Context, ownerID, platform, secret string, v *crypto.Verification, rec *Record, active int) {
	sealed, err := s.engine.Seal(secret, ownerID, platform, v.Metadata)
	if err == nil {
		err = s.repo.UpdateSealed(ctx, rec.ID, *sealed, s.now())
	}
	log := s.opts.Logger.WithFields(logrus.Fields{
		"owner_fingerprint": rec.OwnerFingerprint,
		"platform":          platform,
		"from_version":      rec.Sealed.KeyVersion,
		"to_version":        active,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to re-seal secret under active key")
		return
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordRotatedRead(rec.Sealed.KeyVersion, active)
	}
	log.Info("Re-sealed secret under active key")
}

// List returns metadata of the owner's active secrets.
func (s *Service) List(ctx context.Context, ownerID string) ([]*Record, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, errs.InvalidInput("owner id is required")
	}
	return s.repo.ListActive(ctx, crypto.OwnerFingerprint(ownerID))
}

// Deactivate removes the owner's secret for platform. It reports whether an
// active secret existed.
func (s *Service) Deactivate(ctx context.Context, ownerID, platform string) (bool, error) {
	if err := validatePair(ownerID, platform); err != nil {
		return false, err
	}
	ownerFP := crypto.OwnerFingerprint(ownerID)
	ok, err := s.repo.Deactivate(ctx, ownerFP, platform, s.now())
	if err != nil {
		s.recordOp(ctx, "deactivate", platform, ownerFP, false)
		return false, err
	}
	s.recordOp(ctx, "deactivate", platform, ownerFP, ok)
	return ok, nil
}

// CleanupExpired deactivates every expired secret.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	n, err := s.repo.DeactivateExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.opts.Logger.WithField("count", n).Info("Deactivated expired platform secrets")
	}
	return n, nil
}

// IsNotFound reports whether err means there is no usable stored secret.
func IsNotFound(err error) bool {
	return errors.Is(err, errs.ErrCredentialNotFound)
}
