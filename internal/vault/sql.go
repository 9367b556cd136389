package vault

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/credential-gateway/internal/crypto"
	"github.com/kenneth/credential-gateway/internal/errs"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// SQLRepository stores records in SQLite or PostgreSQL.
type SQLRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

type row struct {
	ID               string       `db:"id"`
	OwnerFingerprint string       `db:"owner_fingerprint"`
	Platform         string       `db:"platform"`
	Sealed           string       `db:"sealed"`
	KeyVersion       int          `db:"key_version"`
	AuditHash        string       `db:"audit_hash"`
	OrganizationURL  string       `db:"organization_url"`
	ProjectID        string       `db:"project_id"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
	ExpiresAt        sql.NullTime `db:"expires_at"`
	IsActive         bool         `db:"is_active"`
	DeactivatedAt    sql.NullTime `db:"deactivated_at"`
}

const selectColumns = `SELECT id, owner_fingerprint, platform, sealed, key_version, audit_hash,
	organization_url, project_id, created_at, updated_at, expires_at, is_active, deactivated_at
	FROM platform_secrets`

// driverName maps configuration names onto registered database/sql drivers.
func driverName(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "sqlite3", "sqlite":
		return "sqlite3", nil
	case "pgx", "postgres", "postgresql":
		return "pgx", nil
	default:
		return "", fmt.Errorf("unsupported secrets driver: %s", driver)
	}
}

// OpenSQL connects to the database and applies the schema.
func OpenSQL(ctx context.Context, driver, dsn string, logger *logrus.Logger) (*SQLRepository, error) {
	name, err := driverName(driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}
	if name == "sqlite3" && dsn != ":memory:" && !strings.Contains(dsn, "?") {
		dsn = "file:" + dsn + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	}

	db, err := sqlx.ConnectContext(ctx, name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open secrets database: %w", err)
	}
	if name == "sqlite3" {
		// A single connection avoids "database is locked" and keeps an
		// in-memory database alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	repo := &SQLRepository{db: db, logger: logger}
	if err := repo.initSchema(ctx, name); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.WithField("driver", name).Info("Secrets database initialized")
	return repo, nil
}

func (s *SQLRepository) initSchema(ctx context.Context, driver string) error {
	if driver == "sqlite3" {
		var version int
		if err := s.db.GetContext(ctx, &version, "PRAGMA user_version"); err != nil {
			return fmt.Errorf("failed to query schema version: %w", err)
		}
		if version >= schemaVersion {
			s.logger.WithField("version", version).Debug("Database schema already exists")
			return nil
		}
	}

	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	if driver == "sqlite3" {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}
	return nil
}

func toRow(rec *Record) (*row, error) {
	sealed, err := json.Marshal(rec.Sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sealed secret: %w", err)
	}
	r := &row{
		ID:               rec.ID.String(),
		OwnerFingerprint: rec.OwnerFingerprint,
		Platform:         rec.Platform,
		Sealed:           string(sealed),
		KeyVersion:       rec.Sealed.KeyVersion,
		AuditHash:        rec.AuditHash,
		OrganizationURL:  rec.OrganizationURL,
		ProjectID:        rec.ProjectID,
		CreatedAt:        rec.CreatedAt.UTC(),
		UpdatedAt:        rec.UpdatedAt.UTC(),
		IsActive:         true,
	}
	if rec.ExpiresAt != nil {
		r.ExpiresAt = sql.NullTime{Time: rec.ExpiresAt.UTC(), Valid: true}
	}
	return r, nil
}

func (r *row) record() (*Record, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid record id %q: %w", r.ID, err)
	}
	rec := &Record{
		ID:               id,
		OwnerFingerprint: r.OwnerFingerprint,
		Platform:         r.Platform,
		AuditHash:        r.AuditHash,
		OrganizationURL:  r.OrganizationURL,
		ProjectID:        r.ProjectID,
		KeyVersion:       r.KeyVersion,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
		IsActive:         r.IsActive,
	}
	if err := json.Unmarshal([]byte(r.Sealed), &rec.Sealed); err != nil {
		return nil, fmt.Errorf("invalid sealed secret in record %s: %w", r.ID, err)
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time.UTC()
		rec.ExpiresAt = &t
	}
	if r.DeactivatedAt.Valid {
		t := r.DeactivatedAt.Time.UTC()
		rec.DeactivatedAt = &t
	}
	return rec, nil
}

// Replace implements Repository.
func (s *SQLRepository) Replace(ctx context.Context, rec *Record) error {
	r, err := toRow(rec)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := rec.CreatedAt.UTC()
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE platform_secrets
		SET is_active = ?, deactivated_at = ?, updated_at = ?
		WHERE owner_fingerprint = ? AND platform = ? AND is_active = ?`),
		false, now, now, rec.OwnerFingerprint, rec.Platform, true); err != nil {
		return fmt.Errorf("failed to deactivate previous secret: %w", err)
	}
	if _, err := tx.NamedExecContext(ctx, `INSERT INTO platform_secrets
		(id, owner_fingerprint, platform, sealed, key_version, audit_hash, organization_url,
		 project_id, created_at, updated_at, expires_at, is_active, deactivated_at)
		VALUES (:id, :owner_fingerprint, :platform, :sealed, :key_version, :audit_hash, :organization_url,
		 :project_id, :created_at, :updated_at, :expires_at, :is_active, :deactivated_at)`, r); err != nil {
		return fmt.Errorf("failed to insert secret: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit secret: %w", err)
	}
	return nil
}

// Active implements Repository.
func (s *SQLRepository) Active(ctx context.Context, ownerFingerprint, platform string) (*Record, error) {
	var r row
	err := s.db.GetContext(ctx, &r, s.db.Rebind(selectColumns+
		` WHERE owner_fingerprint = ? AND platform = ? AND is_active = ?`), ownerFingerprint, platform, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load secret: %w", err)
	}
	return r.record()
}

// ListActive implements Repository.
func (s *SQLRepository) ListActive(ctx context.Context, ownerFingerprint string) ([]*Record, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(selectColumns+
		` WHERE owner_fingerprint = ? AND is_active = ? ORDER BY platform`), ownerFingerprint, true); err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	out := make([]*Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateSealed implements Repository.
func (s *SQLRepository) UpdateSealed(ctx context.Context, id uuid.UUID, sealed crypto.EncryptedSecret, updatedAt time.Time) error {
	payload, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("failed to encode sealed secret: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE platform_secrets
		SET sealed = ?, key_version = ?, updated_at = ?
		WHERE id = ? AND is_active = ?`),
		string(payload), sealed.KeyVersion, updatedAt.UTC(), id.String(), true)
	if err != nil {
		return fmt.Errorf("failed to update secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrCredentialNotFound
	}
	return nil
}

// Deactivate implements Repository.
func (s *SQLRepository) Deactivate(ctx context.Context, ownerFingerprint, platform string, at time.Time) (bool, error) {
	at = at.UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE platform_secrets
		SET is_active = ?, deactivated_at = ?, updated_at = ?
		WHERE owner_fingerprint = ? AND platform = ? AND is_active = ?`),
		false, at, at, ownerFingerprint, platform, true)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to deactivate secret: %w", err)
	}
	return n > 0, nil
}

// DeactivateExpired implements Repository.
func (s *SQLRepository) DeactivateExpired(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE platform_secrets
		SET is_active = ?, deactivated_at = ?, updated_at = ?
		WHERE is_active = ? AND expires_at IS NOT NULL AND expires_at <= ?`),
		false, now, now, true, now)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired secrets: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired secrets: %w", err)
	}
	return int(n), nil
}

// Close implements Repository.
func (s *SQLRepository) Close() error {
	return s.db.Close()
}
