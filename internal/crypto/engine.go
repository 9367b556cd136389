package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/kenneth/credential-gateway/internal/errs"
)

const (
	aesKeySize = 32 // 256 bits
	nonceSize  = 12 // 96 bits
	tagSize    = 16 // 128 bits authentication tag

	// sealingPurpose separates secret-sealing keys from any other HKDF use
	// of the same master key.
	sealingPurpose = "platform_secret_encryption"

	fingerprintSalt = "audit_fingerprint_salt_v1"
	fingerprintLen  = 16

	// MaxSecretSize bounds a single sealed secret.
	MaxSecretSize = 64 << 10
)

// ErrIntegrity is returned by VerifyIntegrity for structurally invalid records.
var ErrIntegrity = errors.New("encrypted secret failed integrity check")

// EncryptedSecret is a sealed platform secret. Binary fields are base64
// encoded so the record can be persisted or transmitted as is.
type EncryptedSecret struct {
	Ciphertext       string `json:"ciphertext"`
	Nonce            string `json:"nonce"`
	AuthTag          string `json:"auth_tag"`
	Algorithm        string `json:"algorithm"`
	KeyVersion       int    `json:"key_version"`
	KeyID            string `json:"key_id,omitempty"`
	CreatedAt        string `json:"created_at"`
	OwnerFingerprint string `json:"owner_fingerprint"`
	Platform         string `json:"platform"`
}

// Verification describes a successfully unsealed record.
type Verification struct {
	EncryptedAt time.Time
	Algorithm   string
	KeyVersion  int
	Metadata    map[string]string
}

// KeyStatus summarizes the keyring for health reporting.
type KeyStatus struct {
	ActiveVersion    int           `json:"active_version"`
	RetainedVersions []int         `json:"retained_versions"`
	ActiveSince      time.Time     `json:"active_since"`
	Age              time.Duration `json:"age"`
	RotationDue      bool          `json:"rotation_due"`
}

// envelope is the plaintext that actually gets encrypted.
type envelope struct {
	Secret           string            `json:"secret"`
	Timestamp        string            `json:"timestamp"`
	OwnerFingerprint string            `json:"owner_fingerprint"`
	Platform         string            `json:"platform"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Options configures an Engine.
type Options struct {
	PreferredAlgorithm  string
	SupportedAlgorithms []string
	// MaxKeyAge flags the active key as due for rotation once exceeded.
	// Zero disables the check.
	MaxKeyAge time.Duration
	// PreviousKeys are retired master keys, oldest first, kept so records
	// sealed before a rotation still open after a restart.
	PreviousKeys [][]byte
	Clock        clock.Clock
	Logger       *logrus.Logger
}

// Engine seals and unseals platform secrets with keys derived per owner and
// platform from a versioned master key.
type Engine struct {
	keys           *Keyring
	preferred      string
	supported      []string
	maxKeyAge      time.Duration
	fingerprintKey []byte
	clock          clock.Clock
	logger         *logrus.Logger
}

// NewEngine creates an engine around master. It fails if the master key has
// the wrong length or the algorithm configuration is unusable.
func NewEngine(master []byte, opts Options) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.PreferredAlgorithm == "" {
		opts.PreferredAlgorithm = AlgorithmAES256GCM
	}
	if len(opts.SupportedAlgorithms) == 0 {
		opts.SupportedAlgorithms = KnownAlgorithms()
	}
	for _, alg := range opts.SupportedAlgorithms {
		if !IsKnownAlgorithm(alg) {
			return nil, fmt.Errorf("unsupported algorithm in supported list: %s", alg)
		}
	}
	if !isAlgorithmSupported(opts.PreferredAlgorithm, opts.SupportedAlgorithms) {
		return nil, fmt.Errorf("unsupported preferred algorithm: %s", opts.PreferredAlgorithm)
	}

	keys, err := NewKeyring(master, opts.Clock.Now(), opts.PreviousKeys...)
	if err != nil {
		return nil, err
	}

	// The oldest retained key anchors audit fingerprints so they stay
	// comparable across rotations and restarts.
	anchor := master
	if len(opts.PreviousKeys) > 0 {
		anchor = opts.PreviousKeys[0]
	}
	fpKey, err := deriveBytes(anchor, []byte(fingerprintSalt), "audit_fingerprint")
	if err != nil {
		return nil, err
	}

	return &Engine{
		keys:           keys,
		preferred:      opts.PreferredAlgorithm,
		supported:      append([]string(nil), opts.SupportedAlgorithms...),
		maxKeyAge:      opts.MaxKeyAge,
		fingerprintKey: fpKey,
		clock:          opts.Clock,
		logger:         opts.Logger,
	}, nil
}

// OwnerFingerprint is the one-way identifier stored in place of an owner id.
func OwnerFingerprint(ownerID string) string {
	sum := sha256.Sum256([]byte(ownerID))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

func deriveBytes(secret, salt []byte, info string) ([]byte, error) {
	out := make([]byte, aesKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return out, nil
}

// deriveKey returns the sealing key for one owner and platform under a
// master key version.
func deriveKey(master []byte, ownerID, platform string, version int) ([]byte, error) {
	salt := sha256.Sum256([]byte(ownerID + platform))
	info := fmt.Sprintf("%s:%s:%s:v%d", ownerID, platform, sealingPurpose, version)
	return deriveBytes(master, salt[:], info)
}

func additionalData(ownerID, platform, timestamp string) []byte {
	return []byte(ownerID + ":" + platform + ":" + timestamp)
}

// Seal encrypts secret for ownerID on platform. Metadata is carried inside
// the encrypted envelope and returned by Unseal.
func (e *Engine) Seal(secret, ownerID, platform string, metadata map[string]string) (*EncryptedSecret, error) {
	if ownerID == "" || platform == "" {
		return nil, errs.InvalidInput("owner and platform are required")
	}
	if secret == "" {
		return nil, errs.InvalidInput("secret must not be empty")
	}
	if len(secret) > MaxSecretSize {
		return nil, errs.InvalidInput("secret exceeds %d bytes", MaxSecretSize)
	}

	version, master := e.keys.Active()
	keyID, err := KeyID(master)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(master, ownerID, platform, version)
	if err != nil {
		return nil, err
	}
	defer clear(key)

	aead, err := newAEAD(e.preferred, key)
	if err != nil {
		return nil, err
	}

	timestamp := e.clock.Now().UTC().Format(time.RFC3339Nano)
	ownerFP := OwnerFingerprint(ownerID)
	plaintext, err := json.Marshal(envelope{
		Secret:           secret,
		Timestamp:        timestamp,
		OwnerFingerprint: ownerFP,
		Platform:         platform,
		Metadata:         metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	defer clear(plaintext)

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, additionalData(ownerID, platform, timestamp))
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return &EncryptedSecret{
		Ciphertext:       base64.StdEncoding.EncodeToString(ct),
		Nonce:            base64.StdEncoding.EncodeToString(nonce),
		AuthTag:          base64.StdEncoding.EncodeToString(tag),
		Algorithm:        e.preferred,
		KeyVersion:       version,
		KeyID:            keyID,
		CreatedAt:        timestamp,
		OwnerFingerprint: ownerFP,
		Platform:         platform,
	}, nil
}

// Unseal decrypts rec for the caller-supplied owner and platform. Every
// failure, whatever its cause, is reported as errs.ErrDecryptionFailed.
func (e *Engine) Unseal(rec *EncryptedSecret, ownerID, platform string) (string, *Verification, error) {
	secret, v, reason := e.open(rec, ownerID, platform)
	if reason != "" {
		e.logger.WithFields(logrus.Fields{
			"owner_fingerprint": OwnerFingerprint(ownerID),
			"platform":          platform,
			"reason":            reason,
		}).Debug("Unseal rejected")
		return "", nil, errs.ErrDecryptionFailed
	}
	return secret, v, nil
}

// open returns a non-empty reason on failure. The reason is for debug logs
// only and never leaves the engine.
func (e *Engine) open(rec *EncryptedSecret, ownerID, platform string) (string, *Verification, string) {
	if err := e.VerifyIntegrity(rec); err != nil {
		return "", nil, "structure"
	}
	if !hmac.Equal([]byte(rec.OwnerFingerprint), []byte(OwnerFingerprint(ownerID))) || rec.Platform != platform {
		return "", nil, "context"
	}

	master, ok := e.keys.Resolve(rec.KeyVersion, rec.KeyID)
	if !ok {
		return "", nil, "key_version"
	}
	key, err := deriveKey(master, ownerID, platform, rec.KeyVersion)
	if err != nil {
		return "", nil, "derive"
	}
	defer clear(key)

	aead, err := newAEAD(rec.Algorithm, key)
	if err != nil {
		return "", nil, "algorithm"
	}

	// VerifyIntegrity already proved these decode.
	ct, _ := base64.StdEncoding.DecodeString(rec.Ciphertext)
	nonce, _ := base64.StdEncoding.DecodeString(rec.Nonce)
	tag, _ := base64.StdEncoding.DecodeString(rec.AuthTag)

	plaintext, err := aead.Open(nil, nonce, append(ct, tag...), additionalData(ownerID, platform, rec.CreatedAt))
	if err != nil {
		return "", nil, "authentication"
	}
	defer clear(plaintext)

	var env envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return "", nil, "envelope"
	}
	if env.Timestamp != rec.CreatedAt || env.Platform != platform {
		return "", nil, "envelope_context"
	}

	encryptedAt, _ := time.Parse(time.RFC3339Nano, rec.CreatedAt)
	return env.Secret, &Verification{
		EncryptedAt: encryptedAt,
		Algorithm:   rec.Algorithm,
		KeyVersion:  rec.KeyVersion,
		Metadata:    env.Metadata,
	}, ""
}

// Reseal opens rec and seals the secret again under the active key version.
func (e *Engine) Reseal(rec *EncryptedSecret, ownerID, platform string) (*EncryptedSecret, error) {
	secret, v, err := e.Unseal(rec, ownerID, platform)
	if err != nil {
		return nil, err
	}
	return e.Seal(secret, ownerID, platform, v.Metadata)
}

// VerifyIntegrity performs structural checks on rec without decrypting it.
func (e *Engine) VerifyIntegrity(rec *EncryptedSecret) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrIntegrity)
	}
	required := map[string]string{
		"ciphertext":        rec.Ciphertext,
		"nonce":             rec.Nonce,
		"auth_tag":          rec.AuthTag,
		"algorithm":         rec.Algorithm,
		"created_at":        rec.CreatedAt,
		"owner_fingerprint": rec.OwnerFingerprint,
		"platform":          rec.Platform,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%w: missing %s", ErrIntegrity, name)
		}
	}
	if !isAlgorithmSupported(rec.Algorithm, e.supported) {
		return fmt.Errorf("%w: unsupported algorithm %s", ErrIntegrity, rec.Algorithm)
	}
	if rec.KeyVersion < 1 {
		return fmt.Errorf("%w: invalid key version %d", ErrIntegrity, rec.KeyVersion)
	}
	if _, ok := e.keys.Resolve(rec.KeyVersion, rec.KeyID); !ok {
		if rec.KeyID != "" {
			return fmt.Errorf("%w: unknown master key %s", ErrIntegrity, rec.KeyID)
		}
		return fmt.Errorf("%w: unknown key version %d", ErrIntegrity, rec.KeyVersion)
	}

	if _, err := base64.StdEncoding.DecodeString(rec.Ciphertext); err != nil {
		return fmt.Errorf("%w: ciphertext is not valid base64", ErrIntegrity)
	}
	nonce, err := base64.StdEncoding.DecodeString(rec.Nonce)
	if err != nil {
		return fmt.Errorf("%w: nonce is not valid base64", ErrIntegrity)
	}
	if want, _ := nonceSizeFor(rec.Algorithm); len(nonce) != want {
		return fmt.Errorf("%w: nonce must be %d bytes", ErrIntegrity, want)
	}
	tag, err := base64.StdEncoding.DecodeString(rec.AuthTag)
	if err != nil {
		return fmt.Errorf("%w: auth tag is not valid base64", ErrIntegrity)
	}
	if len(tag) != tagSize {
		return fmt.Errorf("%w: auth tag must be %d bytes", ErrIntegrity, tagSize)
	}
	if _, err := time.Parse(time.RFC3339Nano, rec.CreatedAt); err != nil {
		return fmt.Errorf("%w: created_at is not a timestamp", ErrIntegrity)
	}
	return nil
}

// AuditFingerprint returns a short keyed fingerprint of secret suitable for
// audit logs. Equal secrets for the same owner and platform yield equal
// fingerprints across records.
func (e *Engine) AuditFingerprint(secret, ownerID, platform string) string {
	mac := hmac.New(sha256.New, e.fingerprintKey)
	mac.Write([]byte(secret))
	mac.Write([]byte("audit_v1_" + platform + "_" + OwnerFingerprint(ownerID)))
	return hex.EncodeToString(mac.Sum(nil))[:fingerprintLen]
}

// RotateMasterKey installs material as the new active master key version. A
// nil material generates a random key. Older versions stay available for
// opening existing records.
func (e *Engine) RotateMasterKey(material []byte) (int, error) {
	version, err := e.keys.Rotate(material, e.clock.Now())
	if err != nil {
		return 0, err
	}
	e.logger.WithField("key_version", version).Info("Master key rotated")
	return version, nil
}

// ActiveKeyVersion returns the version new records are sealed under.
func (e *Engine) ActiveKeyVersion() int {
	v, _ := e.keys.Active()
	return v
}

// SealedUnderActiveKey reports whether rec was sealed with the active master
// key. Records without a key id are compared by version.
func (e *Engine) SealedUnderActiveKey(rec *EncryptedSecret) bool {
	if rec.KeyID != "" {
		return rec.KeyID == e.keys.ActiveID()
	}
	return rec.KeyVersion == e.ActiveKeyVersion()
}

// KeyStatus reports the keyring state.
func (e *Engine) KeyStatus() KeyStatus {
	since := e.keys.activeSince()
	age := e.clock.Now().Sub(since)
	return KeyStatus{
		ActiveVersion:    e.ActiveKeyVersion(),
		RetainedVersions: e.keys.Versions(),
		ActiveSince:      since,
		Age:              age,
		RotationDue:      e.maxKeyAge > 0 && age > e.maxKeyAge,
	}
}
