package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/credential-gateway/internal/errs"
)

func testMasterKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, MasterKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Logger == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.ErrorLevel)
		opts.Logger = logger
	}
	e, err := NewEngine(testMasterKey(t), opts)
	require.NoError(t, err)
	return e
}

func TestEngine_RoundTrip(t *testing.T) {
	e := newTestEngine(t, Options{})

	tests := []struct {
		name     string
		secret   string
		owner    string
		platform string
	}{
		{"pat", "pat-123", "u1", "azure_devops"},
		{"unicode", "sécrét-🔑", "user@example.com", "github"},
		{"long", strings.Repeat("x", 4096), "github:42", "gitlab"},
		{"colons", "a:b:c", "owner:with:colons", "azure_devops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := e.Seal(tt.secret, tt.owner, tt.platform, map[string]string{"org": "contoso"})
			require.NoError(t, err)
			assert.Equal(t, AlgorithmAES256GCM, rec.Algorithm)
			assert.Equal(t, 1, rec.KeyVersion)
			assert.Equal(t, OwnerFingerprint(tt.owner), rec.OwnerFingerprint)
			assert.NotContains(t, rec.Ciphertext, tt.secret)

			got, v, err := e.Unseal(rec, tt.owner, tt.platform)
			require.NoError(t, err)
			assert.Equal(t, tt.secret, got)
			assert.Equal(t, 1, v.KeyVersion)
			assert.Equal(t, "contoso", v.Metadata["org"])
			assert.False(t, v.EncryptedAt.IsZero())
		})
	}
}

func TestEngine_ConcreteScenario(t *testing.T) {
	e := newTestEngine(t, Options{})

	rec, err := e.Seal("pat-123", "u1", "azure_devops", nil)
	require.NoError(t, err)

	secret, _, err := e.Unseal(rec, "u1", "azure_devops")
	require.NoError(t, err)
	assert.Equal(t, "pat-123", secret)
}

func TestEngine_ChaCha20Poly1305(t *testing.T) {
	e := newTestEngine(t, Options{PreferredAlgorithm: AlgorithmChaCha20Poly1305})

	rec, err := e.Seal("token", "u1", "github", nil)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmChaCha20Poly1305, rec.Algorithm)

	secret, _, err := e.Unseal(rec, "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "token", secret)
}

func TestEngine_FreshNoncePerSeal(t *testing.T) {
	e := newTestEngine(t, Options{})

	a, err := e.Seal("same", "u1", "github", nil)
	require.NoError(t, err)
	b, err := e.Seal("same", "u1", "github", nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext+a.AuthTag, b.Ciphertext+b.AuthTag)
}

func flipByte(t *testing.T, encoded string, index int) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	raw[index%len(raw)] ^= 0x01
	return base64.StdEncoding.EncodeToString(raw)
}

func TestEngine_TamperDetection(t *testing.T) {
	e := newTestEngine(t, Options{})
	rec, err := e.Seal("pat-123", "u1", "azure_devops", nil)
	require.NoError(t, err)

	ctLen := len(mustDecode(t, rec.Ciphertext))
	for i := 0; i < ctLen; i++ {
		tampered := *rec
		tampered.Ciphertext = flipByte(t, rec.Ciphertext, i)
		_, _, err := e.Unseal(&tampered, "u1", "azure_devops")
		require.ErrorIs(t, err, errs.ErrDecryptionFailed, "ciphertext byte %d", i)
	}
	for i := 0; i < nonceSize; i++ {
		tampered := *rec
		tampered.Nonce = flipByte(t, rec.Nonce, i)
		_, _, err := e.Unseal(&tampered, "u1", "azure_devops")
		require.ErrorIs(t, err, errs.ErrDecryptionFailed, "nonce byte %d", i)
	}
	for i := 0; i < tagSize; i++ {
		tampered := *rec
		tampered.AuthTag = flipByte(t, rec.AuthTag, i)
		_, _, err := e.Unseal(&tampered, "u1", "azure_devops")
		require.ErrorIs(t, err, errs.ErrDecryptionFailed, "tag byte %d", i)
	}

	t.Run("timestamp replay", func(t *testing.T) {
		tampered := *rec
		ts, err := time.Parse(time.RFC3339Nano, rec.CreatedAt)
		require.NoError(t, err)
		tampered.CreatedAt = ts.Add(time.Second).Format(time.RFC3339Nano)
		_, _, err = e.Unseal(&tampered, "u1", "azure_devops")
		assert.ErrorIs(t, err, errs.ErrDecryptionFailed)
	})

	t.Run("error text is uniform", func(t *testing.T) {
		tampered := *rec
		tampered.AuthTag = flipByte(t, rec.AuthTag, 0)
		_, _, tagErr := e.Unseal(&tampered, "u1", "azure_devops")
		_, _, ownerErr := e.Unseal(rec, "u2", "azure_devops")
		assert.Equal(t, tagErr.Error(), ownerErr.Error())
	})
}

func mustDecode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestEngine_TenantIsolation(t *testing.T) {
	e := newTestEngine(t, Options{})
	rec, err := e.Seal("pat-123", "u1", "azure_devops", nil)
	require.NoError(t, err)

	_, _, err = e.Unseal(rec, "u2", "azure_devops")
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)

	_, _, err = e.Unseal(rec, "u1", "github")
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)

	// Rewriting the visible context fields does not help either.
	swapped := *rec
	swapped.OwnerFingerprint = OwnerFingerprint("u2")
	_, _, err = e.Unseal(&swapped, "u2", "azure_devops")
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)

	swapped = *rec
	swapped.Platform = "github"
	_, _, err = e.Unseal(&swapped, "u1", "github")
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)
}

func TestEngine_DifferentMasterKeys(t *testing.T) {
	a := newTestEngine(t, Options{})
	b := newTestEngine(t, Options{})

	rec, err := a.Seal("pat-123", "u1", "github", nil)
	require.NoError(t, err)
	_, _, err = b.Unseal(rec, "u1", "github")
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)
}

func TestEngine_Rotation(t *testing.T) {
	e := newTestEngine(t, Options{})

	old, err := e.Seal("old-secret", "u1", "github", nil)
	require.NoError(t, err)

	version, err := e.RotateMasterKey(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, 2, e.ActiveKeyVersion())

	secret, v, err := e.Unseal(old, "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "old-secret", secret)
	assert.Equal(t, 1, v.KeyVersion)

	fresh, err := e.Seal("new-secret", "u1", "github", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.KeyVersion)

	resealed, err := e.Reseal(old, "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, 2, resealed.KeyVersion)
	secret, _, err = e.Unseal(resealed, "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "old-secret", secret)

	_, err = e.RotateMasterKey([]byte("short"))
	assert.Error(t, err)
	assert.Equal(t, []int{1, 2}, e.KeyStatus().RetainedVersions)
}

func TestEngine_RestartAfterRotation(t *testing.T) {
	first, second := testMasterKey(t), testMasterKey(t)
	opts := Options{Logger: logrus.New()}

	e, err := NewEngine(first, opts)
	require.NoError(t, err)
	old, err := e.Seal("old-secret", "u1", "github", nil)
	require.NoError(t, err)
	_, err = e.RotateMasterKey(second)
	require.NoError(t, err)
	fresh, err := e.Seal("new-secret", "u1", "github", nil)
	require.NoError(t, err)
	require.Equal(t, 2, fresh.KeyVersion)
	assert.NotEqual(t, old.KeyID, fresh.KeyID)
	fp := e.AuditFingerprint("new-secret", "u1", "github")

	// The rotated key is now the only configured key.
	restarted, err := NewEngine(second, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, restarted.ActiveKeyVersion())

	secret, v, err := restarted.Unseal(fresh, "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "new-secret", secret)
	assert.Equal(t, 2, v.KeyVersion)
	assert.True(t, restarted.SealedUnderActiveKey(fresh))

	err = restarted.VerifyIntegrity(old)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Contains(t, err.Error(), "unknown master key")

	// With the replaced key retained, both generations open.
	retained, err := NewEngine(second, Options{Logger: logrus.New(), PreviousKeys: [][]byte{first}})
	require.NoError(t, err)
	assert.Equal(t, 2, retained.ActiveKeyVersion())

	secret, _, err = retained.Unseal(old, "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "old-secret", secret)
	assert.False(t, retained.SealedUnderActiveKey(old))

	secret, _, err = retained.Unseal(fresh, "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "new-secret", secret)
	assert.True(t, retained.SealedUnderActiveKey(fresh))
	assert.Equal(t, fp, retained.AuditFingerprint("new-secret", "u1", "github"))
}

func TestEngine_LegacyRecordWithoutKeyID(t *testing.T) {
	e := newTestEngine(t, Options{})
	rec, err := e.Seal("s", "u1", "github", nil)
	require.NoError(t, err)

	rec.KeyID = ""
	secret, _, err := e.Unseal(rec, "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "s", secret)
	assert.True(t, e.SealedUnderActiveKey(rec))

	_, err = e.RotateMasterKey(nil)
	require.NoError(t, err)
	assert.False(t, e.SealedUnderActiveKey(rec))
}

func TestKeyID(t *testing.T) {
	key := testMasterKey(t)
	id, err := KeyID(key)
	require.NoError(t, err)
	assert.Len(t, id, 16)

	again, err := KeyID(append([]byte(nil), key...))
	require.NoError(t, err)
	assert.Equal(t, id, again)

	other, err := KeyID(testMasterKey(t))
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	_, err = KeyID([]byte("short"))
	assert.Error(t, err)
}

func TestEngine_UnknownKeyVersion(t *testing.T) {
	e := newTestEngine(t, Options{})
	rec, err := e.Seal("s", "u1", "github", nil)
	require.NoError(t, err)

	rec.KeyVersion = 9
	_, _, err = e.Unseal(rec, "u1", "github")
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)
}

func TestEngine_VerifyIntegrity(t *testing.T) {
	e := newTestEngine(t, Options{})
	valid, err := e.Seal("s", "u1", "github", nil)
	require.NoError(t, err)
	require.NoError(t, e.VerifyIntegrity(valid))

	tests := []struct {
		name   string
		mutate func(r *EncryptedSecret)
	}{
		{"missing ciphertext", func(r *EncryptedSecret) { r.Ciphertext = "" }},
		{"missing owner", func(r *EncryptedSecret) { r.OwnerFingerprint = "" }},
		{"unsupported algorithm", func(r *EncryptedSecret) { r.Algorithm = "DES" }},
		{"unknown version", func(r *EncryptedSecret) { r.KeyVersion = 0 }},
		{"bad base64 nonce", func(r *EncryptedSecret) { r.Nonce = "%%%" }},
		{"short nonce", func(r *EncryptedSecret) { r.Nonce = base64.StdEncoding.EncodeToString([]byte("short")) }},
		{"short tag", func(r *EncryptedSecret) { r.AuthTag = base64.StdEncoding.EncodeToString([]byte("x")) }},
		{"bad timestamp", func(r *EncryptedSecret) { r.CreatedAt = "yesterday" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := *valid
			tt.mutate(&rec)
			err := e.VerifyIntegrity(&rec)
			assert.ErrorIs(t, err, ErrIntegrity)

			_, _, err = e.Unseal(&rec, "u1", "github")
			assert.ErrorIs(t, err, errs.ErrDecryptionFailed)
		})
	}

	assert.ErrorIs(t, e.VerifyIntegrity(nil), ErrIntegrity)
}

func TestEngine_AuditFingerprint(t *testing.T) {
	e := newTestEngine(t, Options{})

	fp := e.AuditFingerprint("pat-123", "u1", "azure_devops")
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, e.AuditFingerprint("pat-123", "u1", "azure_devops"))
	assert.NotEqual(t, fp, e.AuditFingerprint("pat-124", "u1", "azure_devops"))
	assert.NotEqual(t, fp, e.AuditFingerprint("pat-123", "u2", "azure_devops"))
	assert.NotEqual(t, fp, e.AuditFingerprint("pat-123", "u1", "github"))

	_, err := e.RotateMasterKey(nil)
	require.NoError(t, err)
	assert.Equal(t, fp, e.AuditFingerprint("pat-123", "u1", "azure_devops"), "fingerprints survive rotation")
}

func TestEngine_SealValidation(t *testing.T) {
	e := newTestEngine(t, Options{})

	_, err := e.Seal("", "u1", "github", nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = e.Seal("s", "", "github", nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = e.Seal("s", "u1", "", nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = e.Seal(string(bytes.Repeat([]byte("a"), MaxSecretSize+1)), "u1", "github", nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestNewEngine_Errors(t *testing.T) {
	_, err := NewEngine(make([]byte, 16), Options{})
	assert.Error(t, err)

	_, err = NewEngine(testMasterKey(t), Options{PreferredAlgorithm: "AES128-CBC"})
	assert.Error(t, err)

	_, err = NewEngine(testMasterKey(t), Options{
		PreferredAlgorithm:  AlgorithmChaCha20Poly1305,
		SupportedAlgorithms: []string{AlgorithmAES256GCM},
	})
	assert.Error(t, err)

	_, err = NewEngine(testMasterKey(t), Options{SupportedAlgorithms: []string{"ROT13"}})
	assert.Error(t, err)
}

func TestEngine_KeyStatus(t *testing.T) {
	clk := testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	e := newTestEngine(t, Options{Clock: clk, MaxKeyAge: 90 * 24 * time.Hour})

	status := e.KeyStatus()
	assert.Equal(t, 1, status.ActiveVersion)
	assert.False(t, status.RotationDue)

	clk.Advance(91 * 24 * time.Hour)
	status = e.KeyStatus()
	assert.True(t, status.RotationDue)

	_, err := e.RotateMasterKey(nil)
	require.NoError(t, err)
	status = e.KeyStatus()
	assert.Equal(t, 2, status.ActiveVersion)
	assert.False(t, status.RotationDue)
	assert.Equal(t, time.Duration(0), status.Age)
}

func TestOwnerFingerprint(t *testing.T) {
	fp := OwnerFingerprint("u1")
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, OwnerFingerprint("u1"))
	assert.NotEqual(t, fp, OwnerFingerprint("u2"))
	assert.NotContains(t, fp, "u1")
}
