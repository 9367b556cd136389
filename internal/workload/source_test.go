package workload

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCredential struct {
	scopes []string
	err    error
	expiry time.Time
}

func (f *fakeCredential) GetToken(_ context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	f.scopes = opts.Scopes
	if f.err != nil {
		return azcore.AccessToken{}, f.err
	}
	return azcore.AccessToken{Token: "mi-token", ExpiresOn: f.expiry}, nil
}

func TestAzureSource(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	cred := &fakeCredential{expiry: expiry}
	src := newAzureSource("", cred)
	assert.Equal(t, PlatformAzureDevOps, src.Platform())

	lease, err := src.Acquire(context.Background(), "https://dev.azure.com/")
	require.NoError(t, err)
	assert.Equal(t, "mi-token", lease.Token)
	assert.Equal(t, expiry, lease.ExpiresAt)
	assert.Equal(t, []string{AzureDevOpsScope}, cred.scopes)

	cred.err = errors.New("no managed identity endpoint")
	_, err = src.Acquire(context.Background(), "")
	assert.Error(t, err)
}

func TestScopeFor(t *testing.T) {
	tests := map[string]string{
		"":                              AzureDevOpsScope,
		"https://dev.azure.com/":        AzureDevOpsScope,
		"https://management.azure.com/": "https://management.azure.com/.default",
		"api://my-app/.default":         "api://my-app/.default",
	}
	for in, want := range tests {
		assert.Equal(t, want, scopeFor(in), in)
	}
}

func testRSAKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return key, pemBytes
}

func TestGitHubAppSource_InstallationToken(t *testing.T) {
	key, pemBytes := testRSAKey(t)
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/app/installations/4242/access_tokens" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		var claims jwt.RegisteredClaims
		_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		if err != nil || claims.Issuer != "1234" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > appJWTLifetime {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token":       "ghs_installation",
			"expires_at":  expires.Format(time.RFC3339),
			"permissions": map[string]string{"issues": "write"},
		})
	}))
	defer srv.Close()

	src, err := NewGitHubAppSource(GitHubAppConfig{
		AppID:          "1234",
		InstallationID: "4242",
		PrivateKeyPEM:  pemBytes,
		BaseURL:        srv.URL,
		HTTPClient:     srv.Client(),
		Clock:          testclock.NewClock(time.Now()),
	})
	require.NoError(t, err)

	lease, err := src.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "ghs_installation", lease.Token)
	assert.True(t, expires.Equal(lease.ExpiresAt))
	assert.Equal(t, []string{"issues:write"}, lease.Scopes)
	assert.Equal(t, "4242", lease.Metadata["installation_id"])

	lease, err = src.Acquire(context.Background(), "4242")
	require.NoError(t, err)
	assert.Equal(t, "4242", lease.Metadata["installation_id"])

	_, err = src.Acquire(context.Background(), "9999")
	assert.ErrorIs(t, err, ErrResourceNotAllowed)

	_, err = src.Acquire(context.Background(), "../../user")
	assert.ErrorIs(t, err, ErrResourceNotAllowed)
}

func TestGitHubAppSource_AllowedInstallations(t *testing.T) {
	_, pemBytes := testRSAKey(t)
	var (
		mu        sync.Mutex
		requested []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requested = append(requested, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token":      "ghs_" + strings.Split(r.URL.Path, "/")[3],
			"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	src, err := NewGitHubAppSource(GitHubAppConfig{
		AppID:                "1234",
		AllowedInstallations: []string{"100", " 200 "},
		PrivateKeyPEM:        pemBytes,
		BaseURL:              srv.URL,
		HTTPClient:           srv.Client(),
	})
	require.NoError(t, err)

	lease, err := src.Acquire(context.Background(), "200")
	require.NoError(t, err)
	assert.Equal(t, "ghs_200", lease.Token)

	for _, resource := range []string{"300", "1000", "100/../300"} {
		_, err = src.Acquire(context.Background(), resource)
		assert.ErrorIs(t, err, ErrResourceNotAllowed, resource)
	}
	mu.Lock()
	assert.Equal(t, []string{"/app/installations/200/access_tokens"}, requested, "refused ids never reach GitHub")
	mu.Unlock()

	_, err = NewGitHubAppSource(GitHubAppConfig{
		AppID:                "1234",
		AllowedInstallations: []string{"not-a-number"},
		PrivateKeyPEM:        pemBytes,
	})
	assert.Error(t, err)
}

func TestGitHubAppSource_AppJWTWithoutInstallation(t *testing.T) {
	key, pemBytes := testRSAKey(t)
	clk := testclock.NewClock(time.Now())
	src, err := NewGitHubAppSource(GitHubAppConfig{AppID: "77", PrivateKeyPEM: pemBytes, Clock: clk})
	require.NoError(t, err)

	lease, err := src.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"app"}, lease.Scopes)
	assert.WithinDuration(t, clk.Now().Add(9*time.Minute), lease.ExpiresAt, time.Second)

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(lease.Token, &claims, func(*jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "77", claims.Issuer)
}

func TestNewGitHubAppSource_Errors(t *testing.T) {
	_, err := NewGitHubAppSource(GitHubAppConfig{PrivateKeyPEM: []byte("x")})
	assert.Error(t, err)
	_, err = NewGitHubAppSource(GitHubAppConfig{AppID: "1", PrivateKeyPEM: []byte("not pem")})
	assert.Error(t, err)
}

func TestEnvTokenSource(t *testing.T) {
	clk := testclock.NewClock(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("unrelated"))
	require.NoError(t, err)

	env := map[string]string{"SERVICE_JWT": signed, "SERVICE_OPAQUE": " opaque-token \n", "EMPTY": ""}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	tests := []struct {
		name      string
		variable  string
		wantErr   error
		wantToken string
		wantExp   time.Time
	}{
		{name: "jwt expiry", variable: "SERVICE_JWT", wantToken: signed, wantExp: exp},
		{name: "opaque", variable: "SERVICE_OPAQUE", wantToken: "opaque-token", wantExp: clk.Now().Add(DefaultEnvTokenLifetime)},
		{name: "empty", variable: "EMPTY", wantErr: ErrUnavailable},
		{name: "unset", variable: "MISSING", wantErr: ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewEnvTokenSource("supabase", tt.variable, clk)
			src.lookup = lookup
			lease, err := src.Acquire(context.Background(), "")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantToken, lease.Token)
			assert.True(t, tt.wantExp.Equal(lease.ExpiresAt), "expiry %s", lease.ExpiresAt)
			assert.Equal(t, "supabase", lease.Platform)
		})
	}
}
