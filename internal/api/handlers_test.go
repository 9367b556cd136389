package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/credential-gateway/internal/apikey"
	"github.com/kenneth/credential-gateway/internal/audit"
	"github.com/kenneth/credential-gateway/internal/crypto"
	"github.com/kenneth/credential-gateway/internal/gate"
	"github.com/kenneth/credential-gateway/internal/metrics"
	"github.com/kenneth/credential-gateway/internal/middleware"
	"github.com/kenneth/credential-gateway/internal/oauth"
	"github.com/kenneth/credential-gateway/internal/ratelimit"
	"github.com/kenneth/credential-gateway/internal/store"
	"github.com/kenneth/credential-gateway/internal/vault"
)

func newIdentityProvider(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"access-1","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 583231, "login": "octocat", "email": "octo@example.com"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testServer struct {
	router *mux.Router
	issuer *apikey.Issuer
	audit  audit.Logger
	reg    *prometheus.Registry
}

func newTestServer(t *testing.T, withOAuth bool) *testServer {
	t.Helper()
	clk := testclock.NewClock(time.Now())
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	auditLog := audit.NewLogger(1000, nil, audit.WithClock(clk))

	limiter, err := ratelimit.New(store.NewMemory[ratelimit.State](clk), ratelimit.DefaultPolicy(), logger,
		ratelimit.WithClock(clk), ratelimit.WithMetrics(m))
	require.NoError(t, err)

	signing := make([]byte, 32)
	_, err = rand.Read(signing)
	require.NoError(t, err)
	issuer, err := apikey.NewIssuer(store.NewMemory[apikey.Credential](clk), signing, apikey.Options{Clock: clk, Logger: logger})
	require.NoError(t, err)

	master := make([]byte, crypto.MasterKeySize)
	_, err = rand.Read(master)
	require.NoError(t, err)
	engine, err := crypto.NewEngine(master, crypto.Options{Clock: clk, Logger: logger})
	require.NoError(t, err)
	secrets := vault.NewService(vault.NewMemoryRepository(), engine, vault.Options{Clock: clk, Logger: logger, Metrics: m, Audit: auditLog})

	var sessions *oauth.Manager
	components := gate.Components{Limiter: limiter, Keys: issuer, Secrets: secrets}
	if withOAuth {
		idp := newIdentityProvider(t)
		p, err := oauth.NewProvider(oauth.ProviderConfig{
			Name:         "github",
			ClientID:     "client",
			ClientSecret: "secret",
			AuthURL:      idp.URL + "/authorize",
			TokenURL:     idp.URL + "/token",
			UserInfoURL:  idp.URL + "/user",
		}, "https://gateway.example.com")
		require.NoError(t, err)
		sessions, err = oauth.NewManager([]*oauth.Provider{p},
			store.NewMemory[oauth.State](clk), store.NewMemory[oauth.Session](clk),
			oauth.Options{HTTPClient: idp.Client(), Clock: clk, Logger: logger, Audit: auditLog})
		require.NoError(t, err)
		components.Sessions = sessions
	}

	g, err := gate.New(components, gate.Options{Logger: logger, Metrics: m, Audit: auditLog})
	require.NoError(t, err)

	h, err := NewHandler(Deps{
		Gate:     g,
		Keys:     issuer,
		Sessions: sessions,
		Secrets:  secrets,
		Engine:   engine,
		Logger:   logger,
		Metrics:  m,
		Audit:    auditLog,
	})
	require.NoError(t, err)

	router := mux.NewRouter()
	router.Use(middleware.RequestIDMiddleware())
	h.RegisterRoutes(router)
	return &testServer{router: router, issuer: issuer, audit: auditLog, reg: reg}
}

type call struct {
	method  string
	path    string
	body    string
	token   string
	session string
}

func (s *testServer) do(c call) *httptest.ResponseRecorder {
	var req *http.Request
	if c.body != "" {
		req = httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(c.method, c.path, nil)
	}
	req.Header.Set("User-Agent", "handlers-test")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.session != "" {
		req.Header.Set(SessionHeader, c.session)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) issue(t *testing.T, owner string, scopes ...string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(context.Background(), owner, scopes)
	require.NoError(t, err)
	return token
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, false)

	rr := s.do(call{method: "GET", path: "/health"})
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "healthy", body["status"])
	key := body["key"].(map[string]interface{})
	assert.Equal(t, float64(1), key["active_version"])

	assert.Equal(t, http.StatusOK, s.do(call{method: "GET", path: "/ready"}).Code)
	assert.Equal(t, http.StatusOK, s.do(call{method: "GET", path: "/live"}).Code)
	assert.Equal(t, 1.0, requestCount(t, s.reg, "/health"))
}

func requestCount(t *testing.T, reg *prometheus.Registry, path string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != "http_requests_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "path" && l.GetValue() == path {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func TestOAuthLoginToAccess(t *testing.T) {
	s := newTestServer(t, true)

	rr := s.do(call{method: "GET", path: "/v1/oauth/providers"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"name":"github"`)

	rr = s.do(call{method: "GET", path: "/v1/oauth/github/authorize"})
	require.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)
	assert.Equal(t, "https://gateway.example.com/v1/oauth/github/callback", loc.Query().Get("redirect_uri"))

	rr = s.do(call{method: "GET", path: "/v1/oauth/github/callback?code=good-code&state=" + url.QueryEscape(state)})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode(t, rr)
	handle := body["session_handle"].(string)
	require.NotEmpty(t, handle)
	assert.Equal(t, "583231", body["identity"].(map[string]interface{})["id"])
	require.Len(t, rr.Result().Cookies(), 1)
	assert.True(t, rr.Result().Cookies()[0].HttpOnly)

	// The state is single use.
	rr = s.do(call{method: "GET", path: "/v1/oauth/github/callback?code=good-code&state=" + url.QueryEscape(state)})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "InvalidState", decode(t, rr)["code"])

	rr = s.do(call{method: "POST", path: "/v1/keys", body: `{"scopes":["read","write"]}`, session: handle})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	token := decode(t, rr)["token"].(string)
	assert.True(t, strings.HasPrefix(token, apikey.TokenPrefix))

	rr = s.do(call{method: "PUT", path: "/v1/secrets/github", body: `{"secret":"ghp_platform_token","organization_url":"https://github.com/acme"}`, token: token})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotContains(t, rr.Body.String(), "ghp_platform_token")

	rr = s.do(call{method: "GET", path: "/v1/secrets", token: token})
	require.Equal(t, http.StatusOK, rr.Code)
	listed := decode(t, rr)["secrets"].([]interface{})
	require.Len(t, listed, 1)
	assert.Equal(t, "https://github.com/acme", listed[0].(map[string]interface{})["organization_url"])

	rr = s.do(call{method: "POST", path: "/v1/access/github", token: token})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	grant := decode(t, rr)
	assert.Equal(t, "stored_secret", grant["kind"])
	assert.Equal(t, "Bearer", grant["scheme"])
	assert.Equal(t, gate.MethodAPIKey, grant["method"])
	assert.NotContains(t, rr.Body.String(), "ghp_platform_token")

	// The session sees the same tenant.
	rr = s.do(call{method: "POST", path: "/v1/access/github", session: handle})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(call{method: "DELETE", path: "/v1/secrets/github", token: token})
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = s.do(call{method: "POST", path: "/v1/access/github", token: token})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "CredentialNotFound", decode(t, rr)["code"])

	rr = s.do(call{method: "POST", path: "/v1/oauth/logout", session: handle})
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = s.do(call{method: "POST", path: "/v1/access/github", session: handle})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	s := newTestServer(t, true)

	rr := s.do(call{method: "GET", path: "/v1/oauth/github/callback?code=good-code&state=forged"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "InvalidState", decode(t, rr)["code"])
	assert.Empty(t, rr.Result().Cookies())

	rr = s.do(call{method: "GET", path: "/v1/oauth/github/callback?error=access_denied"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestOAuthDisabled(t *testing.T) {
	s := newTestServer(t, false)
	rr := s.do(call{method: "GET", path: "/v1/oauth/providers"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NotFound", decode(t, rr)["code"])
}

func TestAuthenticationErrors(t *testing.T) {
	s := newTestServer(t, false)
	readOnly := s.issue(t, "user-1", apikey.ScopeRead)

	tests := []struct {
		name   string
		c      call
		status int
		code   string
	}{
		{"no credentials", call{method: "GET", path: "/v1/secrets"}, http.StatusUnauthorized, "AuthenticationRequired"},
		{"malformed token", call{method: "GET", path: "/v1/secrets", token: "not-a-key"}, http.StatusUnauthorized, "AuthenticationFailed"},
		{"session while oauth disabled", call{method: "GET", path: "/v1/secrets", session: "nope"}, http.StatusUnauthorized, "AuthenticationRequired"},
		{"missing scope", call{method: "PUT", path: "/v1/secrets/github", body: `{"secret":"x"}`, token: readOnly}, http.StatusForbidden, "AccessDenied"},
		{"cross tenant", call{method: "POST", path: "/v1/access/github?owner_id=user-2", token: readOnly}, http.StatusForbidden, "AccessDenied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(tt.c)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			body := decode(t, rr)
			assert.Equal(t, tt.code, body["code"])
			assert.NotEmpty(t, body["request_id"])
			if tt.status == http.StatusUnauthorized {
				assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestRateLimitedResponse(t *testing.T) {
	s := newTestServer(t, false)

	limit := ratelimit.DefaultPolicy().Limits[ratelimit.ClassAuthentication].MaxRequests
	for i := 0; i < limit; i++ {
		rr := s.do(call{method: "GET", path: "/v1/keys", token: "bogus"})
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}
	rr := s.do(call{method: "GET", path: "/v1/keys", token: "bogus"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "TooManyRequests", decode(t, rr)["code"])
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestKeyManagement(t *testing.T) {
	s := newTestServer(t, false)
	admin := s.issue(t, "user-1", apikey.ScopeManageKeys, apikey.ScopeRead)

	// A key cannot mint broader scopes than it holds.
	rr := s.do(call{method: "POST", path: "/v1/keys", body: `{"scopes":["write"]}`, token: admin})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = s.do(call{method: "POST", path: "/v1/keys", body: `{"scopes":["read"]}`, token: admin})
	require.Equal(t, http.StatusCreated, rr.Code)
	issued := decode(t, rr)
	child := issued["token"].(string)
	id := issued["id"].(string)

	rr = s.do(call{method: "GET", path: "/v1/keys", token: admin})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["keys"], 2)
	assert.NotContains(t, rr.Body.String(), child)

	// Another owner cannot revoke it.
	other := s.issue(t, "user-2", apikey.ScopeManageKeys)
	rr = s.do(call{method: "DELETE", path: "/v1/keys/" + id, token: other})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(call{method: "DELETE", path: "/v1/keys/" + id, token: admin})
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = s.do(call{method: "GET", path: "/v1/secrets", token: child})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(call{method: "POST", path: "/v1/keys", body: `{"scopes":["read"],"extra":1}`, token: admin})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "InvalidInput", decode(t, rr)["code"])
}

func TestPutSecretValidation(t *testing.T) {
	s := newTestServer(t, false)
	token := s.issue(t, "user-1")

	rr := s.do(call{method: "PUT", path: "/v1/secrets/github", body: `{"secret":""}`, token: token})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "secret is required", decode(t, rr)["message"])

	rr = s.do(call{method: "PUT", path: "/v1/secrets/github", body: `{"secret":"x","ttl_seconds":-5}`, token: token})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(call{method: "PUT", path: "/v1/secrets/github", body: `{not json`, token: token})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "malformed JSON body", decode(t, rr)["message"])

	rr = s.do(call{method: "DELETE", path: "/v1/secrets/gitlab", token: token})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOversizedChunkedBodyBlocksClient(t *testing.T) {
	s := newTestServer(t, false)
	token := s.issue(t, "user-1")

	body := `{"secret":"` + strings.Repeat("a", defaultMaxBody) + `"}`
	req := httptest.NewRequest("PUT", "/v1/secrets/github", strings.NewReader(body))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "handlers-test")
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "ClientBlocked", decode(t, rr)["code"])
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	rr = s.do(call{method: "GET", path: "/v1/secrets", token: token})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code, "the client stays blocked")
}

func TestNewHandler_RequiresComponents(t *testing.T) {
	_, err := NewHandler(Deps{})
	assert.Error(t, err)
}
