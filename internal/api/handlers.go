package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/credential-gateway/internal/apikey"
	"github.com/kenneth/credential-gateway/internal/audit"
	"github.com/kenneth/credential-gateway/internal/crypto"
	"github.com/kenneth/credential-gateway/internal/errs"
	"github.com/kenneth/credential-gateway/internal/gate"
	"github.com/kenneth/credential-gateway/internal/metrics"
	"github.com/kenneth/credential-gateway/internal/middleware"
	"github.com/kenneth/credential-gateway/internal/oauth"
	"github.com/kenneth/credential-gateway/internal/ratelimit"
	"github.com/kenneth/credential-gateway/internal/vault"
)

const (
	// SessionHeader carries an OAuth session handle.
	SessionHeader = "X-Session-Handle"
	// SessionCookie carries the handle for browser clients.
	SessionCookie = "cgw_session"

	defaultMaxBody = 1 << 20
)

// Deps are the components served over HTTP. Sessions may be nil when OAuth
// is disabled.
type Deps struct {
	Gate     *gate.Gate
	Keys     *apikey.Issuer
	Sessions *oauth.Manager
	Secrets  *vault.Service
	Engine   *crypto.Engine
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
	Audit    audit.Logger

	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
	MaxBodyBytes  int64
}

// Handler serves the gateway API.
type Handler struct {
	gate          *gate.Gate
	keys          *apikey.Issuer
	sessions      *oauth.Manager
	secrets       *vault.Service
	engine        *crypto.Engine
	logger        *logrus.Logger
	metrics       *metrics.Metrics
	audit         audit.Logger
	secureCookies bool
	maxBody       int64
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) (*Handler, error) {
	if d.Gate == nil || d.Keys == nil || d.Secrets == nil || d.Engine == nil {
		return nil, errors.New("api handler requires a gate, an issuer, a secret service and an engine")
	}
	if d.Logger == nil {
		d.Logger = logrus.New()
	}
	if d.Audit == nil {
		d.Audit = audit.Discard()
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = defaultMaxBody
	}
	return &Handler{
		gate:          d.Gate,
		keys:          d.Keys,
		sessions:      d.Sessions,
		secrets:       d.Secrets,
		engine:        d.Engine,
		logger:        d.Logger,
		metrics:       d.Metrics,
		audit:         d.Audit,
		secureCookies: d.SecureCookies,
		maxBody:       d.MaxBodyBytes,
	}, nil
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.instrument("/health", h.handleHealth)).Methods("GET")
	r.HandleFunc("/ready", h.instrument("/ready", h.handleReady)).Methods("GET")
	r.HandleFunc("/live", h.instrument("/live", h.handleLive)).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/oauth/providers", h.instrument("/v1/oauth/providers", h.handleProviders)).Methods("GET")
	v1.HandleFunc("/oauth/logout", h.instrument("/v1/oauth/logout", h.handleLogout)).Methods("POST")
	v1.HandleFunc("/oauth/{provider}/authorize", h.instrument("/v1/oauth/{provider}/authorize", h.handleAuthorize)).Methods("GET")
	v1.HandleFunc("/oauth/{provider}/callback", h.instrument("/v1/oauth/{provider}/callback", h.handleCallback)).Methods("GET")

	v1.HandleFunc("/keys", h.instrument("/v1/keys", h.handleIssueKey)).Methods("POST")
	v1.HandleFunc("/keys", h.instrument("/v1/keys", h.handleListKeys)).Methods("GET")
	v1.HandleFunc("/keys/{id}", h.instrument("/v1/keys/{id}", h.handleRevokeKey)).Methods("DELETE")

	v1.HandleFunc("/secrets", h.instrument("/v1/secrets", h.handleListSecrets)).Methods("GET")
	v1.HandleFunc("/secrets/{platform}", h.instrument("/v1/secrets/{platform}", h.handlePutSecret)).Methods("PUT")
	v1.HandleFunc("/secrets/{platform}", h.instrument("/v1/secrets/{platform}", h.handleDeleteSecret)).Methods("DELETE")

	v1.HandleFunc("/access/{platform}", h.instrument("/v1/access/{platform}", h.handleAccess)).Methods("POST")
}

// statusRecorder captures the status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

// instrument records request metrics under the route template.
func (h *Handler) instrument(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		fn(rec, r)
		if h.metrics != nil {
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			h.metrics.RecordHTTPRequest(r.Method, route, status, time.Since(start), rec.bytes)
		}
	}
}

// newRequest builds the access descriptor of r.
func (h *Handler) newRequest(r *http.Request) *gate.Request {
	req := &gate.Request{
		ClientIP:      middleware.ClientIP(r),
		UserAgent:     r.UserAgent(),
		Path:          r.URL.Path,
		Method:        r.Method,
		BodySize:      r.ContentLength,
		SessionHandle: sessionHandle(r),
		CorrelationID: audit.CorrelationID(r.Context()),
	}
	if req.BodySize < 0 {
		req.BodySize = 0
	}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		req.BearerToken = strings.TrimSpace(auth[7:])
	}
	return req
}

func sessionHandle(r *http.Request) string {
	if v := r.Header.Get(SessionHeader); v != "" {
		return v
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// admit applies rate limiting only.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request) bool {
	if _, err := h.gate.Admit(r.Context(), h.newRequest(r)); err != nil {
		h.writeError(w, r, err)
		return false
	}
	return true
}

// authorize applies rate limiting and authenticates the caller for scope.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, scope string) (*gate.Principal, bool) {
	req := h.newRequest(r)
	req.RequiredScope = scope
	if _, err := h.gate.Admit(r.Context(), req); err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	p, err := h.gate.Authenticate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return p, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	gwErr := TranslateError(err)
	gwErr.RequestID = audit.CorrelationID(r.Context())
	if gwErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.WithFields(logrus.Fields{
			"method":         r.Method,
			"path":           r.URL.Path,
			"correlation_id": gwErr.RequestID,
			"error":          err.Error(),
		}).Error("Request failed")
	}
	gwErr.WriteJSON(w)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Debug("Failed to encode response")
	}
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return h.oversized(r)
		}
		return errs.InvalidInput("malformed JSON body")
	}
	return nil
}

// handleHealth reports liveness together with the master key status.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.engine.KeyStatus()
	body := map[string]interface{}{
		"status": "healthy",
		"key": map[string]interface{}{
			"active_version":    status.ActiveVersion,
			"retained_versions": status.RetainedVersions,
			"age_seconds":       int64(status.Age.Seconds()),
			"rotation_due":      status.RotationDue,
		},
	}
	if status.RotationDue {
		body["status"] = "degraded"
	}
	h.writeJSON(w, http.StatusOK, body)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *Handler) oauthEnabled(w http.ResponseWriter, r *http.Request) bool {
	if h.sessions == nil {
		(&GatewayError{
			Code:       "NotFound",
			Message:    "OAuth login is not enabled",
			RequestID:  audit.CorrelationID(r.Context()),
			HTTPStatus: http.StatusNotFound,
		}).WriteJSON(w)
		return false
	}
	return true
}

func (h *Handler) handleProviders(w http.ResponseWriter, r *http.Request) {
	if !h.oauthEnabled(w, r) {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"providers": h.sessions.Providers()})
}

// handleAuthorize redirects to the provider's consent page.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !h.oauthEnabled(w, r) || !h.admit(w, r) {
		return
	}
	provider := mux.Vars(r)["provider"]
	url, _, err := h.sessions.Begin(r.Context(), provider, r.URL.Query().Get("login_hint"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

type sessionResponse struct {
	SessionHandle string         `json:"session_handle"`
	ExpiresAt     time.Time      `json:"expires_at"`
	Identity      oauth.Identity `json:"identity"`
}

// handleCallback completes the authorization code flow.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !h.oauthEnabled(w, r) || !h.admit(w, r) {
		return
	}
	q := r.URL.Query()
	provider := mux.Vars(r)["provider"]
	if e := q.Get("error"); e != "" {
		h.writeError(w, r, errs.InvalidInput("authorization was not granted"))
		return
	}

	est, err := h.sessions.Complete(r.Context(), provider, q.Get("code"), q.Get("state"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    est.Handle,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	h.writeJSON(w, http.StatusOK, sessionResponse{
		SessionHandle: est.Handle,
		ExpiresAt:     est.Session.Expiry,
		Identity:      est.Session.Identity,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !h.oauthEnabled(w, r) || !h.admit(w, r) {
		return
	}
	if _, err := h.sessions.Logout(r.Context(), sessionHandle(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

type issueKeyRequest struct {
	Scopes []string `json:"scopes"`
}

type issueKeyResponse struct {
	Token     string    `json:"token"`
	ID        string    `json:"id"`
	DisplayID string    `json:"display_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleIssueKey mints an API key for the caller. The token is returned once.
func (h *Handler) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, apikey.ScopeManageKeys)
	if !ok {
		return
	}
	var body issueKeyRequest
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	// A key cannot grant more than the key that created it.
	if p.Method == gate.MethodAPIKey {
		for _, s := range body.Scopes {
			if !containsScope(p.Scopes, s) {
				h.writeError(w, r, fmt.Errorf("%w: scope %s not held", errs.ErrAuthorizationDenied, s))
				return
			}
		}
		if len(body.Scopes) == 0 {
			body.Scopes = p.Scopes
		}
	}

	token, cred, err := h.keys.Issue(r.Context(), p.OwnerID, body.Scopes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit.LogCredentialOperation("issue_api_key", "", audit.CorrelationID(r.Context()), p.OwnerFingerprint(), true)
	h.writeJSON(w, http.StatusCreated, issueKeyResponse{
		Token:     token,
		ID:        cred.ID,
		DisplayID: cred.DisplayID,
		Scopes:    cred.Scopes,
		ExpiresAt: cred.ExpiresAt,
	})
}

func containsScope(scopes []string, s string) bool {
	for _, v := range scopes {
		if v == s {
			return true
		}
	}
	return false
}

// oversized reports a body that overran the limit while being read. Bodies
// without a Content-Length pass admission unsized, so the limiter only
// learns of them here.
func (h *Handler) oversized(r *http.Request) error {
	req := h.newRequest(r)
	if req.BodySize <= h.maxBody {
		req.BodySize = h.maxBody + 1
		if _, err := h.gate.Admit(r.Context(), req); err != nil {
			return err
		}
	}
	return errs.InvalidInput("request body exceeds %d bytes", h.maxBody)
}

func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, apikey.ScopeManageKeys)
	if !ok {
		return
	}
	keys, err := h.keys.List(r.Context(), p.OwnerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []apikey.KeyInfo{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

func (h *Handler) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, apikey.ScopeManageKeys)
	if !ok {
		return
	}
	revoked, err := h.keys.RevokeID(r.Context(), mux.Vars(r)["id"], p.OwnerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit.LogCredentialOperation("revoke_api_key", "", audit.CorrelationID(r.Context()), p.OwnerFingerprint(), revoked)
	if !revoked {
		h.writeError(w, r, errs.ErrCredentialNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type putSecretRequest struct {
	Secret          string            `json:"secret"`
	OrganizationURL string            `json:"organization_url,omitempty"`
	ProjectID       string            `json:"project_id,omitempty"`
	TTLSeconds      int64             `json:"ttl_seconds,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type secretInfo struct {
	Platform        string     `json:"platform"`
	OrganizationURL string     `json:"organization_url,omitempty"`
	ProjectID       string     `json:"project_id,omitempty"`
	KeyVersion      int        `json:"key_version"`
	AuditHash       string     `json:"audit_hash"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

func infoOf(rec *vault.Record) secretInfo {
	return secretInfo{
		Platform:        rec.Platform,
		OrganizationURL: rec.OrganizationURL,
		ProjectID:       rec.ProjectID,
		KeyVersion:      rec.KeyVersion,
		AuditHash:       rec.AuditHash,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
		ExpiresAt:       rec.ExpiresAt,
	}
}

// handlePutSecret seals and stores the caller's platform secret.
func (h *Handler) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, apikey.ScopeWrite)
	if !ok {
		return
	}
	var body putSecretRequest
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Secret) == "" {
		h.writeError(w, r, errs.InvalidInput("secret is required"))
		return
	}
	if body.TTLSeconds < 0 {
		h.writeError(w, r, errs.InvalidInput("ttl_seconds must not be negative"))
		return
	}
	rec, err := h.secrets.Store(r.Context(), p.OwnerID, mux.Vars(r)["platform"], body.Secret, vault.StoreOptions{
		OrganizationURL: body.OrganizationURL,
		ProjectID:       body.ProjectID,
		TTL:             time.Duration(body.TTLSeconds) * time.Second,
		Metadata:        body.Metadata,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, infoOf(rec))
}

func (h *Handler) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, apikey.ScopeRead)
	if !ok {
		return
	}
	recs, err := h.secrets.List(r.Context(), p.OwnerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]secretInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, infoOf(rec))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"secrets": out})
}

func (h *Handler) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, apikey.ScopeWrite)
	if !ok {
		return
	}
	removed, err := h.secrets.Deactivate(r.Context(), p.OwnerID, mux.Vars(r)["platform"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !removed {
		h.writeError(w, r, errs.ErrCredentialNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type accessResponse struct {
	Kind       gate.GrantKind `json:"kind"`
	Scheme     gate.Scheme    `json:"scheme"`
	Platform   string         `json:"platform"`
	Method     string         `json:"method,omitempty"`
	KeyVersion int            `json:"key_version,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// handleAccess runs the full access pipeline for a platform and reports
// which credential would be used. The credential itself is not returned.
func (h *Handler) handleAccess(w http.ResponseWriter, r *http.Request) {
	req := h.newRequest(r)
	req.Platform = mux.Vars(r)["platform"]
	req.Resource = r.URL.Query().Get("resource")
	req.OwnerID = r.URL.Query().Get("owner_id")
	req.RequiredScope = apikey.ScopeRead
	req.Class = ratelimit.ClassGeneral

	grant, err := h.gate.Access(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := accessResponse{
		Kind:     grant.Kind,
		Scheme:   grant.Scheme,
		Platform: grant.Platform,
	}
	if grant.Principal != nil {
		resp.Method = grant.Principal.Method
	}
	if grant.Verification != nil {
		resp.KeyVersion = grant.Verification.KeyVersion
	}
	if !grant.ExpiresAt.IsZero() {
		exp := grant.ExpiresAt
		resp.ExpiresAt = &exp
	}
	h.writeJSON(w, http.StatusOK, resp)
}
