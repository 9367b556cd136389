// Package oauth runs the authorization-code flow against external identity
// providers and keeps the resulting sessions.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/kenneth/credential-gateway/internal/audit"
	"github.com/kenneth/credential-gateway/internal/crypto"
	"github.com/kenneth/credential-gateway/internal/errs"
	"github.com/kenneth/credential-gateway/internal/store"
)

const (
	// MaxStateTTL bounds how long an authorization attempt may take.
	MaxStateTTL = 10 * time.Minute

	defaultExchangeTimeout = 10 * time.Second
	defaultTokenLifetime   = time.Hour
	defaultSessionMaxAge   = 30 * 24 * time.Hour

	handleBytes = 32
)

// State is a pending authorization attempt, stored under the hash of the
// state parameter.
type State struct {
	Provider  string    `json:"provider"`
	Hint      string    `json:"hint,omitempty"`
	Verifier  string    `json:"verifier"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Session is an established federated session, stored under the hash of
// its handle.
type Session struct {
	Identity     Identity  `json:"identity"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	RefreshedAt  time.Time `json:"refreshed_at,omitempty"`
}

// Established is the result of a completed authorization.
type Established struct {
	// Handle is the opaque session handle handed to the client. Only its
	// hash is stored.
	Handle  string
	Session *Session
	Hint    string
}

// Options configures a Manager.
type Options struct {
	StateTTL        time.Duration
	ExchangeTimeout time.Duration
	// TokenLifetime is assumed when a provider omits expires_in.
	TokenLifetime time.Duration
	// SessionMaxAge bounds how long a refreshable session is kept.
	SessionMaxAge time.Duration
	HTTPClient    *http.Client
	Clock         clock.Clock
	Logger        *logrus.Logger
	Audit         audit.Logger
}

// Manager runs authorization flows and authenticates session handles.
type Manager struct {
	providers map[string]*Provider
	states    store.Store[State]
	sessions  store.Store[Session]
	opts      Options
	refresh   singleflight.Group
}

// NewManager creates a manager over the given providers.
func NewManager(providers []*Provider, states store.Store[State], sessions store.Store[Session], opts Options) (*Manager, error) {
	byName := make(map[string]*Provider, len(providers))
	for _, p := range providers {
		if _, dup := byName[p.name]; dup {
			return nil, fmt.Errorf("duplicate provider %s", p.name)
		}
		byName[p.name] = p
	}
	if opts.StateTTL <= 0 || opts.StateTTL > MaxStateTTL {
		opts.StateTTL = MaxStateTTL
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = defaultExchangeTimeout
	}
	if opts.TokenLifetime <= 0 {
		opts.TokenLifetime = defaultTokenLifetime
	}
	if opts.SessionMaxAge <= 0 {
		opts.SessionMaxAge = defaultSessionMaxAge
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.ExchangeTimeout}
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Audit == nil {
		opts.Audit = audit.Discard()
	}
	return &Manager{
		providers: byName,
		states:    states,
		sessions:  sessions,
		opts:      opts,
	}, nil
}

// Providers lists the configured providers.
func (m *Manager) Providers() []ProviderInfo {
	return sortedInfos(m.providers)
}

func hashKey(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

func randomToken() (string, error) {
	b := make([]byte, handleBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// upstreamContext bounds a provider call and routes it through the
// configured HTTP client.
func (m *Manager) upstreamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ExchangeTimeout)
	return context.WithValue(ctx, oauth2.HTTPClient, m.opts.HTTPClient), cancel
}

// Begin starts an authorization attempt and returns the URL to redirect the
// user to together with the CSRF state embedded in it.
func (m *Manager) Begin(ctx context.Context, provider, hint string) (string, string, error) {
	p, ok := m.providers[provider]
	if !ok {
		return "", "", errs.InvalidInput("provider %q is not configured", provider)
	}

	state, err := randomToken()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}
	now := m.opts.Clock.Now()
	rec := State{
		Provider:  provider,
		Hint:      hint,
		Verifier:  oauth2.GenerateVerifier(),
		CreatedAt: now,
		ExpiresAt: now.Add(m.opts.StateTTL),
	}
	if err := m.states.Put(ctx, hashKey(state), rec, m.opts.StateTTL); err != nil {
		return "", "", fmt.Errorf("failed to store state: %w", err)
	}

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(rec.Verifier)}
	if hint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", hint))
	}
	return p.config.AuthCodeURL(state, opts...), state, nil
}

func (m *Manager) csrfFailure(provider, reason string) error {
	m.opts.Logger.WithFields(logrus.Fields{
		"provider": provider,
		"reason":   reason,
	}).Warn("OAuth state validation failed")
	m.opts.Audit.LogSecurityEvent(audit.KindCsrfValidationFailure, audit.SeverityWarning, "", "", map[string]interface{}{
		"provider": provider,
		"reason":   reason,
	})
	return errs.ErrCsrfValidationFailed
}

// Complete finishes an authorization attempt. The state is consumed before
// anything else happens, so a state can complete at most once.
func (m *Manager) Complete(ctx context.Context, provider, code, state string) (*Established, error) {
	if state == "" {
		return nil, m.csrfFailure(provider, "missing")
	}
	rec, ok, err := m.states.Take(ctx, hashKey(state))
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	if !ok {
		return nil, m.csrfFailure(provider, "unknown")
	}
	now := m.opts.Clock.Now()
	if !now.Before(rec.ExpiresAt) {
		return nil, m.csrfFailure(provider, "expired")
	}
	if rec.Provider != provider {
		return nil, m.csrfFailure(provider, "provider_mismatch")
	}

	p, ok := m.providers[provider]
	if !ok {
		return nil, errs.InvalidInput("provider %q is not configured", provider)
	}
	if code == "" {
		return nil, errs.InvalidInput("authorization code is required")
	}

	uctx, cancel := m.upstreamContext(ctx)
	defer cancel()

	tok, err := p.config.Exchange(uctx, code, oauth2.VerifierOption(rec.Verifier))
	if err != nil {
		m.opts.Logger.WithError(err).WithField("provider", provider).Warn("OAuth code exchange failed")
		return nil, fmt.Errorf("%w: code exchange failed", errs.ErrUpstreamProvider)
	}
	identity, err := p.fetchIdentity(uctx, tok)
	if err != nil {
		m.opts.Logger.WithError(err).WithField("provider", provider).Warn("OAuth user info fetch failed")
		return nil, err
	}

	handle, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session handle: %w", err)
	}
	sess := &Session{
		Identity:     *identity,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		Expiry:       m.expiryOf(tok, now),
		Scopes:       p.config.Scopes,
		CreatedAt:    now,
	}
	if err := m.sessions.Put(ctx, hashKey(handle), *sess, m.sessionTTL(sess, now)); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	m.opts.Logger.WithFields(logrus.Fields{
		"provider":          provider,
		"owner_fingerprint": crypto.OwnerFingerprint(identity.OwnerID()),
	}).Info("OAuth session established")
	return &Established{Handle: handle, Session: sess, Hint: rec.Hint}, nil
}

// expiryOf measures token lifetime on the manager's clock when the provider
// reported expires_in.
func (m *Manager) expiryOf(tok *oauth2.Token, now time.Time) time.Time {
	switch {
	case tok.ExpiresIn > 0:
		return now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	case !tok.Expiry.IsZero():
		return tok.Expiry
	default:
		return now.Add(m.opts.TokenLifetime)
	}
}

// sessionTTL keeps refreshable sessions for SessionMaxAge and the rest only
// until their token expires.
func (m *Manager) sessionTTL(s *Session, now time.Time) time.Duration {
	if s.RefreshToken != "" {
		if left := s.CreatedAt.Add(m.opts.SessionMaxAge).Sub(now); left > 0 {
			return left
		}
		return time.Second
	}
	if left := s.Expiry.Sub(now); left > 0 {
		return left
	}
	return time.Second
}

// Authenticate resolves a session handle to its identity. An expired
// session is refreshed once; if that is impossible or fails the session is
// evicted.
func (m *Manager) Authenticate(ctx context.Context, handle string) (*Identity, error) {
	if handle == "" {
		return nil, errs.ErrAuthenticationRequired
	}
	key := hashKey(handle)
	sess, ok, err := m.sessions.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !ok {
		return nil, errs.ErrAuthenticationFailed
	}
	if m.opts.Clock.Now().Before(sess.Expiry) {
		id := sess.Identity
		return &id, nil
	}

	if sess.RefreshToken == "" {
		m.evict(ctx, key)
		return nil, errs.ErrAuthenticationFailed
	}

	v, err, _ := m.refresh.Do(key, func() (interface{}, error) {
		return m.refreshSession(ctx, key, sess)
	})
	if err != nil {
		return nil, err
	}
	refreshed := v.(*Session)
	id := refreshed.Identity
	return &id, nil
}

func (m *Manager) refreshSession(ctx context.Context, key string, sess Session) (*Session, error) {
	p, ok := m.providers[sess.Identity.Provider]
	if !ok {
		m.evict(ctx, key)
		return nil, errs.ErrAuthenticationFailed
	}

	uctx, cancel := m.upstreamContext(ctx)
	defer cancel()

	tok, err := p.config.TokenSource(uctx, &oauth2.Token{RefreshToken: sess.RefreshToken}).Token()
	if err != nil {
		m.opts.Logger.WithError(err).WithField("provider", p.name).Warn("OAuth session refresh failed")
		m.opts.Audit.LogSecurityEvent(audit.KindSessionRefreshFailure, audit.SeverityWarning, "",
			crypto.OwnerFingerprint(sess.Identity.OwnerID()), map[string]interface{}{"provider": p.name})
		m.evict(ctx, key)
		return nil, errs.ErrAuthenticationFailed
	}

	now := m.opts.Clock.Now()
	var updated Session
	_, exists, err := m.sessions.Update(ctx, key, m.sessionTTL(&sess, now), func(cur Session, exists bool) (Session, bool, error) {
		if !exists {
			return cur, false, nil
		}
		cur.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			cur.RefreshToken = tok.RefreshToken
		}
		cur.TokenType = tok.Type()
		cur.Expiry = m.expiryOf(tok, now)
		cur.RefreshedAt = now
		updated = cur
		return cur, true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store refreshed session: %w", err)
	}
	if !exists {
		// Logged out while the refresh was in flight.
		return nil, errs.ErrAuthenticationFailed
	}
	return &updated, nil
}

func (m *Manager) evict(ctx context.Context, key string) {
	if _, err := m.sessions.Delete(ctx, key); err != nil {
		m.opts.Logger.WithError(err).Warn("Failed to evict OAuth session")
	}
}

// Logout deletes the session. It reports whether a session existed.
func (m *Manager) Logout(ctx context.Context, handle string) (bool, error) {
	if handle == "" {
		return false, nil
	}
	ok, err := m.sessions.Delete(ctx, hashKey(handle))
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	return ok, nil
}

// Sweep drops expired states and sessions that can no longer be refreshed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.opts.Clock.Now()
	removed := 0

	var staleStates []string
	if err := m.states.Range(ctx, func(k string, s State) bool {
		if !now.Before(s.ExpiresAt) {
			staleStates = append(staleStates, k)
		}
		return true
	}); err != nil {
		return 0, fmt.Errorf("failed to scan states: %w", err)
	}
	for _, k := range staleStates {
		if ok, err := m.states.Delete(ctx, k); err != nil {
			return removed, fmt.Errorf("failed to delete state: %w", err)
		} else if ok {
			removed++
		}
	}

	var staleSessions []string
	if err := m.sessions.Range(ctx, func(k string, s Session) bool {
		expired := !now.Before(s.Expiry)
		tooOld := !now.Before(s.CreatedAt.Add(m.opts.SessionMaxAge))
		if (expired && s.RefreshToken == "") || tooOld {
			staleSessions = append(staleSessions, k)
		}
		return true
	}); err != nil {
		return removed, fmt.Errorf("failed to scan sessions: %w", err)
	}
	for _, k := range staleSessions {
		ok, err := m.sessions.Delete(ctx, k)
		if err != nil {
			return removed, fmt.Errorf("failed to delete session: %w", err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
