package workload

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"
)

const (
	defaultGitHubAPI = "https://api.github.com"

	// GitHub rejects app JWTs living longer than ten minutes and tolerates
	// a minute of clock drift.
	appJWTLifetime = 10 * time.Minute
	appJWTBackdate = time.Minute
)

// ErrResourceNotAllowed is returned for a resource the source was not
// configured to serve.
var ErrResourceNotAllowed = errors.New("workload resource not allowed")

// GitHubAppConfig identifies a GitHub App installation.
type GitHubAppConfig struct {
	AppID          string
	InstallationID string
	// AllowedInstallations may be requested by id in addition to
	// InstallationID.
	AllowedInstallations []string
	PrivateKeyPEM        []byte
	BaseURL              string
	HTTPClient           *http.Client
	Clock                clock.Clock
}

// GitHubAppSource exchanges a signed app JWT for an installation token.
type GitHubAppSource struct {
	appID          string
	installationID string
	allowed        map[string]struct{}
	key            *rsa.PrivateKey
	baseURL        string
	client         *http.Client
	clock          clock.Clock
}

// NewGitHubAppSource parses the app private key.
func NewGitHubAppSource(cfg GitHubAppConfig) (*GitHubAppSource, error) {
	if cfg.AppID == "" {
		return nil, fmt.Errorf("github app id is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse github app private key: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGitHubAPI
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedInstallations)+1)
	for _, id := range append([]string{cfg.InstallationID}, cfg.AllowedInstallations...) {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid installation id %q", id)
		}
		allowed[id] = struct{}{}
	}
	return &GitHubAppSource{
		appID:          cfg.AppID,
		installationID: cfg.InstallationID,
		allowed:        allowed,
		key:            key,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		client:         cfg.HTTPClient,
		clock:          cfg.Clock,
	}, nil
}

// Platform implements Source.
func (s *GitHubAppSource) Platform() string { return PlatformGitHub }

func (s *GitHubAppSource) appJWT() (string, time.Time, error) {
	now := s.clock.Now()
	exp := now.Add(appJWTLifetime - appJWTBackdate)
	claims := jwt.RegisteredClaims{
		Issuer:    s.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTBackdate)),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign app jwt: %w", err)
	}
	return signed, exp, nil
}

type installationToken struct {
	Token       string            `json:"token"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Permissions map[string]string `json:"permissions"`
}

// Acquire implements Source. resource selects one of the allowed
// installations; any other value is rejected before GitHub is contacted.
// Without any installation the app JWT itself is leased.
func (s *GitHubAppSource) Acquire(ctx context.Context, resource string) (*Lease, error) {
	installation := s.installationID
	if resource != "" {
		if _, ok := s.allowed[resource]; !ok {
			return nil, fmt.Errorf("%w: installation %q", ErrResourceNotAllowed, resource)
		}
		installation = resource
	}

	appToken, appExp, err := s.appJWT()
	if err != nil {
		return nil, err
	}
	if installation == "" {
		return &Lease{
			Platform:  PlatformGitHub,
			Token:     appToken,
			TokenType: "Bearer",
			ExpiresAt: appExp,
			Scopes:    []string{"app"},
			Metadata:  map[string]string{"source": "github_app", "app_id": s.appID},
		}, nil
	}
	url := s.baseURL + "/app/installations/" + installation + "/access_tokens"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build installation token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("installation token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("installation token request returned status %d", resp.StatusCode)
	}

	var it installationToken
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&it); err != nil {
		return nil, fmt.Errorf("invalid installation token response: %w", err)
	}
	if it.Token == "" {
		return nil, fmt.Errorf("installation token response has no token")
	}

	scopes := make([]string, 0, len(it.Permissions))
	for perm, level := range it.Permissions {
		scopes = append(scopes, perm+":"+level)
	}
	sort.Strings(scopes)
	return &Lease{
		Platform:  PlatformGitHub,
		Resource:  resource,
		Token:     it.Token,
		TokenType: "Bearer",
		ExpiresAt: it.ExpiresAt,
		Scopes:    scopes,
		Metadata: map[string]string{
			"source":          "github_app",
			"app_id":          s.appID,
			"installation_id": installation,
		},
	}, nil
}
