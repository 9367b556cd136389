package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"

	"github.com/kenneth/credential-gateway/internal/errs"
)

const maxUserInfoBytes = 1 << 20

// Identity is the provider-independent view of an authenticated user.
type Identity struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Provider  string `json:"provider"`
}

// OwnerID is the tenant key of the identity. IDs are only unique per
// provider, so the provider is part of it.
func (i Identity) OwnerID() string {
	return i.Provider + ":" + i.ID
}

// fetchIdentity calls the provider's user info endpoint with tok.
func (p *Provider) fetchIdentity(ctx context.Context, tok *oauth2.Token) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build user info request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.config.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: user info request: %v", errs.ErrUpstreamProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: user info returned status %d", errs.ErrUpstreamProvider, resp.StatusCode)
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoBytes)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: invalid user info response: %v", errs.ErrUpstreamProvider, err)
	}

	id := normalizeIdentity(p.name, raw)
	if id.ID == "" {
		return nil, fmt.Errorf("%w: user info has no subject", errs.ErrUpstreamProvider)
	}
	return id, nil
}

// normalizeIdentity maps the differing user info shapes of GitHub, Google,
// Microsoft Graph and GitLab onto Identity.
func normalizeIdentity(provider string, raw map[string]interface{}) *Identity {
	return &Identity{
		ID:        firstString(raw, "id", "sub"),
		Email:     firstString(raw, "email", "mail", "userPrincipalName"),
		Name:      firstString(raw, "name", "displayName", "login", "username"),
		AvatarURL: firstString(raw, "avatar_url", "picture"),
		Provider:  provider,
	}
}

func firstString(raw map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return ""
}
