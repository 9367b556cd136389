package oauth

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// ProviderConfig describes one identity provider. Unset URLs and scopes
// fall back to the well-known values for Name.
type ProviderConfig struct {
	Name         string   `yaml:"name"`
	DisplayName  string   `yaml:"display_name"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
	Tenant       string   `yaml:"tenant"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	UserInfoURL  string   `yaml:"user_info_url"`
}

type wellKnown struct {
	displayName string
	endpoint    func(tenant string) oauth2.Endpoint
	userInfoURL string
	scopes      []string
}

var wellKnownProviders = map[string]wellKnown{
	"github": {
		displayName: "GitHub",
		endpoint:    func(string) oauth2.Endpoint { return endpoints.GitHub },
		userInfoURL: "https://api.github.com/user",
		scopes:      []string{"user:email", "repo"},
	},
	"google": {
		displayName: "Google",
		endpoint:    func(string) oauth2.Endpoint { return endpoints.Google },
		userInfoURL: "https://www.googleapis.com/oauth2/v2/userinfo",
		scopes:      []string{"openid", "email", "profile"},
	},
	"microsoft": {
		displayName: "Microsoft",
		endpoint: func(tenant string) oauth2.Endpoint {
			if tenant == "" {
				tenant = "common"
			}
			return endpoints.AzureAD(tenant)
		},
		userInfoURL: "https://graph.microsoft.com/v1.0/me",
		scopes:      []string{"openid", "email", "profile", "User.Read"},
	},
	"gitlab": {
		displayName: "GitLab",
		endpoint:    func(string) oauth2.Endpoint { return endpoints.GitLab },
		userInfoURL: "https://gitlab.com/api/v4/user",
		scopes:      []string{"read_user"},
	},
}

// Provider is a configured OAuth2 authorization-code provider.
type Provider struct {
	name        string
	displayName string
	config      *oauth2.Config
	userInfoURL string
}

// ProviderInfo is the public description of a provider.
type ProviderInfo struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Scopes      []string `json:"scopes"`
}

// NewProvider builds a provider whose callback is
// baseURL/v1/oauth/<name>/callback.
func NewProvider(cfg ProviderConfig, baseURL string) (*Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("provider %s: client id and secret are required", name)
	}

	known, isKnown := wellKnownProviders[name]
	var endpoint oauth2.Endpoint
	if isKnown {
		endpoint = known.endpoint(cfg.Tenant)
	}
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	userInfoURL := cfg.UserInfoURL
	if userInfoURL == "" {
		userInfoURL = known.userInfoURL
	}
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" || userInfoURL == "" {
		return nil, fmt.Errorf("provider %s: auth, token and user info URLs are required", name)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = known.scopes
	}
	displayName := cfg.DisplayName
	if displayName == "" {
		displayName = known.displayName
	}
	if displayName == "" {
		displayName = name
	}

	return &Provider{
		name:        name,
		displayName: displayName,
		userInfoURL: userInfoURL,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       append([]string(nil), scopes...),
			RedirectURL:  strings.TrimRight(baseURL, "/") + "/v1/oauth/" + name + "/callback",
		},
	}, nil
}

// Name returns the provider key.
func (p *Provider) Name() string { return p.name }

// Info describes the provider.
func (p *Provider) Info() ProviderInfo {
	return ProviderInfo{
		Name:        p.name,
		DisplayName: p.displayName,
		Scopes:      append([]string(nil), p.config.Scopes...),
	}
}

func sortedInfos(providers map[string]*Provider) []ProviderInfo {
	out := make([]ProviderInfo, 0, len(providers))
	for _, p := range providers {
		out = append(out, p.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
