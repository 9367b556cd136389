// Package gate composes rate limiting, workload identity, authentication and
// secret unsealing into a single per-request access decision.
package gate

import (
	"encoding/base64"
	"time"

	"github.com/kenneth/credential-gateway/internal/crypto"
	"github.com/kenneth/credential-gateway/internal/oauth"
	"github.com/kenneth/credential-gateway/internal/ratelimit"
	"github.com/kenneth/credential-gateway/internal/workload"
)

// Request is the normalized descriptor of an inbound operation.
type Request struct {
	ClientIP      string
	UserAgent     string
	Path          string
	Method        string
	BodySize      int64
	BearerToken   string
	SessionHandle string
	Platform      string
	Resource      string
	// OwnerID, when set, names the tenant whose data the caller wants to
	// reach. It must match the authenticated owner.
	OwnerID       string
	RequiredScope string
	// Class overrides the class derived from Method and Path.
	Class         ratelimit.Class
	CorrelationID string
}

// ClientID returns the rate limiting identity of the caller.
func (r *Request) ClientID() string {
	return ratelimit.ClientID(r.ClientIP, r.UserAgent)
}

func (r *Request) class() ratelimit.Class {
	if r.Class != "" {
		return r.Class
	}
	return ratelimit.ClassFor(r.Method, r.Path)
}

// Authentication methods.
const (
	MethodAPIKey  = "api_key"
	MethodSession = "oauth_session"
)

// Principal is an authenticated caller.
type Principal struct {
	OwnerID string   `json:"-"`
	Method  string   `json:"method"`
	Scopes  []string `json:"scopes,omitempty"`
	// CredentialID is the storage id of the API key used, if any.
	CredentialID string          `json:"credential_id,omitempty"`
	Identity     *oauth.Identity `json:"identity,omitempty"`
}

// OwnerFingerprint returns the loggable form of the owner id.
func (p *Principal) OwnerFingerprint() string {
	return crypto.OwnerFingerprint(p.OwnerID)
}

// GrantKind tells the caller which credential it received.
type GrantKind string

const (
	GrantStoredSecret  GrantKind = "stored_secret"
	GrantWorkloadToken GrantKind = "workload_token"
)

// Scheme is the HTTP authorization scheme the credential must be sent with.
type Scheme string

const (
	SchemeBasic  Scheme = "Basic"
	SchemeBearer Scheme = "Bearer"
)

// Grant is a platform credential handed to an outbound client.
type Grant struct {
	Kind         GrantKind            `json:"kind"`
	Scheme       Scheme               `json:"scheme"`
	Platform     string               `json:"platform"`
	Secret       string               `json:"-"`
	Lease        *workload.Lease      `json:"lease,omitempty"`
	Principal    *Principal           `json:"principal,omitempty"`
	Verification *crypto.Verification `json:"-"`
	ExpiresAt    time.Time            `json:"expires_at,omitempty"`
}

// schemeFor picks the scheme of a stored secret. Azure DevOps personal access
// tokens go in Basic auth with an empty user name.
func schemeFor(platform string) Scheme {
	if platform == workload.PlatformAzureDevOps {
		return SchemeBasic
	}
	return SchemeBearer
}

// AuthorizationHeader renders the Authorization header value for the grant.
func (g *Grant) AuthorizationHeader() string {
	if g.Scheme == SchemeBasic {
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+g.Secret))
	}
	return "Bearer " + g.Secret
}
