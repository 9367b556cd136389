package workload

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// AzureDevOpsScope is the Entra ID scope of the Azure DevOps resource.
const AzureDevOpsScope = "499b84ac-1321-427f-aa17-267ca6975798/.default"

// AzureSource requests tokens from the Azure managed identity endpoint.
type AzureSource struct {
	platform string
	cred     azcore.TokenCredential
}

// NewAzureSource uses the system-assigned identity, or the user-assigned
// identity with clientID when it is set.
func NewAzureSource(platform, clientID string) (*AzureSource, error) {
	opts := &azidentity.ManagedIdentityCredentialOptions{}
	if clientID != "" {
		opts.ID = azidentity.ClientID(clientID)
	}
	cred, err := azidentity.NewManagedIdentityCredential(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create managed identity credential: %w", err)
	}
	return newAzureSource(platform, cred), nil
}

func newAzureSource(platform string, cred azcore.TokenCredential) *AzureSource {
	if platform == "" {
		platform = PlatformAzureDevOps
	}
	return &AzureSource{platform: platform, cred: cred}
}

// Platform implements Source.
func (s *AzureSource) Platform() string { return s.platform }

// scopeFor turns a resource hint into an Entra ID scope. Both bare
// resource URIs and explicit scopes are accepted.
func scopeFor(resource string) string {
	switch {
	case resource == "", strings.Contains(resource, "dev.azure.com"):
		return AzureDevOpsScope
	case strings.HasSuffix(resource, "/.default"):
		return resource
	default:
		return strings.TrimSuffix(resource, "/") + "/.default"
	}
}

// Acquire implements Source.
func (s *AzureSource) Acquire(ctx context.Context, resource string) (*Lease, error) {
	scope := scopeFor(resource)
	tok, err := s.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{scope}})
	if err != nil {
		return nil, fmt.Errorf("managed identity token request failed: %w", err)
	}
	return &Lease{
		Platform:  s.platform,
		Resource:  resource,
		Token:     tok.Token,
		TokenType: "Bearer",
		ExpiresAt: tok.ExpiresOn,
		Scopes:    []string{scope},
		Metadata:  map[string]string{"source": "managed_identity"},
	}, nil
}
