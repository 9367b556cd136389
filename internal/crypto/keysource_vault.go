package crypto

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hashicorp/vault/api"
)

// VaultKeySourceConfig locates the master key in a Vault KV v2 mount.
type VaultKeySourceConfig struct {
	Address   string
	Token     string
	Namespace string
	Mount     string
	Path      string
	Field     string
}

// VaultKeySource reads the master key from a KV v2 secret.
type VaultKeySource struct {
	client *api.Client
	mount  string
	path   string
	field  string
}

// NewVaultKeySource creates a client for cfg. Unset address and token fall
// back to VAULT_ADDR and VAULT_TOKEN.
func NewVaultKeySource(cfg VaultKeySourceConfig) (*VaultKeySource, error) {
	vcfg := api.DefaultConfig()
	if vcfg.Error != nil {
		return nil, fmt.Errorf("failed to read vault environment: %w", vcfg.Error)
	}
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}

	client, err := api.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.Field == "" {
		cfg.Field = "master_key"
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("vault secret path is required")
	}

	return &VaultKeySource{
		client: client,
		mount:  cfg.Mount,
		path:   cfg.Path,
		field:  cfg.Field,
	}, nil
}

func (s *VaultKeySource) Name() string { return "vault" }

func (s *VaultKeySource) Load(ctx context.Context) ([]byte, error) {
	secret, err := s.client.KVv2(s.mount).Get(ctx, s.path)
	if err != nil {
		return nil, classifyVaultError(err)
	}
	raw, ok := secret.Data[s.field].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("vault secret %s/%s has no %q field", s.mount, s.path, s.field)
	}
	return DecodeKeyMaterial([]byte(raw))
}

func classifyVaultError(err error) error {
	if errors.Is(err, api.ErrSecretNotFound) {
		return fmt.Errorf("vault secret not found: %w", err)
	}
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("vault secret not found: %w", err)
		case http.StatusForbidden:
			return fmt.Errorf("vault permission denied: %w", err)
		}
	}
	return fmt.Errorf("vault read failed: %w", err)
}
