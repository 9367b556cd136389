package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/credential-gateway/internal/apikey"
	"github.com/kenneth/credential-gateway/internal/audit"
	"github.com/kenneth/credential-gateway/internal/config"
	"github.com/kenneth/credential-gateway/internal/crypto"
	"github.com/kenneth/credential-gateway/internal/metrics"
	"github.com/kenneth/credential-gateway/internal/oauth"
	"github.com/kenneth/credential-gateway/internal/ratelimit"
	"github.com/kenneth/credential-gateway/internal/store"
	"github.com/kenneth/credential-gateway/internal/vault"
	"github.com/kenneth/credential-gateway/internal/workload"
)

// buildKeySource returns the configured master key source.
func buildKeySource(ctx context.Context, cfg config.EncryptionConfig, logger *logrus.Logger) (crypto.KeySource, error) {
	switch cfg.KeySource {
	case config.KeySourceEnv:
		return &crypto.EnvKeySource{Var: cfg.KeyEnv}, nil
	case config.KeySourceFile:
		return &crypto.FileKeySource{Path: cfg.KeyFile}, nil
	case config.KeySourceGenerate:
		return &crypto.GeneratedKeySource{Logger: logger}, nil
	case config.KeySourceVault:
		return crypto.NewVaultKeySource(crypto.VaultKeySourceConfig{
			Address:   cfg.Vault.Address,
			Token:     cfg.Vault.Token,
			Namespace: cfg.Vault.Namespace,
			Mount:     cfg.Vault.Mount,
			Path:      cfg.Vault.Path,
			Field:     cfg.Vault.Field,
		})
	case config.KeySourceS3:
		return crypto.NewS3KeySource(ctx, crypto.S3KeySourceConfig{
			Bucket:       cfg.S3.Bucket,
			Key:          cfg.S3.Key,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown key source %q", cfg.KeySource)
	}
}

// loadPreviousKeys reads retired master keys, oldest first.
func loadPreviousKeys(ctx context.Context, files []string) ([][]byte, error) {
	keys := make([][]byte, 0, len(files))
	for _, path := range files {
		key, err := crypto.LoadMasterKey(ctx, &crypto.FileKeySource{Path: path})
		if err != nil {
			return nil, fmt.Errorf("previous key %s: %w", path, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// stateStores are the short-lived stores shared by gateway replicas when
// Redis is configured.
type stateStores struct {
	rateLimit store.Store[ratelimit.State]
	apiKeys   store.Store[apikey.Credential]
	states    store.Store[oauth.State]
	sessions  store.Store[oauth.Session]
	client    redis.UniversalClient
}

func (s *stateStores) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func newStores(ctx context.Context, cfg config.StorageConfig) (*stateStores, error) {
	if cfg.Backend != "redis" {
		return &stateStores{
			rateLimit: store.NewMemory[ratelimit.State](clock.WallClock),
			apiKeys:   store.NewMemory[apikey.Credential](clock.WallClock),
			states:    store.NewMemory[oauth.State](clock.WallClock),
			sessions:  store.NewMemory[oauth.Session](clock.WallClock),
		}, nil
	}

	client, err := store.NewRedisClient(ctx, store.RedisOptions{
		Addr:         cfg.Redis.Addr,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return nil, err
	}
	prefix := cfg.Redis.KeyPrefix
	return &stateStores{
		rateLimit: store.NewRedis[ratelimit.State](client, prefix+"rl:"),
		apiKeys:   store.NewRedis[apikey.Credential](client, prefix+"key:"),
		states:    store.NewRedis[oauth.State](client, prefix+"state:"),
		sessions:  store.NewRedis[oauth.Session](client, prefix+"session:"),
		client:    client,
	}, nil
}

// buildSessions returns nil when no OAuth provider is configured.
func buildSessions(cfg config.OAuthConfig, stores *stateStores, logger *logrus.Logger, auditLog audit.Logger) (*oauth.Manager, error) {
	if len(cfg.Providers) == 0 {
		return nil, nil
	}
	providers := make([]*oauth.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := oauth.NewProvider(pc, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	m, err := oauth.NewManager(providers, stores.states, stores.sessions, oauth.Options{
		StateTTL:        cfg.StateTTL,
		ExchangeTimeout: cfg.ExchangeTimeout,
		TokenLifetime:   cfg.TokenLifetime,
		SessionMaxAge:   cfg.SessionMaxAge,
		Logger:          logger,
		Audit:           auditLog,
	})
	if err != nil {
		return nil, err
	}
	logger.WithField("providers", len(providers)).Info("OAuth login enabled")
	return m, nil
}

func openRepository(ctx context.Context, cfg config.SecretsConfig, logger *logrus.Logger) (vault.Repository, error) {
	if cfg.Driver == "memory" {
		logger.Warn("Secrets are kept in memory and will not survive a restart")
		return vault.NewMemoryRepository(), nil
	}
	return vault.OpenSQL(ctx, cfg.Driver, cfg.DSN, logger)
}

// buildWorkload returns nil when workload identity is disabled or no source
// is configured.
func buildWorkload(cfg config.WorkloadConfig, logger *logrus.Logger, m *metrics.Metrics) (*workload.Resolver, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var sources []workload.Source
	if cfg.Azure.Enabled {
		src, err := workload.NewAzureSource("", cfg.Azure.ClientID)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if cfg.GitHubApp.Enabled {
		pem, err := os.ReadFile(cfg.GitHubApp.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read github app private key: %w", err)
		}
		src, err := workload.NewGitHubAppSource(workload.GitHubAppConfig{
			AppID:                cfg.GitHubApp.AppID,
			InstallationID:       cfg.GitHubApp.InstallationID,
			AllowedInstallations: cfg.GitHubApp.AllowedInstallations,
			PrivateKeyPEM:        pem,
			BaseURL:              cfg.GitHubApp.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	for _, et := range cfg.EnvTokens {
		sources = append(sources, workload.NewEnvTokenSource(et.Platform, et.Variable, clock.WallClock))
	}
	if len(sources) == 0 {
		logger.Warn("Workload identity enabled without any source")
		return nil, nil
	}

	r, err := workload.NewResolver(sources, workload.Options{
		RefreshBuffer: cfg.RefreshBuffer,
		ProbeTimeout:  cfg.ProbeTimeout,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		return nil, err
	}
	logger.WithField("platforms", r.Platforms()).Info("Workload identity enabled")
	return r, nil
}

type sweepers struct {
	keys     *apikey.Issuer
	sessions *oauth.Manager
	secrets  *vault.Service
	workload *workload.Resolver
}

// runSweepers starts one goroutine per periodic cleanup until ctx is done.
func runSweepers(ctx context.Context, cfg *config.Config, logger *logrus.Logger, s sweepers) {
	every(ctx, cfg.Auth.SweepInterval, logger, "api_keys", s.keys.SweepExpired)
	if s.sessions != nil {
		every(ctx, cfg.OAuth.SweepInterval, logger, "oauth_sessions", s.sessions.Sweep)
	}
	every(ctx, cfg.Secrets.CleanupInterval, logger, "secrets", s.secrets.CleanupExpired)
	if s.workload != nil {
		every(ctx, cfg.Workload.RefreshBuffer, logger, "workload_leases", func(context.Context) (int, error) {
			return s.workload.Prune(), nil
		})
	}
}

func every(ctx context.Context, interval time.Duration, logger *logrus.Logger, name string, fn func(context.Context) (int, error)) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := fn(ctx)
				if err != nil {
					logger.WithError(err).WithField("sweeper", name).Warn("Sweep failed")
					continue
				}
				if n > 0 {
					logger.WithFields(logrus.Fields{"sweeper": name, "removed": n}).Debug("Sweep completed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
