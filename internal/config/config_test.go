package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/credential-gateway/internal/oauth"
	"github.com/kenneth/credential-gateway/internal/ratelimit"
)

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.ListenAddr != ":8080" {
		t.Errorf("expected ListenAddr :8080, got %s", config.ListenAddr)
	}
	if config.LogLevel != "info" {
		t.Errorf("expected LogLevel info, got %s", config.LogLevel)
	}
	if config.Encryption.KeySource != KeySourceEnv {
		t.Errorf("expected key source env, got %s", config.Encryption.KeySource)
	}
	if !config.RateLimit.Enabled {
		t.Error("expected rate limiting enabled by default")
	}
	if config.Storage.Backend != "memory" {
		t.Errorf("expected memory storage, got %s", config.Storage.Backend)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", config.ListenAddr)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENCRYPTION_KEY_SOURCE", "file")
	t.Setenv("ENCRYPTION_KEY_FILE", "/run/secrets/master.key")
	t.Setenv("ENCRYPTION_SUPPORTED_ALGORITHMS", "AES256-GCM, ChaCha20-Poly1305")
	t.Setenv("ENCRYPTION_PREVIOUS_KEY_FILES", "/run/secrets/master.key.1,/run/secrets/master.key.2")
	t.Setenv("RATE_LIMIT_VIOLATION_THRESHOLD", "3")
	t.Setenv("RATE_LIMIT_BLOCK_DURATION", "10m")
	t.Setenv("RATE_LIMIT_MAX_BODY_BYTES", "2048")
	t.Setenv("STORAGE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("SECRETS_DRIVER", "memory")
	t.Setenv("TRACING_SAMPLING_RATIO", "0.25")
	t.Setenv("SERVER_TRUSTED_PROXIES", "10.0.0.1, 10.0.0.2")

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", config.ListenAddr)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, KeySourceFile, config.Encryption.KeySource)
	assert.Equal(t, "/run/secrets/master.key", config.Encryption.KeyFile)
	assert.Equal(t, []string{"AES256-GCM", "ChaCha20-Poly1305"}, config.Encryption.SupportedAlgorithms)
	assert.Equal(t, []string{"/run/secrets/master.key.1", "/run/secrets/master.key.2"}, config.Encryption.PreviousKeyFiles)
	assert.Equal(t, 3, config.RateLimit.ViolationThreshold)
	assert.Equal(t, 10*time.Minute, config.RateLimit.BlockDuration)
	assert.Equal(t, int64(2048), config.RateLimit.MaxBodyBytes)
	assert.Equal(t, "redis", config.Storage.Backend)
	assert.Equal(t, "localhost:6379", config.Storage.Redis.Addr)
	assert.Equal(t, 2, config.Storage.Redis.DB)
	assert.Equal(t, "memory", config.Secrets.Driver)
	assert.Equal(t, 0.25, config.Tracing.SamplingRatio)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, config.Server.TrustedProxies)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `listen_addr: ":7070"
rate_limit:
  classes:
    authentication:
      max_requests: 3
      window: 30s
oauth:
  base_url: https://gateway.example.com
  providers:
    - name: github
      client_id: gh-client
workload:
  enabled: true
  env_tokens:
    - platform: github
      variable: GITHUB_TOKEN
secrets:
  driver: pgx
  dsn: postgres://gateway@db/gateway
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("OAUTH_GITHUB_CLIENT_SECRET", "from-env")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", config.ListenAddr)
	require.Len(t, config.OAuth.Providers, 1)
	assert.Equal(t, oauth.ProviderConfig{Name: "github", ClientID: "gh-client", ClientSecret: "from-env"}, config.OAuth.Providers[0])
	assert.Equal(t, []EnvTokenConfig{{Platform: "github", Variable: "GITHUB_TOKEN"}}, config.Workload.EnvTokens)
	assert.Equal(t, "pgx", config.Secrets.Driver)

	policy, err := config.RateLimit.Policy()
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Limit{MaxRequests: 3, Window: 30 * time.Second}, policy.Limits[ratelimit.ClassAuthentication])
	assert.Equal(t, ratelimit.DefaultPolicy().Limits[ratelimit.ClassGeneral], policy.Limits[ratelimit.ClassGeneral])
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unterminated"), 0o600))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestRateLimitConfig_Policy(t *testing.T) {
	p, err := RateLimitConfig{}.Policy()
	require.NoError(t, err)
	assert.Equal(t, ratelimit.DefaultPolicy(), p)

	_, err = RateLimitConfig{Classes: map[string]LimitConfig{"uploads": {MaxRequests: 1, Window: time.Second}}}.Policy()
	assert.Error(t, err)

	_, err = RateLimitConfig{Classes: map[string]LimitConfig{"general": {MaxRequests: 0, Window: time.Second}}}.Policy()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{
			name:    "missing listen addr",
			mutate:  func(c *Config) { c.ListenAddr = "" },
			wantErr: "listen_addr is required",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "invalid log_level",
		},
		{
			name:    "tls without cert",
			mutate:  func(c *Config) { c.TLS.Enabled = true },
			wantErr: "tls.cert_file",
		},
		{
			name:    "unknown key source",
			mutate:  func(c *Config) { c.Encryption.KeySource = "kms" },
			wantErr: "invalid encryption.key_source",
		},
		{
			name:    "file source without path",
			mutate:  func(c *Config) { c.Encryption.KeySource = KeySourceFile },
			wantErr: "encryption.key_file is required",
		},
		{
			name:    "vault source without path",
			mutate:  func(c *Config) { c.Encryption.KeySource = KeySourceVault },
			wantErr: "encryption.vault.path",
		},
		{
			name:    "s3 source without bucket",
			mutate:  func(c *Config) { c.Encryption.KeySource = KeySourceS3 },
			wantErr: "encryption.s3.bucket",
		},
		{
			name:    "watching needs a key file",
			mutate:  func(c *Config) { c.Encryption.WatchKeyFile = true },
			wantErr: "watch_key_file",
		},
		{
			name:    "unknown algorithm",
			mutate:  func(c *Config) { c.Encryption.PreferredAlgorithm = "DES" },
			wantErr: "invalid encryption.preferred_algorithm",
		},
		{
			name: "preferred not supported",
			mutate: func(c *Config) {
				c.Encryption.PreferredAlgorithm = "ChaCha20-Poly1305"
				c.Encryption.SupportedAlgorithms = []string{"AES256-GCM"}
			},
			wantErr: "must be listed",
		},
		{
			name:    "short signing secret",
			mutate:  func(c *Config) { c.Auth.SigningSecret = "short" },
			wantErr: "at least 32 bytes",
		},
		{
			name: "providers without base url",
			mutate: func(c *Config) {
				c.OAuth.Providers = []oauth.ProviderConfig{{Name: "google", ClientID: "id"}}
			},
			wantErr: "oauth.base_url",
		},
		{
			name: "duplicate provider",
			mutate: func(c *Config) {
				c.OAuth.BaseURL = "https://gw.example.com"
				c.OAuth.Providers = []oauth.ProviderConfig{{Name: "google", ClientID: "a"}, {Name: "google", ClientID: "b"}}
			},
			wantErr: "duplicate oauth provider",
		},
		{
			name: "github app without key",
			mutate: func(c *Config) {
				c.Workload.Enabled = true
				c.Workload.GitHubApp = GitHubAppWorkloadConfig{Enabled: true, AppID: "1"}
			},
			wantErr: "workload.github_app",
		},
		{
			name:    "redis without addr",
			mutate:  func(c *Config) { c.Storage.Backend = "redis" },
			wantErr: "storage.redis.addr",
		},
		{
			name:    "unknown secrets driver",
			mutate:  func(c *Config) { c.Secrets.Driver = "mysql" },
			wantErr: "invalid secrets.driver",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: "tracing.otlp_endpoint",
		},
		{
			name: "jaeger exporter unsupported",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: "invalid tracing.exporter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
