package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kenneth/credential-gateway/internal/crypto"
	"github.com/kenneth/credential-gateway/internal/oauth"
	"github.com/kenneth/credential-gateway/internal/ratelimit"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string           `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string           `yaml:"log_level" env:"LOG_LEVEL"`
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
	TLS        TLSConfig        `yaml:"tls"`
	Encryption EncryptionConfig `yaml:"encryption"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Auth       AuthConfig       `yaml:"auth"`
	OAuth      OAuthConfig      `yaml:"oauth"`
	Workload   WorkloadConfig   `yaml:"workload"`
	Storage    StorageConfig    `yaml:"storage"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Audit      AuditConfig      `yaml:"audit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// Master key sources.
const (
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceGenerate = "generate"
	KeySourceVault    = "vault"
	KeySourceS3       = "s3"
)

// EncryptionConfig holds encryption-related configuration.
type EncryptionConfig struct {
	KeySource           string         `yaml:"key_source" env:"ENCRYPTION_KEY_SOURCE"`
	KeyEnv              string         `yaml:"key_env" env:"ENCRYPTION_KEY_ENV"`
	KeyFile             string         `yaml:"key_file" env:"ENCRYPTION_KEY_FILE"`
	WatchKeyFile        bool           `yaml:"watch_key_file" env:"ENCRYPTION_WATCH_KEY_FILE"`         // Rotate when the key file changes
	PreviousKeyFiles    []string       `yaml:"previous_key_files" env:"ENCRYPTION_PREVIOUS_KEY_FILES"` // Retired keys, oldest first
	PreferredAlgorithm  string         `yaml:"preferred_algorithm" env:"ENCRYPTION_PREFERRED_ALGORITHM"`
	SupportedAlgorithms []string       `yaml:"supported_algorithms" env:"ENCRYPTION_SUPPORTED_ALGORITHMS"`
	MaxKeyAge           time.Duration  `yaml:"max_key_age" env:"ENCRYPTION_MAX_KEY_AGE"`
	Vault               VaultKeyConfig `yaml:"vault"`
	S3                  S3KeyConfig    `yaml:"s3"`
}

// VaultKeyConfig locates the master key in a Vault KV v2 secret. Address and
// token fall back to VAULT_ADDR and VAULT_TOKEN.
type VaultKeyConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	Namespace string `yaml:"namespace"`
	Mount     string `yaml:"mount" env:"ENCRYPTION_VAULT_MOUNT"`
	Path      string `yaml:"path" env:"ENCRYPTION_VAULT_PATH"`
	Field     string `yaml:"field" env:"ENCRYPTION_VAULT_FIELD"`
}

// S3KeyConfig locates the master key object.
type S3KeyConfig struct {
	Bucket       string `yaml:"bucket" env:"ENCRYPTION_S3_BUCKET"`
	Key          string `yaml:"key" env:"ENCRYPTION_S3_KEY"`
	Region       string `yaml:"region" env:"ENCRYPTION_S3_REGION"`
	Endpoint     string `yaml:"endpoint" env:"ENCRYPTION_S3_ENDPOINT"`
	AccessKey    string `yaml:"access_key" env:"ENCRYPTION_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"ENCRYPTION_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"ENCRYPTION_S3_USE_PATH_STYLE"`
}

// LoggingConfig holds access log configuration.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json or clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	// TrustedProxies may set X-Forwarded-For. Empty means the peer address is
	// always the client address.
	TrustedProxies []string `yaml:"trusted_proxies" env:"SERVER_TRUSTED_PROXIES"`
}

// LimitConfig is the window of one operation class.
type LimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// RateLimitConfig holds rate limiting configuration. Classes not listed keep
// their defaults.
type RateLimitConfig struct {
	Enabled               bool                   `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Classes               map[string]LimitConfig `yaml:"classes"`
	ViolationThreshold    int                    `yaml:"violation_threshold" env:"RATE_LIMIT_VIOLATION_THRESHOLD"`
	BlockDuration         time.Duration          `yaml:"block_duration" env:"RATE_LIMIT_BLOCK_DURATION"`
	MaxBodyBytes          int64                  `yaml:"max_body_bytes" env:"RATE_LIMIT_MAX_BODY_BYTES"`
	OversizeBlockDuration time.Duration          `yaml:"oversize_block_duration" env:"RATE_LIMIT_OVERSIZE_BLOCK_DURATION"`
	SweepInterval         time.Duration          `yaml:"sweep_interval" env:"RATE_LIMIT_SWEEP_INTERVAL"`
}

// Policy builds the limiter policy.
func (c RateLimitConfig) Policy() (ratelimit.Policy, error) {
	p := ratelimit.DefaultPolicy()
	for name, l := range c.Classes {
		class, err := ratelimit.ParseClass(name)
		if err != nil {
			return ratelimit.Policy{}, err
		}
		p.Limits[class] = ratelimit.Limit{MaxRequests: l.MaxRequests, Window: l.Window}
	}
	if c.ViolationThreshold > 0 {
		p.ViolationThreshold = c.ViolationThreshold
	}
	if c.BlockDuration > 0 {
		p.BlockDuration = c.BlockDuration
	}
	if c.MaxBodyBytes > 0 {
		p.MaxBodyBytes = c.MaxBodyBytes
	}
	if c.OversizeBlockDuration > 0 {
		p.OversizeBlockDuration = c.OversizeBlockDuration
	}
	return p, p.Validate()
}

// AuthConfig holds API key configuration.
type AuthConfig struct {
	// SigningSecret signs issued keys. When empty a random secret is
	// generated and keys do not survive a restart.
	SigningSecret string        `yaml:"signing_secret" env:"AUTH_SIGNING_SECRET"`
	CredentialTTL time.Duration `yaml:"credential_ttl" env:"AUTH_CREDENTIAL_TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"AUTH_SWEEP_INTERVAL"`
}

// OAuthConfig holds federated login configuration. Client secrets can be
// supplied as OAUTH_<NAME>_CLIENT_SECRET.
type OAuthConfig struct {
	BaseURL         string                 `yaml:"base_url" env:"OAUTH_BASE_URL"`
	StateTTL        time.Duration          `yaml:"state_ttl" env:"OAUTH_STATE_TTL"`
	ExchangeTimeout time.Duration          `yaml:"exchange_timeout" env:"OAUTH_EXCHANGE_TIMEOUT"`
	TokenLifetime   time.Duration          `yaml:"default_session_ttl" env:"OAUTH_DEFAULT_SESSION_TTL"`
	SessionMaxAge   time.Duration          `yaml:"session_max_age" env:"OAUTH_SESSION_MAX_AGE"`
	SweepInterval   time.Duration          `yaml:"sweep_interval" env:"OAUTH_SWEEP_INTERVAL"`
	Providers       []oauth.ProviderConfig `yaml:"providers"`
}

// WorkloadConfig holds workload identity sources.
type WorkloadConfig struct {
	Enabled       bool                   `yaml:"enabled" env:"WORKLOAD_ENABLED"`
	RefreshBuffer time.Duration          `yaml:"refresh_buffer" env:"WORKLOAD_REFRESH_BUFFER"`
	ProbeTimeout  time.Duration          `yaml:"probe_timeout" env:"WORKLOAD_PROBE_TIMEOUT"`
	Azure         AzureWorkloadConfig    `yaml:"azure"`
	GitHubApp     GitHubAppWorkloadConfig `yaml:"github_app"`
	EnvTokens     []EnvTokenConfig       `yaml:"env_tokens"`
}

// AzureWorkloadConfig enables the managed identity source.
type AzureWorkloadConfig struct {
	Enabled  bool   `yaml:"enabled" env:"WORKLOAD_AZURE_ENABLED"`
	ClientID string `yaml:"client_id" env:"WORKLOAD_AZURE_CLIENT_ID"` // User-assigned identity
}

// GitHubAppWorkloadConfig enables installation tokens of a GitHub App.
type GitHubAppWorkloadConfig struct {
	Enabled        bool   `yaml:"enabled" env:"GITHUB_APP_ENABLED"`
	AppID          string `yaml:"app_id" env:"GITHUB_APP_ID"`
	InstallationID string `yaml:"installation_id" env:"GITHUB_APP_INSTALLATION_ID"`
	// AllowedInstallations may be selected per request through the
	// resource parameter. Any other id is refused.
	AllowedInstallations []string `yaml:"allowed_installations" env:"GITHUB_APP_ALLOWED_INSTALLATIONS"`
	PrivateKeyFile       string   `yaml:"private_key_file" env:"GITHUB_APP_PRIVATE_KEY_FILE"`
	BaseURL              string   `yaml:"base_url" env:"GITHUB_APP_BASE_URL"`
}

// EnvTokenConfig maps a platform to a provisioned environment variable.
type EnvTokenConfig struct {
	Platform string `yaml:"platform"`
	Variable string `yaml:"variable"`
}

// StorageConfig selects the backend of the shared state stores.
type StorageConfig struct {
	Backend string      `yaml:"backend" env:"STORAGE_BACKEND"` // memory or redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"REDIS_ADDR"`
	Username     string        `yaml:"username" env:"REDIS_USERNAME"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB           int           `yaml:"db" env:"REDIS_DB"`
	KeyPrefix    string        `yaml:"key_prefix" env:"REDIS_KEY_PREFIX"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SecretsConfig holds the durable secret store.
type SecretsConfig struct {
	Driver          string        `yaml:"driver" env:"SECRETS_DRIVER"` // memory, sqlite3 or pgx
	DSN             string        `yaml:"dsn" env:"SECRETS_DSN"`
	DefaultTTL      time.Duration `yaml:"default_ttl" env:"SECRETS_DEFAULT_TTL"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"SECRETS_CLEANUP_INTERVAL"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// MetricsConfig holds the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Path    string `yaml:"path" env:"METRICS_PATH"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout or otlp
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure        bool    `yaml:"insecure" env:"TRACING_INSECURE"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// Default returns the configuration used before the file and environment
// are applied.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "cookie", "x-session-handle", "x-api-key"},
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
			ShutdownTimeout:   30 * time.Second,
		},
		Encryption: EncryptionConfig{
			KeySource:           KeySourceEnv,
			KeyEnv:              "CREDENTIAL_GATEWAY_MASTER_KEY",
			PreferredAlgorithm:  crypto.AlgorithmAES256GCM,
			SupportedAlgorithms: crypto.KnownAlgorithms(),
			MaxKeyAge:           90 * 24 * time.Hour,
			Vault: VaultKeyConfig{
				Mount: "secret",
				Field: "master_key",
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			SweepInterval: time.Minute,
		},
		Auth: AuthConfig{
			CredentialTTL: 365 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		OAuth: OAuthConfig{
			StateTTL:        10 * time.Minute,
			ExchangeTimeout: 10 * time.Second,
			TokenLifetime:   time.Hour,
			SessionMaxAge:   30 * 24 * time.Hour,
			SweepInterval:   5 * time.Minute,
		},
		Workload: WorkloadConfig{
			RefreshBuffer: 5 * time.Minute,
			ProbeTimeout:  3 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Redis: RedisConfig{
				KeyPrefix:    "cgw:",
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
		},
		Secrets: SecretsConfig{
			Driver:          "sqlite3",
			DSN:             "credential-gateway.db",
			CleanupInterval: time.Hour,
		},
		Audit: AuditConfig{
			Enabled:   true,
			MaxEvents: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "credential-gateway",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envList(name string, dst *[]string) {
	if v := os.Getenv(name); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	envString("LISTEN_ADDR", &config.ListenAddr)
	envString("LOG_LEVEL", &config.LogLevel)
	envString("LOGGING_ACCESS_LOG_FORMAT", &config.Logging.AccessLogFormat)
	envList("LOGGING_REDACT_HEADERS", &config.Logging.RedactHeaders)

	envBool("TLS_ENABLED", &config.TLS.Enabled)
	envString("TLS_CERT_FILE", &config.TLS.CertFile)
	envString("TLS_KEY_FILE", &config.TLS.KeyFile)

	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &config.Server.ShutdownTimeout)
	if v := os.Getenv("SERVER_MAX_HEADER_BYTES"); v != "" {
		var maxBytes int
		if _, err := fmt.Sscanf(v, "%d", &maxBytes); err == nil && maxBytes > 0 {
			config.Server.MaxHeaderBytes = maxBytes
		}
	}
	envList("SERVER_TRUSTED_PROXIES", &config.Server.TrustedProxies)

	envString("ENCRYPTION_KEY_SOURCE", &config.Encryption.KeySource)
	envString("ENCRYPTION_KEY_ENV", &config.Encryption.KeyEnv)
	envString("ENCRYPTION_KEY_FILE", &config.Encryption.KeyFile)
	envBool("ENCRYPTION_WATCH_KEY_FILE", &config.Encryption.WatchKeyFile)
	envString("ENCRYPTION_PREFERRED_ALGORITHM", &config.Encryption.PreferredAlgorithm)
	envList("ENCRYPTION_SUPPORTED_ALGORITHMS", &config.Encryption.SupportedAlgorithms)
	envList("ENCRYPTION_PREVIOUS_KEY_FILES", &config.Encryption.PreviousKeyFiles)
	envDuration("ENCRYPTION_MAX_KEY_AGE", &config.Encryption.MaxKeyAge)
	envString("ENCRYPTION_VAULT_MOUNT", &config.Encryption.Vault.Mount)
	envString("ENCRYPTION_VAULT_PATH", &config.Encryption.Vault.Path)
	envString("ENCRYPTION_VAULT_FIELD", &config.Encryption.Vault.Field)
	envString("ENCRYPTION_S3_BUCKET", &config.Encryption.S3.Bucket)
	envString("ENCRYPTION_S3_KEY", &config.Encryption.S3.Key)
	envString("ENCRYPTION_S3_REGION", &config.Encryption.S3.Region)
	envString("ENCRYPTION_S3_ENDPOINT", &config.Encryption.S3.Endpoint)
	envString("ENCRYPTION_S3_ACCESS_KEY", &config.Encryption.S3.AccessKey)
	envString("ENCRYPTION_S3_SECRET_KEY", &config.Encryption.S3.SecretKey)
	envBool("ENCRYPTION_S3_USE_PATH_STYLE", &config.Encryption.S3.UsePathStyle)

	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT_VIOLATION_THRESHOLD", &config.RateLimit.ViolationThreshold)
	envDuration("RATE_LIMIT_BLOCK_DURATION", &config.RateLimit.BlockDuration)
	envDuration("RATE_LIMIT_OVERSIZE_BLOCK_DURATION", &config.RateLimit.OversizeBlockDuration)
	envDuration("RATE_LIMIT_SWEEP_INTERVAL", &config.RateLimit.SweepInterval)
	if v := os.Getenv("RATE_LIMIT_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.RateLimit.MaxBodyBytes = n
		}
	}

	envString("AUTH_SIGNING_SECRET", &config.Auth.SigningSecret)
	envDuration("AUTH_CREDENTIAL_TTL", &config.Auth.CredentialTTL)
	envDuration("AUTH_SWEEP_INTERVAL", &config.Auth.SweepInterval)

	envString("OAUTH_BASE_URL", &config.OAuth.BaseURL)
	envDuration("OAUTH_STATE_TTL", &config.OAuth.StateTTL)
	envDuration("OAUTH_EXCHANGE_TIMEOUT", &config.OAuth.ExchangeTimeout)
	envDuration("OAUTH_DEFAULT_SESSION_TTL", &config.OAuth.TokenLifetime)
	envDuration("OAUTH_SESSION_MAX_AGE", &config.OAuth.SessionMaxAge)
	envDuration("OAUTH_SWEEP_INTERVAL", &config.OAuth.SweepInterval)
	for i := range config.OAuth.Providers {
		prefix := "OAUTH_" + strings.ToUpper(config.OAuth.Providers[i].Name)
		envString(prefix+"_CLIENT_ID", &config.OAuth.Providers[i].ClientID)
		envString(prefix+"_CLIENT_SECRET", &config.OAuth.Providers[i].ClientSecret)
	}

	envBool("WORKLOAD_ENABLED", &config.Workload.Enabled)
	envDuration("WORKLOAD_REFRESH_BUFFER", &config.Workload.RefreshBuffer)
	envDuration("WORKLOAD_PROBE_TIMEOUT", &config.Workload.ProbeTimeout)
	envBool("WORKLOAD_AZURE_ENABLED", &config.Workload.Azure.Enabled)
	envString("WORKLOAD_AZURE_CLIENT_ID", &config.Workload.Azure.ClientID)
	envBool("GITHUB_APP_ENABLED", &config.Workload.GitHubApp.Enabled)
	envString("GITHUB_APP_ID", &config.Workload.GitHubApp.AppID)
	envString("GITHUB_APP_INSTALLATION_ID", &config.Workload.GitHubApp.InstallationID)
	envList("GITHUB_APP_ALLOWED_INSTALLATIONS", &config.Workload.GitHubApp.AllowedInstallations)
	envString("GITHUB_APP_PRIVATE_KEY_FILE", &config.Workload.GitHubApp.PrivateKeyFile)
	envString("GITHUB_APP_BASE_URL", &config.Workload.GitHubApp.BaseURL)

	envString("STORAGE_BACKEND", &config.Storage.Backend)
	envString("REDIS_ADDR", &config.Storage.Redis.Addr)
	envString("REDIS_USERNAME", &config.Storage.Redis.Username)
	envString("REDIS_PASSWORD", &config.Storage.Redis.Password)
	envInt("REDIS_DB", &config.Storage.Redis.DB)
	envString("REDIS_KEY_PREFIX", &config.Storage.Redis.KeyPrefix)

	envString("SECRETS_DRIVER", &config.Secrets.Driver)
	envString("SECRETS_DSN", &config.Secrets.DSN)
	envDuration("SECRETS_DEFAULT_TTL", &config.Secrets.DefaultTTL)
	envDuration("SECRETS_CLEANUP_INTERVAL", &config.Secrets.CleanupInterval)

	envBool("AUDIT_ENABLED", &config.Audit.Enabled)
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		var maxEvents int
		if _, err := fmt.Sscanf(v, "%d", &maxEvents); err == nil && maxEvents > 0 {
			config.Audit.MaxEvents = maxEvents
		}
	}

	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_PATH", &config.Metrics.Path)

	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_OTLP_ENDPOINT", &config.Tracing.OtlpEndpoint)
	envBool("TRACING_INSECURE", &config.Tracing.Insecure)
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	envBool("TRACING_REDACT_SENSITIVE", &config.Tracing.RedactSensitive)
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if err := c.Encryption.validate(); err != nil {
		return err
	}

	if _, err := c.RateLimit.Policy(); err != nil {
		return fmt.Errorf("invalid rate_limit: %w", err)
	}

	if s := c.Auth.SigningSecret; s != "" && len(s) < 32 {
		return fmt.Errorf("auth.signing_secret must be at least 32 bytes")
	}

	if len(c.OAuth.Providers) > 0 && c.OAuth.BaseURL == "" {
		return fmt.Errorf("oauth.base_url is required when providers are configured")
	}
	seen := map[string]bool{}
	for _, p := range c.OAuth.Providers {
		if p.Name == "" || p.ClientID == "" {
			return fmt.Errorf("oauth providers need a name and a client_id")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate oauth provider: %s", p.Name)
		}
		seen[p.Name] = true
	}

	if c.Workload.Enabled {
		gh := c.Workload.GitHubApp
		if gh.Enabled && (gh.AppID == "" || gh.PrivateKeyFile == "") {
			return fmt.Errorf("workload.github_app requires app_id and private_key_file")
		}
		for _, e := range c.Workload.EnvTokens {
			if e.Platform == "" || e.Variable == "" {
				return fmt.Errorf("workload.env_tokens entries need a platform and a variable")
			}
		}
	}

	switch c.Storage.Backend {
	case "memory":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be memory or redis)", c.Storage.Backend)
	}

	switch c.Secrets.Driver {
	case "memory":
	case "sqlite3", "sqlite", "pgx", "postgres":
		if c.Secrets.DSN == "" {
			return fmt.Errorf("secrets.dsn is required for driver %s", c.Secrets.Driver)
		}
	default:
		return fmt.Errorf("invalid secrets.driver: %s (must be memory, sqlite3 or pgx)", c.Secrets.Driver)
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}

func (e *EncryptionConfig) validate() error {
	switch e.KeySource {
	case KeySourceEnv:
		if e.KeyEnv == "" {
			return fmt.Errorf("encryption.key_env is required for key_source env")
		}
	case KeySourceFile:
		if e.KeyFile == "" {
			return fmt.Errorf("encryption.key_file is required for key_source file")
		}
	case KeySourceGenerate:
	case KeySourceVault:
		if e.Vault.Path == "" {
			return fmt.Errorf("encryption.vault.path is required for key_source vault")
		}
	case KeySourceS3:
		if e.S3.Bucket == "" || e.S3.Key == "" {
			return fmt.Errorf("encryption.s3.bucket and encryption.s3.key are required for key_source s3")
		}
	default:
		return fmt.Errorf("invalid encryption.key_source: %s", e.KeySource)
	}
	if e.WatchKeyFile && e.KeySource != KeySourceFile {
		return fmt.Errorf("encryption.watch_key_file requires key_source file")
	}

	if alg := strings.TrimSpace(e.PreferredAlgorithm); alg != "" && !crypto.IsKnownAlgorithm(alg) {
		return fmt.Errorf("invalid encryption.preferred_algorithm: %s", alg)
	}
	for _, alg := range e.SupportedAlgorithms {
		if !crypto.IsKnownAlgorithm(strings.TrimSpace(alg)) {
			return fmt.Errorf("invalid entry in encryption.supported_algorithms: %s", alg)
		}
	}
	if e.PreferredAlgorithm != "" && len(e.SupportedAlgorithms) > 0 {
		found := false
		for _, alg := range e.SupportedAlgorithms {
			if strings.TrimSpace(alg) == e.PreferredAlgorithm {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("encryption.preferred_algorithm must be listed in encryption.supported_algorithms")
		}
	}
	return nil
}
