package main

import (
	"context"
	"crypto/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/credential-gateway/internal/api"
	"github.com/kenneth/credential-gateway/internal/apikey"
	"github.com/kenneth/credential-gateway/internal/audit"
	"github.com/kenneth/credential-gateway/internal/config"
	"github.com/kenneth/credential-gateway/internal/crypto"
	"github.com/kenneth/credential-gateway/internal/gate"
	"github.com/kenneth/credential-gateway/internal/metrics"
	"github.com/kenneth/credential-gateway/internal/middleware"
	"github.com/kenneth/credential-gateway/internal/ratelimit"
	"github.com/kenneth/credential-gateway/internal/tracing"
	"github.com/kenneth/credential-gateway/internal/vault"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting credential gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics and tracing
	m := metrics.NewMetrics()
	m.SetVersion(version)
	m.StartSystemMetricsCollector(ctx)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, version, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}

	var auditLog audit.Logger = audit.Discard()
	if cfg.Audit.Enabled {
		auditLog = audit.NewLogger(cfg.Audit.MaxEvents, audit.MultiWriter{
			&audit.LogrusWriter{Logger: logger},
			&audit.MetricsWriter{Metrics: m},
		})
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	// Master key and encryption engine
	source, err := buildKeySource(ctx, cfg.Encryption, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure master key source")
	}
	master, err := crypto.LoadMasterKey(ctx, source)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load master key")
	}
	previous, err := loadPreviousKeys(ctx, cfg.Encryption.PreviousKeyFiles)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load previous master keys")
	}
	engine, err := crypto.NewEngine(master, crypto.Options{
		PreferredAlgorithm:  cfg.Encryption.PreferredAlgorithm,
		SupportedAlgorithms: cfg.Encryption.SupportedAlgorithms,
		MaxKeyAge:           cfg.Encryption.MaxKeyAge,
		PreviousKeys:        previous,
		Logger:              logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create encryption engine")
	}
	logger.WithFields(logrus.Fields{
		"key_source":           source.Name(),
		"preferred_algorithm":  cfg.Encryption.PreferredAlgorithm,
		"supported_algorithms": cfg.Encryption.SupportedAlgorithms,
		"previous_keys":        len(previous),
	}).Info("Encryption engine initialized")

	if cfg.Encryption.WatchKeyFile {
		keyWatcher, err := crypto.NewKeyFileWatcher(cfg.Encryption.KeyFile, master, engine, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to watch master key file")
		}
		keyWatcher.OnRotate(func(keyVersion int) {
			logger.WithField("key_version", keyVersion).Info("Master key rotated")
			logger.Warn("Add the replaced master key to encryption.previous_key_files before restarting, or secrets sealed under it will not open")
			auditLog.LogCredentialOperation("rotate_master_key", "", "", "", true)
		})
		go keyWatcher.Start()
		defer keyWatcher.Stop()
	}

	// Shared state
	stores, err := newStores(ctx, cfg.Storage)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize state storage")
	}
	defer stores.Close()

	var limiter gate.Admitter = unlimited{}
	var rateLimiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		policy, err := cfg.RateLimit.Policy()
		if err != nil {
			logger.WithError(err).Fatal("Invalid rate limit policy")
		}
		rateLimiter, err = ratelimit.New(stores.rateLimit, policy, logger, ratelimit.WithMetrics(m))
		if err != nil {
			logger.WithError(err).Fatal("Failed to create rate limiter")
		}
		rateLimiter.Start(cfg.RateLimit.SweepInterval)
		defer rateLimiter.Stop()
		limiter = rateLimiter
	} else {
		logger.Warn("Rate limiting is disabled")
	}

	// Caller authentication
	signing := []byte(cfg.Auth.SigningSecret)
	if len(signing) == 0 {
		signing = make([]byte, apikey.MinSecretSize)
		if _, err := rand.Read(signing); err != nil {
			logger.WithError(err).Fatal("Failed to generate signing secret")
		}
		logger.Warn("No signing secret configured; API keys will not survive a restart")
	}
	issuer, err := apikey.NewIssuer(stores.apiKeys, signing, apikey.Options{
		TTL:    cfg.Auth.CredentialTTL,
		Logger: logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create API key issuer")
	}

	sessions, err := buildSessions(cfg.OAuth, stores, logger, auditLog)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure OAuth providers")
	}

	// Secret storage
	repo, err := openRepository(ctx, cfg.Secrets, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open secret store")
	}
	defer repo.Close()
	secrets := vault.NewService(repo, engine, vault.Options{
		DefaultTTL: cfg.Secrets.DefaultTTL,
		Logger:     logger,
		Metrics:    m,
		Audit:      auditLog,
	})

	resolver, err := buildWorkload(cfg.Workload, logger, m)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure workload identity")
	}

	components := gate.Components{Limiter: limiter, Keys: issuer, Secrets: secrets}
	if sessions != nil {
		components.Sessions = sessions
	}
	if resolver != nil {
		components.Workload = resolver
	}
	g, err := gate.New(components, gate.Options{Logger: logger, Metrics: m, Audit: auditLog})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create access gate")
	}

	handler, err := api.NewHandler(api.Deps{
		Gate:          g,
		Keys:          issuer,
		Sessions:      sessions,
		Secrets:       secrets,
		Engine:        engine,
		Logger:        logger,
		Metrics:       m,
		Audit:         auditLog,
		SecureCookies: cfg.TLS.Enabled || len(cfg.Server.TrustedProxies) > 0,
		MaxBodyBytes:  cfg.RateLimit.MaxBodyBytes,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create API handler")
	}

	// Setup router
	router := mux.NewRouter()
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, m.Handler()).Methods("GET")
	}
	handler.RegisterRoutes(router)

	// Middleware runs outermost first: recovery, request id, client address,
	// tracing, access log, security headers.
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.ClientIPMiddleware(middleware.NewClientIPResolver(cfg.Server.TrustedProxies)))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware(cfg.Tracing.RedactSensitive))
	}
	router.Use(middleware.LoggingMiddleware(logger, &cfg.Logging))
	router.Use(middleware.SecurityHeadersMiddleware())

	// Background maintenance
	runSweepers(ctx, cfg, logger, sweepers{
		keys:     issuer,
		sessions: sessions,
		secrets:  secrets,
		workload: resolver,
	})

	// Hot reload of the reloadable settings
	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Configuration hot reload unavailable")
	} else {
		reloader.SetOnReloadCallback(func(_, next *config.Config) error {
			if lvl, err := logrus.ParseLevel(next.LogLevel); err == nil {
				logger.SetLevel(lvl)
			}
			if rateLimiter != nil {
				policy, err := next.RateLimit.Policy()
				if err != nil {
					return err
				}
				if err := rateLimiter.UpdatePolicy(policy); err != nil {
					return err
				}
			}
			return nil
		})
		go reloader.Start()
		defer reloader.Stop()
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
}

// unlimited admits every request. It stands in for the limiter when rate
// limiting is disabled.
type unlimited struct{}

func (unlimited) Admit(context.Context, string, ratelimit.Class, int64) (ratelimit.Decision, error) {
	return ratelimit.Decision{Verdict: ratelimit.Admit}, nil
}

var _ gate.Admitter = unlimited{}

const defaultShutdownTimeout = 30 * time.Second
