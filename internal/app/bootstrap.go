// Package app wires configuration, storage and HTTP routes into a runnable
// handler shared by the long-running server and the serverless entrypoint.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/VitoHuang720618/bojiu/internal/audit"
	"github.com/VitoHuang720618/bojiu/internal/auth"
	"github.com/VitoHuang720618/bojiu/internal/config"
	"github.com/VitoHuang720618/bojiu/internal/db"
	"github.com/VitoHuang720618/bojiu/internal/maintenance"
	"github.com/VitoHuang720618/bojiu/internal/manifest"
	"github.com/VitoHuang720618/bojiu/internal/observability"
	"github.com/VitoHuang720618/bojiu/internal/ratelimit"
)

type Options struct {
	LoadDotEnv bool
	// RunMigrations forces migrations even when the config leaves them off.
	RunMigrations bool
	ConfigFile    string
}

type Runtime struct {
	Handler http.Handler
	Config  *config.Config
	Logger  *observability.Logger
	Limiter ratelimit.Limiter
	Close   func() error
}

func Build(ctx context.Context, options Options) (*Runtime, error) {
	cfg, err := config.Load(config.Options{LoadDotEnv: options.LoadDotEnv, File: options.ConfigFile})
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := db.Open(ctx, cfg.Database.URL, db.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime(),
		ConnMaxIdleTime: cfg.ConnMaxIdleTime(),
	})
	if err != nil {
		return nil, err
	}

	if options.RunMigrations || cfg.Database.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	limiter, closeLimiter := NewLimiter(ctx, cfg, logger)

	runtime, err := Assemble(ctx, cfg, database, limiter, logger)
	if err != nil {
		_ = closeLimiter()
		_ = database.Close()
		return nil, err
	}

	closeRuntime := runtime.Close
	runtime.Close = func() error {
		err := closeRuntime()
		_ = closeLimiter()
		observability.FlushSentry()
		if dbErr := database.Close(); err == nil {
			err = dbErr
		}
		return err
	}
	return runtime, nil
}

// NewLimiter returns the Redis limiter when REDIS_URL is set and reachable,
// and the in-process limiter otherwise.
func NewLimiter(ctx context.Context, cfg *config.Config, logger *observability.Logger) (ratelimit.Limiter, func() error) {
	limits := ratelimit.Config{MaxAttempts: cfg.RateLimit.MaxAttempts, Window: cfg.RateLimitWindow()}
	noop := func() error { return nil }

	if cfg.RedisURL == "" {
		return ratelimit.NewMemory(limits), noop
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis_url_invalid", map[string]any{"error": err.Error()})
		return ratelimit.NewMemory(limits), noop
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis_unavailable", map[string]any{"error": err.Error()})
		_ = client.Close()
		return ratelimit.NewMemory(limits), noop
	}

	return ratelimit.NewRedis(client, limits), client.Close
}

// Assemble builds the services and routes on an open database. The returned
// Close only flushes the audit dispatcher.
func Assemble(ctx context.Context, cfg *config.Config, database *sql.DB, limiter ratelimit.Limiter, logger *observability.Logger) (*Runtime, error) {
	keys, err := ratelimit.NewClientKeys(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	auditRepo := audit.NewRepository(database)
	dispatcher := audit.NewDispatcher(auditRepo, logger, cfg.Audit.BufferSize)

	users := auth.NewUserService(auth.NewRepository(database), auth.NewBcryptHasher(cfg.Password.BcryptCost), dispatcher)
	tokens := auth.NewTokenService(users, auth.TokenConfig{
		Secret:     cfg.JWT.Secret,
		AccessTTL:  cfg.AccessTTL(),
		RefreshTTL: cfg.RefreshTTL(),
	})
	service := auth.NewService(users, tokens, limiter, dispatcher, logger)
	gate := auth.NewGate(tokens, limiter, keys, logger)

	if cfg.UsesDefaultSecret() {
		if cfg.IsProduction() {
			logger.Warn("default_jwt_secret_in_production", map[string]any{"hint": "set JWT_SECRET"})
		} else {
			logger.Info("default_jwt_secret", map[string]any{"app_env": cfg.AppEnv})
		}
	}

	created, err := service.EnsureDefaultAdmin(ctx, auth.DefaultAdmin{
		Username: cfg.Admin.Username,
		Email:    cfg.Admin.Email,
		Password: cfg.Admin.Password,
	})
	if err != nil {
		dispatcher.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}
	if created && cfg.Admin.Password == config.DefaultAdminPassword {
		logger.Warn("default_admin_password", map[string]any{
			"username": cfg.Admin.Username,
			"hint":     "change the password on first login",
		})
	}

	cleanupHandler := maintenance.NewCleanupHandler(limiter, auditRepo, logger, cfg.CronSecret, cfg.AuditRetention())

	mux := http.NewServeMux()
	auth.Register(mux, gate, auth.NewHandler(service, keys, dispatcher), auth.NewUsersHandler(users))
	manifest.Register(mux, gate, manifest.NewHandler(manifest.NewRepository(database), dispatcher))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger,
			auth.AuditTrail(dispatcher, keys, mux)))

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Limiter: limiter,
		Close: func() error {
			dispatcher.Close()
			if dropped := dispatcher.Dropped(); dropped > 0 {
				logger.Warn("audit_entries_dropped", map[string]any{"count": dropped})
			}
			return nil
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
