// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Command api is the entry point for the portal security API server.
//
// # Startup Sequence
//
//  1. Initialize structured logger.
//  2. Load configuration from environment variables.
//  3. Connect to PostgreSQL (pgxpool) and, when configured, Redis.
//  4. Run database migrations (idempotent).
//  5. Wire the security core: audit log, limiter, sessions, second factor, guard.
//  6. Wire HTTP handlers and background housekeeping.
//  7. Start HTTP server with graceful shutdown.
//
// No business logic lives here. All wiring is explicit constructor injection.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taibuivan/portalcore/internal/api"
	"github.com/taibuivan/portalcore/internal/platform/config"
	"github.com/taibuivan/portalcore/internal/platform/constants"
	"github.com/taibuivan/portalcore/internal/platform/migration"
	"github.com/taibuivan/portalcore/internal/platform/obs"
	pgstore "github.com/taibuivan/portalcore/internal/platform/postgres"
	redisstore "github.com/taibuivan/portalcore/internal/platform/redis"
	"github.com/taibuivan/portalcore/internal/platform/sec"
	"github.com/taibuivan/portalcore/internal/security/audit"
	"github.com/taibuivan/portalcore/internal/security/guard"
	"github.com/taibuivan/portalcore/internal/security/permission"
	"github.com/taibuivan/portalcore/internal/security/ratelimit"
	"github.com/taibuivan/portalcore/internal/users/account"
	"github.com/taibuivan/portalcore/internal/users/auth"
	"github.com/taibuivan/portalcore/internal/users/totp"
)

func main() {
	// ── 1. Logger ──────────────────────────────────────────────────────────
	// Initialize first so that subsequent startup errors are structured JSON.
	rawLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Add global context to all log entries.
	log := rawLog.With(slog.String("app", constants.AppName))
	slog.SetDefault(log)

	log.Info("service_initializing", slog.String("version", constants.AppVersion))

	// ── 2. Configuration ──────────────────────────────────────────────────
	cfg, err := config.Load()
	must(log, err, "load configuration")

	if cfg.Debug {
		debugLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		log = debugLog.With(slog.String("app", constants.AppName))
		slog.SetDefault(log)
		log.Debug("debug_logging_enabled")
	}

	log.Info("configuration_loaded",
		slog.String("environment", cfg.Environment),
		slog.String("port", cfg.ServerPort),
		slog.Bool("redis", cfg.UsesRedis()),
		slog.Bool("audit_kafka", len(cfg.AuditKafkaBrokers) > 0),
	)

	obs.Init()

	// Background workers stop when the process begins shutting down.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Root context for startup. Use a 30s deadline so misconfiguration is
	// caught quickly rather than hanging indefinitely.
	startupCtx, startupCancel := context.WithTimeout(rootCtx, 30*time.Second)
	defer startupCancel()

	// ── 3. PostgreSQL ─────────────────────────────────────────────────────
	pool, err := pgstore.NewPool(startupCtx, cfg.DatabaseURL, log)
	must(log, err, "connect to postgres")
	defer func() {
		log.Info("closing postgres pool")
		pool.Close()
	}()

	checks := []api.DependencyCheck{
		{Name: "postgres", Check: func(ctx context.Context) error { return pgstore.Ping(ctx, pool) }},
	}

	// ── 4. Migrations ─────────────────────────────────────────────────────
	must(log, migration.RunUp(cfg.DatabaseURL, cfg.MigrationPath, log), "run migrations")

	// ── 5. Audit Log ──────────────────────────────────────────────────────
	auditStore := audit.NewPostgresStore(pool)
	var auditOptions []audit.Option
	if len(cfg.AuditKafkaBrokers) > 0 {
		publisher := audit.NewKafkaPublisher(cfg.AuditKafkaBrokers, cfg.AuditKafkaTopic, log)
		defer func() {
			if cerr := publisher.Close(); cerr != nil {
				log.Error("audit publisher close error", slog.Any("error", cerr))
			}
		}()
		auditOptions = append(auditOptions, audit.WithPublisher(publisher))
	}
	auditLogger := audit.NewLogger(auditStore, log, auditOptions...)

	// ── 6. Rate Limiter ───────────────────────────────────────────────────
	var limiterStore ratelimit.Store
	if cfg.UsesRedis() {
		rdb, err := redisstore.NewClient(startupCtx, cfg.RedisURL, log)
		must(log, err, "connect to redis")
		defer func() {
			log.Info("closing redis client")
			if cerr := rdb.Close(); cerr != nil {
				log.Error("redis close error", slog.Any("error", cerr))
			}
		}()
		checks = append(checks, api.DependencyCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisstore.Ping(ctx, rdb) },
		})
		limiterStore = ratelimit.NewRedisStore(rdb, time.Now)
	} else {
		memoryStore := ratelimit.NewMemoryStore(time.Now)
		go memoryStore.RunSweeper(rootCtx, constants.RateLimitCleanupInterval)
		limiterStore = memoryStore
		log.Warn("rate_limiter_in_memory", slog.String("reason", "REDIS_URL not set; counters are per instance"))
	}
	limiter := ratelimit.NewLimiter(limiterStore, log, ratelimit.WithRejectHook(guard.RateLimitAuditor(auditLogger)))
	policies := ratelimit.PoliciesFromConfig(cfg.RateLimits)

	// ── 7. Sessions & Second Factor ───────────────────────────────────────
	tokens, err := sec.NewTokenService(cfg.JWTPrivKeyPath, cfg.JWTPubKeyPath, constants.AuthIssuer)
	must(log, err, "initialize jwt service")

	userRepository := auth.NewUserRepository(pool)
	sessionManager := auth.NewSessionManager(
		userRepository,
		auth.NewSessionRepository(pool),
		tokens,
		auditLogger,
		log,
		cfg.AccessTokenTTL,
		cfg.RefreshTokenTTL,
	)
	factors := totp.NewManager(totp.NewPostgresRepository(pool), cfg.TOTPIssuer, auditLogger)

	authService := auth.NewService(auth.Dependencies{
		Users:           userRepository,
		Sessions:        sessionManager,
		ResetTokens:     auth.NewResetTokenRepository(pool),
		Factors:         factors,
		Limiter:         limiter,
		Policies:        policies,
		Invitations:     tokens,
		Notifier:        auth.NewLogNotifier(log, cfg.IsDevelopment()),
		Audit:           auditLogger,
		Logger:          log,
		DefaultRegionID: cfg.DefaultRegionID,
		ResetTokenTTL:   cfg.ResetTokenTTL,
	})

	// ── 8. Request Guard ──────────────────────────────────────────────────
	gate := guard.New(guard.Dependencies{
		Tokens:  sessionManager,
		Users:   userRepository,
		Engine:  permission.NewEngine(permission.DefaultMatrix()),
		Limiter: limiter,
		Policy:  policies.Authenticated,
		Audit:   auditLogger,
		Logger:  log,
	})

	accountService := account.NewService(account.Dependencies{
		Users:         userRepository,
		Directory:     account.NewDirectory(pool),
		Sessions:      sessionManager,
		Invitations:   tokens,
		Authorizer:    gate,
		Audit:         auditLogger,
		AuditLog:      auditStore,
		Logger:        log,
		InvitationTTL: cfg.InvitationTTL,
	})

	// ── 9. Housekeeping ───────────────────────────────────────────────────
	go runHousekeeping(rootCtx, authService, log)

	// ── 10. HTTP Server ───────────────────────────────────────────────────
	liveness, readiness := api.NewHealthHandlers(checks, log)
	handlers := api.Handlers{
		Liveness:  liveness,
		Readiness: readiness,
		Metrics:   obs.Handler(),
		Auth:      auth.NewHandler(authService, gate, !cfg.IsDevelopment()),
		Account:   account.NewHandler(accountService, gate),
	}

	server := api.NewServer(rootCtx, cfg, log, handlers)

	// ── 11. Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Block until OS signal or server error.
	select {
	case sig := <-quit:
		log.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("server startup error", slog.Any("error", err))
	}

	// Give in-flight requests enough time to complete.
	shutdownTimeout := constants.ShutdownTimeout
	log.Info("shutting down server", slog.Duration("timeout", shutdownTimeout))

	if err := server.Shutdown(shutdownTimeout); err != nil {
		log.Error("shutdown error", slog.Any("error", err))
		os.Exit(1)
	}
	rootCancel()

	log.Info("server stopped cleanly")
}

// runHousekeeping purges dead sessions and reset tokens until ctx is cancelled.
// Deletes are idempotent, so every instance may run it.
func runHousekeeping(ctx context.Context, service *auth.Service, log *slog.Logger) {
	ticker := time.NewTicker(constants.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, constants.StoreTimeout)
			sessions, tokens, err := service.Housekeep(runCtx, constants.HousekeepingRetention)
			cancel()
			if err != nil {
				log.Error("housekeeping_failed", slog.Any("error", err))
				continue
			}
			if sessions > 0 || tokens > 0 {
				log.Info("housekeeping_completed",
					slog.Int64("sessions_deleted", sessions),
					slog.Int64("reset_tokens_deleted", tokens),
				)
			}
		}
	}
}

// must logs a structured fatal error and terminates the process if err is non-nil.
//
// It is limited to startup wiring. After startup, all errors are returned
// and handled explicitly.
func must(log *slog.Logger, err error, context string) {
	if err != nil {
		log.Error("startup failure",
			slog.String("context", context),
			slog.Any("error", err),
		)
		os.Exit(1)
	}
}
