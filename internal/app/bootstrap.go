package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"penlet-backend/internal/audit"
	"penlet-backend/internal/auth"
	"penlet-backend/internal/db"
	"penlet-backend/internal/maintenance"
	"penlet-backend/internal/observability"
	"penlet-backend/internal/ratelimit"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()
	environment := envOrDefault("APP_ENV", "development")

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), environment); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	hasher, err := auth.NewHasher(auth.DefaultHasherConfig())
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init password hasher: %w", err)
	}

	policy := auth.Policy{
		MinLength:      envIntOrDefault("MIN_PASSWORD_LENGTH", 8),
		RequireUpper:   EnvBoolOrDefault("REQUIRE_UPPERCASE", true),
		RequireLower:   EnvBoolOrDefault("REQUIRE_LOWERCASE", true),
		RequireDigit:   EnvBoolOrDefault("REQUIRE_DIGIT", true),
		RequireSpecial: EnvBoolOrDefault("REQUIRE_SPECIAL", false),
	}

	codec := auth.NewCodec(
		jwtSecret,
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 30),
		envDaysOrDefault("REFRESH_TOKEN_TTL_DAYS", 7),
	)

	repo := auth.NewRepository(database)
	auditSink := audit.NewPostgresSink(database, logger)

	service := auth.NewService(repo, hasher, policy, codec, auditSink, logger).
		WithSecurityConfig(
			envIntOrDefault("MAX_LOGIN_ATTEMPTS", 5),
			envMinutesOrDefault("LOCKOUT_DURATION_MINUTES", 30),
		).
		WithVerifiedEmailRequired(EnvBoolOrDefault("REQUIRE_VERIFIED_EMAIL", false))

	handler := auth.NewHandler(service, logger)
	middleware := auth.NewMiddleware(service, logger)

	cleanupHandler := maintenance.NewCleanupHandler(
		repo,
		auditSink,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("AUTH_RESET_TOKEN_RETENTION_DAYS", 14),
		envDaysOrDefault("AUDIT_LOG_RETENTION_DAYS", 90),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	limiter := ratelimit.NewLimiter()
	limiter.StartSweeper(envSecondsOrDefault("RATE_LIMIT_SWEEP_SECONDS", 60))

	gate := ratelimit.NewGate(limiter, codec, logger, ratelimit.Rule{
		Limit:  envIntOrDefault("RATE_LIMIT_REQUESTS", 100),
		Window: envSecondsOrDefault("RATE_LIMIT_WINDOW_SECONDS", 60),
	}).
		WithStrictRule("/auth/login", ratelimit.Rule{
			Limit:  envIntOrDefault("RATE_LIMIT_LOGIN_REQUESTS", 5),
			Window: envSecondsOrDefault("RATE_LIMIT_LOGIN_WINDOW_SECONDS", 60),
		}).
		WithStrictRule("/auth/register", ratelimit.Rule{
			Limit:  envIntOrDefault("RATE_LIMIT_REGISTER_REQUESTS", 3),
			Window: envSecondsOrDefault("RATE_LIMIT_REGISTER_WINDOW_SECONDS", 60),
		}).
		WithStrictRule("/auth/password-reset", ratelimit.Rule{
			Limit:  envIntOrDefault("RATE_LIMIT_PASSWORD_RESET_REQUESTS", 3),
			Window: envSecondsOrDefault("RATE_LIMIT_PASSWORD_RESET_WINDOW_SECONDS", 300),
		}).
		WithExemptPaths("/", "/health", "/docs", "/openapi.json")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", handler.Register)
	mux.HandleFunc("POST /auth/login", handler.Login)
	mux.HandleFunc("POST /auth/refresh", handler.Refresh)
	mux.Handle("POST /auth/logout", middleware.RequireUser(http.HandlerFunc(handler.Logout)))
	mux.HandleFunc("POST /auth/password-reset-request", handler.RequestPasswordReset)
	mux.HandleFunc("POST /auth/password-reset", handler.ResetPassword)
	mux.Handle("GET /auth/me", middleware.RequireUser(http.HandlerFunc(handler.Me)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	chain := observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger,
			observability.SecurityHeadersMiddleware(environment,
				gate.Middleware(mux))))

	return &Runtime{
		Handler: chain,
		Close: func() error {
			limiter.Stop()
			observability.FlushSentry()
			return database.Close()
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

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
