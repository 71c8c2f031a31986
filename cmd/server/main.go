// Command server starts the Cliptide API HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"cliptide/internal/api"
	"cliptide/internal/auth"
	"cliptide/internal/media"
	"cliptide/internal/observability/logging"
	"cliptide/internal/server"
	"cliptide/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	accessSecret := flag.String("access-token-secret", "", "signing secret for access tokens")
	refreshSecret := flag.String("refresh-token-secret", "", "signing secret for refresh tokens")
	accessTTL := flag.Duration("access-token-ttl", 0, "lifetime of issued access tokens")
	refreshTTL := flag.Duration("refresh-token-ttl", 0, "lifetime of issued refresh tokens")
	issuer := flag.String("token-issuer", "", "issuer claim stamped on signed tokens")
	cookieSecure := flag.Bool("cookie-secure", false, "always mark token cookies Secure")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for distributed login throttling")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis operations")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	mediaEndpoint := flag.String("media-endpoint", "", "object storage endpoint for uploaded media (e.g. http://127.0.0.1:9000)")
	mediaBucket := flag.String("media-bucket", "", "object storage bucket for uploaded media")
	mediaRegion := flag.String("media-region", "", "object storage region")
	mediaAccessKey := flag.String("media-access-key", "", "object storage access key")
	mediaSecretKey := flag.String("media-secret-key", "", "object storage secret key")
	mediaPrefix := flag.String("media-prefix", "", "object storage key prefix for uploaded media")
	mediaPublicEndpoint := flag.String("media-public-endpoint", "", "public endpoint used in stored media URLs")
	mediaUseSSL := flag.Bool("media-use-ssl", false, "enable TLS for object storage requests")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "bound on graceful shutdown after a stop signal")
	tokenSweepInterval := flag.Duration("token-sweep-interval", 0, "interval between sweeps clearing expired refresh tokens")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CLIPTIDE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CLIPTIDE_LOG_FORMAT")),
	})

	listenAddr := firstNonEmpty(*addr, os.Getenv("CLIPTIDE_ADDR"), ":8080")

	tokens, err := auth.NewTokenManager(auth.TokenManagerConfig{
		AccessSecret:    []byte(firstNonEmpty(*accessSecret, os.Getenv("CLIPTIDE_ACCESS_TOKEN_SECRET"))),
		RefreshSecret:   []byte(firstNonEmpty(*refreshSecret, os.Getenv("CLIPTIDE_REFRESH_TOKEN_SECRET"))),
		AccessTokenTTL:  resolveDuration(*accessTTL, "CLIPTIDE_ACCESS_TOKEN_TTL", 0),
		RefreshTokenTTL: resolveDuration(*refreshTTL, "CLIPTIDE_REFRESH_TOKEN_TTL", 0),
		Issuer:          firstNonEmpty(*issuer, os.Getenv("CLIPTIDE_TOKEN_ISSUER")),
	})
	if err != nil {
		logger.Error("invalid token configuration", "error", err)
		os.Exit(1)
	}

	resolvedDSN := firstNonEmpty(*postgresDSN, os.Getenv("CLIPTIDE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	driver := resolveStorageDriver(*storageDriver, os.Getenv("CLIPTIDE_STORAGE_DRIVER"), resolvedDSN)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Repository
	switch driver {
	case "json":
		dataFile := firstNonEmpty(*dataPath, os.Getenv("CLIPTIDE_DATA"), "data/store.json")
		store, err = storage.NewStorage(dataFile)
	case "postgres":
		if resolvedDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		store, err = storage.NewPostgresRepository(ctx, resolvedDSN)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	mediaCfg := media.Config{
		Endpoint:       firstNonEmpty(*mediaEndpoint, os.Getenv("CLIPTIDE_MEDIA_ENDPOINT")),
		Bucket:         firstNonEmpty(*mediaBucket, os.Getenv("CLIPTIDE_MEDIA_BUCKET")),
		Region:         firstNonEmpty(*mediaRegion, os.Getenv("CLIPTIDE_MEDIA_REGION")),
		AccessKey:      firstNonEmpty(*mediaAccessKey, os.Getenv("CLIPTIDE_MEDIA_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*mediaSecretKey, os.Getenv("CLIPTIDE_MEDIA_SECRET_KEY")),
		Prefix:         firstNonEmpty(*mediaPrefix, os.Getenv("CLIPTIDE_MEDIA_PREFIX")),
		PublicEndpoint: firstNonEmpty(*mediaPublicEndpoint, os.Getenv("CLIPTIDE_MEDIA_PUBLIC_ENDPOINT")),
		UseSSL:         resolveBool(*mediaUseSSL, "CLIPTIDE_MEDIA_USE_SSL"),
	}
	uploader := media.NewUploader(mediaCfg)
	if !uploader.Enabled() {
		logger.Warn("media host not configured, uploads will store empty URLs")
	}

	handler := api.NewHandler(store, tokens, uploader)
	handler.MediaConfig = mediaCfg
	handler.Logger = logging.WithComponent(logger, "api")
	if resolveBool(*cookieSecure, "CLIPTIDE_COOKIE_SECURE") {
		handler.CookiePolicy.SecureMode = api.CookieSecureAlways
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("CLIPTIDE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CLIPTIDE_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "CLIPTIDE_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "CLIPTIDE_RATE_GLOBAL_BURST"),
			LoginLimit:    resolveInt(*loginLimit, "CLIPTIDE_RATE_LOGIN_LIMIT"),
			LoginWindow:   resolveDuration(*loginWindow, "CLIPTIDE_RATE_LOGIN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*redisAddr, os.Getenv("CLIPTIDE_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*redisPassword, os.Getenv("CLIPTIDE_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*redisTimeout, "CLIPTIDE_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("CLIPTIDE_CORS_ORIGINS"))),
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ready := make(chan struct{})
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		timeout := resolveDuration(*shutdownTimeout, "CLIPTIDE_SHUTDOWN_TIMEOUT", server.DefaultShutdownTimeout)
		return srv.Run(groupCtx, timeout, ready)
	})
	group.Go(func() error {
		select {
		case <-ready:
			logger.Info("Cliptide API listening", "addr", listenAddr, "storage", driver)
			if srv.TLSCertFile() != "" {
				logger.Info("TLS enabled", "cert_file", srv.TLSCertFile())
			}
		case <-groupCtx.Done():
		}
		return nil
	})
	group.Go(func() error {
		interval := resolveDuration(*tokenSweepInterval, "CLIPTIDE_TOKEN_SWEEP_INTERVAL", time.Hour)
		runTokenSweeper(groupCtx, logging.WithComponent(logger, "token-sweeper"), store, tokens, interval)
		return nil
	})

	err = group.Wait()
	stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closeErr := store.Close(closeCtx); closeErr != nil {
		logger.Warn("failed to close datastore", "error", closeErr)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// runTokenSweeper periodically clears stored refresh tokens that no longer
// validate, so accounts that never log out do not keep dead tokens around.
func runTokenSweeper(ctx context.Context, logger *slog.Logger, store storage.Repository, tokens *auth.TokenManager, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
			pruned, err := store.PruneRefreshTokens(sweepCtx, func(token string) bool {
				_, err := tokens.ValidateRefreshToken(token)
				return err != nil
			})
			cancel()
			if err != nil {
				logger.Warn("refresh token sweep failed", "error", err)
				continue
			}
			if pruned > 0 {
				logger.Info("cleared expired refresh tokens", "count", pruned)
			}
		}
	}
}

func resolveStorageDriver(flagValue, envValue, dsn string) string {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver
	}
	if dsn != "" {
		return "postgres"
	}
	return "json"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
