package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/contactsauth/internal/authkit"
	"github.com/tyemirov/contactsauth/internal/authkitpg"
	"github.com/tyemirov/contactsauth/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "contactsauth",
		Short:   "Credential auth service with rotating refresh tokens and a verification cache",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	defaults := authkit.DefaultArgon2Params()

	rootCmd.Flags().String("env_file", ".env", "Optional dotenv file loaded before reading the environment")
	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("issuer", "contactsauth", "Issuer claim for every token")
	rootCmd.Flags().String("access_signing_key", "", "HS256 secret for access tokens")
	rootCmd.Flags().String("refresh_signing_key", "", "HS256 secret for refresh tokens")
	rootCmd.Flags().String("purpose_signing_key", "", "HS256 secret for email confirmation and password reset tokens")
	rootCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 7*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Duration("purpose_ttl", 24*time.Hour, "Confirmation and reset token TTL")
	rootCmd.Flags().Duration("cache_ttl", 5*time.Minute, "Upper bound on verification cache entry lifetime")
	rootCmd.Flags().Int("cache_size", 10000, "Verification cache capacity; 0 disables caching")
	rootCmd.Flags().String("redis_url", "", "Redis URL for a shared verification cache; empty keeps the cache in process")
	rootCmd.Flags().String("database_url", "", "Database URL for credentials (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().String("database_driver", "gorm", "Postgres access layer: gorm or pgx")
	rootCmd.Flags().String("public_base_url", "http://localhost:8080", "Base URL used in confirmation and reset links")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Uint32("password_memory_kb", defaults.Memory, "Argon2id memory cost in KiB")
	rootCmd.Flags().Uint32("password_iterations", defaults.Iterations, "Argon2id iteration count")

	for _, key := range []string{
		"env_file", "listen_addr", "issuer",
		"access_signing_key", "refresh_signing_key", "purpose_signing_key",
		"access_ttl", "refresh_ttl", "purpose_ttl",
		"cache_ttl", "cache_size", "redis_url",
		"database_url", "database_driver", "public_base_url",
		"enable_cors", "cors_allowed_origins",
		"password_memory_kb", "password_iterations",
	} {
		_ = viper.BindPFlag(key, rootCmd.Flags().Lookup(key))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingIssuer           = "config.missing_issuer"
	configCodeMissingAccessKey        = "config.missing_access_signing_key"
	configCodeMissingRefreshKey       = "config.missing_refresh_signing_key"
	configCodeMissingPurposeKey       = "config.missing_purpose_signing_key"
	configCodeSharedSigningKey        = "config.shared_signing_key"
	configCodeInvalidSecretMaterial   = "config.invalid_secret_material"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidPurposeTTL       = "config.invalid_purpose_ttl"
	configCodeInvalidCacheTTL         = "config.invalid_cache_ttl"
	configCodeInvalidCacheSize        = "config.invalid_cache_size"
	configCodeInvalidDatabaseDriver   = "config.invalid_database_driver"
	configCodeInvalidPasswordParams   = "config.invalid_password_params"
	configCodeEnvFile                 = "config.env_file"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"

	databaseDriverGorm = "gorm"
	databaseDriverPgx  = "pgx"

	janitorInterval = time.Minute
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	if err := loadEnvFile(viper.GetString("env_file")); err != nil {
		return err
	}
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

// loadEnvFile populates the process environment from a dotenv file. A missing
// file is not an error; variables already set in the environment win.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%s: %w", configCodeEnvFile, err)
	}
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (authkit.ServerConfig, error) {
	issuer := strings.TrimSpace(viper.GetString("issuer"))
	if issuer == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingIssuer, "issuer must be provided")
	}

	accessKey := viper.GetString("access_signing_key")
	if accessKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingAccessKey, "access_signing_key must be provided")
	}
	refreshKey := viper.GetString("refresh_signing_key")
	if refreshKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingRefreshKey, "refresh_signing_key must be provided")
	}
	purposeKey := viper.GetString("purpose_signing_key")
	if purposeKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingPurposeKey, "purpose_signing_key must be provided")
	}

	secrets := authkit.SecretMaterial{
		Issuer:     issuer,
		AccessKey:  []byte(accessKey),
		RefreshKey: []byte(refreshKey),
		PurposeKey: []byte(purposeKey),
	}
	if err := secrets.Validate(); err != nil {
		if errors.Is(err, authkit.ErrSharedSigningKey) {
			return authkit.ServerConfig{}, configError(configCodeSharedSigningKey, "access, refresh, and purpose signing keys must differ")
		}
		return authkit.ServerConfig{}, fmt.Errorf("%s: %w", configCodeInvalidSecretMaterial, err)
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}
	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}
	purposeTTL := viper.GetDuration("purpose_ttl")
	if purposeTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidPurposeTTL, "purpose_ttl must be greater than zero")
	}

	cacheTTL := viper.GetDuration("cache_ttl")
	if cacheTTL < 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidCacheTTL, "cache_ttl must not be negative")
	}
	cacheSize := viper.GetInt("cache_size")
	if cacheSize < 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidCacheSize, "cache_size must not be negative")
	}

	passwordParams := authkit.DefaultArgon2Params()
	if memory := viper.GetUint32("password_memory_kb"); memory > 0 {
		passwordParams.Memory = memory
	}
	if iterations := viper.GetUint32("password_iterations"); iterations > 0 {
		passwordParams.Iterations = iterations
	}
	if _, err := authkit.NewArgon2PasswordHasher(passwordParams); err != nil {
		return authkit.ServerConfig{}, fmt.Errorf("%s: %w", configCodeInvalidPasswordParams, err)
	}

	return authkit.ServerConfig{
		Secrets: secrets,
		TTLs: authkit.TokenTTLs{
			Access:  accessTTL,
			Refresh: refreshTTL,
			Purpose: purposeTTL,
		},
		CacheTTL:       cacheTTL,
		CacheSize:      cacheSize,
		PublicBaseURL:  viper.GetString("public_base_url"),
		PasswordParams: passwordParams,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	defer backgroundCancel()

	clock := authkit.NewSystemClock()

	credentialStore, closeStore, storeErr := buildCredentialStore(backgroundCtx, logger, clock)
	if storeErr != nil {
		return storeErr
	}
	defer closeStore()

	verificationCache, closeCache, cacheErr := buildVerificationCache(backgroundCtx, logger, serverConfig, clock)
	if cacheErr != nil {
		return cacheErr
	}
	defer closeCache()

	hasher, hasherErr := authkit.NewArgon2PasswordHasher(serverConfig.PasswordParams)
	if hasherErr != nil {
		return fmt.Errorf("%s: %w", configCodeInvalidPasswordParams, hasherErr)
	}
	codec, codecErr := authkit.NewTokenCodec(serverConfig.Secrets, serverConfig.TTLs, clock)
	if codecErr != nil {
		return codecErr
	}

	registry := prometheus.NewRegistry()
	metricsRecorder, metricsErr := authkit.NewPrometheusMetrics(registry)
	if metricsErr != nil {
		return metricsErr
	}

	authService, serviceErr := authkit.NewAuthService(authkit.ServiceDependencies{
		Store:    credentialStore,
		Hasher:   hasher,
		Codec:    codec,
		Cache:    verificationCache,
		CacheTTL: serverConfig.CacheTTL,
		Mailer:   authkit.NewLogMailer(logger, serverConfig.PublicBaseURL),
		Avatars:  authkit.GravatarResolver{},
		Metrics:  metricsRecorder,
		Logger:   logger,
		Clock:    clock,
	})
	if serviceErr != nil {
		return serviceErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	authkit.MountAuthRoutes(router, authService, logger)

	protected := router.Group("/users")
	protected.Use(authkit.RequireSession(authService, logger))
	protected.GET("/me", web.HandleWhoAmI(logger))
	protected.PATCH("/avatar", web.HandleUpdateAvatar(authService, logger))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-backgroundCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildCredentialStore(ctx context.Context, logger *zap.Logger, clock authkit.Clock) (authkit.CredentialStore, func(), error) {
	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	databaseDriver := strings.ToLower(strings.TrimSpace(viper.GetString("database_driver")))
	if databaseDriver == "" {
		databaseDriver = databaseDriverGorm
	}

	if databaseURL == "" {
		logger.Info("using in-memory credential store")
		return authkit.NewMemoryCredentialStore(clock), func() {}, nil
	}

	switch databaseDriver {
	case databaseDriverGorm:
		persistentStore, storeErr := authkit.NewDatabaseCredentialStore(ctx, databaseURL, clock)
		if storeErr != nil {
			return nil, nil, storeErr
		}
		logger.Info("using persistent credential store", zap.String("driver", persistentStore.Driver()))
		return persistentStore, func() {
			if err := persistentStore.Close(); err != nil {
				logger.Warn("credential store close failed", zap.String("code", "credential_store.close"), zap.Error(err))
			}
		}, nil
	case databaseDriverPgx:
		pool, poolErr := authkitpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, nil, poolErr
		}
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, nil, schemaErr
		}
		logger.Info("using persistent credential store", zap.String("driver", databaseDriverPgx))
		return authkitpg.NewPostgresCredentialStore(pool, clock), pool.Close, nil
	default:
		return nil, nil, configError(configCodeInvalidDatabaseDriver, fmt.Sprintf("database_driver %q is not supported", databaseDriver))
	}
}

func buildVerificationCache(ctx context.Context, logger *zap.Logger, serverConfig authkit.ServerConfig, clock authkit.Clock) (authkit.VerificationCache, func(), error) {
	if serverConfig.CacheSize == 0 || serverConfig.CacheTTL == 0 {
		logger.Info("verification cache disabled")
		return authkit.NoopVerificationCache{}, func() {}, nil
	}

	if redisURL := strings.TrimSpace(viper.GetString("redis_url")); redisURL != "" {
		options, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			return nil, nil, fmt.Errorf("verification_cache.redis.parse_url: %w", parseErr)
		}
		client := redis.NewClient(options)
		if pingErr := client.Ping(ctx).Err(); pingErr != nil {
			logger.Warn("redis unreachable at startup; cache lookups will miss until it recovers",
				zap.String("code", "verification_cache.redis.ping"),
				zap.Error(pingErr))
		}
		logger.Info("using redis verification cache", zap.String("addr", options.Addr))
		return authkit.NewRedisVerificationCache(client, "", serverConfig.CacheTTL, clock), func() {
			_ = client.Close()
		}, nil
	}

	memoryCache := authkit.NewMemoryVerificationCache(serverConfig.CacheSize, serverConfig.CacheTTL, clock)
	memoryCache.StartJanitor(ctx, janitorInterval, logger)
	logger.Info("using in-memory verification cache", zap.Int("capacity", serverConfig.CacheSize))
	return memoryCache, func() {}, nil
}

const unmatchedRoute = "unmatched"

// zapLoggerMiddleware logs the matched route template rather than the raw
// path; confirmation and reset tokens travel as path segments.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		route := contextGin.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", route),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
