package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/chatcredits/internal/catalog"
	"github.com/MarkoPoloResearchLab/chatcredits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/chatcredits/internal/providers"
	"github.com/MarkoPoloResearchLab/chatcredits/internal/rate"
	"github.com/MarkoPoloResearchLab/chatcredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/chatcredits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/chatcredits/pkg/credits"
)

const (
	flagDatabaseURL    = "database-url"
	flagAutoMigrate    = "auto-migrate"
	flagListenAddr     = "listen-addr"
	flagRedisAddr      = "redis-addr"
	flagAllowedOrigins = "allowed-origins"
	flagSigningKey     = "jwt-signing-key"
	flagIssuer         = "jwt-issuer"
	flagCookieName     = "jwt-cookie-name"
	flagWebhookSecret  = "webhook-secret"
	flagCatalogFile    = "catalog-file"
	flagGoogleAPIKey   = "google-api-key"
	flagUsagePerMinute = "usage-per-minute"
	flagUsagePer10Sec  = "usage-per-10s"
	flagHistoryLimit   = "history-limit"

	configKeyDatabaseURL    = "database_url"
	configKeyAutoMigrate    = "auto_migrate"
	configKeyListenAddr     = "listen_addr"
	configKeyRedisAddr      = "redis_addr"
	configKeyAllowedOrigins = "allowed_origins"
	configKeySigningKey     = "jwt_signing_key"
	configKeyIssuer         = "jwt_issuer"
	configKeyCookieName     = "jwt_cookie_name"
	configKeyWebhookSecret  = "webhook_secret"
	configKeyCatalogFile    = "catalog_file"
	configKeyGoogleAPIKey   = "google_api_key"
	configKeyUsagePerMinute = "usage_per_minute"
	configKeyUsagePer10Sec  = "usage_per_10s"
	configKeyHistoryLimit   = "history_limit"

	defaultDatabaseURL = "sqlite:///tmp/chatcredits.db"
	defaultListenAddr  = ":9090"
)

type runtimeConfig struct {
	DatabaseURL    string
	AutoMigrate    bool
	ListenAddr     string
	RedisAddr      string
	AllowedOrigins string
	SigningKey     string
	Issuer         string
	CookieName     string
	WebhookSecret  string
	CatalogFile    string
	GoogleAPIKey   string
	UsagePerMinute int
	UsagePer10Sec  int
	HistoryLimit   int
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Chat credit balance HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().Bool(flagAutoMigrate, false, "run schema migrations on startup (always on for sqlite)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagRedisAddr, "", "Redis address for usage rate limiting (empty disables limiting)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagSigningKey, "", "HS256 session signing key")
	cmd.Flags().String(flagIssuer, "", "expected session token issuer")
	cmd.Flags().String(flagCookieName, "", "session cookie name")
	cmd.Flags().String(flagWebhookSecret, "", "checkout webhook shared secret")
	cmd.Flags().String(flagCatalogFile, "", "YAML model catalog (empty uses the built-in catalog)")
	cmd.Flags().String(flagGoogleAPIKey, "", "Google Generative AI API key")
	cmd.Flags().Int(flagUsagePerMinute, 0, "max usage records per user per minute")
	cmd.Flags().Int(flagUsagePer10Sec, 0, "max usage records per user per 10 seconds")
	cmd.Flags().Int(flagHistoryLimit, 0, "max history records per request")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyAutoMigrate:    "AUTO_MIGRATE",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyRedisAddr:      "REDIS_ADDR",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeySigningKey:     "JWT_SIGNING_KEY",
		configKeyIssuer:         "JWT_ISSUER",
		configKeyCookieName:     "JWT_COOKIE_NAME",
		configKeyWebhookSecret:  "WEBHOOK_SECRET",
		configKeyCatalogFile:    "CATALOG_FILE",
		configKeyGoogleAPIKey:   "GOOGLE_API_KEY",
		configKeyUsagePerMinute: "USAGE_PER_MINUTE",
		configKeyUsagePer10Sec:  "USAGE_PER_10S",
		configKeyHistoryLimit:   "HISTORY_LIMIT",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyAutoMigrate:    flagAutoMigrate,
		configKeyListenAddr:     flagListenAddr,
		configKeyRedisAddr:      flagRedisAddr,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeySigningKey:     flagSigningKey,
		configKeyIssuer:         flagIssuer,
		configKeyCookieName:     flagCookieName,
		configKeyWebhookSecret:  flagWebhookSecret,
		configKeyCatalogFile:    flagCatalogFile,
		configKeyGoogleAPIKey:   flagGoogleAPIKey,
		configKeyUsagePerMinute: flagUsagePerMinute,
		configKeyUsagePer10Sec:  flagUsagePer10Sec,
		configKeyHistoryLimit:   flagHistoryLimit,
	}
	for configKey, flagName := range flagBindings {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.AutoMigrate = viper.GetBool(configKeyAutoMigrate)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.SigningKey = viper.GetString(configKeySigningKey)
	cfg.Issuer = viper.GetString(configKeyIssuer)
	cfg.CookieName = viper.GetString(configKeyCookieName)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.CatalogFile = viper.GetString(configKeyCatalogFile)
	cfg.GoogleAPIKey = viper.GetString(configKeyGoogleAPIKey)
	cfg.UsagePerMinute = viper.GetInt(configKeyUsagePerMinute)
	cfg.UsagePer10Sec = viper.GetInt(configKeyUsagePer10Sec)
	cfg.HistoryLimit = viper.GetInt(configKeyHistoryLimit)

	if cfg.SigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	modelCatalog, err := loadCatalog(cfg.CatalogFile)
	if err != nil {
		return fmt.Errorf("catalog load: %w", err)
	}

	registry, err := providers.NewRegistry(ctx, providers.Config{GoogleAPIKey: cfg.GoogleAPIKey}, modelCatalog, logger)
	if err != nil {
		return fmt.Errorf("provider registry: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := credits.NewService(store, modelCatalog, clock,
		credits.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RedisAddr != "" {
		redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if pingErr := redisClient.Ping(ctx).Err(); pingErr != nil {
			return fmt.Errorf("redis ping: %w", pingErr)
		}
		defer func() { _ = redisClient.Close() }()
		limiter = rate.NewLimiter(rate.NewRedisWindowStore(redisClient), cfg.UsagePerMinute, cfg.UsagePer10Sec)
	} else {
		logger.Warn("redis address not set, usage rate limiting is disabled")
	}

	apiConfig := httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SigningKey,
		SessionIssuer:     cfg.Issuer,
		SessionCookieName: cfg.CookieName,
		WebhookSecret:     cfg.WebhookSecret,
		HistoryLimit:      cfg.HistoryLimit,
		UsagePerMinute:    cfg.UsagePerMinute,
		UsagePer10Sec:     cfg.UsagePer10Sec,
	}

	return httpapi.Run(ctx, apiConfig, httpapi.Dependencies{
		Logger:   logger,
		Service:  service,
		Catalog:  modelCatalog,
		Registry: registry,
		Limiter:  limiter,
	})
}

// openStore resolves the DSN into one of the two storage backends: postgres
// URLs get the pgx pool store, everything else is treated as a sqlite path
// served through GORM.
func openStore(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) (credits.Store, func(), error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	switch driver {
	case "postgres":
		if cfg.AutoMigrate {
			if err := migratePostgres(cfg.DatabaseURL); err != nil {
				return nil, nil, err
			}
		}
		pool, poolErr := pgxpool.New(ctx, cfg.DatabaseURL)
		if poolErr != nil {
			return nil, nil, poolErr
		}
		if pingErr := pool.Ping(ctx); pingErr != nil {
			pool.Close()
			return nil, nil, pingErr
		}
		logger.Info("storage ready", zap.String("driver", driver))
		return pgstore.New(pool), pool.Close, nil
	case "sqlite":
		db, openErr := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
		if openErr != nil {
			return nil, nil, openErr
		}
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return nil, nil, dbErr
		}
		if migrateErr := gormstore.Migrate(db); migrateErr != nil {
			_ = sqlDB.Close()
			return nil, nil, migrateErr
		}
		logger.Info("storage ready", zap.String("driver", driver), zap.String("path", sqlitePath))
		return gormstore.New(db.WithContext(ctx)), func() { _ = sqlDB.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
}

// migratePostgres runs the GORM auto migration once over a short-lived
// connection, then hands steady-state traffic to the pgx pool.
func migratePostgres(dsn string) error {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer func() { _ = sqlDB.Close() }()
	return gormstore.Migrate(db)
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "chatcredits.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(path)
}

// zapOperationLogger forwards credit service operation outcomes to zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
	}
	if entry.ModelID != "" {
		fields = append(fields, zap.String("model_id", entry.ModelID))
	}
	if entry.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID))
	}
	if entry.Credits != 0 {
		fields = append(fields, zap.Int64("credits", entry.Credits.Int64()))
	}
	if entry.Error != nil {
		operationLogger.logger.Error("credit operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("credit operation", fields...)
}
