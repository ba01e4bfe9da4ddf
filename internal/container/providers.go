// Package container wires the approval service together and owns the
// lifecycle of its components.
package container

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/garyjia/devportal-approvals/internal/application/dispatcher"
	"github.com/garyjia/devportal-approvals/internal/application/port"
	"github.com/garyjia/devportal-approvals/internal/config"
	"github.com/garyjia/devportal-approvals/internal/infrastructure/catalog"
	"github.com/garyjia/devportal-approvals/internal/infrastructure/eventsink"
	infraLark "github.com/garyjia/devportal-approvals/internal/infrastructure/external/lark"
	"github.com/garyjia/devportal-approvals/internal/infrastructure/identity"
	"github.com/garyjia/devportal-approvals/internal/infrastructure/notify"
	"github.com/garyjia/devportal-approvals/internal/infrastructure/permission"
	"github.com/garyjia/devportal-approvals/pkg/database"
	"github.com/garyjia/devportal-approvals/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// ProvideDatabase opens the configured database and, when auto_migrate is
// set, applies pending migrations
func ProvideDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*database.DB, error) {
	db, err := database.New(database.Config{
		Driver:          cfg.Driver,
		Path:            cfg.Path,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		applied, err := database.NewMigrator(db, logger).Up(ctx)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("Database migrations applied", zap.Int("count", applied))
	}

	return db, nil
}

// ProvideNotifier returns a Redis-backed notifier when a URL is configured,
// otherwise an in-process one. The returned client is nil in-process.
func ProvideNotifier(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (port.DecisionNotifier, *redis.Client, error) {
	if cfg.URL == "" {
		return notify.NewLocalNotifier(), nil, nil
	}
	client, err := notify.NewRedisClient(ctx, cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Using Redis decision notifier", zap.String("channel_prefix", cfg.ChannelPrefix))
	return notify.NewRedisNotifier(client, cfg.ChannelPrefix, logger), client, nil
}

// ProvideCatalog returns the HTTP catalog client, or a static catalog that
// echoes refs when no base URL is configured
func ProvideCatalog(cfg config.CatalogConfig, logger *zap.Logger) (port.EntityCatalog, error) {
	if cfg.BaseURL == "" {
		return &catalog.StaticCatalog{}, nil
	}
	return catalog.NewClient(catalog.Config{
		BaseURL: cfg.BaseURL,
		Token:   cfg.Token,
		Timeout: cfg.Timeout,
	}, logger)
}

// ProvideIdentity returns the JWT resolver, or nil when no secret is set
func ProvideIdentity(cfg config.AuthConfig) (*identity.JWTResolver, error) {
	if cfg.JWTSecret == "" {
		return nil, nil
	}
	return identity.NewJWTResolver(cfg.JWTSecret, cfg.JWTIssuer)
}

// ProvidePolicy returns the permission policy, or nil when disabled
func ProvidePolicy(cfg config.PermissionConfig, logger *zap.Logger) (*permission.Policy, error) {
	if !cfg.Enabled {
		logger.Warn("Permission policy disabled; every authenticated caller is allowed")
		return nil, nil
	}
	return permission.NewPolicy(cfg.AdminRefs, logger)
}

// ProvideKafkaSink returns the event sink, or nil when no brokers are set
func ProvideKafkaSink(cfg config.KafkaConfig, logger *zap.Logger) *eventsink.KafkaSink {
	if len(cfg.Brokers) == 0 {
		return nil
	}
	return eventsink.NewKafkaSink(cfg.Brokers, cfg.Topic, logger)
}

// ProvideLarkNotifier returns the chat notifier, or nil when Lark is not
// configured
func ProvideLarkNotifier(cfg config.LarkConfig, logger *zap.Logger) dispatcher.Subscriber {
	if cfg.AppID == "" {
		return nil
	}
	sdk := infraLark.NewSDKClient(infraLark.Config{
		AppID:     cfg.AppID,
		AppSecret: cfg.AppSecret,
		ChatID:    cfg.ChatID,
	}, logger)
	messenger := infraLark.NewChatMessenger(sdk, cfg.ChatID, logger)
	return infraLark.NewApprovalNotifier(messenger, cfg.PortalURL)
}

// ProvideDispatcher creates the lifecycle event dispatcher
func ProvideDispatcher(logger *zap.Logger) dispatcher.Dispatcher {
	return dispatcher.NewDispatcher(dispatcher.WithLogger(utils.NewSugarAdapter(logger)))
}
