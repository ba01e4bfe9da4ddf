package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// EnvPrefix prefixes every environment override, e.g. APPROVALS_SERVER_PORT
const EnvPrefix = "APPROVALS"

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Permission PermissionConfig `mapstructure:"permission"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Lark       LarkConfig       `mapstructure:"lark"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration. Driver is sqlite3 or pgx.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ApprovalConfig tunes waiting and expiry
type ApprovalConfig struct {
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	SweepInterval          time.Duration `mapstructure:"sweep_interval"`
	SweepBatch             int           `mapstructure:"sweep_batch"`
	DefaultApprovers       []string      `mapstructure:"default_approvers"`
}

// AuthConfig holds caller identity configuration
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwt_secret"`
	JWTIssuer     string `mapstructure:"jwt_issuer"`
	DevUserHeader string `mapstructure:"dev_user_header"`
}

// PermissionConfig holds the permission policy configuration
type PermissionConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AdminRefs      []string `mapstructure:"admin_refs"`
	// RestrictCreate applies the create permission to opening approval requests
	RestrictCreate bool     `mapstructure:"restrict_create"`
}

// CatalogConfig holds catalog client configuration. An empty BaseURL
// disables remote lookups.
type CatalogConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig holds the decision pub/sub configuration. An empty URL keeps
// wake-ups in process.
type RedisConfig struct {
	URL           string `mapstructure:"url"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// KafkaConfig holds the event sink configuration. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// LarkConfig holds chat notification configuration. An empty AppID
// disables it.
type LarkConfig struct {
	AppID     string `mapstructure:"app_id"`
	AppSecret string `mapstructure:"app_secret"`
	ChatID    string `mapstructure:"chat_id"`
	PortalURL string `mapstructure:"portal_url"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load reads configuration. A .env file in the working directory is loaded
// first if present; configPath may be empty to run on defaults and
// environment alone.
func Load(configPath string) (*Config, error) {
	if err := gotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7007)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "data/approvals.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("approval.poll_interval", 5*time.Second)
	v.SetDefault("approval.max_consecutive_failures", 5)
	v.SetDefault("approval.sweep_interval", time.Minute)
	v.SetDefault("approval.sweep_batch", 100)
	v.SetDefault("approval.default_approvers", []string{"group:default/admins"})

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "")
	v.SetDefault("auth.dev_user_header", "")

	v.SetDefault("permission.enabled", true)
	v.SetDefault("permission.admin_refs", []string{"user:default/admin", "group:default/admins"})
	v.SetDefault("permission.restrict_create", false)

	v.SetDefault("catalog.base_url", "")
	v.SetDefault("catalog.token", "")
	v.SetDefault("catalog.timeout", 10*time.Second)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.channel_prefix", "approvals:decisions:")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "approvals.events")

	v.SetDefault("lark.app_id", "")
	v.SetDefault("lark.app_secret", "")
	v.SetDefault("lark.chat_id", "")
	v.SetDefault("lark.portal_url", "")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")
}

// bindEnvVars binds the conventional names of secrets
func bindEnvVars(v *viper.Viper) error {
	bindings := map[string][]string{
		"auth.jwt_secret": {"APPROVALS_AUTH_JWT_SECRET", "APPROVALS_JWT_SECRET"},
		"lark.app_id":     {"APPROVALS_LARK_APP_ID", "LARK_APP_ID"},
		"lark.app_secret": {"APPROVALS_LARK_APP_SECRET", "LARK_APP_SECRET"},
		"database.dsn":    {"APPROVALS_DATABASE_DSN", "DATABASE_URL"},
		"redis.url":       {"APPROVALS_REDIS_URL", "REDIS_URL"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite3")
		}
	case "pgx":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for pgx")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite3 or pgx, got %q", c.Database.Driver)
	}

	if c.Approval.PollInterval <= 0 {
		return fmt.Errorf("approval.poll_interval must be positive")
	}
	if c.Approval.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("approval.max_consecutive_failures must be at least 1")
	}
	if c.Approval.SweepInterval <= 0 {
		return fmt.Errorf("approval.sweep_interval must be positive")
	}

	if c.Auth.JWTSecret == "" && c.Auth.DevUserHeader == "" {
		return fmt.Errorf("auth.jwt_secret or auth.dev_user_header is required")
	}

	if c.Lark.AppID != "" {
		if c.Lark.AppSecret == "" {
			return fmt.Errorf("lark.app_secret is required when lark.app_id is set")
		}
		if c.Lark.ChatID == "" {
			return fmt.Errorf("lark.chat_id is required when lark.app_id is set")
		}
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}

	switch c.Logger.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logger.format must be json or console, got %q", c.Logger.Format)
	}

	return nil
}
