// Package config loads and validates the Rendezvous client/server
// configuration: a JSON file overridden by environment variables, the same
// layering the corpus uses for its own application config.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Config is the complete application configuration, shared by the
// reference server and the CLI client binaries.
type Config struct {
	App      AppConfig      `json:"app"`
	Client   ClientConfig   `json:"client"`
	Database DatabaseConfig `json:"database"`
	Server   ServerConfig   `json:"server"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
	Cache    CacheConfig    `json:"cache"`
}

// AppConfig contains general application settings.
type AppConfig struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Environment string `json:"environment"` // dev, staging, production
	DataDir     string `json:"data_dir"`
	ConfigDir   string `json:"config_dir"`
}

// ClientConfig holds the settings a device core needs to talk to a
// server: the base URL it posts to and the app id it reports on
// registration and prekey uploads.
type ClientConfig struct {
	ServerURL      string        `json:"server_url"`
	AppID          string        `json:"app_id"`
	RequestTimeout time.Duration `json:"request_timeout"`
	SQLite         SQLiteConfig  `json:"sqlite"`
}

// DatabaseConfig groups the server-side storage backends.
type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
}

// SQLiteConfig configures the client's local ClientData store.
type SQLiteConfig struct {
	Path            string        `json:"path"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	WALMode         bool          `json:"wal_mode"`
	ForeignKeys     bool          `json:"foreign_keys"`
	BusyTimeout     time.Duration `json:"busy_timeout"`
}

// PostgresConfig configures the reference server's durable store: users,
// devices, prekeys, topics, updates, files, receipts.
type PostgresConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Database        string        `json:"database"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// ServerConfig configures the reference HTTP server and its admin
// bootstrap.
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	TLSEnabled      bool          `json:"tls_enabled"`
	TLSCertFile     string        `json:"tls_cert_file"`
	TLSKeyFile      string        `json:"tls_key_file"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	Admin           AdminConfig   `json:"admin"`
}

// AdminConfig holds the initial admin token a fresh server starts with,
// before the first admin/renew rotates it.
type AdminConfig struct {
	BootstrapToken string `json:"bootstrap_token"`
}

// SecurityConfig contains rate limiting and pin policy settings for the
// registration endpoints.
type SecurityConfig struct {
	RateLimitEnabled  bool          `json:"rate_limit_enabled"`
	RateLimitAllow    int           `json:"rate_limit_allow"`    // user/allow requests per minute per IP
	RateLimitRegister int           `json:"rate_limit_register"` // user/register attempts per minute per IP
	PinRetries        int           `json:"pin_retries"`
	PinExpiry         time.Duration `json:"pin_expiry"`
	MaxMetadataSize   int           `json:"max_metadata_size"`
	MaxNameLength     int           `json:"max_name_length"`
	MaxAppIDLength    int           `json:"max_app_id_length"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level        string `json:"level"` // debug, info, warn, error
	Format       string `json:"format"` // json, console
	OutputPath   string `json:"output_path"`
	ErrorPath    string `json:"error_path"`
	EnableCaller bool   `json:"enable_caller"`
	EnableStack  bool   `json:"enable_stack"`
}

// CacheConfig groups the server's ephemeral Redis-backed state: admin
// registration pins with TTL.
type CacheConfig struct {
	Redis RedisConfig `json:"redis"`
}

// RedisConfig configures the pin store.
type RedisConfig struct {
	Enabled      bool          `json:"enabled"`
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	MaxRetries   int           `json:"max_retries"`
	PoolSize     int           `json:"pool_size"`
	MinIdleConns int           `json:"min_idle_conns"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// Load loads configuration from file and environment variables.
// Priority: env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				if err := cfg.Save(configPath); err != nil {
					return nil, fmt.Errorf("failed to create default config: %w", err)
				}
			} else {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("RENDEZVOUS_ENV"); v != "" {
		c.App.Environment = v
	}
	if v := os.Getenv("RENDEZVOUS_DATA_DIR"); v != "" {
		c.App.DataDir = v
	}
	if v := os.Getenv("RENDEZVOUS_SERVER_URL"); v != "" {
		c.Client.ServerURL = v
	}
	if v := os.Getenv("RENDEZVOUS_APP_ID"); v != "" {
		c.Client.AppID = v
	}
	if v := os.Getenv("RENDEZVOUS_DB_PATH"); v != "" {
		c.Client.SQLite.Path = v
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		c.Database.Postgres.Host = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		c.Database.Postgres.Password = v
	}
	if v := os.Getenv("RENDEZVOUS_SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("RENDEZVOUS_ADMIN_BOOTSTRAP_TOKEN"); v != "" {
		c.Server.Admin.BootstrapToken = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Cache.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Cache.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for obviously broken values.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return errors.New("app name cannot be empty")
	}
	if c.App.Environment != "dev" && c.App.Environment != "staging" && c.App.Environment != "production" {
		return fmt.Errorf("invalid environment: %s (must be dev, staging, or production)", c.App.Environment)
	}

	if c.Client.SQLite.Path == "" {
		return errors.New("sqlite database path cannot be empty")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Security.PinRetries < 1 {
		return fmt.Errorf("invalid pin retries: %d", c.Security.PinRetries)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.App.Environment == "production" && c.Server.Admin.BootstrapToken == "" {
		return errors.New("admin bootstrap token must be set in production")
	}

	return nil
}

// GetLogLevel returns the zerolog level matching the configured string.
func (c *Config) GetLogLevel() zerolog.Level {
	switch c.Logging.Level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// IsProduction reports whether the app is running in production mode.
func (c *Config) IsProduction() bool { return c.App.Environment == "production" }

// IsDevelopment reports whether the app is running in dev mode.
func (c *Config) IsDevelopment() bool { return c.App.Environment == "dev" }

// GetDatabaseDSN returns the PostgreSQL connection string.
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Postgres.Host,
		c.Database.Postgres.Port,
		c.Database.Postgres.User,
		c.Database.Postgres.Password,
		c.Database.Postgres.Database,
		c.Database.Postgres.SSLMode,
	)
}

// GetRedisDSN returns the Redis address.
func (c *Config) GetRedisDSN() string {
	return fmt.Sprintf("%s:%d", c.Cache.Redis.Host, c.Cache.Redis.Port)
}
