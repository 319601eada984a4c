package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Default returns a Config with sensible default values
func Default() *Config {
	dataDir := getDefaultDataDir()
	configDir := getDefaultConfigDir()

	return &Config{
		App: AppConfig{
			Name:        "Rendezvous",
			Version:     "0.1.0",
			Environment: "dev",
			DataDir:     dataDir,
			ConfigDir:   configDir,
		},

		Client: ClientConfig{
			ServerURL:      "http://localhost:8420",
			AppID:          "rendezvous-cli",
			RequestTimeout: 30 * time.Second,
			SQLite: SQLiteConfig{
				Path:            filepath.Join(dataDir, "client.db"),
				MaxOpenConns:    1,
				MaxIdleConns:    1,
				ConnMaxLifetime: time.Hour,
				WALMode:         true,
				ForeignKeys:     true,
				BusyTimeout:     5 * time.Second,
			},
		},

		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "rendezvous",
				User:            "rendezvous",
				Password:        "",
				SSLMode:         "prefer",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
			},
		},

		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8420,
			TLSEnabled:      false,
			TLSCertFile:     "",
			TLSKeyFile:      "",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			Admin: AdminConfig{
				BootstrapToken: "", // set via RENDEZVOUS_ADMIN_BOOTSTRAP_TOKEN env var
			},
		},

		Security: SecurityConfig{
			RateLimitEnabled:  true,
			RateLimitAllow:    30,
			RateLimitRegister: 10,
			PinRetries:        3,
			PinExpiry:         60 * 60 * 32 * 7 * time.Second,
			MaxMetadataSize:   100,
			MaxNameLength:     32,
			MaxAppIDLength:    10,
		},

		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			OutputPath:   "stdout",
			ErrorPath:    "stderr",
			EnableCaller: false,
			EnableStack:  true,
		},

		Cache: CacheConfig{
			Redis: RedisConfig{
				Enabled:      false,
				Host:         "localhost",
				Port:         6379,
				Password:     "",
				DB:           0,
				MaxRetries:   3,
				PoolSize:     10,
				MinIdleConns: 5,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
		},
	}
}

// getDefaultDataDir returns the default data directory based on OS
func getDefaultDataDir() string {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		baseDir = filepath.Join(os.Getenv("HOME"), "Library", "Application Support")
	default: // linux and others
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("HOME"), ".local", "share")
		}
	}

	return filepath.Join(baseDir, "Rendezvous")
}

// getDefaultConfigDir returns the default config directory based on OS
func getDefaultConfigDir() string {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		baseDir = filepath.Join(os.Getenv("HOME"), "Library", "Application Support")
	default: // linux and others
		baseDir = os.Getenv("XDG_CONFIG_HOME")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("HOME"), ".config")
		}
	}

	return filepath.Join(baseDir, "Rendezvous")
}
