package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DB wraps a SQLite connection used by the client-side store (internal/store/clientstore).
type DB struct {
	conn   *sql.DB
	path   string
	logger zerolog.Logger
}

// Config contains configuration for SQLite connection
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	WALMode         bool
	ForeignKeys     bool
	BusyTimeout     time.Duration
}

// New creates a new SQLite database connection
func New(cfg Config, logger zerolog.Logger) (*DB, error) {
	logger.Info().
		Str("path", cfg.Path).
		Bool("wal_mode", cfg.WALMode).
		Bool("foreign_keys", cfg.ForeignKeys).
		Msg("initializing sqlite database")

	dsn := buildDSN(cfg)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{
		conn:   conn,
		path:   cfg.Path,
		logger: logger,
	}

	if err := db.applyPragmas(cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	logger.Info().Msg("sqlite database initialized successfully")

	return db, nil
}

// buildDSN builds the SQLite DSN with pragmas
func buildDSN(cfg Config) string {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc", cfg.Path)

	if cfg.BusyTimeout > 0 {
		dsn += fmt.Sprintf("&_busy_timeout=%d", cfg.BusyTimeout.Milliseconds())
	}

	return dsn
}

// applyPragmas applies SQLite pragmas to the connection
func (db *DB) applyPragmas(cfg Config) error {
	pragmas := []string{}

	if cfg.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
		pragmas = append(pragmas, "PRAGMA synchronous=NORMAL") // NORMAL is safe with WAL
	} else {
		pragmas = append(pragmas, "PRAGMA synchronous=FULL")
	}

	if cfg.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys=ON")
	}

	pragmas = append(pragmas,
		"PRAGMA temp_store=MEMORY",
		"PRAGMA mmap_size=30000000000",
		"PRAGMA page_size=4096",
		"PRAGMA cache_size=-64000",
	)

	for _, pragma := range pragmas {
		if _, err := db.conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
		db.logger.Debug().Str("pragma", pragma).Msg("pragma applied")
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.logger.Info().Msg("closing sqlite database")
	return db.conn.Close()
}

// ExecContext executes a query without returning any rows
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	result, err := db.conn.ExecContext(ctx, query, args...)
	duration := time.Since(start)

	db.logger.Debug().
		Str("query", query).
		Dur("duration_ms", duration).
		Err(err).
		Msg("executed query")

	return result, err
}

// QueryRowContext executes a query that returns at most one row
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	start := time.Now()
	row := db.conn.QueryRowContext(ctx, query, args...)
	duration := time.Since(start)

	db.logger.Debug().
		Str("query", query).
		Dur("duration_ms", duration).
		Msg("executed query")

	return row
}
