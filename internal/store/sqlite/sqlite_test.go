package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rendezvous-labs/rendezvous/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("creates database with default config", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		logger := observability.NewNopLogger()
		cfg := Config{
			Path:            dbPath,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 1 * time.Hour,
			WALMode:         true,
			ForeignKeys:     true,
			BusyTimeout:     5 * time.Second,
		}

		db, err := New(cfg, logger)
		require.NoError(t, err)
		require.NotNil(t, db)
		defer db.Close()

		ctx := context.Background()
		_, err = db.ExecContext(ctx, "SELECT 1")
		assert.NoError(t, err)
	})

	t.Run("fails with invalid path", func(t *testing.T) {
		logger := observability.NewNopLogger()
		cfg := Config{
			Path:            "/invalid/path/to/database.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 1 * time.Hour,
			WALMode:         true,
			ForeignKeys:     true,
			BusyTimeout:     5 * time.Second,
		}

		_, err := New(cfg, logger)
		assert.Error(t, err)
	})
}

func TestDB_ExecContext(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		CREATE TABLE test_users (
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL,
			email TEXT NOT NULL
		)
	`)
	require.NoError(t, err)

	result, err := db.ExecContext(ctx, "INSERT INTO test_users (username, email) VALUES (?, ?)", "testuser", "test@example.com")
	require.NoError(t, err)

	rowsAffected, err := result.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(1), rowsAffected)
}

func TestDB_QueryRowContext(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		CREATE TABLE test_users (
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL
		)
	`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, "INSERT INTO test_users (username) VALUES (?)", "testuser")
	require.NoError(t, err)

	var username string
	err = db.QueryRowContext(ctx, "SELECT username FROM test_users WHERE id = ?", 1).Scan(&username)
	require.NoError(t, err)
	assert.Equal(t, "testuser", username)
}

// setupTestDB creates a test database in a temporary directory
func setupTestDB(t *testing.T) *DB {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	logger := observability.NewNopLogger()
	cfg := Config{
		Path:            dbPath,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 1 * time.Hour,
		WALMode:         true,
		ForeignKeys:     true,
		BusyTimeout:     5 * time.Second,
	}

	db, err := New(cfg, logger)
	require.NoError(t, err)

	return db
}
