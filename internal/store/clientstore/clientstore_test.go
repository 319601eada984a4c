package clientstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendezvous-labs/rendezvous/internal/device"
	"github.com/rendezvous-labs/rendezvous/internal/observability"
	"github.com/rendezvous-labs/rendezvous/internal/store/sqlite"
)

type noopClient struct{}

func (noopClient) Do(ctx context.Context, method, path string, headers map[string]string, body []byte) ([]byte, error) {
	return nil, nil
}

func openTestStore(t *testing.T) (*Store, device.Deps) {
	t.Helper()
	tmpDir := t.TempDir()
	logger := observability.NewNopLogger()

	db, err := sqlite.New(sqlite.Config{
		Path:            filepath.Join(tmpDir, "client.db"),
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		WALMode:         true,
		ForeignKeys:     true,
		BusyTimeout:     5 * time.Second,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := Open(context.Background(), db, logger)
	require.NoError(t, err)

	deps := device.Deps{Client: noopClient{}, Logger: logger}
	return store, deps
}

func TestStore_SaveAndLoadRoundTrips(t *testing.T) {
	store, deps := openTestStore(t)
	ctx := context.Background()

	d, err := device.New("https://rendezvous.example", "test-app", deps)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, d))

	restored, err := store.Load(ctx, "test-app", deps)
	require.NoError(t, err)
	assert.Equal(t, d.UserPublicKey(), restored.UserPublicKey())
}

func TestStore_LoadMissingReturnsNotFound(t *testing.T) {
	store, deps := openTestStore(t)

	_, err := store.Load(context.Background(), "never-saved", deps)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveOverwritesPreviousBlob(t *testing.T) {
	store, deps := openTestStore(t)
	ctx := context.Background()

	d, err := device.New("https://rendezvous.example", "test-app", deps)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, d))

	d2, err := device.New("https://rendezvous.example", "test-app", deps)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, d2))

	restored, err := store.Load(ctx, "test-app", deps)
	require.NoError(t, err)
	assert.Equal(t, d2.UserPublicKey(), restored.UserPublicKey())
}

func TestStore_SaveAndLoadRoundTripsWithPassphrase(t *testing.T) {
	tmpDir := t.TempDir()
	logger := observability.NewNopLogger()

	db, err := sqlite.New(sqlite.Config{
		Path:            filepath.Join(tmpDir, "client.db"),
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		WALMode:         true,
		ForeignKeys:     true,
		BusyTimeout:     5 * time.Second,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	store, err := OpenWithPassphrase(ctx, db, logger, "correct horse battery staple")
	require.NoError(t, err)

	deps := device.Deps{Client: noopClient{}, Logger: logger}
	d, err := device.New("https://rendezvous.example", "test-app", deps)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, d))

	restored, err := store.Load(ctx, "test-app", deps)
	require.NoError(t, err)
	assert.Equal(t, d.UserPublicKey(), restored.UserPublicKey())

	var rawBlob []byte
	row := db.QueryRowContext(ctx, "SELECT blob FROM client_data WHERE app_id = ?", "test-app")
	require.NoError(t, row.Scan(&rawBlob))

	plainData, err := d.Serialize()
	require.NoError(t, err)
	plainBlob, err := plainData.Marshal()
	require.NoError(t, err)
	assert.NotEqual(t, plainBlob, rawBlob, "stored blob must not equal the plaintext serialization")

	wrongPassStore, err := OpenWithPassphrase(ctx, db, logger, "wrong passphrase")
	require.NoError(t, err)
	_, err = wrongPassStore.Load(ctx, "test-app", deps)
	assert.Error(t, err)

	plainStore, err := Open(ctx, db, logger)
	require.NoError(t, err)
	_, err = plainStore.Load(ctx, "test-app", deps)
	assert.ErrorIs(t, err, ErrPassphraseRequired)
}

func TestStore_Delete(t *testing.T) {
	store, deps := openTestStore(t)
	ctx := context.Background()

	d, err := device.New("https://rendezvous.example", "test-app", deps)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, d))

	require.NoError(t, store.Delete(ctx, "test-app"))

	_, err = store.Load(ctx, "test-app", deps)
	assert.ErrorIs(t, err, ErrNotFound)
}
