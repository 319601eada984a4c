// Package clientstore persists a device.ClientData blob to a local SQLite
// database, so a Device's full key hierarchy and topic state survive
// process restarts.
package clientstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rendezvous-labs/rendezvous/internal/device"
	"github.com/rendezvous-labs/rendezvous/internal/security"
	"github.com/rendezvous-labs/rendezvous/internal/store/sqlite"
)

// ErrNotFound is returned by Load when no client data has been saved yet.
var ErrNotFound = errors.New("clientstore: no saved client data")

// ErrPassphraseRequired is returned by Load when a row was encrypted at
// rest but the Store was opened without a passphrase to decrypt it.
var ErrPassphraseRequired = errors.New("clientstore: row is encrypted, passphrase required")

const saltSize = 16

// Store persists a single device.ClientData row keyed by the app id the
// device was registered under, so one SQLite file can in principle back
// more than one local identity (useful for tests and multi-profile CLIs).
//
// When opened with a passphrase (OpenWithPassphrase), every blob Save
// writes is sealed with AES-256-GCM under a key derived from that
// passphrase and a per-row random salt, so a stolen SQLite file does not
// hand over the device's key hierarchy directly.
type Store struct {
	db         *sqlite.DB
	logger     zerolog.Logger
	passphrase string
	crypto     *security.CryptoManager
}

// Open wires a Store on top of an already-opened sqlite.DB, creating the
// backing table if it does not exist. Blobs are stored in plaintext; use
// OpenWithPassphrase for at-rest encryption.
func Open(ctx context.Context, db *sqlite.DB, logger zerolog.Logger) (*Store, error) {
	return open(ctx, db, logger, "")
}

// OpenWithPassphrase is like Open but encrypts every blob written by Save
// under a key derived from passphrase, and requires the same passphrase
// to Load them back.
func OpenWithPassphrase(ctx context.Context, db *sqlite.DB, logger zerolog.Logger, passphrase string) (*Store, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("clientstore: passphrase must not be empty")
	}
	return open(ctx, db, logger, passphrase)
}

func open(ctx context.Context, db *sqlite.DB, logger zerolog.Logger, passphrase string) (*Store, error) {
	s := &Store{
		db:         db,
		logger:     logger.With().Str("component", "clientstore").Logger(),
		passphrase: passphrase,
		crypto:     security.NewCryptoManager(),
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS client_data (
			app_id     TEXT PRIMARY KEY,
			blob       BLOB NOT NULL,
			salt       BLOB,
			encrypted  INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)
	`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("clientstore: ensure schema: %w", err)
	}
	return nil
}

// Save serializes the device and upserts its blob under its app id. If the
// Store was opened with a passphrase, the blob is sealed under a fresh
// per-row salt before it is written.
func (s *Store) Save(ctx context.Context, d *device.Device) error {
	data, err := d.Serialize()
	if err != nil {
		return fmt.Errorf("clientstore: serialize device: %w", err)
	}

	blob, err := data.Marshal()
	if err != nil {
		return fmt.Errorf("clientstore: marshal client data: %w", err)
	}

	var salt []byte
	encrypted := 0
	if s.passphrase != "" {
		salt, err = security.SecureRandom(saltSize)
		if err != nil {
			return fmt.Errorf("clientstore: generate salt: %w", err)
		}
		key := s.crypto.DeriveKey(s.passphrase, salt)
		blob, err = s.crypto.EncryptAES(blob, key)
		if err != nil {
			return fmt.Errorf("clientstore: encrypt client data: %w", err)
		}
		encrypted = 1
	}

	const upsert = `
		INSERT INTO client_data (app_id, blob, salt, encrypted, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET
			blob = excluded.blob,
			salt = excluded.salt,
			encrypted = excluded.encrypted,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, upsert, data.AppID, blob, salt, encrypted, time.Now().Unix()); err != nil {
		return fmt.Errorf("clientstore: save client data: %w", err)
	}

	s.logger.Debug().Str("app_id", data.AppID).Bool("encrypted", encrypted == 1).Msg("saved client data")
	return nil
}

// Load restores a Device previously persisted under appID.
func (s *Store) Load(ctx context.Context, appID string, deps device.Deps) (*device.Device, error) {
	var blob, salt []byte
	var encrypted int
	row := s.db.QueryRowContext(ctx, "SELECT blob, salt, encrypted FROM client_data WHERE app_id = ?", appID)
	if err := row.Scan(&blob, &salt, &encrypted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("clientstore: load client data: %w", err)
	}

	if encrypted == 1 {
		if s.passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		key := s.crypto.DeriveKey(s.passphrase, salt)
		var err error
		blob, err = s.crypto.DecryptAES(blob, key)
		if err != nil {
			return nil, fmt.Errorf("clientstore: decrypt client data: %w", err)
		}
	}

	data, err := device.UnmarshalClientData(blob)
	if err != nil {
		return nil, fmt.Errorf("clientstore: unmarshal client data: %w", err)
	}

	d, err := device.NewFromClientData(data, deps)
	if err != nil {
		return nil, fmt.Errorf("clientstore: restore device: %w", err)
	}

	s.logger.Debug().Str("app_id", appID).Msg("loaded client data")
	return d, nil
}

// Delete removes any saved blob for appID. Missing rows are not an error.
func (s *Store) Delete(ctx context.Context, appID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM client_data WHERE app_id = ?", appID); err != nil {
		return fmt.Errorf("clientstore: delete client data: %w", err)
	}
	return nil
}
