package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendezvous-labs/rendezvous/pkg/keys"
	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("postgres: not found")

// Repository is the server-side durable store backing the endpoint
// table: users, devices, prekeys, topic key material, topics, the update
// chain, files, and receipts. It operates directly on the DB's pool since
// every query here is Postgres-specific (named arguments, batches, and
// row locking via FOR UPDATE / SKIP LOCKED).
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps an already-connected DB.
func NewRepository(db *DB) *Repository {
	return &Repository{pool: db.pool}
}

// --- users ---------------------------------------------------------------

// UpsertUser inserts or replaces a user's UserInfo row; the server holds
// the authoritative record a device's own copy is merged against.
func (r *Repository) UpsertUser(ctx context.Context, info protocol.UserInfo) error {
	const q = `
		INSERT INTO users (user_key, name, creation_time, timestamp, signature)
		VALUES (@user_key, @name, @creation_time, @timestamp, @signature)
		ON CONFLICT (user_key) DO UPDATE SET
			name = excluded.name,
			timestamp = excluded.timestamp,
			signature = excluded.signature
	`
	_, err := r.pool.Exec(ctx, q, pgx.NamedArgs{
		"user_key":      info.UserPublicKey.Bytes(),
		"name":          info.Name,
		"creation_time": info.CreationTime,
		"timestamp":     info.Timestamp,
		"signature":     info.Signature[:],
	})
	if err != nil {
		return fmt.Errorf("postgres: upsert user: %w", err)
	}
	return nil
}

// GetUserInfo reassembles a UserInfo record from the users and devices
// tables for userKey.
func (r *Repository) GetUserInfo(ctx context.Context, userKey keys.SigningPublicKey) (protocol.UserInfo, error) {
	var info protocol.UserInfo
	var sig []byte

	const userQ = `SELECT user_key, name, creation_time, timestamp, signature FROM users WHERE user_key = $1`
	var rawKey []byte
	err := r.pool.QueryRow(ctx, userQ, userKey.Bytes()).Scan(&rawKey, &info.Name, &info.CreationTime, &info.Timestamp, &sig)
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.UserInfo{}, ErrNotFound
	}
	if err != nil {
		return protocol.UserInfo{}, fmt.Errorf("postgres: get user info: %w", err)
	}
	info.UserPublicKey = userKey
	copy(info.Signature[:], sig)

	devices, err := r.listDevices(ctx, userKey)
	if err != nil {
		return protocol.UserInfo{}, err
	}
	info.Devices = devices
	return info, nil
}

func (r *Repository) listDevices(ctx context.Context, userKey keys.SigningPublicKey) ([]protocol.Device, error) {
	const q = `SELECT device_key, creation_time, is_active, app_id FROM devices WHERE user_key = $1 ORDER BY creation_time ASC`
	rows, err := r.pool.Query(ctx, q, userKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("postgres: list devices: %w", err)
	}
	defer rows.Close()

	var devices []protocol.Device
	for rows.Next() {
		var raw []byte
		var dev protocol.Device
		if err := rows.Scan(&raw, &dev.CreationTime, &dev.IsActive, &dev.AppID); err != nil {
			return nil, fmt.Errorf("postgres: scan device: %w", err)
		}
		pub, ok := keys.SigningPublicKeyFromBytes(raw)
		if !ok {
			continue
		}
		dev.DevicePublicKey = pub
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}

// InsertDevice adds a device row for a user (called at registration time
// and whenever a user adds a new device to their UserInfo).
func (r *Repository) InsertDevice(ctx context.Context, userKey, deviceKey keys.SigningPublicKey, creationTime int64, appID string) error {
	const q = `
		INSERT INTO devices (device_key, user_key, creation_time, is_active, app_id)
		VALUES (@device_key, @user_key, @creation_time, TRUE, @app_id)
		ON CONFLICT (device_key) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, q, pgx.NamedArgs{
		"device_key":    deviceKey.Bytes(),
		"user_key":      userKey.Bytes(),
		"creation_time": creationTime,
		"app_id":        appID,
	})
	if err != nil {
		return fmt.Errorf("postgres: insert device: %w", err)
	}
	return nil
}

// --- auth tokens -----------------------------------------------------------

// SetAuthToken records the 16-byte token returned by user/register for
// every device created under that registration.
func (r *Repository) SetAuthToken(ctx context.Context, userKey keys.SigningPublicKey, token [protocol.AuthTokenSize]byte) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET auth_token = $1 WHERE user_key = $2`, token[:], userKey.Bytes())
	if err != nil {
		return fmt.Errorf("postgres: set auth token: %w", err)
	}
	return nil
}

// UserKeyForDevice resolves a device's owning user from its device key,
// the join every auth-gated endpoint needs to apply (device header -> user).
func (r *Repository) UserKeyForDevice(ctx context.Context, deviceKey keys.SigningPublicKey) (keys.SigningPublicKey, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT user_key FROM devices WHERE device_key = $1`, deviceKey.Bytes()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return keys.SigningPublicKey{}, ErrNotFound
	}
	if err != nil {
		return keys.SigningPublicKey{}, fmt.Errorf("postgres: resolve device owner: %w", err)
	}
	pub, ok := keys.SigningPublicKeyFromBytes(raw)
	if !ok {
		return keys.SigningPublicKey{}, fmt.Errorf("postgres: malformed user key for device")
	}
	return pub, nil
}

// CheckAuthToken verifies that token matches the stored token for the user
// owning deviceKey.
func (r *Repository) CheckAuthToken(ctx context.Context, deviceKey keys.SigningPublicKey, token [protocol.AuthTokenSize]byte) error {
	userKey, err := r.UserKeyForDevice(ctx, deviceKey)
	if err != nil {
		return err
	}
	var stored []byte
	err = r.pool.QueryRow(ctx, `SELECT auth_token FROM users WHERE user_key = $1`, userKey.Bytes()).Scan(&stored)
	if err != nil {
		return fmt.Errorf("postgres: load auth token: %w", err)
	}
	if len(stored) != protocol.AuthTokenSize || string(stored) != string(token[:]) {
		return fmt.Errorf("postgres: auth token mismatch")
	}
	return nil
}

// --- prekeys ---------------------------------------------------------------

// InsertPrekeys adds a batch of signed prekeys for a device.
func (r *Repository) InsertPrekeys(ctx context.Context, deviceKey keys.SigningPublicKey, prekeys []protocol.SignedPrekey) error {
	batch := &pgx.Batch{}
	for _, p := range prekeys {
		batch.Queue(
			`INSERT INTO prekeys (device_key, prekey, signature) VALUES ($1, $2, $3)`,
			deviceKey.Bytes(), p.DevicePrekey.Bytes(), p.Signature[:],
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range prekeys {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert prekey: %w", err)
		}
	}
	return nil
}

// ConsumePrekeys pops up to count unconsumed prekeys per requested device,
// matching the user/prekeys contract: a caller asking for `count` keys
// per device gets at most that many (fewer if fewer remain), signed,
// never reused.
func (r *Repository) ConsumePrekeys(ctx context.Context, deviceKeys []keys.SigningPublicKey, count int) ([]protocol.PerDevicePrekeys, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin consume prekeys: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out := make([]protocol.PerDevicePrekeys, 0, len(deviceKeys))
	for _, dk := range deviceKeys {
		const selQ = `
			SELECT id, prekey, signature FROM prekeys
			WHERE device_key = $1 AND NOT consumed
			ORDER BY id ASC LIMIT $2 FOR UPDATE SKIP LOCKED
		`
		rows, err := tx.Query(ctx, selQ, dk.Bytes(), count)
		if err != nil {
			return nil, fmt.Errorf("postgres: select prekeys: %w", err)
		}

		var ids []int64
		var signed []protocol.SignedPrekey
		for rows.Next() {
			var id int64
			var prekeyRaw, sig []byte
			if err := rows.Scan(&id, &prekeyRaw, &sig); err != nil {
				rows.Close()
				return nil, fmt.Errorf("postgres: scan prekey: %w", err)
			}
			pub, ok := keys.AgreementPublicKeyFromBytes(prekeyRaw)
			if !ok {
				continue
			}
			sp := protocol.SignedPrekey{DevicePrekey: pub}
			copy(sp.Signature[:], sig)
			ids = append(ids, id)
			signed = append(signed, sp)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("postgres: iterate prekeys: %w", err)
		}

		for _, id := range ids {
			if _, err := tx.Exec(ctx, `UPDATE prekeys SET consumed = TRUE WHERE id = $1`, id); err != nil {
				return nil, fmt.Errorf("postgres: consume prekey: %w", err)
			}
		}

		out = append(out, protocol.PerDevicePrekeys{DeviceKey: dk, Prekeys: signed})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit consume prekeys: %w", err)
	}
	return out, nil
}

// --- topic keys --------------------------------------------------------------

// InsertTopicKeyBundles stores freshly minted public topic-key bundles for
// an owning user, available for other users to consume via users/topickey.
func (r *Repository) InsertTopicKeyBundles(ctx context.Context, ownerUserKey keys.SigningPublicKey, bundles []protocol.TopicKeyPublicBundle) error {
	batch := &pgx.Batch{}
	for _, b := range bundles {
		batch.Queue(
			`INSERT INTO topic_key_bundles (owner_user_key, user_key, signature_key, encryption_key, signature)
			 VALUES ($1, $2, $3, $4, $5)`,
			ownerUserKey.Bytes(), b.UserKey.Bytes(), b.SignatureKey.Bytes(), b.EncryptionKey.Bytes(), b.Signature[:],
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range bundles {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert topic key bundle: %w", err)
		}
	}
	return nil
}

// InsertTopicKeyMessages stores the wrapped per-device topic key messages
// fanned out by user/topickeys, queued for each recipient's device/messages.
func (r *Repository) InsertTopicKeyMessages(ctx context.Context, recipientDevice keys.SigningPublicKey, messages []protocol.TopicKeyMessage) error {
	batch := &pgx.Batch{}
	for _, m := range messages {
		batch.Queue(
			`INSERT INTO topic_key_messages
				(recipient_device, device_prekey, bundle_user_key, bundle_signature_key, bundle_encryption_key, bundle_signature, encrypted)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			recipientDevice.Bytes(), m.DevicePrekey.Bytes(), m.Bundle.UserKey.Bytes(), m.Bundle.SignatureKey.Bytes(),
			m.Bundle.EncryptionKey.Bytes(), m.Bundle.Signature[:], m.Encrypted,
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range messages {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert topic key message: %w", err)
		}
	}
	return nil
}

// ConsumeTopicKey pops one unconsumed topic key bundle owned by userKey,
// for the users/topickey endpoint (one key handed out per request, never
// reused).
func (r *Repository) ConsumeTopicKey(ctx context.Context, userKey keys.SigningPublicKey) (protocol.TopicKeyPublicBundle, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return protocol.TopicKeyPublicBundle{}, false, fmt.Errorf("postgres: begin consume topic key: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const selQ = `
		SELECT id, user_key, signature_key, encryption_key, signature FROM topic_key_bundles
		WHERE owner_user_key = $1 AND NOT consumed
		ORDER BY id ASC LIMIT 1 FOR UPDATE SKIP LOCKED
	`
	var id int64
	var userRaw, sigKeyRaw, encKeyRaw, sig []byte
	err = tx.QueryRow(ctx, selQ, userKey.Bytes()).Scan(&id, &userRaw, &sigKeyRaw, &encKeyRaw, &sig)
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.TopicKeyPublicBundle{}, false, nil
	}
	if err != nil {
		return protocol.TopicKeyPublicBundle{}, false, fmt.Errorf("postgres: select topic key: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE topic_key_bundles SET consumed = TRUE WHERE id = $1`, id); err != nil {
		return protocol.TopicKeyPublicBundle{}, false, fmt.Errorf("postgres: consume topic key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return protocol.TopicKeyPublicBundle{}, false, fmt.Errorf("postgres: commit consume topic key: %w", err)
	}

	bundle := protocol.TopicKeyPublicBundle{}
	if pub, ok := keys.SigningPublicKeyFromBytes(userRaw); ok {
		bundle.UserKey = pub
	}
	if pub, ok := keys.SigningPublicKeyFromBytes(sigKeyRaw); ok {
		bundle.SignatureKey = pub
	}
	if pub, ok := keys.AgreementPublicKeyFromBytes(encKeyRaw); ok {
		bundle.EncryptionKey = pub
	}
	copy(bundle.Signature[:], sig)
	return bundle, true, nil
}

// --- topics and the update chain --------------------------------------------

// InsertTopic creates a topic and its membership rows. chainOutput starts
// at the raw topic id.
func (r *Repository) InsertTopic(ctx context.Context, wire protocol.Topic) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin insert topic: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const topicQ = `
		INSERT INTO topics (topic_id, creation_time, timestamp, signature, chain_index, chain_output)
		VALUES ($1, $2, $3, $4, 0, $5)
	`
	if _, err := tx.Exec(ctx, topicQ, wire.TopicID[:], wire.CreationTime, wire.Timestamp, wire.Signature[:], wire.TopicID[:]); err != nil {
		return fmt.Errorf("postgres: insert topic: %w", err)
	}

	for i, m := range wire.Members {
		const memberQ = `
			INSERT INTO topic_members
				(topic_id, user_key, signature_key, encryption_key, role, encrypted_message_key, signature, member_index)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		if _, err := tx.Exec(ctx, memberQ, wire.TopicID[:], m.UserKey.Bytes(), m.SignatureKey.Bytes(), m.EncryptionKey.Bytes(),
			int(m.Role), m.EncryptedMessageKey, m.Signature[:], i); err != nil {
			return fmt.Errorf("postgres: insert topic member: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit insert topic: %w", err)
	}
	return nil
}

// GetTopic reassembles a topic's wire form, including its member list, so
// handlers can resolve who to notify about new content.
func (r *Repository) GetTopic(ctx context.Context, topicID [protocol.TopicIDSize]byte) (protocol.Topic, error) {
	var wire protocol.Topic
	wire.TopicID = topicID
	var sig []byte

	const topicQ = `SELECT creation_time, timestamp, signature FROM topics WHERE topic_id = $1`
	if err := r.pool.QueryRow(ctx, topicQ, topicID[:]).Scan(&wire.CreationTime, &wire.Timestamp, &sig); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return protocol.Topic{}, ErrNotFound
		}
		return protocol.Topic{}, fmt.Errorf("postgres: get topic: %w", err)
	}
	copy(wire.Signature[:], sig)

	const memberQ = `
		SELECT user_key, signature_key, encryption_key, role, encrypted_message_key, signature
		FROM topic_members WHERE topic_id = $1 ORDER BY member_index ASC
	`
	rows, err := r.pool.Query(ctx, memberQ, topicID[:])
	if err != nil {
		return protocol.Topic{}, fmt.Errorf("postgres: list topic members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userRaw, sigKeyRaw, encKeyRaw, msig []byte
		var role int
		var m protocol.TopicMember
		if err := rows.Scan(&userRaw, &sigKeyRaw, &encKeyRaw, &role, &m.EncryptedMessageKey, &msig); err != nil {
			return protocol.Topic{}, fmt.Errorf("postgres: scan topic member: %w", err)
		}
		if pub, ok := keys.SigningPublicKeyFromBytes(userRaw); ok {
			m.UserKey = pub
		}
		if pub, ok := keys.SigningPublicKeyFromBytes(sigKeyRaw); ok {
			m.SignatureKey = pub
		}
		if pub, ok := keys.AgreementPublicKeyFromBytes(encKeyRaw); ok {
			m.EncryptionKey = pub
		}
		m.Role = protocol.Role(role)
		copy(m.Signature[:], msig)
		wire.Members = append(wire.Members, m)
	}
	if err := rows.Err(); err != nil {
		return protocol.Topic{}, fmt.Errorf("postgres: iterate topic members: %w", err)
	}
	return wire, nil
}

// AppendUpdate advances a topic's chain by one: it computes
// H_i = SHA-256(H_{i-1} || signature), stores the update row, and bumps the
// topics row's chain_index/chain_output, all within a single transaction so
// concurrent posts to the same topic serialize on the row lock.
func (r *Repository) AppendUpdate(ctx context.Context, uu protocol.UpdateUpload, senderUserKey keys.SigningPublicKey, chainHash func(prevOutput []byte, signature [64]byte) [32]byte) (protocol.ChainState, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return protocol.ChainState{}, fmt.Errorf("postgres: begin append update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var chainIndex int64
	var chainOutputRaw []byte
	const lockQ = `SELECT chain_index, chain_output FROM topics WHERE topic_id = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, lockQ, uu.TopicID[:]).Scan(&chainIndex, &chainOutputRaw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return protocol.ChainState{}, ErrNotFound
		}
		return protocol.ChainState{}, fmt.Errorf("postgres: lock topic: %w", err)
	}
	// A fresh topic's chain_output is the raw 12-byte topic id; every later
	// one is a 32-byte digest. The fold runs over the stored bytes as-is.
	newOutput := chainHash(chainOutputRaw, uu.Signature)
	newIndex := chainIndex + 1

	const updQ = `
		INSERT INTO updates (topic_id, chain_index, output, metadata, signature, sender_user_key, sender_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.Exec(ctx, updQ, uu.TopicID[:], newIndex, newOutput[:], uu.Metadata, uu.Signature[:], senderUserKey.Bytes(), uu.SenderIndex); err != nil {
		return protocol.ChainState{}, fmt.Errorf("postgres: insert update: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE topics SET chain_index = $1, chain_output = $2 WHERE topic_id = $3`, newIndex, newOutput[:], uu.TopicID[:]); err != nil {
		return protocol.ChainState{}, fmt.Errorf("postgres: advance topic chain: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return protocol.ChainState{}, fmt.Errorf("postgres: commit append update: %w", err)
	}

	return protocol.ChainState{ChainIndex: uint32(newIndex), Output: newOutput}, nil
}

// --- files -------------------------------------------------------------------

// PutFile registers a file's descriptor under a topic, ahead of its
// ciphertext actually arriving over PUT files/{topic}/{file}: the tag and
// hash travel inside topic/message's UpdateUpload, the ciphertext itself
// follows as a second request.
func (r *Repository) PutFile(ctx context.Context, topicID [protocol.TopicIDSize]byte, fileID [protocol.MessageIDSize]byte, tag [16]byte, hash [32]byte, ciphertext []byte) error {
	const q = `
		INSERT INTO files (id, topic_id, tag, hash, ciphertext)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (topic_id, id) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, q, fileID[:], topicID[:], tag[:], hash[:], ciphertext)
	if err != nil {
		return fmt.Errorf("postgres: put file: %w", err)
	}
	return nil
}

// SetFileCiphertext fills in the ciphertext for a file descriptor already
// registered by PutFile.
func (r *Repository) SetFileCiphertext(ctx context.Context, topicID [protocol.TopicIDSize]byte, fileID [protocol.MessageIDSize]byte, ciphertext []byte) error {
	tag, err := r.pool.Exec(ctx, `UPDATE files SET ciphertext = $1 WHERE topic_id = $2 AND id = $3`, ciphertext, topicID[:], fileID[:])
	if err != nil {
		return fmt.Errorf("postgres: set file ciphertext: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetFile retrieves a file's raw ciphertext. A registered-but-not-yet-
// uploaded descriptor (empty ciphertext) is reported the same as a missing
// file, since neither has anything for a device to download yet.
func (r *Repository) GetFile(ctx context.Context, topicID [protocol.TopicIDSize]byte, fileID [protocol.MessageIDSize]byte) ([]byte, error) {
	var ciphertext []byte
	err := r.pool.QueryRow(ctx, `SELECT ciphertext FROM files WHERE topic_id = $1 AND id = $2`, topicID[:], fileID[:]).Scan(&ciphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get file: %w", err)
	}
	if len(ciphertext) == 0 {
		return nil, ErrNotFound
	}
	return ciphertext, nil
}

// --- device downloads / inbox --------------------------------------------

// QueueDelivery enqueues a typed record for a device's next device/messages
// poll or push-channel flush.
func (r *Repository) QueueDelivery(ctx context.Context, deviceKey keys.SigningPublicKey, kind protocol.MessageType, payload []byte) error {
	const q = `INSERT INTO device_deliveries (device_key, kind, payload) VALUES ($1, $2, $3)`
	_, err := r.pool.Exec(ctx, q, deviceKey.Bytes(), int(kind), payload)
	if err != nil {
		return fmt.Errorf("postgres: queue delivery: %w", err)
	}
	return nil
}

// DrainDeliveries marks every pending delivery for a device as delivered
// and returns their raw payloads grouped by kind, the shape GET
// device/messages assembles a DeviceDownload from.
func (r *Repository) DrainDeliveries(ctx context.Context, deviceKey keys.SigningPublicKey) (map[protocol.MessageType][][]byte, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin drain deliveries: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const selQ = `SELECT id, kind, payload FROM device_deliveries WHERE device_key = $1 AND NOT delivered ORDER BY id ASC`
	rows, err := tx.Query(ctx, selQ, deviceKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("postgres: select deliveries: %w", err)
	}

	out := make(map[protocol.MessageType][][]byte)
	var ids []int64
	for rows.Next() {
		var id int64
		var kind int
		var payload []byte
		if err := rows.Scan(&id, &kind, &payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan delivery: %w", err)
		}
		out[protocol.MessageType(kind)] = append(out[protocol.MessageType(kind)], payload)
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate deliveries: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.Exec(ctx, `UPDATE device_deliveries SET delivered = TRUE WHERE id = $1`, id); err != nil {
			return nil, fmt.Errorf("postgres: mark delivery: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit drain deliveries: %w", err)
	}
	return out, nil
}

// --- admin tokens ----------------------------------------------------------

// IssueAdminToken replaces the active admin token with a freshly generated
// one (admin/renew), revoking whatever was active before.
func (r *Repository) IssueAdminToken(ctx context.Context, token []byte) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin issue admin token: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE admin_tokens SET revoked = TRUE WHERE NOT revoked`); err != nil {
		return fmt.Errorf("postgres: revoke admin tokens: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO admin_tokens (token) VALUES ($1)`, token); err != nil {
		return fmt.Errorf("postgres: insert admin token: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit issue admin token: %w", err)
	}
	return nil
}

// AdminTokenCount reports how many admin tokens have ever been issued, used
// at startup to decide whether the configured bootstrap token still needs
// seeding into a brand new database.
func (r *Repository) AdminTokenCount(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM admin_tokens`).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count admin tokens: %w", err)
	}
	return count, nil
}

// CheckAdminToken reports whether token is the currently active admin token.
func (r *Repository) CheckAdminToken(ctx context.Context, token []byte) (bool, error) {
	var revoked bool
	err := r.pool.QueryRow(ctx, `SELECT revoked FROM admin_tokens WHERE token = $1`, token).Scan(&revoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: check admin token: %w", err)
	}
	return !revoked, nil
}

// ResetAll truncates every domain table, used by admin/reset against a
// development server.
func (r *Repository) ResetAll(ctx context.Context) error {
	const q = `TRUNCATE device_deliveries, receipts, files, updates, topic_members, topics,
		topic_key_messages, topic_key_bundles, prekeys, devices, users, admin_tokens`
	if _, err := r.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("postgres: reset all: %w", err)
	}
	return nil
}

// StoreReceipt records that sender has verified a topic's chain up to
// chainIndex.
func (r *Repository) StoreReceipt(ctx context.Context, topicID [protocol.TopicIDSize]byte, chainIndex uint32, sender keys.SigningPublicKey, signature [64]byte) error {
	const q = `INSERT INTO receipts (topic_id, chain_index, sender, signature) VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, q, topicID[:], chainIndex, sender.Bytes(), signature[:])
	if err != nil {
		return fmt.Errorf("postgres: store receipt: %w", err)
	}
	return nil
}
