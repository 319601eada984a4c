package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendezvous-labs/rendezvous/internal/observability"
	"github.com/rendezvous-labs/rendezvous/pkg/crypto"
	"github.com/rendezvous-labs/rendezvous/pkg/keys"
	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

func openTestRepository(t *testing.T) *Repository {
	t.Helper()
	skipIfNoPostgres(t)

	logger := observability.NewNopLogger()
	db, err := New(getTestPostgresConfig(), logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	ctx := context.Background()
	migrator := NewMigrator(db, logger)
	require.NoError(t, migrator.Run(ctx))
	t.Cleanup(func() {
		repo := NewRepository(db)
		_ = repo.ResetAll(context.Background())
	})

	return NewRepository(db)
}

func TestIntegrationRepository_UserAndDeviceRoundTrip(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()

	_, userPub, err := keys.NewSigningKeyPair()
	require.NoError(t, err)
	_, devicePub, err := keys.NewSigningKeyPair()
	require.NoError(t, err)

	now := time.Now().Unix()
	info := protocol.UserInfo{
		UserPublicKey: userPub,
		Name:          "alice",
		CreationTime:  now,
		Timestamp:     now,
	}
	require.NoError(t, repo.UpsertUser(ctx, info))
	require.NoError(t, repo.InsertDevice(ctx, userPub, devicePub, now, "test-app"))

	loaded, err := repo.GetUserInfo(ctx, userPub)
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Name)
	require.Len(t, loaded.Devices, 1)
	assert.Equal(t, devicePub, loaded.Devices[0].DevicePublicKey)

	resolved, err := repo.UserKeyForDevice(ctx, devicePub)
	require.NoError(t, err)
	assert.Equal(t, userPub, resolved)
}

func TestIntegrationRepository_AuthTokenCheck(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()

	_, userPub, err := keys.NewSigningKeyPair()
	require.NoError(t, err)
	_, devicePub, err := keys.NewSigningKeyPair()
	require.NoError(t, err)

	now := time.Now().Unix()
	require.NoError(t, repo.UpsertUser(ctx, protocol.UserInfo{UserPublicKey: userPub, CreationTime: now, Timestamp: now}))
	require.NoError(t, repo.InsertDevice(ctx, userPub, devicePub, now, "test-app"))

	var token [protocol.AuthTokenSize]byte
	copy(token[:], []byte("0123456789abcdef"))
	require.NoError(t, repo.SetAuthToken(ctx, userPub, token))

	assert.NoError(t, repo.CheckAuthToken(ctx, devicePub, token))

	var wrong [protocol.AuthTokenSize]byte
	assert.Error(t, repo.CheckAuthToken(ctx, devicePub, wrong))
}

func TestIntegrationRepository_PrekeyConsumeIsOneShot(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()

	_, userPub, err := keys.NewSigningKeyPair()
	require.NoError(t, err)
	devicePriv, devicePub, err := keys.NewSigningKeyPair()
	require.NoError(t, err)
	now := time.Now().Unix()
	require.NoError(t, repo.UpsertUser(ctx, protocol.UserInfo{UserPublicKey: userPub, CreationTime: now, Timestamp: now}))
	require.NoError(t, repo.InsertDevice(ctx, userPub, devicePub, now, "test-app"))

	_, prePub, err := keys.NewAgreementKeyPair()
	require.NoError(t, err)
	sp := protocol.SignedPrekey{DevicePrekey: prePub}
	sp.Signature = devicePriv.Sign(prePub.Bytes())
	require.NoError(t, repo.InsertPrekeys(ctx, devicePub, []protocol.SignedPrekey{sp}))

	bundles, err := repo.ConsumePrekeys(ctx, []keys.SigningPublicKey{devicePub}, 1)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	require.Len(t, bundles[0].Prekeys, 1)

	bundles, err = repo.ConsumePrekeys(ctx, []keys.SigningPublicKey{devicePub}, 1)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Empty(t, bundles[0].Prekeys)
}

func TestIntegrationRepository_TopicChainAppendsSequentially(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()

	_, userPub, err := keys.NewSigningKeyPair()
	require.NoError(t, err)
	_, sigPub, err := keys.NewSigningKeyPair()
	require.NoError(t, err)
	_, encPub, err := keys.NewAgreementKeyPair()
	require.NoError(t, err)

	var topicID [protocol.TopicIDSize]byte
	copy(topicID[:], []byte("topic-123456"))

	wire := protocol.Topic{
		TopicID:      topicID,
		CreationTime: time.Now().Unix(),
		Timestamp:    time.Now().Unix(),
		Members: []protocol.TopicMember{
			{UserKey: userPub, SignatureKey: sigPub, EncryptionKey: encPub, Role: protocol.RoleAdmin},
		},
	}
	require.NoError(t, repo.InsertTopic(ctx, wire))

	hash := func(prev []byte, sig [64]byte) [32]byte {
		return crypto.SHA256(append(append([]byte(nil), prev...), sig[:]...))
	}

	uu := protocol.UpdateUpload{TopicID: topicID, SenderIndex: 0}
	state, err := repo.AppendUpdate(ctx, uu, userPub, hash)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), state.ChainIndex)
	assert.Equal(t, hash(topicID[:], uu.Signature), state.Output,
		"first link must fold over the raw 12-byte topic id")

	state2, err := repo.AppendUpdate(ctx, uu, userPub, hash)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), state2.ChainIndex)
	assert.NotEqual(t, state.Output, state2.Output)
}

func TestIntegrationRepository_AdminTokenLifecycle(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()

	token := []byte("0123456789abcdef")
	require.NoError(t, repo.IssueAdminToken(ctx, token))

	active, err := repo.CheckAdminToken(ctx, token)
	require.NoError(t, err)
	assert.True(t, active)

	newToken := []byte("fedcba9876543210")
	require.NoError(t, repo.IssueAdminToken(ctx, newToken))

	active, err = repo.CheckAdminToken(ctx, token)
	require.NoError(t, err)
	assert.False(t, active)
}
