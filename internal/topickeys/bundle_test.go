package topickeys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendezvous-labs/rendezvous/pkg/crypto"
	"github.com/rendezvous-labs/rendezvous/pkg/keys"
	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

func TestNewMemberInfoEncryptsMessageKey(t *testing.T) {
	userPriv, _, err := keys.NewSigningKeyPair()
	require.NoError(t, err)
	tk, err := New(userPriv)
	require.NoError(t, err)

	messageKey, err := crypto.Random(crypto.MessageKeySize)
	require.NoError(t, err)

	member, err := NewMemberInfo(tk.Bundle, protocol.RoleParticipant, messageKey)
	require.NoError(t, err)
	assert.Equal(t, protocol.RoleParticipant, member.Role)
	assert.NotEqual(t, messageKey, member.EncryptedMessageKey)

	decrypted, err := tk.EncPriv.DecryptFrom(member.EncryptedMessageKey)
	require.NoError(t, err)
	assert.Equal(t, messageKey, decrypted)
}

func TestBulkParseIndexesByUser(t *testing.T) {
	priv1, _, err := keys.NewSigningKeyPair()
	require.NoError(t, err)
	tk1, err := New(priv1)
	require.NoError(t, err)

	priv2, _, err := keys.NewSigningKeyPair()
	require.NoError(t, err)
	tk2, err := New(priv2)
	require.NoError(t, err)

	resp := protocol.TopicKeyResponse{Keys: []protocol.TopicKeyPublicBundle{tk1.Bundle, tk2.Bundle}}
	parsed, err := BulkParse(resp)
	require.NoError(t, err)
	assert.Len(t, parsed, 2)
	assert.Equal(t, tk1.Bundle, parsed[tk1.Bundle.UserKey])
}

func TestBulkParseRejectsTamperedBundle(t *testing.T) {
	priv, _, err := keys.NewSigningKeyPair()
	require.NoError(t, err)
	tk, err := New(priv)
	require.NoError(t, err)

	tampered := tk.Bundle
	tampered.Signature[0] ^= 0xFF

	_, err = BulkParse(protocol.TopicKeyResponse{Keys: []protocol.TopicKeyPublicBundle{tampered}})
	assert.Error(t, err)
}

func TestVerifyTopicAcceptsValidCreatorAndMembers(t *testing.T) {
	creatorPriv, _, err := keys.NewSigningKeyPair()
	require.NoError(t, err)
	creatorTK, err := New(creatorPriv)
	require.NoError(t, err)

	messageKey, err := crypto.Random(crypto.MessageKeySize)
	require.NoError(t, err)
	creatorMember, err := NewMemberInfo(creatorTK.Bundle, protocol.RoleAdmin, messageKey)
	require.NoError(t, err)

	wire := protocol.Topic{Members: []protocol.TopicMember{creatorMember}}
	wire.Signature = creatorTK.SigningPriv.Sign(wire.SignedBytes())

	assert.NoError(t, VerifyTopic(wire))
}

func TestVerifyTopicRejectsTamperedMemberBinding(t *testing.T) {
	creatorPriv, _, err := keys.NewSigningKeyPair()
	require.NoError(t, err)
	creatorTK, err := New(creatorPriv)
	require.NoError(t, err)

	messageKey, err := crypto.Random(crypto.MessageKeySize)
	require.NoError(t, err)
	creatorMember, err := NewMemberInfo(creatorTK.Bundle, protocol.RoleAdmin, messageKey)
	require.NoError(t, err)
	creatorMember.EncryptionKey[0] ^= 0xFF // binding no longer matches signature

	wire := protocol.Topic{Members: []protocol.TopicMember{creatorMember}}
	wire.Signature = creatorTK.SigningPriv.Sign(wire.SignedBytes())

	assert.Error(t, VerifyTopic(wire))
}
