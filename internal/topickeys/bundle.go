package topickeys

import (
	"github.com/rendezvous-labs/rendezvous/internal/rverrors"
	"github.com/rendezvous-labs/rendezvous/pkg/keys"
	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

// VerifyBundle checks a topic key public bundle's binding signature under
// its claimed user key.
func VerifyBundle(bundle protocol.TopicKeyPublicBundle) error {
	if !bundle.UserKey.Verify(bundle.Signature, bundle.SignedBytes()) {
		return rverrors.New(rverrors.KindInvalidSignature, "topic key public bundle signature invalid")
	}
	return nil
}

// NewMemberInfo verifies bundle and encrypts messageKey under its
// encryption key, producing the TopicMember record admitting that user
// into a topic at the given role.
func NewMemberInfo(bundle protocol.TopicKeyPublicBundle, role protocol.Role, messageKey []byte) (protocol.TopicMember, error) {
	if err := VerifyBundle(bundle); err != nil {
		return protocol.TopicMember{}, err
	}

	encrypted, err := bundle.EncryptionKey.EncryptTo(messageKey)
	if err != nil {
		return protocol.TopicMember{}, rverrors.Wrap(rverrors.KindUnknown, "encrypt message key for member", err)
	}

	return protocol.TopicMember{
		UserKey:             bundle.UserKey,
		SignatureKey:        bundle.SignatureKey,
		EncryptionKey:       bundle.EncryptionKey,
		Role:                role,
		EncryptedMessageKey: encrypted,
		Signature:           bundle.Signature,
	}, nil
}

// VerifyMemberBinding checks a topic member's signature_key‖encryption_key
// binding under its own user_key, usable by any
// receiver from wire data alone.
func VerifyMemberBinding(m protocol.TopicMember) bool {
	return m.UserKey.Verify(m.Signature, m.SignedBytes())
}

// VerifyTopic checks a Topic's creator signature (the member at index 0,
// always admin) and every member's binding signature. Returns
// invalid_signature on the first failure found.
func VerifyTopic(wire protocol.Topic) error {
	if len(wire.Members) == 0 {
		return rverrors.New(rverrors.KindInvalidServerData, "topic has no members")
	}
	creator := wire.Members[0]
	if creator.Role != protocol.RoleAdmin {
		return rverrors.New(rverrors.KindInvalidServerData, "topic creator is not admin")
	}
	if !creator.SignatureKey.Verify(wire.Signature, wire.SignedBytes()) {
		return rverrors.New(rverrors.KindInvalidSignature, "topic signature invalid")
	}
	for _, m := range wire.Members {
		if !VerifyMemberBinding(m) {
			return rverrors.New(rverrors.KindInvalidSignature, "topic member binding invalid")
		}
	}
	return nil
}

// BulkParse verifies every bundle in a TopicKeyResponse and indexes them
// by user key. A bundle whose signature fails to verify is a server-data
// fault for the whole response, since a silently
// dropped bundle there would admit a user without proof of topic-key
// ownership.
func BulkParse(resp protocol.TopicKeyResponse) (map[keys.SigningPublicKey]protocol.TopicKeyPublicBundle, error) {
	out := make(map[keys.SigningPublicKey]protocol.TopicKeyPublicBundle, len(resp.Keys))
	for _, bundle := range resp.Keys {
		if err := VerifyBundle(bundle); err != nil {
			return nil, err
		}
		out[bundle.UserKey] = bundle
	}
	return out, nil
}
