// Package topickeys implements the per-user topic key lifecycle: minting a
// fresh key pair, wrapping it for delivery to a sibling device's prekey,
// and accepting a delivered key on the receiving side.
package topickeys

import (
	"github.com/rendezvous-labs/rendezvous/internal/rverrors"
	"github.com/rendezvous-labs/rendezvous/pkg/crypto"
	"github.com/rendezvous-labs/rendezvous/pkg/keys"
	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

// TopicKeys is a user's signing/encryption key pair for admission into
// topics, together with its signed public bundle.
type TopicKeys struct {
	SigningPriv keys.SigningPrivateKey
	EncPriv     keys.AgreementPrivateKey
	Bundle      protocol.TopicKeyPublicBundle
}

// New mints a fresh topic key pair and signs its public bundle under the
// user's identity key.
func New(userPriv keys.SigningPrivateKey) (*TopicKeys, error) {
	sigPriv, sigPub, err := keys.NewSigningKeyPair()
	if err != nil {
		return nil, rverrors.Wrap(rverrors.KindUnknown, "generate topic signing key", err)
	}
	encPriv, encPub, err := keys.NewAgreementKeyPair()
	if err != nil {
		return nil, rverrors.Wrap(rverrors.KindUnknown, "generate topic encryption key", err)
	}

	bundle := protocol.TopicKeyPublicBundle{
		UserKey:       userPriv.Public(),
		SignatureKey:  sigPub,
		EncryptionKey: encPub,
	}
	bundle.Signature = userPriv.Sign(bundle.SignedBytes())

	return &TopicKeys{SigningPriv: sigPriv, EncPriv: encPriv, Bundle: bundle}, nil
}

// WrapFor builds the TopicKeyMessage delivering tk to the sibling device
// whose prekey is peerPrekeyPub. The device_prekey field is the recipient's
// own prekey, so the recipient can look up the matching private prekey on
// ingestion.
func (tk *TopicKeys) WrapFor(peerPrekeyPub keys.AgreementPublicKey) (protocol.TopicKeyMessage, error) {
	plaintext := make([]byte, 0, crypto.SigningPrivateKeySize+crypto.KeySize)
	plaintext = append(plaintext, tk.SigningPriv.Bytes()...)
	plaintext = append(plaintext, tk.EncPriv.Bytes()...)

	encrypted, err := peerPrekeyPub.EncryptTo(plaintext)
	if err != nil {
		return protocol.TopicKeyMessage{}, rverrors.Wrap(rverrors.KindUnknown, "encrypt topic key for peer device", err)
	}

	return protocol.TopicKeyMessage{
		DevicePrekey: peerPrekeyPub,
		Bundle:       tk.Bundle,
		Encrypted:    encrypted,
	}, nil
}

// Accept decrypts and validates a TopicKeyMessage addressed to this device,
// using the matching private prekey, and returns the recovered TopicKeys.
// Fails with invalid_signature if the bundle's binding
// signature does not verify under senderUserPub, and with an unknown-kind
// error if decryption fails or the decrypted private keys do not match the
// bundle's public halves.
func Accept(msg protocol.TopicKeyMessage, myPrekeyPriv keys.AgreementPrivateKey, senderUserPub keys.SigningPublicKey) (*TopicKeys, error) {
	bundle := msg.Bundle
	if !senderUserPub.Verify(bundle.Signature, bundle.SignedBytes()) {
		return nil, rverrors.New(rverrors.KindInvalidSignature, "topic key bundle signature invalid")
	}

	plaintext, err := myPrekeyPriv.DecryptFrom(msg.Encrypted)
	if err != nil {
		return nil, rverrors.Wrap(rverrors.KindUnknown, "decrypt topic key message", err)
	}
	if len(plaintext) != crypto.SigningPrivateKeySize+crypto.KeySize {
		return nil, rverrors.New(rverrors.KindInvalidServerData, "topic key plaintext has wrong length")
	}

	sigPriv := keys.SigningPrivateKeyFromBytes(plaintext[:crypto.SigningPrivateKeySize])
	encPriv, ok := keys.AgreementPrivateKeyFromBytes(plaintext[crypto.SigningPrivateKeySize:])
	if !ok {
		return nil, rverrors.New(rverrors.KindInvalidServerData, "topic key agreement key has wrong length")
	}

	if sigPriv.Public() != bundle.SignatureKey {
		return nil, rverrors.New(rverrors.KindUnknown, "decrypted signing key does not match bundle")
	}
	encPub, err := encPriv.Public()
	if err != nil {
		return nil, rverrors.Wrap(rverrors.KindUnknown, "derive agreement public key", err)
	}
	if encPub != bundle.EncryptionKey {
		return nil, rverrors.New(rverrors.KindUnknown, "decrypted encryption key does not match bundle")
	}

	return &TopicKeys{SigningPriv: sigPriv, EncPriv: encPriv, Bundle: bundle}, nil
}
