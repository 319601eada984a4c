// Package keys provides typed wrappers around the four asymmetric key
// roles used throughout Rendezvous: signing (user/device/topic identity)
// and agreement (ECDH, used for prekeys and topic-key delivery). Every
// public key type is a comparable, hashable [32]byte array so it can key
// the maps that internal/device and internal/topic maintain.
package keys

import (
	"crypto/ed25519"
	"encoding/base64"

	"github.com/rendezvous-labs/rendezvous/pkg/crypto"
)

// SigningPublicKey identifies a user, device, or topic's Ed25519 public key.
type SigningPublicKey [crypto.KeySize]byte

// SigningPrivateKey is the Ed25519 private key (seed + public half).
type SigningPrivateKey struct {
	raw ed25519.PrivateKey
}

// AgreementPublicKey is an X25519 public key (prekey or topic encryption key).
type AgreementPublicKey [crypto.KeySize]byte

// AgreementPrivateKey is an X25519 private key.
type AgreementPrivateKey [crypto.KeySize]byte

// NewSigningKeyPair generates a fresh signing identity.
func NewSigningKeyPair() (SigningPrivateKey, SigningPublicKey, error) {
	priv, pub, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return SigningPrivateKey{}, SigningPublicKey{}, err
	}
	return SigningPrivateKey{raw: priv}, SigningPublicKey(pub), nil
}

// NewAgreementKeyPair generates a fresh ECDH key pair (used for device
// prekeys and topic encryption keys).
func NewAgreementKeyPair() (AgreementPrivateKey, AgreementPublicKey, error) {
	priv, pub, err := crypto.GenerateAgreementKeyPair()
	if err != nil {
		return AgreementPrivateKey{}, AgreementPublicKey{}, err
	}
	return AgreementPrivateKey(priv), AgreementPublicKey(pub), nil
}

// SigningPrivateKeyFromBytes wraps a raw 64-byte Ed25519 private key,
// as stored in persisted ClientData.
func SigningPrivateKeyFromBytes(raw []byte) SigningPrivateKey {
	priv := make(ed25519.PrivateKey, len(raw))
	copy(priv, raw)
	return SigningPrivateKey{raw: priv}
}

// Bytes returns the raw 64-byte Ed25519 private key for persistence.
func (k SigningPrivateKey) Bytes() []byte {
	return append([]byte(nil), k.raw...)
}

// Public derives the public half of a signing private key.
func (k SigningPrivateKey) Public() SigningPublicKey {
	return SigningPublicKey(crypto.SigningPublicFromPrivate(k.raw))
}

// Sign produces an Ed25519 signature over message.
func (k SigningPrivateKey) Sign(message []byte) [crypto.SignatureSize]byte {
	return crypto.Sign(k.raw, message)
}

// Verify checks sig against message under this public key.
func (k SigningPublicKey) Verify(sig [crypto.SignatureSize]byte, message []byte) bool {
	return crypto.Verify([crypto.KeySize]byte(k), sig, message)
}

// Bytes returns the raw 32-byte public key.
func (k SigningPublicKey) Bytes() []byte { return k[:] }

// String renders the public key as URL-safe base64 for logging/headers.
func (k SigningPublicKey) String() string {
	return base64.URLEncoding.EncodeToString(k[:])
}

// Public derives the public half of an agreement private key.
func (k AgreementPrivateKey) Public() (AgreementPublicKey, error) {
	pub, err := crypto.AgreementPublicFromPrivate([crypto.KeySize]byte(k))
	return AgreementPublicKey(pub), err
}

// EncryptTo seals plaintext for the holder of this agreement public key.
func (k AgreementPublicKey) EncryptTo(plaintext []byte) ([]byte, error) {
	return crypto.EncryptTo([crypto.KeySize]byte(k), plaintext)
}

// DecryptFrom opens a blob produced by AgreementPublicKey.EncryptTo.
func (k AgreementPrivateKey) DecryptFrom(blob []byte) ([]byte, error) {
	return crypto.DecryptFrom([crypto.KeySize]byte(k), blob)
}

// Bytes returns the raw 32-byte public key.
func (k AgreementPublicKey) Bytes() []byte { return k[:] }

// Bytes returns the raw 32-byte private key, for persistence.
func (k AgreementPrivateKey) Bytes() []byte { return k[:] }

// SigningPublicKeyFromBytes parses a 32-byte slice into a SigningPublicKey.
func SigningPublicKeyFromBytes(b []byte) (SigningPublicKey, bool) {
	var k SigningPublicKey
	if len(b) != crypto.KeySize {
		return k, false
	}
	copy(k[:], b)
	return k, true
}

// AgreementPublicKeyFromBytes parses a 32-byte slice into an AgreementPublicKey.
func AgreementPublicKeyFromBytes(b []byte) (AgreementPublicKey, bool) {
	var k AgreementPublicKey
	if len(b) != crypto.KeySize {
		return k, false
	}
	copy(k[:], b)
	return k, true
}

// AgreementPrivateKeyFromBytes parses a 32-byte slice into an AgreementPrivateKey.
func AgreementPrivateKeyFromBytes(b []byte) (AgreementPrivateKey, bool) {
	var k AgreementPrivateKey
	if len(b) != crypto.KeySize {
		return k, false
	}
	copy(k[:], b)
	return k, true
}
