// Package crypto is the cryptographic primitives façade for the Rendezvous
// client: X25519 key agreement wrapped in a self-contained encrypt-to-public
// scheme, Ed25519 signing, AES-256-GCM sealing, SHA-256, and a single
// source of cryptographic randomness. Every higher package (pkg/keys,
// internal/topickeys, internal/topic, internal/device) performs its
// cryptographic operations through this one. pkg/keys imports crypto/ed25519
// only for the private key type, and internal/security has its own crypto/aes
// helpers for at-rest encryption; no other package imports crypto/ed25519,
// golang.org/x/crypto/curve25519, or crypto/aes.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size in bytes of every raw Curve25519/Ed25519 public
	// or agreement-private key.
	KeySize = 32
	// SignatureSize is the size in bytes of an Ed25519 signature.
	SignatureSize = 64
	// SigningPrivateKeySize is the size of an Ed25519 private key (seed +
	// public half), matching crypto/ed25519.PrivateKey.
	SigningPrivateKeySize = ed25519.PrivateKeySize
	// MessageKeySize is the size in bytes of a topic's AES-256-GCM message key.
	MessageKeySize = 32
	// gcmNonceSize is the standard AES-GCM nonce size used throughout.
	gcmNonceSize = 12
	// gcmTagSize is the AES-GCM authentication tag size.
	gcmTagSize = 16
	// hkdfSalt is the fixed salt for the encrypt-to-public scheme.
	hkdfSalt = "RendezvousClient"
)

var (
	ErrInvalidKeySize = errors.New("crypto: invalid key size")
	ErrCryptoFailure  = errors.New("crypto: key agreement or authentication failure")
)

// GenerateAgreementKeyPair creates a fresh X25519 key pair.
func GenerateAgreementKeyPair() (priv, pub [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("crypto: generate agreement key: %w", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("crypto: derive agreement public key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// GenerateSigningKeyPair creates a fresh Ed25519 key pair.
func GenerateSigningKeyPair() (priv ed25519.PrivateKey, pub [KeySize]byte, err error) {
	p, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, pub, fmt.Errorf("crypto: generate signing key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// SigningPublicFromPrivate derives the public half of an Ed25519 private key.
func SigningPublicFromPrivate(priv ed25519.PrivateKey) [KeySize]byte {
	var pub [KeySize]byte
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return pub
}

// AgreementPublicFromPrivate derives the X25519 public key for a private key.
func AgreementPublicFromPrivate(priv [KeySize]byte) ([KeySize]byte, error) {
	var pub [KeySize]byte
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("crypto: derive agreement public key: %w", err)
	}
	copy(pub[:], p)
	return pub, nil
}

// Sign produces an Ed25519 signature over bytes.
func Sign(priv ed25519.PrivateKey, message []byte) [SignatureSize]byte {
	var sig [SignatureSize]byte
	copy(sig[:], ed25519.Sign(priv, message))
	return sig
}

// Verify checks an Ed25519 signature against a raw 32-byte public key.
func Verify(pub [KeySize]byte, sig [SignatureSize]byte, message []byte) bool {
	return ed25519.Verify(pub[:], message, sig[:])
}

// EncryptTo implements the client's encrypt-to-public scheme: a fresh
// ephemeral X25519 key pair is generated, ECDH'd against the recipient's
// public key, HKDF-SHA256 derives a 32-byte AES key from the shared
// secret (salt "RendezvousClient", info = ephemeral_pub‖recipient_pub),
// and the plaintext is AES-GCM sealed. The wire form is
// ephemeral_pub ‖ nonce ‖ ciphertext ‖ tag.
func EncryptTo(recipientPub [KeySize]byte, plaintext []byte) ([]byte, error) {
	ephPriv, ephPub, err := GenerateAgreementKeyPair()
	if err != nil {
		return nil, err
	}

	shared, err := curve25519.X25519(ephPriv[:], recipientPub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	key, err := deriveKey(shared, ephPub[:], recipientPub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	combined, err := SealGCMCombined(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	out := make([]byte, 0, KeySize+len(combined))
	out = append(out, ephPub[:]...)
	out = append(out, combined...)
	return out, nil
}

// DecryptFrom is the mirror of EncryptTo: the first 32 bytes of blob are
// the sender's ephemeral public key, the remainder is the combined GCM form.
func DecryptFrom(priv [KeySize]byte, blob []byte) ([]byte, error) {
	if len(blob) < KeySize {
		return nil, ErrInvalidKeySize
	}
	var ephPub [KeySize]byte
	copy(ephPub[:], blob[:KeySize])
	combined := blob[KeySize:]

	myPub, err := AgreementPublicFromPrivate(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	shared, err := curve25519.X25519(priv[:], ephPub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	key, err := deriveKey(shared, ephPub[:], myPub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	plaintext, err := OpenGCMCombined(key, combined)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return plaintext, nil
}

// deriveKey runs HKDF-SHA256 over the shared secret with the fixed
// RendezvousClient salt, producing a 32-byte AES-256 key.
func deriveKey(shared, ephPub, recipientPub []byte) ([]byte, error) {
	info := make([]byte, 0, len(ephPub)+len(recipientPub))
	info = append(info, ephPub...)
	info = append(info, recipientPub...)

	h := hkdf.New(sha256.New, shared, []byte(hkdfSalt), info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GCMSealed is an AES-GCM sealed blob with its components kept distinct,
// matching the wire layout of an Update's file descriptor (id = nonce,
// tag stored separately, hash computed over the ciphertext).
type GCMSealed struct {
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// SealGCM seals plaintext under key using AES-256-GCM. If nonce is nil, a
// fresh random 12-byte nonce is generated; otherwise the caller-supplied
// nonce is used verbatim (the file-encryption path reuses the file id as
// its nonce).
func SealGCM(key, plaintext, nonce []byte) (*GCMSealed, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if nonce == nil {
		nonce = make([]byte, gcmNonceSize)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, fmt.Errorf("crypto: generate nonce: %w", err)
		}
	} else if len(nonce) != gcmNonceSize {
		return nil, ErrInvalidKeySize
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return &GCMSealed{Nonce: nonce, Ciphertext: ct, Tag: tag}, nil
}

// OpenGCM authenticates and decrypts a GCMSealed blob.
func OpenGCM(key []byte, sealed *GCMSealed) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed.Nonce) != gcmNonceSize || len(sealed.Tag) != gcmTagSize {
		return nil, ErrInvalidKeySize
	}

	combined := make([]byte, 0, len(sealed.Ciphertext)+gcmTagSize)
	combined = append(combined, sealed.Ciphertext...)
	combined = append(combined, sealed.Tag...)

	plaintext, err := gcm.Open(nil, sealed.Nonce, combined, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return plaintext, nil
}

// SealGCMCombined seals plaintext with a random nonce and returns the
// combined wire form nonce‖ciphertext‖tag, used for topic metadata.
func SealGCMCombined(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenGCMCombined opens the combined nonce‖ciphertext‖tag wire form.
func OpenGCMCombined(key, combined []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(combined) < gcmNonceSize {
		return nil, ErrInvalidKeySize
	}

	nonce, ct := combined[:gcmNonceSize], combined[gcmNonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != MessageKeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: create GCM: %w", err)
	}
	return gcm, nil
}

// SHA256 hashes data and returns the raw 32-byte digest.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Random returns n cryptographically secure random bytes.
func Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("crypto: random: %w", err)
	}
	return b, nil
}
