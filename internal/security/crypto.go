// Package security provides generic cryptographic utilities used outside
// the device core's own key hierarchy: encrypting a ClientData blob at
// rest with a user passphrase (internal/store/clientstore), plus Argon2id
// password hashing helpers. The reference server's admin token is stored
// and compared as-is; HashPassword and VerifyPassword are not used by
// internal/admin or the server.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// CryptoManager holds Argon2 parameters used for password hashing and
// passphrase-based key derivation.
type CryptoManager struct {
	argon2Time    uint32
	argon2Memory  uint32
	argon2Threads uint8
	argon2KeyLen  uint32
}

// NewCryptoManager returns a CryptoManager with conservative Argon2id
// defaults (64 MB, single pass, 4 threads).
func NewCryptoManager() *CryptoManager {
	return &CryptoManager{
		argon2Time:    1,
		argon2Memory:  64 * 1024,
		argon2Threads: 4,
		argon2KeyLen:  32,
	}
}

// HashPassword hashes password with Argon2id under a fresh random salt,
// returning a self-describing encoded form ($argon2id$v=19$m=...,t=...,p=...$salt$hash).
func (cm *CryptoManager) HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey(
		[]byte(password),
		salt,
		cm.argon2Time,
		cm.argon2Memory,
		cm.argon2Threads,
		cm.argon2KeyLen,
	)

	saltEncoded := base64.RawStdEncoding.EncodeToString(salt)
	hashEncoded := base64.RawStdEncoding.EncodeToString(hash)

	formatted := fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		cm.argon2Memory, cm.argon2Time, cm.argon2Threads,
		saltEncoded, hashEncoded,
	)

	return formatted, nil
}

// VerifyPassword checks password against a hash produced by HashPassword,
// in constant time.
func (cm *CryptoManager) VerifyPassword(password, encodedHash string) (bool, error) {
	var memory, time uint32
	var threads uint8
	var saltEncoded, hashEncoded string

	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" || parts[2] != "v=19" {
		return false, fmt.Errorf("invalid hash format")
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, fmt.Errorf("invalid hash format: %w", err)
	}
	saltEncoded, hashEncoded = parts[4], parts[5]

	salt, err := base64.RawStdEncoding.DecodeString(saltEncoded)
	if err != nil {
		return false, fmt.Errorf("failed to decode salt: %w", err)
	}

	expectedHash, err := base64.RawStdEncoding.DecodeString(hashEncoded)
	if err != nil {
		return false, fmt.Errorf("failed to decode hash: %w", err)
	}

	actualHash := argon2.IDKey(
		[]byte(password),
		salt,
		time,
		memory,
		threads,
		uint32(len(expectedHash)),
	)

	if len(actualHash) != len(expectedHash) {
		return false, nil
	}

	var diff byte
	for i := range actualHash {
		diff |= actualHash[i] ^ expectedHash[i]
	}

	return diff == 0, nil
}

// DeriveKey derives a 32-byte symmetric key from passphrase and salt using
// the same Argon2id parameters as HashPassword. Unlike HashPassword the
// result is raw key material, not a storable encoded hash; the caller owns
// persisting salt alongside whatever it encrypts with the derived key.
func (cm *CryptoManager) DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, cm.argon2Time, cm.argon2Memory, cm.argon2Threads, cm.argon2KeyLen)
}

// Encrypt seals plaintext with ChaCha20-Poly1305 under key, prepending the
// random nonce to the returned ciphertext.
func (cm *CryptoManager) Encrypt(plaintext []byte, key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes")
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ciphertext...), nil
}

// Decrypt reverses Encrypt.
func (cm *CryptoManager) Decrypt(encrypted []byte, key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes")
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(encrypted) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce := encrypted[:aead.NonceSize()]
	ciphertext := encrypted[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

// EncryptAES seals plaintext with AES-256-GCM under key, prepending the
// random nonce to the returned ciphertext.
func (cm *CryptoManager) EncryptAES(plaintext []byte, key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes for AES-256")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ciphertext...), nil
}

// DecryptAES reverses EncryptAES.
func (cm *CryptoManager) DecryptAES(encrypted []byte, key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes for AES-256")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(encrypted) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce := encrypted[:aead.NonceSize()]
	ciphertext := encrypted[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

// GenerateKey returns size cryptographically random bytes, for symmetric
// keys that do not come from DeriveKey.
func GenerateKey(size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// GenerateToken returns a URL-safe base64 encoding of size random bytes.
func GenerateToken(size int) (string, error) {
	bytes := make([]byte, size)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// Hash returns the SHA-256 digest of input.
func Hash(input []byte) []byte {
	hash := sha256.Sum256(input)
	return hash[:]
}

// HashString returns the hex-encoded SHA-256 digest of input.
func HashString(input string) string {
	hash := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// SecureRandom returns n cryptographically random bytes, for nonces and
// salts outside the AEAD helpers above.
func SecureRandom(n int) ([]byte, error) {
	bytes := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return bytes, nil
}
