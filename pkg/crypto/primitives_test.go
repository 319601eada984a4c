package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAgreementKeyPair(t *testing.T) {
	priv1, pub1, err := GenerateAgreementKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, [KeySize]byte{}, pub1)

	priv2, pub2, err := GenerateAgreementKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, pub1, pub2)
	assert.NotEqual(t, priv1, priv2)
}

func TestEncryptToDecryptFromRoundTrip(t *testing.T) {
	priv, pub, err := GenerateAgreementKeyPair()
	require.NoError(t, err)

	plaintext := []byte("topic signing key material, 64 bytes of it......................")
	blob, err := EncryptTo(pub, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, blob)

	got, err := DecryptFrom(priv, blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptFromInvalidKeySize(t *testing.T) {
	priv, _, err := GenerateAgreementKeyPair()
	require.NoError(t, err)
	_, err = DecryptFrom(priv, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestDecryptFromWrongKeyFails(t *testing.T) {
	_, pub, err := GenerateAgreementKeyPair()
	require.NoError(t, err)
	otherPriv, _, err := GenerateAgreementKeyPair()
	require.NoError(t, err)

	blob, err := EncryptTo(pub, []byte("secret"))
	require.NoError(t, err)

	_, err = DecryptFrom(otherPriv, blob)
	assert.ErrorIs(t, err, ErrCryptoFailure)
}

func TestSignVerify(t *testing.T) {
	priv, pub, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	msg := []byte("signature_key || encryption_key")
	sig := Sign(priv, msg)
	assert.True(t, Verify(pub, sig, msg))
	assert.False(t, Verify(pub, sig, []byte("tampered")))

	otherPriv, _, err := GenerateSigningKeyPair()
	require.NoError(t, err)
	otherSig := Sign(otherPriv, msg)
	assert.False(t, Verify(pub, otherSig, msg))
}

func TestSigningPublicFromPrivate(t *testing.T) {
	priv, pub, err := GenerateSigningKeyPair()
	require.NoError(t, err)
	assert.Equal(t, pub, SigningPublicFromPrivate(priv))
}

func TestSealOpenGCM(t *testing.T) {
	key, err := Random(MessageKeySize)
	require.NoError(t, err)

	plaintext := []byte("file contents go here")
	nonce, err := Random(12)
	require.NoError(t, err)

	sealed, err := SealGCM(key, plaintext, nonce)
	require.NoError(t, err)
	assert.Equal(t, nonce, sealed.Nonce)

	opened, err := OpenGCM(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealGCMTamperedTagFails(t *testing.T) {
	key, err := Random(MessageKeySize)
	require.NoError(t, err)
	sealed, err := SealGCM(key, []byte("data"), nil)
	require.NoError(t, err)

	sealed.Tag[0] ^= 0xFF
	_, err = OpenGCM(key, sealed)
	assert.ErrorIs(t, err, ErrCryptoFailure)
}

func TestSealOpenGCMCombined(t *testing.T) {
	key, err := Random(MessageKeySize)
	require.NoError(t, err)

	plaintext := []byte("metadata payload, at most one hundred bytes")
	combined, err := SealGCMCombined(key, plaintext)
	require.NoError(t, err)

	opened, err := OpenGCMCombined(key, combined)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenGCMCombinedTooShort(t *testing.T) {
	key, err := Random(MessageKeySize)
	require.NoError(t, err)
	_, err = OpenGCMCombined(key, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestSHA256Deterministic(t *testing.T) {
	a := SHA256([]byte("topic_id"))
	b := SHA256([]byte("topic_id"))
	assert.Equal(t, a, b)

	c := SHA256([]byte("different"))
	assert.NotEqual(t, a, c)
}

func TestRandomVaries(t *testing.T) {
	a, err := Random(12)
	require.NoError(t, err)
	b, err := Random(12)
	require.NoError(t, err)
	assert.Len(t, a, 12)
	assert.NotEqual(t, a, b)
}
