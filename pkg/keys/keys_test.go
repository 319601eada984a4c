package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigningKeyPairSignVerify(t *testing.T) {
	priv, pub, err := NewSigningKeyPair()
	require.NoError(t, err)
	assert.Equal(t, pub, priv.Public())

	msg := []byte("signature_key || encryption_key")
	sig := priv.Sign(msg)
	assert.True(t, pub.Verify(sig, msg))
}

func TestSigningPrivateKeyBytesRoundTrip(t *testing.T) {
	priv, pub, err := NewSigningKeyPair()
	require.NoError(t, err)

	restored := SigningPrivateKeyFromBytes(priv.Bytes())
	assert.Equal(t, pub, restored.Public())
}

func TestAgreementKeyPairEncryptDecrypt(t *testing.T) {
	priv, pub, err := NewAgreementKeyPair()
	require.NoError(t, err)

	derivedPub, err := priv.Public()
	require.NoError(t, err)
	assert.Equal(t, pub, derivedPub)

	blob, err := pub.EncryptTo([]byte("hello"))
	require.NoError(t, err)

	plaintext, err := priv.DecryptFrom(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)
}

func TestPublicKeysAreMapKeys(t *testing.T) {
	_, pub1, err := NewSigningKeyPair()
	require.NoError(t, err)
	_, pub2, err := NewSigningKeyPair()
	require.NoError(t, err)

	m := map[SigningPublicKey]string{
		pub1: "alice",
		pub2: "bob",
	}
	assert.Equal(t, "alice", m[pub1])
	assert.Equal(t, "bob", m[pub2])
}

func TestFromBytesRejectsWrongSize(t *testing.T) {
	_, ok := SigningPublicKeyFromBytes([]byte{1, 2, 3})
	assert.False(t, ok)

	_, ok = AgreementPublicKeyFromBytes(make([]byte, 32))
	assert.True(t, ok)
}
