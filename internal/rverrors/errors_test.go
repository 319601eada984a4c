package rverrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "invalid_signature", KindInvalidSignature.String())
	assert.Equal(t, "kind(999)", Kind(999).String())
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("gcm tag mismatch")
	err := Wrap(KindInvalidFile, "open file", cause)
	assert.Equal(t, KindInvalidFile, err.Kind())
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "gcm tag mismatch")
}

func TestKindOf(t *testing.T) {
	err := New(KindRequestOutdated, "stale user info")
	assert.Equal(t, KindRequestOutdated, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestErrorsIsByKind(t *testing.T) {
	a := New(KindInvalidSignature, "first verify failed")
	b := New(KindInvalidSignature, "second verify failed")
	c := New(KindUnknown, "other")
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestStatusKindRoundTrip(t *testing.T) {
	cases := []int{400, 401, 406, 409, 410, 412, 500}
	for _, status := range cases {
		k := StatusToKind(status)
		assert.Equal(t, status, KindToStatus(k))
	}
}
