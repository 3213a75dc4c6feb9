package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flora-session/internal/common/errors"
)

func TestNewEncryptor_EmptyKey(t *testing.T) {
	enc, err := NewEncryptor("")
	assert.Nil(t, enc)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
}

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor("device-bound-passphrase")
	require.NoError(t, err)

	sealed, err := enc.Encrypt("eyJhbGciOiJIUzI1NiJ9.payload.sig")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "payload")

	opened, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "eyJhbGciOiJIUzI1NiJ9.payload.sig", opened)
}

func TestEncryptor_NonceIsFresh(t *testing.T) {
	enc, err := NewEncryptor("k")
	require.NoError(t, err)

	a, err := enc.Encrypt("same")
	require.NoError(t, err)
	b, err := enc.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptor_EmptyValues(t *testing.T) {
	enc, err := NewEncryptor("k")
	require.NoError(t, err)

	sealed, err := enc.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	opened, err := enc.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, opened)
}

func TestEncryptor_RejectsBadInput(t *testing.T) {
	enc, err := NewEncryptor("k")
	require.NoError(t, err)
	other, err := NewEncryptor("other")
	require.NoError(t, err)

	_, err = enc.Decrypt("%%%not-base64")
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))

	_, err = enc.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))

	sealed, err := enc.Encrypt("refresh-token")
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	assert.True(t, errors.IsType(err, errors.ErrTypeInternal))
}
