package utils

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestSecretBoxRoundTrip(t *testing.T) {
	box, err := NewSecretBox(testKey())
	require.NoError(t, err)

	sealed, err := box.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "JBSWY3DPEHPK3PXP")

	again, err := box.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per call")

	plain, err := box.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", plain)
}

func TestSecretBoxEmptyAndTampered(t *testing.T) {
	box, err := NewSecretBox(testKey())
	require.NoError(t, err)

	empty, err := box.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, empty)
	plain, err := box.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, plain)

	_, err = box.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrCiphertextTooShort)

	sealed, err := box.Encrypt("secret")
	require.NoError(t, err)
	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	_, err = box.Decrypt(base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)
}

func TestDecodeKey(t *testing.T) {
	key, err := DecodeKey(base64.StdEncoding.EncodeToString(testKey()))
	require.NoError(t, err)
	assert.Equal(t, testKey(), key)

	_, err = DecodeKey("")
	assert.Error(t, err)
	_, err = DecodeKey("not base64!")
	assert.Error(t, err)
	_, err = DecodeKey(base64.StdEncoding.EncodeToString([]byte("too short")))
	assert.Error(t, err)

	_, err = NewSecretBox([]byte("short"))
	assert.Error(t, err)
}

func TestDeriveKey(t *testing.T) {
	a, err := DeriveKey(testKey(), PurposeBackupCodes, 32)
	require.NoError(t, err)
	b, err := DeriveKey(testKey(), PurposeAttempts, 32)
	require.NoError(t, err)
	again, err := DeriveKey(testKey(), PurposeBackupCodes, 32)
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, again)
}
