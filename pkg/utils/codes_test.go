package utils

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateBackupCodes(t *testing.T) {
	codes, err := GenerateBackupCodes(rand.Reader, 8)
	require.NoError(t, err)
	require.Len(t, codes, 8)
	for _, c := range codes {
		assert.Len(t, c, BackupCodeLength)
		assert.True(t, IsBackupCodeFormat(c), c)
		assert.Equal(t, NormalizeCode(c), c)
	}
}

func TestGenerateBackupCodesDeterministicReader(t *testing.T) {
	r := bytes.NewReader([]byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04})
	codes, err := GenerateBackupCodes(r, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"DEADBEEF", "01020304"}, codes)

	_, err = GenerateBackupCodes(bytes.NewReader(nil), 1)
	assert.Error(t, err)
}

func TestNormalizeAndFormat(t *testing.T) {
	assert.Equal(t, "ABCD1234", NormalizeCode(" abcd 1234\n"))
	assert.True(t, IsBackupCodeFormat("dead beef"))
	assert.False(t, IsBackupCodeFormat("123456"))
	assert.False(t, IsBackupCodeFormat("GHIJKLMN"))
	assert.False(t, IsBackupCodeFormat("DEADBEEF0"))
}

func TestMaskCode(t *testing.T) {
	assert.Equal(t, "AB******", MaskCode("ab12cd34"))
	assert.Equal(t, "******", MaskCode("a"))
}

func TestCodeHasher(t *testing.T) {
	h := NewCodeHasher([]byte("k1"))
	other := NewCodeHasher([]byte("k2"))

	assert.Equal(t, h.Hash("deadbeef"), h.Hash(" DEAD BEEF "))
	assert.NotEqual(t, h.Hash("DEADBEEF"), other.Hash("DEADBEEF"))
	assert.NotContains(t, h.Hash("DEADBEEF"), "DEADBEEF")

	hashes := h.HashAll([]string{"AAAA0000", "BBBB1111", "CCCC2222"})
	assert.Equal(t, 1, h.Find(hashes, "bbbb1111"))
	assert.Equal(t, -1, h.Find(hashes, "DDDD3333"))
	assert.Equal(t, -1, other.Find(hashes, "AAAA0000"))
}
