package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"unicode"
)

const (
	// BackupCodeLength is the length of a hex-encoded backup code.
	BackupCodeLength = 8
	backupCodeBytes  = BackupCodeLength / 2
)

// GenerateBackupCodes returns n codes of 4 random bytes, hex-encoded and upper-cased.
func GenerateBackupCodes(r io.Reader, n int) ([]string, error) {
	codes := make([]string, 0, n)
	buf := make([]byte, backupCodeBytes)
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes = append(codes, strings.ToUpper(hex.EncodeToString(buf)))
	}
	return codes, nil
}

// NormalizeCode strips all whitespace and upper-cases.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, code))
}

// IsBackupCodeFormat reports whether code, once normalized, looks like a backup code.
func IsBackupCodeFormat(code string) bool {
	code = NormalizeCode(code)
	if len(code) != BackupCodeLength {
		return false
	}
	for _, c := range code {
		if !strings.ContainsRune("0123456789ABCDEF", c) {
			return false
		}
	}
	return true
}

// MaskCode keeps the first two characters, e.g. "AB******".
func MaskCode(code string) string {
	code = NormalizeCode(code)
	if len(code) <= 2 {
		return "******"
	}
	return code[:2] + "******"
}

// CodeHasher produces keyed one-way hashes of normalized codes.
type CodeHasher struct {
	key []byte
}

func NewCodeHasher(key []byte) *CodeHasher {
	return &CodeHasher{key: key}
}

func (h *CodeHasher) Hash(code string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(NormalizeCode(code)))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashAll hashes each code in order.
func (h *CodeHasher) HashAll(codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = h.Hash(c)
	}
	return out
}

// Find returns the index of code's hash in hashes, or -1. Every entry is compared.
func (h *CodeHasher) Find(hashes []string, code string) int {
	want := []byte(h.Hash(code))
	idx := -1
	for i, stored := range hashes {
		if hmac.Equal(want, []byte(stored)) && idx < 0 {
			idx = i
		}
	}
	return idx
}
