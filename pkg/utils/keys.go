package utils

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key derivation purposes. Changing one invalidates everything hashed under it.
const (
	PurposeBackupCodes = "patient-portal/backup-code-hash/v1"
	PurposeAttempts    = "patient-portal/attempt-hash/v1"
)

// DeriveKey expands master into a size-byte subkey bound to purpose.
func DeriveKey(master []byte, purpose string, size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(purpose)), out); err != nil {
		return nil, err
	}
	return out, nil
}
