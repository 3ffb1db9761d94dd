package models

import "time"

type AttemptType string

const (
	AttemptTypeTOTP       AttemptType = "totp"
	AttemptTypeBackupCode AttemptType = "backup_code"
)

// TwoFactorAttempt is an append-only record of a submitted code.
// CodeHash is a keyed hash; the raw code is never persisted.
type TwoFactorAttempt struct {
	ID          string      `json:"id" db:"id"`
	UserID      string      `json:"user_id" db:"user_id"`
	AttemptType AttemptType `json:"attempt_type" db:"attempt_type"`
	CodeHash    string      `json:"-" db:"code_hash"`
	Success     bool        `json:"success" db:"success"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at" db:"expires_at"`
}
