package models

import "time"

// AccountSecurity is the 2FA subset of a patient profile.
type AccountSecurity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"` // read-only, owned by the profile

	// TOTPSecret holds the encrypted shared secret; empty means none.
	TOTPSecret       string `json:"-"`
	TwoFactorEnabled bool   `json:"two_factor_enabled"`
	// BackupCodes holds hashes of unused codes, never the raw values.
	BackupCodes      []string   `json:"-"`
	FailedAttempts   int        `json:"failed_2fa_attempts"`
	LockedUntil      *time.Time `json:"locked_until,omitempty"`
	LastVerification *time.Time `json:"last_2fa_verification,omitempty"`
}

// IsLocked reports whether a lock is set and still in the future at now.
func (a *AccountSecurity) IsLocked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// HasSecret reports whether setup has stored a secret.
func (a *AccountSecurity) HasSecret() bool {
	return a.TOTPSecret != ""
}

// TwoFactorSetup is returned once by setup; the raw codes are never shown again.
type TwoFactorSetup struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
}

type TwoFactorStatus struct {
	Enabled              bool       `json:"enabled"`
	SetupPending         bool       `json:"setup_pending"`
	BackupCodesRemaining int        `json:"backup_codes_remaining"`
	LockedUntil          *time.Time `json:"locked_until,omitempty"`
	LastVerification     *time.Time `json:"last_verification,omitempty"`
}

// Admin is an audit console operator.
type Admin struct {
	ID           string     `json:"id" db:"id"`
	Username     string     `json:"username" db:"username"`
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty" db:"last_login"`
}
