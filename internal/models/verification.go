package models

import "time"

type VerificationMethod string

const (
	MethodTOTP       VerificationMethod = "totp"
	MethodBackupCode VerificationMethod = "backup_code"
)

// VerificationResult is one of Verified, InvalidCode, AccountLocked or RateLimited.
type VerificationResult interface {
	isVerificationResult()
}

// Verified is a successful check. RemainingBackupCodes is set only when a
// backup code was consumed.
type Verified struct {
	Method               VerificationMethod
	RemainingBackupCodes *int
}

// InvalidCode is a wrong code the caller may retry.
type InvalidCode struct {
	RemainingAttempts int
}

// AccountLocked rejects every attempt until LockedUntil.
type AccountLocked struct {
	LockedUntil time.Time
}

// RateLimited rejects the attempt without checking the code.
type RateLimited struct {
	RetryAfter time.Duration
}

func (Verified) isVerificationResult()      {}
func (InvalidCode) isVerificationResult()   {}
func (AccountLocked) isVerificationResult() {}
func (RateLimited) isVerificationResult()   {}
