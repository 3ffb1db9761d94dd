package utils

import (
	"regexp"
	"strings"
)

const (
	MinUsernameLength = 3
	MaxUsernameLength = 20
	maxCodeLength     = 32
)

var (
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_]*$`)
	codeRegex     = regexp.MustCompile(`^[A-Za-z0-9\s]+$`)
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ValidateUsername: 3-20 characters, letters, numbers, underscores, not starting with underscore.
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if len(username) < MinUsernameLength {
		return &ValidationError{Field: "username", Message: "Username must be at least 3 characters"}
	}
	if len(username) > MaxUsernameLength {
		return &ValidationError{Field: "username", Message: "Username must be at most 20 characters"}
	}
	if !usernameRegex.MatchString(username) {
		return &ValidationError{Field: "username", Message: "Username can only contain letters, numbers, and underscores"}
	}
	return nil
}

// NormalizeUsername converts username to lowercase for lookup
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// ValidateVerificationCode accepts TOTP and backup codes, optionally spaced.
func ValidateVerificationCode(code string) error {
	if strings.TrimSpace(code) == "" {
		return &ValidationError{Field: "code", Message: "Verification code is required"}
	}
	if len(code) > maxCodeLength || !codeRegex.MatchString(code) {
		return &ValidationError{Field: "code", Message: "Verification code format is invalid"}
	}
	return nil
}
