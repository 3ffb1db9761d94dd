// Package store defines persistence contracts for the 2FA and audit core and
// their Postgres, MongoDB, Supabase and in-memory implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/AnshRaj112/patient-portal-backend/internal/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means a conditional update lost a race; re-read and retry.
	ErrConflict = errors.New("store: concurrent modification")
)

// Field is an optional value in a partial update.
type Field[T any] struct {
	Set   bool
	Value T
}

// Value marks v for writing.
func Value[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: v}
}

// SecurityUpdate is a partial update of the 2FA fields on a profile.
type SecurityUpdate struct {
	TOTPSecret       Field[string]
	TwoFactorEnabled Field[bool]
	BackupCodes      Field[[]string]
	FailedAttempts   Field[int]
	LockedUntil      Field[*time.Time]
	LastVerification Field[*time.Time]
}

func (u SecurityUpdate) IsEmpty() bool {
	return !u.TOTPSecret.Set && !u.TwoFactorEnabled.Set && !u.BackupCodes.Set &&
		!u.FailedAttempts.Set && !u.LockedUntil.Set && !u.LastVerification.Set
}

// Apply writes the set fields onto a.
func (u SecurityUpdate) Apply(a *models.AccountSecurity) {
	if u.TOTPSecret.Set {
		a.TOTPSecret = u.TOTPSecret.Value
	}
	if u.TwoFactorEnabled.Set {
		a.TwoFactorEnabled = u.TwoFactorEnabled.Value
	}
	if u.BackupCodes.Set {
		a.BackupCodes = cloneStrings(u.BackupCodes.Value)
	}
	if u.FailedAttempts.Set {
		a.FailedAttempts = u.FailedAttempts.Value
	}
	if u.LockedUntil.Set {
		a.LockedUntil = cloneTime(u.LockedUntil.Value)
	}
	if u.LastVerification.Set {
		a.LastVerification = cloneTime(u.LastVerification.Value)
	}
}

type ProfileStore interface {
	GetSecurity(ctx context.Context, userID string) (*models.AccountSecurity, error)
	UpdateSecurity(ctx context.Context, userID string, update SecurityUpdate) error
	// IncrementFailedAttempts adds one to the failure counter and returns the new value.
	IncrementFailedAttempts(ctx context.Context, userID string) (int, error)
	// ReplaceBackupCodes swaps the code list only if it still equals expected,
	// returning ErrConflict otherwise.
	ReplaceBackupCodes(ctx context.Context, userID string, expected, next []string) error
}

type AttemptStore interface {
	Record(ctx context.Context, attempt *models.TwoFactorAttempt) error
	CountSince(ctx context.Context, userID string, attemptType models.AttemptType, since time.Time) (int, error)
	// OldestSince returns the creation time of the earliest matching attempt
	// at or after since, or ErrNotFound when there is none.
	OldestSince(ctx context.Context, userID string, attemptType models.AttemptType, since time.Time) (time.Time, error)
}

// AuditQuery selects events with From <= timestamp <= To that match Filters,
// oldest first. Limit <= 0 means no limit.
type AuditQuery struct {
	From    time.Time
	To      time.Time
	Filters models.ReportFilters
	Limit   int
}

type AuditStore interface {
	Insert(ctx context.Context, event *models.AuditEvent) error
	Get(ctx context.Context, id string) (*models.AuditEvent, error)
	Query(ctx context.Context, q AuditQuery) ([]models.AuditEvent, error)
}

type AlertStore interface {
	Insert(ctx context.Context, alert *models.SecurityAlert) error
	// Recent returns the newest alerts first.
	Recent(ctx context.Context, limit int) ([]models.SecurityAlert, error)
}

type AdminStore interface {
	GetAdminByUsername(ctx context.Context, username string) (*models.Admin, error)
	TouchLastLogin(ctx context.Context, adminID string, at time.Time) error
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
