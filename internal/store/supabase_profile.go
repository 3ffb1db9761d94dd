package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	postgrest "github.com/supabase-community/postgrest-go"
	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/internal/models"
)

const supabaseProfilesTable = "profiles"

const supabaseProfileSelect = "id,email,totp_secret,two_factor_enabled,backup_codes,failed_2fa_attempts,locked_until,last_2fa_verification"

// incrementRetries bounds the read-then-conditional-patch loop used where
// PostgREST offers no atomic increment.
const incrementRetries = 5

// SupabaseProfileStore implements ProfileStore against the Supabase REST
// (PostgREST) endpoint for the profiles table.
type SupabaseProfileStore struct {
	client *postgrest.Client
	logger *zap.Logger
}

func NewSupabaseProfileStore(baseURL, apiKey string, logger *zap.Logger) *SupabaseProfileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := postgrest.NewClient(strings.TrimRight(baseURL, "/")+"/rest/v1", "", map[string]string{
		"apikey":        apiKey,
		"Authorization": "Bearer " + apiKey,
	})
	return &SupabaseProfileStore{client: client, logger: logger}
}

// update starts a PATCH on profiles that returns the updated rows.
func (s *SupabaseProfileStore) update(body map[string]any) *postgrest.FilterBuilder {
	return s.client.From(supabaseProfilesTable).Update(body, "representation", "")
}

type supabaseProfile struct {
	ID               string     `json:"id"`
	Email            *string    `json:"email"`
	TOTPSecret       *string    `json:"totp_secret"`
	TwoFactorEnabled bool       `json:"two_factor_enabled"`
	BackupCodes      []string   `json:"backup_codes"`
	FailedAttempts   int        `json:"failed_2fa_attempts"`
	LockedUntil      *time.Time `json:"locked_until"`
	LastVerification *time.Time `json:"last_2fa_verification"`
}

func (p supabaseProfile) toModel() *models.AccountSecurity {
	a := &models.AccountSecurity{
		UserID:           p.ID,
		TwoFactorEnabled: p.TwoFactorEnabled,
		BackupCodes:      p.BackupCodes,
		FailedAttempts:   p.FailedAttempts,
	}
	if p.Email != nil {
		a.Email = *p.Email
	}
	if p.TOTPSecret != nil {
		a.TOTPSecret = *p.TOTPSecret
	}
	if p.LockedUntil != nil {
		t := p.LockedUntil.UTC()
		a.LockedUntil = &t
	}
	if p.LastVerification != nil {
		t := p.LastVerification.UTC()
		a.LastVerification = &t
	}
	return a
}

// run executes one built query and decodes the returned rows. The client has
// no context support, so a cancelled ctx is only honoured before the call.
func (s *SupabaseProfileStore) run(ctx context.Context, op string, q *postgrest.FilterBuilder) ([]supabaseProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []supabaseProfile
	start := time.Now()
	if _, err := q.ExecuteTo(&rows); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Error("supabase request failed",
			zap.String("op", op),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, fmt.Errorf("supabase %s profiles: %w", op, err)
	}
	return rows, nil
}

func (s *SupabaseProfileStore) GetSecurity(ctx context.Context, userID string) (*models.AccountSecurity, error) {
	rows, err := s.run(ctx, "select",
		s.client.From(supabaseProfilesTable).Select(supabaseProfileSelect, "", false).Eq("id", userID))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].toModel(), nil
}

// patchBody maps the set fields of u to profile columns.
func patchBody(u SecurityUpdate) map[string]any {
	body := make(map[string]any)
	if u.TOTPSecret.Set {
		if u.TOTPSecret.Value == "" {
			body["totp_secret"] = nil
		} else {
			body["totp_secret"] = u.TOTPSecret.Value
		}
	}
	if u.TwoFactorEnabled.Set {
		body["two_factor_enabled"] = u.TwoFactorEnabled.Value
	}
	if u.BackupCodes.Set {
		if u.BackupCodes.Value == nil {
			body["backup_codes"] = nil
		} else {
			body["backup_codes"] = u.BackupCodes.Value
		}
	}
	if u.FailedAttempts.Set {
		body["failed_2fa_attempts"] = u.FailedAttempts.Value
	}
	if u.LockedUntil.Set {
		body["locked_until"] = u.LockedUntil.Value
	}
	if u.LastVerification.Set {
		body["last_2fa_verification"] = u.LastVerification.Value
	}
	return body
}

func (s *SupabaseProfileStore) UpdateSecurity(ctx context.Context, userID string, update SecurityUpdate) error {
	if update.IsEmpty() {
		_, err := s.GetSecurity(ctx, userID)
		return err
	}
	rows, err := s.run(ctx, "update", s.update(patchBody(update)).Eq("id", userID))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementFailedAttempts reads the counter and patches it conditionally on
// the value read, retrying when another writer got there first.
func (s *SupabaseProfileStore) IncrementFailedAttempts(ctx context.Context, userID string) (int, error) {
	for i := 0; i < incrementRetries; i++ {
		current, err := s.GetSecurity(ctx, userID)
		if err != nil {
			return 0, err
		}
		next := current.FailedAttempts + 1
		rows, err := s.run(ctx, "increment", s.update(map[string]any{"failed_2fa_attempts": next}).
			Eq("id", userID).
			Eq("failed_2fa_attempts", strconv.Itoa(current.FailedAttempts)))
		if err != nil {
			return 0, err
		}
		if len(rows) > 0 {
			return rows[0].FailedAttempts, nil
		}
	}
	return 0, ErrConflict
}

// arrayLiteral renders codes as a PostgreSQL array literal. Stored codes are
// hex digests so no quoting is required.
func arrayLiteral(codes []string) string {
	return "{" + strings.Join(codes, ",") + "}"
}

func (s *SupabaseProfileStore) ReplaceBackupCodes(ctx context.Context, userID string, expected, next []string) error {
	var value any = next
	if next == nil {
		value = nil
	}
	q := s.update(map[string]any{"backup_codes": value}).Eq("id", userID)
	if len(expected) == 0 {
		q = q.Or("backup_codes.is.null,backup_codes.eq.{}", "")
	} else {
		q = q.Eq("backup_codes", arrayLiteral(expected))
	}
	rows, err := s.run(ctx, "replace backup codes", q)
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		return nil
	}
	if _, err := s.GetSecurity(ctx, userID); err != nil {
		return err
	}
	return ErrConflict
}
