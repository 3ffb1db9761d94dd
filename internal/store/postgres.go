package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/AnshRaj112/patient-portal-backend/internal/models"
)

// PostgresStore implements ProfileStore, AttemptStore and AdminStore on the
// shared PostgreSQL pool.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type profileRow struct {
	ID               string         `db:"id"`
	Email            sql.NullString `db:"email"`
	TOTPSecret       sql.NullString `db:"totp_secret"`
	TwoFactorEnabled bool           `db:"two_factor_enabled"`
	BackupCodes      pq.StringArray `db:"backup_codes"`
	FailedAttempts   int            `db:"failed_2fa_attempts"`
	LockedUntil      sql.NullTime   `db:"locked_until"`
	LastVerification sql.NullTime   `db:"last_2fa_verification"`
}

func (r profileRow) toModel() *models.AccountSecurity {
	a := &models.AccountSecurity{
		UserID:           r.ID,
		Email:            r.Email.String,
		TOTPSecret:       r.TOTPSecret.String,
		TwoFactorEnabled: r.TwoFactorEnabled,
		FailedAttempts:   r.FailedAttempts,
	}
	if r.BackupCodes != nil {
		a.BackupCodes = []string(r.BackupCodes)
	}
	if r.LockedUntil.Valid {
		t := r.LockedUntil.Time.UTC()
		a.LockedUntil = &t
	}
	if r.LastVerification.Valid {
		t := r.LastVerification.Time.UTC()
		a.LastVerification = &t
	}
	return a
}

const selectProfile = `SELECT id, email, totp_secret, two_factor_enabled, backup_codes,
	failed_2fa_attempts, locked_until, last_2fa_verification
	FROM profiles WHERE id = $1`

func (s *PostgresStore) GetSecurity(ctx context.Context, userID string) (*models.AccountSecurity, error) {
	var row profileRow
	if err := s.db.GetContext(ctx, &row, selectProfile, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile security: %w", err)
	}
	return row.toModel(), nil
}

// securityAssignments renders the SET clause for update, numbering
// placeholders from 1. The user id takes the next placeholder.
func securityAssignments(u SecurityUpdate) (string, []any) {
	var cols []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		cols = append(cols, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.TOTPSecret.Set {
		add("totp_secret", nullString(u.TOTPSecret.Value))
	}
	if u.TwoFactorEnabled.Set {
		add("two_factor_enabled", u.TwoFactorEnabled.Value)
	}
	if u.BackupCodes.Set {
		add("backup_codes", pq.Array(u.BackupCodes.Value))
	}
	if u.FailedAttempts.Set {
		add("failed_2fa_attempts", u.FailedAttempts.Value)
	}
	if u.LockedUntil.Set {
		add("locked_until", u.LockedUntil.Value)
	}
	if u.LastVerification.Set {
		add("last_2fa_verification", u.LastVerification.Value)
	}
	return strings.Join(cols, ", "), args
}

func (s *PostgresStore) UpdateSecurity(ctx context.Context, userID string, update SecurityUpdate) error {
	if update.IsEmpty() {
		_, err := s.GetSecurity(ctx, userID)
		return err
	}
	set, args := securityAssignments(update)
	args = append(args, userID)
	query := fmt.Sprintf("UPDATE profiles SET %s WHERE id = $%d", set, len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update profile security: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) IncrementFailedAttempts(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowxContext(ctx,
		`UPDATE profiles SET failed_2fa_attempts = failed_2fa_attempts + 1
		 WHERE id = $1 RETURNING failed_2fa_attempts`, userID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment failed attempts: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ReplaceBackupCodes(ctx context.Context, userID string, expected, next []string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET backup_codes = $1
		 WHERE id = $2 AND COALESCE(backup_codes, '{}') = COALESCE($3::text[], '{}')`,
		pq.Array(next), userID, pq.Array(expected))
	if err != nil {
		return fmt.Errorf("replace backup codes: %w", err)
	}
	if err := requireRow(res); err == nil {
		return nil
	}
	// Distinguish a lost race from a missing profile.
	if _, err := s.GetSecurity(ctx, userID); err != nil {
		return err
	}
	return ErrConflict
}

func (s *PostgresStore) Record(ctx context.Context, a *models.TwoFactorAttempt) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO two_factor_attempts (id, user_id, attempt_type, code_hash, success, created_at, expires_at)
		 VALUES (:id, :user_id, :attempt_type, :code_hash, :success, :created_at, :expires_at)`, a)
	if err != nil {
		return fmt.Errorf("record 2fa attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountSince(ctx context.Context, userID string, attemptType models.AttemptType, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM two_factor_attempts
		 WHERE user_id = $1 AND attempt_type = $2 AND created_at >= $3`,
		userID, string(attemptType), since)
	if err != nil {
		return 0, fmt.Errorf("count 2fa attempts: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) OldestSince(ctx context.Context, userID string, attemptType models.AttemptType, since time.Time) (time.Time, error) {
	var oldest sql.NullTime
	err := s.db.GetContext(ctx, &oldest,
		`SELECT MIN(created_at) FROM two_factor_attempts
		 WHERE user_id = $1 AND attempt_type = $2 AND created_at >= $3`,
		userID, string(attemptType), since)
	if err != nil {
		return time.Time{}, fmt.Errorf("oldest 2fa attempt: %w", err)
	}
	if !oldest.Valid {
		return time.Time{}, ErrNotFound
	}
	return oldest.Time, nil
}

func (s *PostgresStore) GetAdminByUsername(ctx context.Context, username string) (*models.Admin, error) {
	var a models.Admin
	err := s.db.GetContext(ctx, &a,
		`SELECT id, username, email, password_hash, is_active, created_at, last_login
		 FROM admins WHERE LOWER(username) = LOWER($1)`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get admin: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) TouchLastLogin(ctx context.Context, adminID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE admins SET last_login = $1 WHERE id = $2`, at, adminID)
	if err != nil {
		return fmt.Errorf("touch admin last login: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
