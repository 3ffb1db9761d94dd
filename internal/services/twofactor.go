package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/internal/metrics"
	"github.com/AnshRaj112/patient-portal-backend/internal/models"
	"github.com/AnshRaj112/patient-portal-backend/internal/store"
	"github.com/AnshRaj112/patient-portal-backend/pkg/utils"
)

var (
	ErrProfileNotFound     = errors.New("user profile not found")
	ErrSetupNotFound       = errors.New("two-factor setup not found; start setup first")
	ErrTwoFactorNotEnabled = errors.New("two-factor authentication is not enabled for this account")
	ErrAlreadyEnabled      = errors.New("two-factor authentication is already enabled; disable it before setting up again")
)

const (
	resourceTwoFactor = "two_factor_auth"
	totpSecretBytes   = 20
	backupCASRetries  = 3
)

// AuditRecorder is the part of the audit logger the 2FA service needs.
type AuditRecorder interface {
	LogEvent(ctx context.Context, event *models.AuditEvent) bool
}

// TwoFactorPolicy holds the tunable limits of the 2FA flow.
type TwoFactorPolicy struct {
	Issuer            string
	Period            time.Duration
	Skew              uint
	Digits            int
	BackupCodeCount   int
	MaxSetupAttempts  int
	AttemptWindow     time.Duration
	AttemptTTL        time.Duration
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

func DefaultTwoFactorPolicy() TwoFactorPolicy {
	return TwoFactorPolicy{
		Issuer:            "Patient Portal",
		Period:            30 * time.Second,
		Skew:              1,
		Digits:            6,
		BackupCodeCount:   8,
		MaxSetupAttempts:  5,
		AttemptWindow:     time.Hour,
		AttemptTTL:        5 * time.Minute,
		MaxFailedAttempts: 5,
		LockoutDuration:   30 * time.Minute,
	}
}

type TwoFactorDeps struct {
	Profiles store.ProfileStore
	Attempts store.AttemptStore
	Audit    AuditRecorder
	Secrets  *utils.SecretBox
	// BackupCodes hashes issued backup codes; AttemptCodes hashes submitted
	// codes for the attempt log. Keys must differ.
	BackupCodes  *utils.CodeHasher
	AttemptCodes *utils.CodeHasher
	Notifier     Notifier
	Logger       *zap.Logger
	Policy       TwoFactorPolicy
	Now          func() time.Time
	Rand         io.Reader
}

// TwoFactorAuthService owns the TOTP and backup code lifecycle of an account.
// It keeps no per-account state; every decision is derived from the stores.
type TwoFactorAuthService struct {
	profiles     store.ProfileStore
	attempts     store.AttemptStore
	audit        AuditRecorder
	secrets      *utils.SecretBox
	backupCodes  *utils.CodeHasher
	attemptCodes *utils.CodeHasher
	notifier     Notifier
	logger       *zap.Logger
	policy       TwoFactorPolicy
	now          func() time.Time
	rand         io.Reader
}

func NewTwoFactorAuthService(d TwoFactorDeps) (*TwoFactorAuthService, error) {
	if d.Profiles == nil || d.Attempts == nil {
		return nil, errors.New("two-factor service requires profile and attempt stores")
	}
	if d.Secrets == nil || d.BackupCodes == nil || d.AttemptCodes == nil {
		return nil, errors.New("two-factor service requires secret box and code hashers")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Audit == nil {
		d.Audit = discardRecorder{}
	}
	if d.Notifier == nil {
		d.Notifier = NewLogNotifier(d.Logger)
	}
	if d.Policy == (TwoFactorPolicy{}) {
		d.Policy = DefaultTwoFactorPolicy()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Rand == nil {
		d.Rand = rand.Reader
	}
	return &TwoFactorAuthService{
		profiles:     d.Profiles,
		attempts:     d.Attempts,
		audit:        d.Audit,
		secrets:      d.Secrets,
		backupCodes:  d.BackupCodes,
		attemptCodes: d.AttemptCodes,
		notifier:     d.Notifier,
		logger:       d.Logger,
		policy:       d.Policy,
		now:          d.Now,
		rand:         d.Rand,
	}, nil
}

// Policy returns the limits the service enforces.
func (s *TwoFactorAuthService) Policy() TwoFactorPolicy {
	return s.policy
}

// Setup issues a fresh secret and backup code batch. 2FA stays disabled
// until VerifyAndEnable confirms the authenticator.
func (s *TwoFactorAuthService) Setup(ctx context.Context, userID string) (*models.TwoFactorSetup, error) {
	acct, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acct.TwoFactorEnabled {
		return nil, ErrAlreadyEnabled
	}

	label := acct.Email
	if label == "" {
		label = userID
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.policy.Issuer,
		AccountName: label,
		Period:      uint(s.policy.Period / time.Second),
		SecretSize:  totpSecretBytes,
		Digits:      otp.Digits(s.policy.Digits),
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        s.rand,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	codes, err := utils.GenerateBackupCodes(s.rand, s.policy.BackupCodeCount)
	if err != nil {
		return nil, err
	}
	sealed, err := s.secrets.Encrypt(key.Secret())
	if err != nil {
		return nil, fmt.Errorf("encrypt totp secret: %w", err)
	}

	err = s.profiles.UpdateSecurity(ctx, userID, store.SecurityUpdate{
		TOTPSecret:       store.Value(sealed),
		TwoFactorEnabled: store.Value(false),
		BackupCodes:      store.Value(s.backupCodes.HashAll(codes)),
		FailedAttempts:   store.Value(0),
		LockedUntil:      store.Value[*time.Time](nil),
	})
	if err != nil {
		return nil, s.storeErr("save totp setup", err)
	}

	s.record(ctx, userID, models.EventAuthentication, "totp_setup_initiated", models.OutcomeSuccess, models.RiskLow, nil)
	return &models.TwoFactorSetup{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		BackupCodes:     codes,
	}, nil
}

// VerifyAndEnable confirms setup with a code from the authenticator.
func (s *TwoFactorAuthService) VerifyAndEnable(ctx context.Context, userID, token string) (models.VerificationResult, error) {
	acct, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !acct.HasSecret() {
		return nil, ErrSetupNotFound
	}

	now := s.now()
	used, err := s.attempts.CountSince(ctx, userID, models.AttemptTypeTOTP, now.Add(-s.policy.AttemptWindow))
	if err != nil {
		return nil, fmt.Errorf("count totp attempts: %w", err)
	}
	if used >= s.policy.MaxSetupAttempts {
		s.record(ctx, userID, models.EventSecurity, "totp_rate_limit_exceeded", models.OutcomeFailure, models.RiskMedium,
			map[string]any{"attempts_in_window": used, "window_seconds": int(s.policy.AttemptWindow / time.Second)})
		return s.observe("enable", models.RateLimited{RetryAfter: s.retryAfter(ctx, userID, now)}), nil
	}

	ok, err := s.checkTOTP(acct, token, now)
	if err != nil {
		return nil, err
	}
	if err := s.recordAttempt(ctx, userID, models.AttemptTypeTOTP, token, ok, now); err != nil {
		return nil, err
	}

	if ok {
		err := s.profiles.UpdateSecurity(ctx, userID, store.SecurityUpdate{
			TwoFactorEnabled: store.Value(true),
			LastVerification: store.Value(&now),
			FailedAttempts:   store.Value(0),
			LockedUntil:      store.Value[*time.Time](nil),
		})
		if err != nil {
			return nil, s.storeErr("enable two-factor", err)
		}
		s.record(ctx, userID, models.EventAuthentication, "totp_enabled", models.OutcomeSuccess, models.RiskLow, nil)
		s.notify(ctx, acct, "Two-factor authentication enabled",
			"Two-factor authentication was turned on for your patient portal account.")
		return s.observe("enable", models.Verified{Method: models.MethodTOTP}), nil
	}

	if _, err := s.profiles.IncrementFailedAttempts(ctx, userID); err != nil {
		return nil, s.storeErr("increment failed attempts", err)
	}
	s.record(ctx, userID, models.EventAuthentication, "totp_verification_failed", models.OutcomeFailure, models.RiskLow,
		map[string]any{"attempts_in_window": used + 1})
	remaining := s.policy.MaxSetupAttempts - (used + 1)
	if remaining < 0 {
		remaining = 0
	}
	return s.observe("enable", models.InvalidCode{RemainingAttempts: remaining}), nil
}

// VerifyForLogin checks the second factor during sign-in. An 8-character hex
// token is treated as a backup code.
func (s *TwoFactorAuthService) VerifyForLogin(ctx context.Context, userID, token string) (models.VerificationResult, error) {
	acct, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !acct.TwoFactorEnabled || !acct.HasSecret() {
		return nil, ErrTwoFactorNotEnabled
	}

	now := s.now()
	if res, err := s.lockGate(ctx, acct, now); res != nil || err != nil {
		return s.observeErr("login", res, err)
	}

	if utils.IsBackupCodeFormat(token) {
		res, err := s.consumeBackupCode(ctx, acct, token, now)
		return s.observeErr("login", res, err)
	}

	ok, err := s.checkTOTP(acct, token, now)
	if err != nil {
		return nil, err
	}
	if err := s.recordAttempt(ctx, userID, models.AttemptTypeTOTP, token, ok, now); err != nil {
		return nil, err
	}
	if ok {
		if err := s.resetAfterSuccess(ctx, userID, now); err != nil {
			return nil, err
		}
		s.record(ctx, userID, models.EventAuthentication, "2fa_login_success", models.OutcomeSuccess, models.RiskLow,
			map[string]any{"method": string(models.MethodTOTP)})
		return s.observe("login", models.Verified{Method: models.MethodTOTP}), nil
	}
	res, err := s.loginFailed(ctx, acct, "2fa_login_failed",
		map[string]any{"method": string(models.MethodTOTP)}, now)
	return s.observeErr("login", res, err)
}

// VerifyBackupCode consumes a backup code. It shares the login lockout state
// so it cannot be used to bypass the failure limit.
func (s *TwoFactorAuthService) VerifyBackupCode(ctx context.Context, userID, code string) (models.VerificationResult, error) {
	acct, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !acct.TwoFactorEnabled {
		return nil, ErrTwoFactorNotEnabled
	}

	now := s.now()
	if res, err := s.lockGate(ctx, acct, now); res != nil || err != nil {
		return s.observeErr("backup_code", res, err)
	}
	res, err := s.consumeBackupCode(ctx, acct, code, now)
	return s.observeErr("backup_code", res, err)
}

// Disable turns 2FA off and forgets the secret and codes. Disabling an
// account without 2FA succeeds.
func (s *TwoFactorAuthService) Disable(ctx context.Context, userID string) error {
	acct, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	err = s.profiles.UpdateSecurity(ctx, userID, store.SecurityUpdate{
		TOTPSecret:       store.Value(""),
		TwoFactorEnabled: store.Value(false),
		BackupCodes:      store.Value[[]string](nil),
		FailedAttempts:   store.Value(0),
		LockedUntil:      store.Value[*time.Time](nil),
	})
	if err != nil {
		return s.storeErr("disable two-factor", err)
	}
	s.record(ctx, userID, models.EventSecurity, "totp_disabled", models.OutcomeSuccess, models.RiskMedium,
		map[string]any{"was_enabled": acct.TwoFactorEnabled})
	if acct.TwoFactorEnabled {
		s.notify(ctx, acct, "Two-factor authentication disabled",
			"Two-factor authentication was turned off for your patient portal account.")
	}
	return nil
}

// RegenerateBackupCodes replaces every backup code with a new batch.
func (s *TwoFactorAuthService) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	acct, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !acct.HasSecret() {
		return nil, ErrSetupNotFound
	}
	codes, err := utils.GenerateBackupCodes(s.rand, s.policy.BackupCodeCount)
	if err != nil {
		return nil, err
	}
	err = s.profiles.UpdateSecurity(ctx, userID, store.SecurityUpdate{
		BackupCodes: store.Value(s.backupCodes.HashAll(codes)),
	})
	if err != nil {
		return nil, s.storeErr("save backup codes", err)
	}
	s.record(ctx, userID, models.EventSecurity, "backup_codes_regenerated", models.OutcomeSuccess, models.RiskMedium,
		map[string]any{"count": len(codes)})
	s.notify(ctx, acct, "New backup codes generated",
		"A new set of backup codes was generated. Previously issued codes no longer work.")
	return codes, nil
}

func (s *TwoFactorAuthService) Status(ctx context.Context, userID string) (*models.TwoFactorStatus, error) {
	acct, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	status := &models.TwoFactorStatus{
		Enabled:              acct.TwoFactorEnabled,
		SetupPending:         acct.HasSecret() && !acct.TwoFactorEnabled,
		BackupCodesRemaining: len(acct.BackupCodes),
		LastVerification:     acct.LastVerification,
	}
	if acct.IsLocked(s.now()) {
		status.LockedUntil = acct.LockedUntil
	}
	return status, nil
}

// lockGate enforces the lockout rules that run before any code is checked.
// A nil result means the attempt may proceed; acct is updated in place when
// an expired lock is cleared.
func (s *TwoFactorAuthService) lockGate(ctx context.Context, acct *models.AccountSecurity, now time.Time) (models.VerificationResult, error) {
	if acct.IsLocked(now) {
		s.record(ctx, acct.UserID, models.EventSecurity, "2fa_attempt_while_locked", models.OutcomeFailure, models.RiskMedium,
			map[string]any{"locked_until": formatTime(*acct.LockedUntil)})
		return models.AccountLocked{LockedUntil: *acct.LockedUntil}, nil
	}
	if acct.LockedUntil != nil {
		err := s.profiles.UpdateSecurity(ctx, acct.UserID, store.SecurityUpdate{
			FailedAttempts: store.Value(0),
			LockedUntil:    store.Value[*time.Time](nil),
		})
		if err != nil {
			return nil, s.storeErr("clear expired lock", err)
		}
		acct.FailedAttempts = 0
		acct.LockedUntil = nil
	}
	if acct.FailedAttempts >= s.policy.MaxFailedAttempts {
		return s.lock(ctx, acct, now)
	}
	return nil, nil
}

func (s *TwoFactorAuthService) lock(ctx context.Context, acct *models.AccountSecurity, now time.Time) (models.VerificationResult, error) {
	until := now.Add(s.policy.LockoutDuration)
	if err := s.profiles.UpdateSecurity(ctx, acct.UserID, store.SecurityUpdate{LockedUntil: store.Value(&until)}); err != nil {
		return nil, s.storeErr("lock account", err)
	}
	s.record(ctx, acct.UserID, models.EventSecurity, "account_locked_2fa_failures", models.OutcomeFailure, models.RiskHigh,
		map[string]any{
			"failed_attempts": acct.FailedAttempts,
			"locked_until":    formatTime(until),
		})
	s.notify(ctx, acct, "Account temporarily locked",
		fmt.Sprintf("Too many failed verification attempts. Two-factor sign-in is locked until %s.", formatTime(until)))
	return models.AccountLocked{LockedUntil: until}, nil
}

// loginFailed counts a failed login attempt and locks the account once the
// limit is reached.
func (s *TwoFactorAuthService) loginFailed(ctx context.Context, acct *models.AccountSecurity, action string, md map[string]any, now time.Time) (models.VerificationResult, error) {
	n, err := s.profiles.IncrementFailedAttempts(ctx, acct.UserID)
	if err != nil {
		return nil, s.storeErr("increment failed attempts", err)
	}
	md["failed_attempts"] = n
	s.record(ctx, acct.UserID, models.EventAuthentication, action, models.OutcomeFailure, models.RiskMedium, md)

	acct.FailedAttempts = n
	if n >= s.policy.MaxFailedAttempts {
		return s.lock(ctx, acct, now)
	}
	return models.InvalidCode{RemainingAttempts: s.policy.MaxFailedAttempts - n}, nil
}

func (s *TwoFactorAuthService) consumeBackupCode(ctx context.Context, acct *models.AccountSecurity, code string, now time.Time) (models.VerificationResult, error) {
	current := acct.BackupCodes
	for try := 0; try < backupCASRetries; try++ {
		idx := s.backupCodes.Find(current, code)
		if idx < 0 {
			break
		}
		next := make([]string, 0, len(current)-1)
		next = append(next, current[:idx]...)
		next = append(next, current[idx+1:]...)

		err := s.profiles.ReplaceBackupCodes(ctx, acct.UserID, current, next)
		if err == nil {
			if err := s.recordAttempt(ctx, acct.UserID, models.AttemptTypeBackupCode, code, true, now); err != nil {
				return nil, err
			}
			if err := s.resetAfterSuccess(ctx, acct.UserID, now); err != nil {
				return nil, err
			}
			remaining := len(next)
			s.record(ctx, acct.UserID, models.EventAuthentication, "backup_code_used", models.OutcomeSuccess, models.RiskMedium,
				map[string]any{"remaining_codes": remaining})
			return models.Verified{Method: models.MethodBackupCode, RemainingBackupCodes: &remaining}, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, s.storeErr("consume backup code", err)
		}
		fresh, err := s.load(ctx, acct.UserID)
		if err != nil {
			return nil, err
		}
		current = fresh.BackupCodes
	}

	if err := s.recordAttempt(ctx, acct.UserID, models.AttemptTypeBackupCode, code, false, now); err != nil {
		return nil, err
	}
	return s.loginFailed(ctx, acct, "backup_code_failed",
		map[string]any{"method": string(models.MethodBackupCode), "code_prefix": utils.MaskCode(code)}, now)
}

func (s *TwoFactorAuthService) resetAfterSuccess(ctx context.Context, userID string, now time.Time) error {
	err := s.profiles.UpdateSecurity(ctx, userID, store.SecurityUpdate{
		FailedAttempts:   store.Value(0),
		LockedUntil:      store.Value[*time.Time](nil),
		LastVerification: store.Value(&now),
	})
	if err != nil {
		return s.storeErr("reset failed attempts", err)
	}
	return nil
}

func (s *TwoFactorAuthService) checkTOTP(acct *models.AccountSecurity, token string, now time.Time) (bool, error) {
	secret, err := s.secrets.Decrypt(acct.TOTPSecret)
	if err != nil {
		return false, fmt.Errorf("decrypt totp secret: %w", err)
	}
	ok, err := totp.ValidateCustom(utils.NormalizeCode(token), secret, now.UTC(), totp.ValidateOpts{
		Period:    uint(s.policy.Period / time.Second),
		Skew:      s.policy.Skew,
		Digits:    otp.Digits(s.policy.Digits),
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		// Malformed input is a wrong code, not a failure of the service.
		return false, nil
	}
	return ok, nil
}

func (s *TwoFactorAuthService) recordAttempt(ctx context.Context, userID string, kind models.AttemptType, code string, success bool, now time.Time) error {
	err := s.attempts.Record(ctx, &models.TwoFactorAttempt{
		ID:          uuid.NewString(),
		UserID:      userID,
		AttemptType: kind,
		CodeHash:    s.attemptCodes.Hash(code),
		Success:     success,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.policy.AttemptTTL),
	})
	if err != nil {
		return fmt.Errorf("record 2fa attempt: %w", err)
	}
	return nil
}

// retryAfter is the time until the oldest attempt in the window ages out.
// It falls back to the full window when the store cannot answer.
func (s *TwoFactorAuthService) retryAfter(ctx context.Context, userID string, now time.Time) time.Duration {
	oldest, err := s.attempts.OldestSince(ctx, userID, models.AttemptTypeTOTP, now.Add(-s.policy.AttemptWindow))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("Failed to read oldest 2FA attempt", zap.String("user_id", userID), zap.Error(err))
		}
		return s.policy.AttemptWindow
	}
	wait := oldest.Add(s.policy.AttemptWindow).Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

func (s *TwoFactorAuthService) load(ctx context.Context, userID string) (*models.AccountSecurity, error) {
	acct, err := s.profiles.GetSecurity(ctx, userID)
	if err != nil {
		return nil, s.storeErr("load profile", err)
	}
	return acct, nil
}

func (s *TwoFactorAuthService) storeErr(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrProfileNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// record writes an audit event. A lost audit write never fails the operation.
func (s *TwoFactorAuthService) record(ctx context.Context, userID string, eventType models.EventType, action string, outcome models.Outcome, risk models.RiskLevel, md map[string]any) {
	ok := s.audit.LogEvent(ctx, &models.AuditEvent{
		EventType:    eventType,
		UserID:       userID,
		ResourceType: resourceTwoFactor,
		ResourceID:   userID,
		ActionTaken:  action,
		Outcome:      outcome,
		RiskLevel:    risk,
		Metadata:     md,
	})
	if !ok {
		s.logger.Warn("2FA audit event not persisted",
			zap.String("user_id", userID),
			zap.String("action", action))
	}
}

func (s *TwoFactorAuthService) notify(ctx context.Context, acct *models.AccountSecurity, subject, body string) {
	s.notifier.NotifySecurityEvent(ctx, SecurityNotice{
		Email:      acct.Email,
		UserID:     acct.UserID,
		Subject:    subject,
		Body:       body,
		OccurredAt: s.now(),
	})
}

func (s *TwoFactorAuthService) observe(op string, res models.VerificationResult) models.VerificationResult {
	metrics.TwoFactorVerificationsTotal.WithLabelValues(op, ResultLabel(res)).Inc()
	return res
}

func (s *TwoFactorAuthService) observeErr(op string, res models.VerificationResult, err error) (models.VerificationResult, error) {
	if err != nil {
		metrics.TwoFactorVerificationsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	return s.observe(op, res), nil
}

// ResultLabel names a verification result for metrics and logs.
func ResultLabel(res models.VerificationResult) string {
	switch res.(type) {
	case models.Verified:
		return "verified"
	case models.InvalidCode:
		return "invalid_code"
	case models.AccountLocked:
		return "locked"
	case models.RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

type discardRecorder struct{}

func (discardRecorder) LogEvent(context.Context, *models.AuditEvent) bool { return true }
