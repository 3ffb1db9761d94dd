package services

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/AnshRaj112/patient-portal-backend/internal/models"
	"github.com/AnshRaj112/patient-portal-backend/internal/store"
	"github.com/AnshRaj112/patient-portal-backend/pkg/utils"
)

const testUserID = "0b7c3a5e-2f4d-4f5e-9a3b-7d1e2c3b4a5f"

var testBase = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []SecurityNotice
}

func (n *recordingNotifier) NotifySecurityEvent(_ context.Context, notice SecurityNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) subjects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.notices))
	for i, notice := range n.notices {
		out[i] = notice.Subject
	}
	return out
}

type fixture struct {
	mem      *store.MemoryStore
	clock    *fakeClock
	audit    *HIPAAAuditLogger
	svc      *TwoFactorAuthService
	notifier *recordingNotifier
	hasher   *utils.CodeHasher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	mem.PutProfile(models.AccountSecurity{UserID: testUserID, Email: "patient@example.com"})
	clock := &fakeClock{t: testBase}

	audit, err := NewHIPAAAuditLogger(AuditLoggerDeps{
		Store:       mem.Events(),
		Alerts:      mem.Alerts(),
		HMACKey:     []byte("0123456789abcdef0123456789abcdef"),
		Version:     "test",
		Environment: "test",
		Now:         clock.Now,
	})
	require.NoError(t, err)

	box, err := utils.NewSecretBox(bytes.Repeat([]byte{7}, utils.KeySize))
	require.NoError(t, err)
	hasher := utils.NewCodeHasher([]byte("backup-code-key"))
	notifier := &recordingNotifier{}

	svc, err := NewTwoFactorAuthService(TwoFactorDeps{
		Profiles:     mem,
		Attempts:     mem,
		Audit:        audit,
		Secrets:      box,
		BackupCodes:  hasher,
		AttemptCodes: utils.NewCodeHasher([]byte("attempt-key")),
		Notifier:     notifier,
		Now:          clock.Now,
	})
	require.NoError(t, err)

	return &fixture{mem: mem, clock: clock, audit: audit, svc: svc, notifier: notifier, hasher: hasher}
}

// enable runs setup and confirms it with a valid code at the current time.
func (f *fixture) enable(t *testing.T) *models.TwoFactorSetup {
	t.Helper()
	ctx := context.Background()
	setup, err := f.svc.Setup(ctx, testUserID)
	require.NoError(t, err)
	res, err := f.svc.VerifyAndEnable(ctx, testUserID, codeAt(t, setup.Secret, f.clock.Now()))
	require.NoError(t, err)
	require.Equal(t, models.Verified{Method: models.MethodTOTP}, res)
	return setup
}

func (f *fixture) profile(t *testing.T) *models.AccountSecurity {
	t.Helper()
	acct, err := f.mem.GetSecurity(context.Background(), testUserID)
	require.NoError(t, err)
	return acct
}

func (f *fixture) events(t *testing.T) []models.AuditEvent {
	t.Helper()
	events, err := f.mem.Events().Query(context.Background(), store.AuditQuery{
		From: time.Unix(0, 0),
		To:   testBase.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return events
}

func (f *fixture) eventsWithAction(t *testing.T, action string) []models.AuditEvent {
	t.Helper()
	var out []models.AuditEvent
	for _, e := range f.events(t) {
		if e.ActionTaken == action {
			out = append(out, e)
		}
	}
	return out
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

// wrongCodeAt returns a six-digit code that is not valid anywhere in the
// tolerance window around at.
func wrongCodeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	valid := map[string]bool{
		codeAt(t, secret, at.Add(-30*time.Second)): true,
		codeAt(t, secret, at):                      true,
		codeAt(t, secret, at.Add(30*time.Second)):  true,
	}
	n, err := strconv.Atoi(codeAt(t, secret, at))
	require.NoError(t, err)
	for {
		n = (n + 1) % 1_000_000
		candidate := fmt.Sprintf("%06d", n)
		if !valid[candidate] {
			return candidate
		}
	}
}
