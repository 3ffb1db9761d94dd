package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/internal/middleware"
	"github.com/AnshRaj112/patient-portal-backend/internal/models"
	"github.com/AnshRaj112/patient-portal-backend/internal/services"
	"github.com/AnshRaj112/patient-portal-backend/internal/store"
	"github.com/AnshRaj112/patient-portal-backend/pkg/utils"
)

const testUserID = "5f0c8a52-3d5e-4a7b-9c1d-2e3f4a5b6c7d"

// memSessions is an in-process stand-in for the Redis session stores.
type memSessions struct {
	mu     sync.Mutex
	tokens map[string]string
	next   int
	ttl    time.Duration
}

func newMemSessions(ttl time.Duration) *memSessions {
	return &memSessions{tokens: make(map[string]string), ttl: ttl}
}

func (m *memSessions) Create(_ context.Context, ownerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	token := fmt.Sprintf("token-%d", m.next)
	m.tokens[token] = ownerID
	return token, nil
}

func (m *memSessions) Validate(_ context.Context, token string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.tokens[token]
	return owner, ok, nil
}

func (m *memSessions) Consume(_ context.Context, token string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.tokens[token]
	delete(m.tokens, token)
	return owner, ok, nil
}

func (m *memSessions) Invalidate(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, token)
	return nil
}

func (m *memSessions) TTL() time.Duration { return m.ttl }

type env struct {
	mem        *store.MemoryStore
	audit      *services.HIPAAAuditLogger
	svc        *services.TwoFactorAuthService
	sessions   *memSessions
	challenges *memSessions
	admins     *memSessions
	router     chi.Router
}

func newEnv(t *testing.T, archiver services.ReportArchiver) *env {
	t.Helper()
	mem := store.NewMemoryStore()
	mem.PutProfile(models.AccountSecurity{UserID: testUserID, Email: "patient@example.com"})

	audit, err := services.NewHIPAAAuditLogger(services.AuditLoggerDeps{
		Store:   mem.Events(),
		Alerts:  mem.Alerts(),
		HMACKey: []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)
	box, err := utils.NewSecretBox(bytes.Repeat([]byte{3}, utils.KeySize))
	require.NoError(t, err)
	svc, err := services.NewTwoFactorAuthService(services.TwoFactorDeps{
		Profiles:     mem,
		Attempts:     mem,
		Audit:        audit,
		Secrets:      box,
		BackupCodes:  utils.NewCodeHasher([]byte("backup")),
		AttemptCodes: utils.NewCodeHasher([]byte("attempt")),
	})
	require.NoError(t, err)

	e := &env{
		mem:        mem,
		audit:      audit,
		svc:        svc,
		sessions:   newMemSessions(services.SessionDuration),
		challenges: newMemSessions(services.ChallengeDuration),
		admins:     newMemSessions(services.SessionDuration),
	}
	logger := zap.NewNop()
	tf := NewTwoFactorHandler(svc, e.challenges, e.sessions, logger)
	adminAuth := NewAdminAuthHandler(mem, e.admins, audit, logger)
	auditH := NewAuditHandler(audit, mem.Alerts(), archiver, logger)

	r := chi.NewRouter()
	r.Post("/api/auth/2fa/verify", tf.LoginVerify)
	r.Post("/api/auth/2fa/backup", tf.LoginBackupCode)
	r.Post("/api/admin/signin", adminAuth.Signin)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(e.sessions, logger))
		r.Get("/api/2fa/status", tf.Status)
		r.Post("/api/2fa/setup", tf.Setup)
		r.Post("/api/2fa/verify", tf.Enable)
		r.Post("/api/2fa/disable", tf.Disable)
		r.Post("/api/2fa/backup-codes/regenerate", tf.RegenerateBackupCodes)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAdmin(e.admins, logger))
		r.Post("/api/admin/signout", adminAuth.Signout)
		r.Get("/api/admin/audit/report", auditH.Report)
		r.Get("/api/admin/audit/logs/{id}/verify", auditH.VerifyLog)
		r.Post("/api/admin/audit/report/archive", auditH.ArchiveReport)
		r.Get("/api/admin/alerts", auditH.Alerts)
	})
	e.router = r
	return e
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) userToken(t *testing.T) string {
	t.Helper()
	token, err := e.sessions.Create(context.Background(), testUserID)
	require.NoError(t, err)
	return token
}

func (e *env) challenge(t *testing.T) string {
	t.Helper()
	token, err := e.challenges.Create(context.Background(), testUserID)
	require.NoError(t, err)
	return token
}

// enable2FA runs setup and confirmation through the API.
func (e *env) enable2FA(t *testing.T) SetupResponse {
	t.Helper()
	token := e.userToken(t)
	rec := e.do(t, http.MethodPost, "/api/2fa/setup", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var setup SetupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &setup))

	rec = e.do(t, http.MethodPost, "/api/2fa/verify", token, CodeRequest{Code: currentCode(t, setup.Secret)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return setup
}

func currentCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	return code
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// wrongCode returns a six-digit code outside the accepted drift window.
func wrongCode(t *testing.T, secret string) string {
	t.Helper()
	now := time.Now()
	valid := map[string]bool{}
	for _, d := range []time.Duration{-60 * time.Second, -30 * time.Second, 0, 30 * time.Second, 60 * time.Second} {
		code, err := totp.GenerateCode(secret, now.Add(d))
		require.NoError(t, err)
		valid[code] = true
	}
	for n := 0; ; n++ {
		candidate := fmt.Sprintf("%06d", n)
		if !valid[candidate] {
			return candidate
		}
	}
}
