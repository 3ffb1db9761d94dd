package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/internal/models"
	"github.com/AnshRaj112/patient-portal-backend/internal/services"
	"github.com/AnshRaj112/patient-portal-backend/internal/store"
	"github.com/AnshRaj112/patient-portal-backend/pkg/utils"
)

type fakeArchiver struct {
	reports []*models.AuditReport
	err     error
}

func (f *fakeArchiver) ArchiveReport(_ context.Context, report *models.AuditReport) (*services.ArchivedReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.reports = append(f.reports, report)
	return &services.ArchivedReport{
		URL:      "https://res.cloudinary.com/demo/raw/upload/" + services.ReportPublicID(report),
		PublicID: services.ReportPublicID(report),
		SHA256:   strings.Repeat("ab", 32),
		Bytes:    128,
	}, nil
}

const testAdminID = "a1b2c3d4-0000-4000-8000-000000000001"

func putAdmin(t *testing.T, e *env, id, username, password string, active bool) models.Admin {
	t.Helper()
	hash, err := utils.HashPassword(password)
	require.NoError(t, err)
	admin := models.Admin{
		ID:           id,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		IsActive:     active,
		CreatedAt:    time.Now().UTC(),
	}
	e.mem.PutAdmin(admin)
	return admin
}

func (e *env) adminToken(t *testing.T) string {
	t.Helper()
	token, err := e.admins.Create(context.Background(), testAdminID)
	require.NoError(t, err)
	return token
}

func (e *env) allEvents(t *testing.T) []models.AuditEvent {
	t.Helper()
	events, err := e.mem.Events().Query(context.Background(), store.AuditQuery{
		From: time.Now().Add(-time.Hour),
		To:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return events
}

func countAction(events []models.AuditEvent, action string) int {
	n := 0
	for _, e := range events {
		if e.ActionTaken == action {
			n++
		}
	}
	return n
}

func TestAdminSignin(t *testing.T) {
	e := newEnv(t, nil)
	admin := putAdmin(t, e, testAdminID, "auditor", "correct horse battery", true)

	rec := e.do(t, http.MethodPost, "/api/admin/signin", "", AdminSigninRequest{Username: "Auditor", Password: "correct horse battery"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[AdminSigninResponse](t, rec)
	require.NotEmpty(t, body.Token)
	assert.Equal(t, admin.ID, body.Admin["id"])

	owner, ok, err := e.admins.Validate(context.Background(), body.Token)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, admin.ID, owner)

	stored, err := e.mem.GetAdminByUsername(context.Background(), "auditor")
	require.NoError(t, err)
	assert.NotNil(t, stored.LastLogin)
	assert.Equal(t, 1, countAction(e.allEvents(t), "admin_signin"))

	rec = e.do(t, http.MethodPost, "/api/admin/signout", body.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok, _ = e.admins.Validate(context.Background(), body.Token)
	assert.False(t, ok)
}

func TestAdminSigninFailures(t *testing.T) {
	e := newEnv(t, nil)
	putAdmin(t, e, testAdminID, "auditor", "correct horse battery", true)
	putAdmin(t, e, "a1b2c3d4-0000-4000-8000-000000000002", "retired", "correct horse battery", false)

	rec := e.do(t, http.MethodPost, "/api/admin/signin", "", AdminSigninRequest{Username: "auditor", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/admin/signin", "", AdminSigninRequest{Username: "nobody", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"success":false,"message":"Invalid username or password"}`, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/api/admin/signin", "", AdminSigninRequest{Username: "retired", Password: "correct horse battery"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/admin/signin", "", AdminSigninRequest{Username: "a' OR 1=1", Password: "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/admin/signin", "", AdminSigninRequest{Username: "auditor"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 4, countAction(e.allEvents(t), "admin_signin_failed"))
}

func TestAuditRoutesRequireAdmin(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(t, http.MethodGet, "/api/admin/alerts", e.userToken(t), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuditReportEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	e.enable2FA(t)
	token := e.adminToken(t)

	q := url.Values{}
	q.Set("from", time.Now().Add(-time.Hour).UTC().Format(time.RFC3339))
	q.Set("to", time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	q.Set("user_id", testUserID)
	q.Set("event_type", "authentication")

	rec := e.do(t, http.MethodGet, "/api/admin/audit/report?"+q.Encode(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[ReportResponse](t, rec)
	require.NotNil(t, body.Report)
	assert.Equal(t, 2, body.Report.Summary.TotalEvents)
	assert.Equal(t, 1, body.Report.Summary.UniqueUsers)
	assert.Equal(t, 1, countAction(e.allEvents(t), "audit_report_generated"))

	q.Set("min_risk", "extreme")
	rec = e.do(t, http.MethodGet, "/api/admin/audit/report?"+q.Encode(), token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	q.Del("min_risk")
	q.Set("from", time.Now().Add(2*time.Hour).UTC().Format(time.RFC3339))
	rec = e.do(t, http.MethodGet, "/api/admin/audit/report?"+q.Encode(), token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseReportQuery(t *testing.T) {
	q := url.Values{}
	_, _, _, err := ParseReportQuery(q)
	assert.Error(t, err)

	q.Set("from", "2026-03-01T00:00:00Z")
	q.Set("to", "2026-03-31T23:59:59Z")
	q.Set("event_type", "phi_access, security")
	q.Set("min_risk", "high")
	q.Set("phi", "true")
	from, to, filters, err := ParseReportQuery(q)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC), to)
	assert.Equal(t, []models.EventType{models.EventPHIAccess, models.EventSecurity}, filters.EventTypes)
	assert.Equal(t, models.RiskHigh, filters.MinRiskLevel)
	require.NotNil(t, filters.PHIAccessed)
	assert.True(t, *filters.PHIAccessed)

	q.Set("event_type", "gossip")
	_, _, _, err = ParseReportQuery(q)
	assert.Error(t, err)
}

func TestVerifyLogEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	token := e.adminToken(t)
	ev := &models.AuditEvent{EventType: models.EventPHIAccess, UserID: "doc", PatientID: "p1", ResourceType: "chart", ActionTaken: "view", PHIAccessed: true}
	require.True(t, e.audit.LogEvent(context.Background(), ev))

	rec := e.do(t, http.MethodGet, "/api/admin/audit/logs/"+ev.ID+"/verify", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[IntegrityResponse](t, rec)
	assert.True(t, body.Result.Valid)
	assert.Equal(t, ev.ID, body.Result.LogID)

	rec = e.do(t, http.MethodGet, "/api/admin/audit/logs/missing/verify", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 2, countAction(e.allEvents(t), "audit_log_verified"))
}

func TestArchiveReportEndpoint(t *testing.T) {
	archiver := &fakeArchiver{}
	e := newEnv(t, archiver)
	token := e.adminToken(t)
	req := ArchiveRequest{From: time.Now().Add(-time.Hour), To: time.Now().Add(time.Hour)}

	rec := e.do(t, http.MethodPost, "/api/admin/audit/report/archive", token, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode[ArchiveResponse](t, rec)
	require.NotNil(t, body.Archive)
	assert.True(t, strings.HasPrefix(body.Archive.PublicID, "audit-report_"))
	require.Len(t, archiver.reports, 1)
	assert.Equal(t, 1, countAction(e.allEvents(t), "audit_report_archived"))

	archiver.err = errors.New("cloudinary down")
	rec = e.do(t, http.MethodPost, "/api/admin/audit/report/archive", token, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/admin/audit/report/archive", token, ArchiveRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArchiveDisabled(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(t, http.MethodPost, "/api/admin/audit/report/archive", e.adminToken(t), ArchiveRequest{From: time.Now(), To: time.Now()})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAlertsEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	token := e.adminToken(t)

	rec := e.do(t, http.MethodGet, "/api/admin/alerts", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[AlertsResponse](t, rec).Alerts)

	for i := 0; i < 3; i++ {
		require.True(t, e.audit.LogSecurityEvent(context.Background(), testUserID, "account_locked_2fa_failures", models.OutcomeFailure, models.RiskHigh, nil))
	}
	rec = e.do(t, http.MethodGet, "/api/admin/alerts?limit=2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[AlertsResponse](t, rec).Alerts, 2)

	rec = e.do(t, http.MethodGet, "/api/admin/alerts?limit=zero", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertsWebSocket(t *testing.T) {
	sessions := newMemSessions(services.SessionDuration)
	token, err := sessions.Create(context.Background(), "admin-1")
	require.NoError(t, err)
	stream := services.NewAlertStream(nil, nil)
	srv := httptest.NewServer(NewAlertsSocketHandler(sessions, stream, nil, zap.NewNop()))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=forged", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade; publish until it lands.
	deadline := time.Now().Add(2 * time.Second)
	received := make(chan models.SecurityAlert, 1)
	go func() {
		var alert models.SecurityAlert
		if err := conn.ReadJSON(&alert); err == nil {
			received <- alert
		}
	}()
	for {
		require.NoError(t, stream.PublishAlert(context.Background(), &models.SecurityAlert{ID: "alert-1", AlertType: "account_locked_2fa_failures", RiskLevel: models.RiskHigh}))
		select {
		case alert := <-received:
			assert.Equal(t, "alert-1", alert.ID)
			assert.Equal(t, models.RiskHigh, alert.RiskLevel)
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("alert not delivered over websocket")
		}
	}
}
