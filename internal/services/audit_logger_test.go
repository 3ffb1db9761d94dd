package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/AnshRaj112/patient-portal-backend/internal/models"
	"github.com/AnshRaj112/patient-portal-backend/internal/requestctx"
	"github.com/AnshRaj112/patient-portal-backend/internal/store"
)

var testAuditKey = []byte("0123456789abcdef0123456789abcdef")

func newTestAuditLogger(t *testing.T, deps AuditLoggerDeps) *HIPAAAuditLogger {
	t.Helper()
	if deps.HMACKey == nil {
		deps.HMACKey = testAuditKey
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return testBase }
	}
	l, err := NewHIPAAAuditLogger(deps)
	require.NoError(t, err)
	return l
}

// mapAuditStore hands out pointers into its own map so tests can tamper with
// stored rows.
type mapAuditStore struct {
	mu     sync.Mutex
	events map[string]*models.AuditEvent
	err    error
}

func newMapAuditStore() *mapAuditStore {
	return &mapAuditStore{events: make(map[string]*models.AuditEvent)}
}

func (m *mapAuditStore) Insert(_ context.Context, e *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *mapAuditStore) Get(_ context.Context, id string) (*models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (m *mapAuditStore) Query(_ context.Context, _ store.AuditQuery) ([]models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditEvent, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, *e)
	}
	return out, nil
}

// orderCheckingAlerts fails an insert whose event is not yet stored.
type orderCheckingAlerts struct {
	events *mapAuditStore
	alerts []models.SecurityAlert
	err    error
}

func (o *orderCheckingAlerts) Insert(ctx context.Context, a *models.SecurityAlert) error {
	if o.err != nil {
		return o.err
	}
	if _, err := o.events.Get(ctx, a.EventID); err != nil {
		return errors.New("alert references missing event")
	}
	o.alerts = append(o.alerts, *a)
	return nil
}

func (o *orderCheckingAlerts) Recent(context.Context, int) ([]models.SecurityAlert, error) {
	return o.alerts, nil
}

type recordingPublisher struct {
	alerts []models.SecurityAlert
}

func (p *recordingPublisher) PublishAlert(_ context.Context, a *models.SecurityAlert) error {
	p.alerts = append(p.alerts, *a)
	return nil
}

func TestCanonicalEventJSON(t *testing.T) {
	e := &models.AuditEvent{
		EventType:    models.EventSecurity,
		UserID:       "u1",
		ResourceType: "account",
		ActionTaken:  "x",
		Outcome:      models.OutcomeFailure,
		Timestamp:    time.Date(2026, 1, 2, 3, 4, 5, 678_900_000, time.UTC),
		Metadata:     map[string]any{"b": "c", "a": 1},
	}
	got, err := CanonicalEventJSON(e)
	require.NoError(t, err)
	assert.Equal(t,
		`{"event_type":"security","user_id":"u1","patient_id":"","resource_type":"account","resource_id":"","action_taken":"x","outcome":"failure","timestamp":"2026-01-02T03:04:05.678Z","metadata":{"a":1,"b":"c"}}`,
		string(got))

	e.Metadata = nil
	got, err = CanonicalEventJSON(e)
	require.NoError(t, err)
	assert.Contains(t, string(got), `"metadata":{}`)
}

func TestComputeEventHashDependsOnKey(t *testing.T) {
	e := &models.AuditEvent{EventType: models.EventSystem, ActionTaken: "startup", Timestamp: testBase}
	h1, err := ComputeEventHash(testAuditKey, e)
	require.NoError(t, err)
	h2, err := ComputeEventHash([]byte("another-key"), e)
	require.NoError(t, err)
	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, h2)
}

func TestLogEventEnrichesAndVerifies(t *testing.T) {
	mem := store.NewMemoryStore()
	l := newTestAuditLogger(t, AuditLoggerDeps{
		Store:       mem.Events(),
		Alerts:      mem.Alerts(),
		Version:     "1.2.3",
		Environment: "staging",
	})
	ctx := requestctx.WithInfo(context.Background(), requestctx.Info{
		IP:        "10.1.2.3",
		UserAgent: "portal-test",
		SessionID: "sess-1",
		RequestID: "req-1",
	})

	e := &models.AuditEvent{
		EventType:    models.EventPHIAccess,
		UserID:       "u1",
		PatientID:    "p1",
		ResourceType: "lab_result",
		ResourceID:   "r1",
		ActionTaken:  "view",
		PHIAccessed:  true,
		Metadata:     map[string]any{"fields": 3},
	}
	require.True(t, l.LogEvent(ctx, e))

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, models.RiskLow, e.RiskLevel)
	assert.Equal(t, models.OutcomeSuccess, e.Outcome)
	assert.True(t, testBase.Equal(e.Timestamp))

	stored, err := mem.Events().Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", stored.IPAddress)
	assert.Equal(t, "portal-test", stored.UserAgent)
	assert.Equal(t, "sess-1", stored.SessionID)
	require.NotNil(t, stored.Geolocation)
	assert.Equal(t, "local", stored.Geolocation.Country)
	assert.Equal(t, "1.2.3", stored.Metadata["system_version"])
	assert.Equal(t, "staging", stored.Metadata["environment"])
	assert.Equal(t, "req-1", stored.Metadata["request_id"])
	assert.Equal(t, float64(3), stored.Metadata["fields"])
	assert.Contains(t, stored.Metadata, "server_timestamp")

	res, err := l.VerifyLogIntegrity(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntegrityResult{LogID: e.ID, Valid: true}, res)

	alerts, err := mem.Alerts().Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestLogEventKeepsCallerTimestamp(t *testing.T) {
	mem := store.NewMemoryStore()
	l := newTestAuditLogger(t, AuditLoggerDeps{Store: mem.Events(), Alerts: mem.Alerts()})
	at := time.Date(2026, 2, 1, 8, 0, 0, 123_456_789, time.FixedZone("EST", -5*3600))

	e := &models.AuditEvent{EventType: models.EventSystem, ActionTaken: "import", Timestamp: at}
	require.True(t, l.LogEvent(context.Background(), e))
	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.True(t, at.Truncate(time.Millisecond).Equal(e.Timestamp))
}

func TestVerifyLogIntegrityDetectsTampering(t *testing.T) {
	events := newMapAuditStore()
	l := newTestAuditLogger(t, AuditLoggerDeps{Store: events, Alerts: store.NewMemoryStore().Alerts()})
	ctx := context.Background()

	e := &models.AuditEvent{
		EventType:    models.EventAuthentication,
		UserID:       "u1",
		ResourceType: "session",
		ActionTaken:  "login",
	}
	require.True(t, l.LogEvent(ctx, e))

	stored, err := events.Get(ctx, e.ID)
	require.NoError(t, err)
	stored.Outcome = models.OutcomeFailure

	res, err := l.VerifyLogIntegrity(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "Hash mismatch - potential tampering detected", res.Error)

	stored.Outcome = models.OutcomeSuccess
	stored.Metadata["injected"] = true
	res, err = l.VerifyLogIntegrity(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestVerifyLogIntegrityNotFound(t *testing.T) {
	mem := store.NewMemoryStore()
	l := newTestAuditLogger(t, AuditLoggerDeps{Store: mem.Events(), Alerts: mem.Alerts()})

	res, err := l.VerifyLogIntegrity(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, models.IntegrityResult{LogID: "nope", Error: "Audit log not found"}, res)
}

func TestLogEventFallsBackWhenStoreFails(t *testing.T) {
	events := newMapAuditStore()
	events.err = errors.New("connection refused")
	alerts := &orderCheckingAlerts{events: events}
	core, logs := observer.New(zapcore.ErrorLevel)
	l := newTestAuditLogger(t, AuditLoggerDeps{Store: events, Alerts: alerts, Fallback: zap.New(core)})

	ok := l.LogEvent(context.Background(), &models.AuditEvent{
		EventType:    models.EventSecurity,
		UserID:       "u1",
		ResourceType: "account",
		ActionTaken:  "account_locked_2fa_failures",
		Outcome:      models.OutcomeFailure,
		RiskLevel:    models.RiskHigh,
	})
	assert.False(t, ok)

	entries := logs.FilterMessage("BACKUP REQUIRED").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "account_locked_2fa_failures", fields["action_taken"])
	assert.Equal(t, "high", fields["risk_level"])
	assert.NotEmpty(t, fields["event_hash"])
	assert.Empty(t, alerts.alerts)
}

func TestHighRiskEventRaisesAlertAfterStore(t *testing.T) {
	events := newMapAuditStore()
	alerts := &orderCheckingAlerts{events: events}
	pub := &recordingPublisher{}
	l := newTestAuditLogger(t, AuditLoggerDeps{Store: events, Alerts: alerts, Publisher: pub})
	ctx := requestctx.WithInfo(context.Background(), requestctx.Info{IP: "203.0.113.9"})

	e := &models.AuditEvent{
		EventType:    models.EventSecurity,
		UserID:       "u1",
		ResourceType: "account",
		ActionTaken:  "suspicious_export",
		Outcome:      models.OutcomeWarning,
		RiskLevel:    models.RiskCritical,
	}
	require.True(t, l.LogEvent(ctx, e))

	require.Len(t, alerts.alerts, 1)
	a := alerts.alerts[0]
	assert.Equal(t, e.ID, a.EventID)
	assert.Equal(t, "suspicious_export", a.AlertType)
	assert.Equal(t, models.RiskCritical, a.RiskLevel)
	assert.Equal(t, "203.0.113.9", a.Metadata["ip_address"])
	assert.Equal(t, "security", a.Metadata["event_type"])

	require.Len(t, pub.alerts, 1)
	assert.Equal(t, a.ID, pub.alerts[0].ID)

	// Public addresses are not resolved without a GeoIP database.
	stored, err := events.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Geolocation)
}

func TestAlertFailureDoesNotFailEvent(t *testing.T) {
	events := newMapAuditStore()
	alerts := &orderCheckingAlerts{events: events, err: errors.New("alerts table missing")}
	core, logs := observer.New(zapcore.ErrorLevel)
	l := newTestAuditLogger(t, AuditLoggerDeps{Store: events, Alerts: alerts, Logger: zap.New(core)})

	ok := l.LogSecurityEvent(context.Background(), "u1", "privilege_escalation", models.OutcomeFailure, models.RiskHigh, nil)
	assert.True(t, ok)
	assert.Len(t, events.events, 1)
	assert.Len(t, logs.FilterMessage("SECURITY ALERT NOT PERSISTED").All(), 1)
}

func TestGenerateAuditReport(t *testing.T) {
	mem := store.NewMemoryStore()
	l := newTestAuditLogger(t, AuditLoggerDeps{Store: mem.Events(), Alerts: mem.Alerts()})
	ctx := context.Background()

	log := func(at time.Time, e models.AuditEvent) {
		e.Timestamp = at
		require.True(t, l.LogEvent(ctx, &e))
	}
	start := testBase
	end := testBase.Add(time.Hour)
	log(start.Add(-time.Millisecond), models.AuditEvent{EventType: models.EventSystem, ActionTaken: "before"})
	log(start, models.AuditEvent{EventType: models.EventAuthentication, UserID: "u1", ActionTaken: "first"})
	log(start.Add(10*time.Minute), models.AuditEvent{EventType: models.EventPHIAccess, UserID: "u2", ActionTaken: "view", PHIAccessed: true, RiskLevel: models.RiskMedium})
	log(start.Add(20*time.Minute), models.AuditEvent{EventType: models.EventSecurity, UserID: "u1", ActionTaken: "locked", Outcome: models.OutcomeFailure, RiskLevel: models.RiskHigh})
	log(end, models.AuditEvent{EventType: models.EventSystem, ActionTaken: "last"})
	log(end.Add(time.Millisecond), models.AuditEvent{EventType: models.EventSystem, ActionTaken: "after"})

	report, err := l.GenerateAuditReport(ctx, start, end, models.ReportFilters{})
	require.NoError(t, err)
	require.Len(t, report.Events, 4)
	assert.Equal(t, "first", report.Events[0].ActionTaken)
	assert.Equal(t, "last", report.Events[3].ActionTaken)
	assert.Equal(t, models.ReportSummary{
		TotalEvents:     4,
		HighRiskEvents:  1,
		PHIAccessEvents: 1,
		FailedEvents:    1,
		UniqueUsers:     2,
	}, report.Summary)

	report, err = l.GenerateAuditReport(ctx, start, end, models.ReportFilters{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, report.Events, 2)

	report, err = l.GenerateAuditReport(ctx, start, end, models.ReportFilters{MinRiskLevel: models.RiskMedium})
	require.NoError(t, err)
	assert.Len(t, report.Events, 2)

	phi := true
	report, err = l.GenerateAuditReport(ctx, start, end, models.ReportFilters{PHIAccessed: &phi})
	require.NoError(t, err)
	require.Len(t, report.Events, 1)
	assert.Equal(t, "view", report.Events[0].ActionTaken)

	report, err = l.GenerateAuditReport(ctx, start, end, models.ReportFilters{
		EventTypes: []models.EventType{models.EventSystem, models.EventSecurity},
	})
	require.NoError(t, err)
	assert.Len(t, report.Events, 2)

	_, err = l.GenerateAuditReport(ctx, end, start, models.ReportFilters{})
	assert.ErrorIs(t, err, ErrInvalidReportRange)
}

func TestConvenienceWrappers(t *testing.T) {
	mem := store.NewMemoryStore()
	l := newTestAuditLogger(t, AuditLoggerDeps{Store: mem.Events(), Alerts: mem.Alerts()})
	ctx := context.Background()

	require.True(t, l.LogPatientDataAccess(ctx, "doc1", "p1", "medical_record", "mr1", "view", nil))
	require.True(t, l.LogSystemEvent(ctx, "startup", models.OutcomeSuccess, nil))
	require.True(t, l.LogAdministrativeEvent(ctx, "admin1", "audit_report", "", "generate", models.OutcomeSuccess, nil))

	events, err := mem.Events().Query(ctx, store.AuditQuery{From: testBase, To: testBase})
	require.NoError(t, err)
	require.Len(t, events, 3)

	byAction := map[string]models.AuditEvent{}
	for _, e := range events {
		byAction[e.ActionTaken] = e
	}
	phi := byAction["view"]
	assert.Equal(t, models.EventPHIAccess, phi.EventType)
	assert.True(t, phi.PHIAccessed)
	assert.Equal(t, "p1", phi.PatientID)
	assert.Equal(t, models.RiskMedium, phi.RiskLevel)

	assert.Equal(t, models.EventSystem, byAction["startup"].EventType)
	assert.Equal(t, models.EventAdministrative, byAction["generate"].EventType)
	assert.Equal(t, "admin1", byAction["generate"].UserID)
}

func TestNewHIPAAAuditLoggerRequiresKey(t *testing.T) {
	mem := store.NewMemoryStore()
	_, err := NewHIPAAAuditLogger(AuditLoggerDeps{Store: mem.Events(), Alerts: mem.Alerts()})
	assert.Error(t, err)
}
