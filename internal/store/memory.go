package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AnshRaj112/patient-portal-backend/internal/models"
)

// MemoryStore implements every store contract in process. It backs tests and
// local development without databases.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]models.AccountSecurity
	attempts []models.TwoFactorAttempt
	events   map[string]models.AuditEvent
	alerts   []models.SecurityAlert
	admins   map[string]models.Admin
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]models.AccountSecurity),
		events:   make(map[string]models.AuditEvent),
		admins:   make(map[string]models.Admin),
	}
}

// PutProfile creates or replaces a profile, standing in for the auth system.
func (s *MemoryStore) PutProfile(a models.AccountSecurity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[a.UserID] = copyAccount(a)
}

func (s *MemoryStore) PutAdmin(a models.Admin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins[a.Username] = a
}

func (s *MemoryStore) GetSecurity(ctx context.Context, userID string) (*models.AccountSecurity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyAccount(a)
	return &out, nil
}

func (s *MemoryStore) UpdateSecurity(ctx context.Context, userID string, update SecurityUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.profiles[userID]
	if !ok {
		return ErrNotFound
	}
	update.Apply(&a)
	s.profiles[userID] = a
	return nil
}

func (s *MemoryStore) IncrementFailedAttempts(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.profiles[userID]
	if !ok {
		return 0, ErrNotFound
	}
	a.FailedAttempts++
	s.profiles[userID] = a
	return a.FailedAttempts, nil
}

func (s *MemoryStore) ReplaceBackupCodes(ctx context.Context, userID string, expected, next []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.profiles[userID]
	if !ok {
		return ErrNotFound
	}
	if !equalStrings(a.BackupCodes, expected) {
		return ErrConflict
	}
	a.BackupCodes = cloneStrings(next)
	s.profiles[userID] = a
	return nil
}

func (s *MemoryStore) Record(ctx context.Context, attempt *models.TwoFactorAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, *attempt)
	return nil
}

func (s *MemoryStore) CountSince(ctx context.Context, userID string, attemptType models.AttemptType, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.attempts {
		if a.UserID == userID && a.AttemptType == attemptType && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) OldestSince(ctx context.Context, userID string, attemptType models.AttemptType, since time.Time) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest time.Time
	for _, a := range s.attempts {
		if a.UserID != userID || a.AttemptType != attemptType || a.CreatedAt.Before(since) {
			continue
		}
		if oldest.IsZero() || a.CreatedAt.Before(oldest) {
			oldest = a.CreatedAt
		}
	}
	if oldest.IsZero() {
		return time.Time{}, ErrNotFound
	}
	return oldest, nil
}

// Attempts returns a copy of every recorded attempt.
func (s *MemoryStore) Attempts() []models.TwoFactorAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TwoFactorAttempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}

// Audit events and alerts live behind their own method sets so one
// MemoryStore can satisfy both AuditStore and AlertStore.

// Events returns the audit side of the store.
func (s *MemoryStore) Events() *MemoryAuditStore { return (*MemoryAuditStore)(s) }

// Alerts returns the alert side of the store.
func (s *MemoryStore) Alerts() *MemoryAlertStore { return (*MemoryAlertStore)(s) }

type MemoryAuditStore MemoryStore

func (m *MemoryAuditStore) Insert(ctx context.Context, event *models.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[event.ID]; exists {
		return ErrConflict
	}
	m.events[event.ID] = copyEvent(*event)
	return nil
}

func (m *MemoryAuditStore) Get(ctx context.Context, id string) (*models.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyEvent(e)
	return &out, nil
}

func (m *MemoryAuditStore) Query(ctx context.Context, q AuditQuery) ([]models.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditEvent
	for _, e := range m.events {
		if e.Timestamp.Before(q.From) || e.Timestamp.After(q.To) {
			continue
		}
		if !q.Filters.Matches(&e) {
			continue
		}
		out = append(out, copyEvent(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

type MemoryAlertStore MemoryStore

func (m *MemoryAlertStore) Insert(ctx context.Context, alert *models.SecurityAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, *alert)
	return nil
}

func (m *MemoryAlertStore) Recent(ctx context.Context, limit int) ([]models.SecurityAlert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SecurityAlert, 0, len(m.alerts))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		out = append(out, m.alerts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetAdminByUsername(ctx context.Context, username string) (*models.Admin, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.admins[username]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *MemoryStore) TouchLastLogin(ctx context.Context, adminID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, a := range s.admins {
		if a.ID == adminID {
			t := at
			a.LastLogin = &t
			s.admins[name] = a
			return nil
		}
	}
	return ErrNotFound
}

func copyAccount(a models.AccountSecurity) models.AccountSecurity {
	a.BackupCodes = cloneStrings(a.BackupCodes)
	a.LockedUntil = cloneTime(a.LockedUntil)
	a.LastVerification = cloneTime(a.LastVerification)
	return a
}

func copyEvent(e models.AuditEvent) models.AuditEvent {
	if e.Metadata != nil {
		md := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	if e.Geolocation != nil {
		g := *e.Geolocation
		e.Geolocation = &g
	}
	return e
}
