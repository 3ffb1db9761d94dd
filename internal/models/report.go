package models

import "time"

// ReportFilters narrows an audit report. Zero values mean "no filter".
type ReportFilters struct {
	UserID       string      `json:"user_id,omitempty"`
	EventTypes   []EventType `json:"event_types,omitempty"`
	MinRiskLevel RiskLevel   `json:"min_risk_level,omitempty"`
	PHIAccessed  *bool       `json:"phi_accessed,omitempty"`
}

// Matches reports whether e passes every set filter.
func (f ReportFilters) Matches(e *AuditEvent) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if e.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinRiskLevel > 0 && e.RiskLevel < f.MinRiskLevel {
		return false
	}
	if f.PHIAccessed != nil && e.PHIAccessed != *f.PHIAccessed {
		return false
	}
	return true
}

type ReportSummary struct {
	TotalEvents     int `json:"total_events"`
	HighRiskEvents  int `json:"high_risk_events"`
	PHIAccessEvents int `json:"phi_access_events"`
	FailedEvents    int `json:"failed_events"`
	UniqueUsers     int `json:"unique_users"`
}

type AuditReport struct {
	StartDate   time.Time     `json:"start_date"`
	EndDate     time.Time     `json:"end_date"`
	Filters     ReportFilters `json:"filters"`
	Events      []AuditEvent  `json:"events"`
	Summary     ReportSummary `json:"summary"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// Summarize computes compliance counters over events.
func Summarize(events []AuditEvent) ReportSummary {
	s := ReportSummary{TotalEvents: len(events)}
	users := make(map[string]struct{})
	for i := range events {
		e := &events[i]
		if e.RiskLevel.IsElevated() {
			s.HighRiskEvents++
		}
		if e.PHIAccessed {
			s.PHIAccessEvents++
		}
		if e.Outcome == OutcomeFailure {
			s.FailedEvents++
		}
		if e.UserID != "" {
			users[e.UserID] = struct{}{}
		}
	}
	s.UniqueUsers = len(users)
	return s
}
