package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type EventType string

const (
	EventAuthentication  EventType = "authentication"
	EventPHIAccess       EventType = "phi_access"
	EventPHIModification EventType = "phi_modification"
	EventAdministrative  EventType = "administrative"
	EventSystem          EventType = "system"
	EventSecurity        EventType = "security"
)

var eventTypes = map[EventType]bool{
	EventAuthentication:  true,
	EventPHIAccess:       true,
	EventPHIModification: true,
	EventAdministrative:  true,
	EventSystem:          true,
	EventSecurity:        true,
}

// Valid reports whether t is part of the audit taxonomy.
func (t EventType) Valid() bool {
	return eventTypes[t]
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeWarning Outcome = "warning"
)

// RiskLevel is ordinal: comparisons like >= RiskHigh are meaningful.
type RiskLevel int

const (
	RiskLow RiskLevel = iota + 1
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = map[RiskLevel]string{
	RiskLow:      "low",
	RiskMedium:   "medium",
	RiskHigh:     "high",
	RiskCritical: "critical",
}

func (r RiskLevel) String() string {
	if name, ok := riskNames[r]; ok {
		return name
	}
	return fmt.Sprintf("risk(%d)", int(r))
}

// IsElevated is true for high and critical events, which raise security alerts.
func (r RiskLevel) IsElevated() bool {
	return r >= RiskHigh
}

// ParseRiskLevel accepts a level name or its ordinal ("high" or "3").
func ParseRiskLevel(s string) (RiskLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for level, name := range riskNames {
		if s == name || s == fmt.Sprint(int(level)) {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown risk level %q", s)
}

func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		var n int
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return err
		}
		name = fmt.Sprint(n)
	}
	level, err := ParseRiskLevel(name)
	if err != nil {
		return err
	}
	*r = level
	return nil
}

type Geolocation struct {
	Country string `json:"country,omitempty" bson:"country,omitempty"`
	Region  string `json:"region,omitempty" bson:"region,omitempty"`
	City    string `json:"city,omitempty" bson:"city,omitempty"`
}

// AuditEvent is an immutable HIPAA audit record. Empty UserID, PatientID and
// ResourceID mean "not applicable".
type AuditEvent struct {
	ID           string         `json:"id"`
	EventType    EventType      `json:"event_type"`
	UserID       string         `json:"user_id,omitempty"`
	PatientID    string         `json:"patient_id,omitempty"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	ActionTaken  string         `json:"action_taken"`
	Outcome      Outcome        `json:"outcome"`
	RiskLevel    RiskLevel      `json:"risk_level"`
	PHIAccessed  bool           `json:"phi_accessed"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	EventHash    string         `json:"event_hash"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Geolocation  *Geolocation   `json:"geolocation,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// SecurityAlert is written once for each high or critical audit event.
type SecurityAlert struct {
	ID          string         `json:"id"`
	EventID     string         `json:"event_id"`
	UserID      string         `json:"user_id,omitempty"`
	AlertType   string         `json:"alert_type"`
	RiskLevel   RiskLevel      `json:"risk_level"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type IntegrityResult struct {
	LogID string `json:"log_id"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}
