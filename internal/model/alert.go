package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidThreshold is returned by AlertThreshold.Validate.
var ErrInvalidThreshold = errors.New("invalid threshold")

// Severity represents the severity level of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so that a higher rank is more urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	}
	return 0
}

// Title returns the capitalized form used in notification titles.
func (s Severity) Title() string {
	switch s {
	case SeverityWarning:
		return "Warning"
	case SeverityCritical:
		return "Critical"
	}
	return string(s)
}

// Direction is the comparison applied between a sample value and a threshold level.
type Direction string

const (
	DirectionAbove    Direction = "above"
	DirectionBelow    Direction = "below"
	DirectionEqual    Direction = "equal"
	DirectionNotEqual Direction = "not_equal"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	switch d {
	case DirectionAbove, DirectionBelow, DirectionEqual, DirectionNotEqual:
		return true
	}
	return false
}

// AlertState is derived from an Alert's resolution and acknowledgement fields.
type AlertState string

const (
	AlertOpen         AlertState = "open"
	AlertAcknowledged AlertState = "acknowledged"
	AlertResolved     AlertState = "resolved"
)

// AlertThreshold configures warning/critical levels for one metric.
type AlertThreshold struct {
	ID                  int64     `json:"id"`
	MetricName          string    `json:"metric_name"`
	MetricCategory      string    `json:"metric_category"`
	WarningValue        float64   `json:"warning_value"`
	CriticalValue       float64   `json:"critical_value"`
	Direction           Direction `json:"direction"`
	Enabled             bool      `json:"enabled"`
	EmailEnabled        bool      `json:"email_enabled"`
	NotificationEnabled bool      `json:"notification_enabled"`
	EscalationMinutes   *int      `json:"escalation_minutes,omitempty"`
	Description         string    `json:"description,omitempty"`
	CreatedBy           string    `json:"created_by,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedBy           string    `json:"updated_by,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Validate checks the fields an operator supplies.
func (t *AlertThreshold) Validate() error {
	if strings.TrimSpace(t.MetricName) == "" {
		return fmt.Errorf("%w: metric name is required", ErrInvalidThreshold)
	}
	if strings.TrimSpace(t.MetricCategory) == "" {
		return fmt.Errorf("%w: metric category is required", ErrInvalidThreshold)
	}
	if !t.Direction.Valid() {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidThreshold, t.Direction)
	}
	if t.EscalationMinutes != nil && *t.EscalationMinutes < 0 {
		return fmt.Errorf("%w: escalation minutes must not be negative", ErrInvalidThreshold)
	}
	switch t.Direction {
	case DirectionAbove:
		if t.CriticalValue < t.WarningValue {
			return fmt.Errorf("%w: critical value must be >= warning value for direction above", ErrInvalidThreshold)
		}
	case DirectionBelow:
		if t.CriticalValue > t.WarningValue {
			return fmt.Errorf("%w: critical value must be <= warning value for direction below", ErrInvalidThreshold)
		}
	}
	return nil
}

// EscalationWindow returns the configured escalation delay, or false if none.
func (t *AlertThreshold) EscalationWindow() (time.Duration, bool) {
	if t.EscalationMinutes == nil || *t.EscalationMinutes <= 0 {
		return 0, false
	}
	return time.Duration(*t.EscalationMinutes) * time.Minute, true
}

// LevelFor returns the threshold level that corresponds to a severity.
func (t *AlertThreshold) LevelFor(s Severity) float64 {
	if s == SeverityCritical {
		return t.CriticalValue
	}
	return t.WarningValue
}

// Alert is an open or resolved incident raised by a threshold.
type Alert struct {
	ID                  int64           `json:"id"`
	ThresholdID         int64           `json:"threshold_id"`
	Threshold           *AlertThreshold `json:"threshold,omitempty"`
	Severity            Severity        `json:"severity"`
	CurrentValue        float64         `json:"current_value"`
	TriggeredAt         time.Time       `json:"triggered_at"`
	ResolvedAt          *time.Time      `json:"resolved_at,omitempty"`
	IsAcknowledged      bool            `json:"is_acknowledged"`
	AcknowledgedAt      *time.Time      `json:"acknowledged_at,omitempty"`
	AcknowledgedBy      string          `json:"acknowledged_by,omitempty"`
	AcknowledgementNote string          `json:"acknowledgement_note,omitempty"`
	IsEscalated         bool            `json:"is_escalated"`
	EscalatedAt         *time.Time      `json:"escalated_at,omitempty"`
	Details             string          `json:"details,omitempty"`
	EmailSent           bool            `json:"email_sent"`
	EmailSentAt         *time.Time      `json:"email_sent_at,omitempty"`
	NotificationSent    bool            `json:"notification_sent"`
	NotificationSentAt  *time.Time      `json:"notification_sent_at,omitempty"`
}

// State derives the lifecycle state.
func (a *Alert) State() AlertState {
	switch {
	case a.ResolvedAt != nil:
		return AlertResolved
	case a.IsAcknowledged:
		return AlertAcknowledged
	}
	return AlertOpen
}

// MetricName returns the metric name of the originating threshold, if loaded.
func (a *Alert) MetricName() string {
	if a.Threshold == nil {
		return ""
	}
	return a.Threshold.MetricName
}

// MetricCategory returns the category of the originating threshold, if loaded.
func (a *Alert) MetricCategory() string {
	if a.Threshold == nil {
		return ""
	}
	return a.Threshold.MetricCategory
}

// AlertHistory is the immutable record written when an alert resolves.
type AlertHistory struct {
	ID                  int64          `json:"id"`
	AlertID             int64          `json:"alert_id"`
	ThresholdID         int64          `json:"threshold_id"`
	MetricName          string         `json:"metric_name"`
	MetricCategory      string         `json:"metric_category"`
	Severity            Severity       `json:"severity"`
	Direction           Direction      `json:"direction"`
	ThresholdValue      float64        `json:"threshold_value"`
	CurrentValue        float64        `json:"current_value"`
	TriggeredAt         time.Time      `json:"triggered_at"`
	ResolvedAt          time.Time      `json:"resolved_at"`
	WasAcknowledged     bool           `json:"was_acknowledged"`
	AcknowledgedAt      *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy      string         `json:"acknowledged_by,omitempty"`
	AcknowledgementNote string         `json:"acknowledgement_note,omitempty"`
	WasEscalated        bool           `json:"was_escalated"`
	EscalatedAt         *time.Time     `json:"escalated_at,omitempty"`
	Details             string         `json:"details,omitempty"`
	TimeToAcknowledge   *time.Duration `json:"time_to_acknowledge,omitempty"`
	TimeToResolve       time.Duration  `json:"time_to_resolve"`
	CreatedAt           time.Time      `json:"created_at"`
}

// NewAlertHistory snapshots a resolved alert. The alert must carry its
// threshold and a ResolvedAt timestamp.
func NewAlertHistory(a *Alert, createdAt time.Time) *AlertHistory {
	h := &AlertHistory{
		AlertID:             a.ID,
		ThresholdID:         a.ThresholdID,
		Severity:            a.Severity,
		CurrentValue:        a.CurrentValue,
		TriggeredAt:         a.TriggeredAt,
		WasAcknowledged:     a.IsAcknowledged,
		AcknowledgedAt:      a.AcknowledgedAt,
		AcknowledgedBy:      a.AcknowledgedBy,
		AcknowledgementNote: a.AcknowledgementNote,
		WasEscalated:        a.IsEscalated,
		EscalatedAt:         a.EscalatedAt,
		Details:             a.Details,
		CreatedAt:           createdAt,
	}
	if a.Threshold != nil {
		h.MetricName = a.Threshold.MetricName
		h.MetricCategory = a.Threshold.MetricCategory
		h.Direction = a.Threshold.Direction
		h.ThresholdValue = a.Threshold.LevelFor(a.Severity)
	}
	if a.ResolvedAt != nil {
		h.ResolvedAt = *a.ResolvedAt
		h.TimeToResolve = a.ResolvedAt.Sub(a.TriggeredAt)
	}
	if a.AcknowledgedAt != nil {
		d := a.AcknowledgedAt.Sub(a.TriggeredAt)
		h.TimeToAcknowledge = &d
	}
	return h
}
