package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/playok/fitalert/internal/metrics"
	"github.com/playok/fitalert/internal/model"
	"github.com/playok/fitalert/internal/notify"
	"github.com/playok/fitalert/internal/progress"
)

var (
	// ErrThresholdNotFound is returned when opening an alert for a
	// threshold that does not exist.
	ErrThresholdNotFound = errors.New("threshold not found")
	// ErrAlertClosed is returned when updating an alert that was resolved
	// in the meantime.
	ErrAlertClosed = errors.New("alert already resolved")
)

const (
	DefaultHistoryLimit = 100
	MinHistoryLimit     = 10
	MaxHistoryLimit     = 1000
)

// ClampHistoryLimit applies the history page size policy: unset means
// DefaultHistoryLimit, anything else is clamped to [MinHistoryLimit, MaxHistoryLimit].
func ClampHistoryLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultHistoryLimit
	case n < MinHistoryLimit:
		return MinHistoryLimit
	case n > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return n
}

// AlertStore is the persistence the lifecycle manager needs.
type AlertStore interface {
	GetThreshold(ctx context.Context, id int64) (*model.AlertThreshold, error)
	InsertAlert(ctx context.Context, a *model.Alert) error
	GetAlert(ctx context.Context, id int64) (*model.Alert, error)
	GetOpenAlert(ctx context.Context, thresholdID int64) (*model.Alert, error)
	ListActiveAlerts(ctx context.Context) ([]model.Alert, error)
	ListEscalationCandidates(ctx context.Context) ([]model.Alert, error)
	UpdateAlertReading(ctx context.Context, id int64, value float64, severity model.Severity) (bool, error)
	AcknowledgeAlert(ctx context.Context, id int64, actor, note string, at time.Time) (bool, error)
	EscalateAlert(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkAlertDelivery(ctx context.Context, id int64, notified, emailed bool, at time.Time) error
	ResolveAlert(ctx context.Context, id int64, at time.Time) (*model.Alert, *model.AlertHistory, error)
	ListAlertHistory(ctx context.Context, from, to *time.Time, limit int) ([]model.AlertHistory, error)
	GetAlertHistory(ctx context.Context, id int64) (*model.AlertHistory, error)
}

// Notifier fans alert events out to users and channels.
type Notifier interface {
	NotifyAlertTriggered(ctx context.Context, a *model.Alert) notify.Result
	NotifyAlertRaised(ctx context.Context, a *model.Alert) notify.Result
	NotifyAlertEscalated(ctx context.Context, a *model.Alert) notify.Result
	NotifyAlertResolved(ctx context.Context, a *model.Alert) notify.Result
}

// Manager owns alert state transitions: open, acknowledged, resolved.
// Acknowledge and resolve are compare-and-swap updates in the store, so
// concurrent callers on the same alert see exactly one winner.
type Manager struct {
	store     AlertStore
	notifier  Notifier
	publisher progress.Publisher
	now       func() time.Time
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// NewManager creates a lifecycle manager. publisher and m may be nil.
func NewManager(store AlertStore, notifier Notifier, publisher progress.Publisher, log *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:     store,
		notifier:  notifier,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.With("component", "alerting"),
		metrics:   m,
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// OpenAlert creates an alert for a threshold and notifies recipients.
// It returns an error wrapping store.ErrDuplicateOpenAlert if the
// threshold already has an open alert.
func (m *Manager) OpenAlert(ctx context.Context, thresholdID int64, severity model.Severity, value float64) (*model.Alert, error) {
	th, err := m.store.GetThreshold(ctx, thresholdID)
	if err != nil {
		return nil, fmt.Errorf("load threshold %d: %w", thresholdID, err)
	}
	if th == nil {
		return nil, fmt.Errorf("%w: %d", ErrThresholdNotFound, thresholdID)
	}

	a := &model.Alert{
		ThresholdID:  th.ID,
		Threshold:    th,
		Severity:     severity,
		CurrentValue: value,
		TriggeredAt:  m.now(),
		Details: fmt.Sprintf("Metric %s (%s) value %g breached the %s level %g (%s).",
			th.MetricName, th.MetricCategory, value, severity, th.LevelFor(severity), th.Direction),
	}
	if err := m.store.InsertAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("open alert for threshold %d: %w", thresholdID, err)
	}

	m.metrics.AlertOpened(string(severity))
	m.log.Info("alert opened", "alert_id", a.ID, "metric", th.MetricName, "category", th.MetricCategory,
		"severity", severity, "value", value)

	m.recordDelivery(ctx, a, m.notifier.NotifyAlertTriggered(ctx, a))
	m.publish("alert.opened", a)
	return a, nil
}

// OpenAlertFor returns the unresolved alert of a threshold, or nil.
func (m *Manager) OpenAlertFor(ctx context.Context, thresholdID int64) (*model.Alert, error) {
	return m.store.GetOpenAlert(ctx, thresholdID)
}

// UpdateReading records a new breaching value on an open alert. Severity
// only moves up: a Critical alert stays Critical when a later sample is
// merely Warning. It reports whether severity was raised.
func (m *Manager) UpdateReading(ctx context.Context, a *model.Alert, severity model.Severity, value float64) (bool, error) {
	next := a.Severity
	raised := severity.Rank() > a.Severity.Rank()
	if raised {
		next = severity
	}

	ok, err := m.store.UpdateAlertReading(ctx, a.ID, value, next)
	if err != nil {
		return false, fmt.Errorf("update alert %d: %w", a.ID, err)
	}
	if !ok {
		return false, ErrAlertClosed
	}
	a.CurrentValue = value
	a.Severity = next

	if raised {
		m.metrics.AlertRaised()
		m.log.Info("alert severity raised", "alert_id", a.ID, "metric", a.MetricName(), "severity", next, "value", value)
		m.recordDelivery(ctx, a, m.notifier.NotifyAlertRaised(ctx, a))
		m.publish("alert.raised", a)
	}
	return raised, nil
}

// EscalationDue reports whether a has stayed open and unacknowledged past
// its threshold's escalation window.
func EscalationDue(a *model.Alert, now time.Time) bool {
	if a.ResolvedAt != nil || a.IsAcknowledged || a.IsEscalated || a.Threshold == nil {
		return false
	}
	window, ok := a.Threshold.EscalationWindow()
	return ok && now.Sub(a.TriggeredAt) >= window
}

// Escalate flags a as escalated and re-notifies with elevated urgency.
// It returns false if the alert no longer qualifies or another caller
// escalated it first.
func (m *Manager) Escalate(ctx context.Context, a *model.Alert) (bool, error) {
	at := m.now()
	ok, err := m.store.EscalateAlert(ctx, a.ID, at)
	if err != nil {
		return false, fmt.Errorf("escalate alert %d: %w", a.ID, err)
	}
	if !ok {
		return false, nil
	}
	a.IsEscalated = true
	a.EscalatedAt = &at

	m.metrics.AlertEscalated()
	m.log.Warn("alert escalated", "alert_id", a.ID, "metric", a.MetricName(), "severity", a.Severity,
		"open_for", at.Sub(a.TriggeredAt).Round(time.Second))
	m.recordDelivery(ctx, a, m.notifier.NotifyAlertEscalated(ctx, a))
	m.publish("alert.escalated", a)
	return true, nil
}

// EscalateOverdue escalates every alert whose escalation window has
// passed and returns how many were escalated.
func (m *Manager) EscalateOverdue(ctx context.Context) (int, error) {
	candidates, err := m.store.ListEscalationCandidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("list escalation candidates: %w", err)
	}
	now := m.now()
	n := 0
	for i := range candidates {
		a := &candidates[i]
		if !EscalationDue(a, now) {
			continue
		}
		ok, err := m.Escalate(ctx, a)
		if err != nil {
			m.log.Error("escalation failed", "alert_id", a.ID, "err", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// RunEscalations calls EscalateOverdue every interval until ctx is done.
func (m *Manager) RunEscalations(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.EscalateOverdue(ctx); err != nil {
				m.log.Error("escalation sweep failed", "err", err)
			} else if n > 0 {
				m.log.Info("escalation sweep", "escalated", n)
			}
		}
	}
}

// AcknowledgeAlert records that actor is handling the alert. It returns
// false if the alert does not exist or is already resolved. The note is
// not validated here.
func (m *Manager) AcknowledgeAlert(ctx context.Context, id int64, actor, note string) (bool, error) {
	a, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return false, fmt.Errorf("load alert %d: %w", id, err)
	}
	if a == nil || a.ResolvedAt != nil {
		return false, nil
	}

	at := m.now()
	if at.Before(a.TriggeredAt) {
		at = a.TriggeredAt
	}
	ok, err := m.store.AcknowledgeAlert(ctx, id, actor, note, at)
	if err != nil {
		return false, fmt.Errorf("acknowledge alert %d: %w", id, err)
	}
	if !ok {
		return false, nil
	}

	a.IsAcknowledged = true
	if a.AcknowledgedAt == nil {
		a.AcknowledgedAt = &at
	}
	a.AcknowledgedBy, a.AcknowledgementNote = actor, note
	m.log.Info("alert acknowledged", "alert_id", id, "actor", actor)
	m.publish("alert.acknowledged", a)
	return true, nil
}

// ResolveAlert closes an alert and writes its history row. It returns
// false if the alert does not exist or was already resolved.
func (m *Manager) ResolveAlert(ctx context.Context, id int64) (bool, error) {
	return m.resolve(ctx, id, "operator")
}

// AutoResolve closes an alert whose metric no longer breaches.
func (m *Manager) AutoResolve(ctx context.Context, id int64) (bool, error) {
	return m.resolve(ctx, id, "auto")
}

func (m *Manager) resolve(ctx context.Context, id int64, by string) (bool, error) {
	current, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return false, fmt.Errorf("load alert %d: %w", id, err)
	}
	if current == nil || current.ResolvedAt != nil {
		return false, nil
	}

	at := m.now()
	if at.Before(current.TriggeredAt) {
		at = current.TriggeredAt
	}
	if current.AcknowledgedAt != nil && at.Before(*current.AcknowledgedAt) {
		at = *current.AcknowledgedAt
	}

	a, h, err := m.store.ResolveAlert(ctx, id, at)
	if err != nil {
		return false, fmt.Errorf("resolve alert %d: %w", id, err)
	}
	if a == nil {
		return false, nil
	}

	m.metrics.AlertResolved(by)
	m.log.Info("alert resolved", "alert_id", id, "metric", h.MetricName, "by", by,
		"time_to_resolve", h.TimeToResolve.Round(time.Second), "history_id", h.ID)
	m.notifier.NotifyAlertResolved(ctx, a)
	m.publish("alert.resolved", a)
	return true, nil
}

// GetAlert returns an alert by ID, or nil.
func (m *Manager) GetAlert(ctx context.Context, id int64) (*model.Alert, error) {
	return m.store.GetAlert(ctx, id)
}

// GetActiveAlerts returns unresolved alerts, most recent first.
func (m *Manager) GetActiveAlerts(ctx context.Context) ([]model.Alert, error) {
	return m.store.ListActiveAlerts(ctx)
}

// GetAlertHistory returns closed incidents triggered within [from, to],
// most recent first, at most maxResults rows. Callers apply
// ClampHistoryLimit to user input.
func (m *Manager) GetAlertHistory(ctx context.Context, from, to *time.Time, maxResults int) ([]model.AlertHistory, error) {
	return m.store.ListAlertHistory(ctx, from, to, maxResults)
}

// GetHistoryEntry returns one history row, or nil.
func (m *Manager) GetHistoryEntry(ctx context.Context, id int64) (*model.AlertHistory, error) {
	return m.store.GetAlertHistory(ctx, id)
}

func (m *Manager) recordDelivery(ctx context.Context, a *model.Alert, res notify.Result) {
	notified := res.Notifications > 0 || res.Pushed
	if !notified && !res.Emailed {
		return
	}
	at := m.now()
	if err := m.store.MarkAlertDelivery(ctx, a.ID, notified, res.Emailed, at); err != nil {
		m.log.Error("failed to record alert delivery", "alert_id", a.ID, "err", err)
		return
	}
	if notified && !a.NotificationSent {
		a.NotificationSent, a.NotificationSentAt = true, &at
	}
	if res.Emailed && !a.EmailSent {
		a.EmailSent, a.EmailSentAt = true, &at
	}
}

func (m *Manager) publish(status string, a *model.Alert) {
	if m.publisher == nil {
		return
	}
	m.publisher.PublishAll(model.ProgressEvent{
		CorrelationID: fmt.Sprintf("alert-%d", a.ID),
		Status:        status,
		Payload:       a,
		Timestamp:     m.now(),
	})
}
