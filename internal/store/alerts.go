package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/playok/fitalert/internal/model"
)

// ErrDuplicateOpenAlert is returned by InsertAlert when the threshold
// already has an unresolved alert.
var ErrDuplicateOpenAlert = errors.New("threshold already has an open alert")

const alertColumns = `a.id, a.threshold_id, a.severity, a.current_value, a.triggered_at, a.resolved_at,
	a.is_acknowledged, a.acknowledged_at, a.acknowledged_by, a.acknowledgement_note,
	a.is_escalated, a.escalated_at, a.details,
	a.email_sent, a.email_sent_at, a.notification_sent, a.notification_sent_at,
	t.id, t.metric_name, t.metric_category, t.warning_value, t.critical_value, t.direction,
	t.enabled, t.email_enabled, t.notification_enabled, t.escalation_minutes, t.description,
	t.created_by, t.created_at, t.updated_by, t.updated_at`

const alertFrom = ` FROM alerts a JOIN thresholds t ON t.id = a.threshold_id`

func scanAlert(sc rowScanner) (*model.Alert, error) {
	var (
		a                                         model.Alert
		th                                        model.AlertThreshold
		triggered                                 int64
		resolved, acked, escalated, email, notify sql.NullInt64
		isAck, isEsc, emailSent, notifySent       int
		thEnabled, thEmail, thNotify              int
		thEscalation                              sql.NullInt64
		thCreated, thUpdated                      int64
	)
	err := sc.Scan(&a.ID, &a.ThresholdID, &a.Severity, &a.CurrentValue, &triggered, &resolved,
		&isAck, &acked, &a.AcknowledgedBy, &a.AcknowledgementNote,
		&isEsc, &escalated, &a.Details,
		&emailSent, &email, &notifySent, &notify,
		&th.ID, &th.MetricName, &th.MetricCategory, &th.WarningValue, &th.CriticalValue, &th.Direction,
		&thEnabled, &thEmail, &thNotify, &thEscalation, &th.Description,
		&th.CreatedBy, &thCreated, &th.UpdatedBy, &thUpdated)
	if err != nil {
		return nil, err
	}
	a.TriggeredAt = fromMillis(triggered)
	a.ResolvedAt = timePtr(resolved)
	a.IsAcknowledged = isAck != 0
	a.AcknowledgedAt = timePtr(acked)
	a.IsEscalated = isEsc != 0
	a.EscalatedAt = timePtr(escalated)
	a.EmailSent = emailSent != 0
	a.EmailSentAt = timePtr(email)
	a.NotificationSent = notifySent != 0
	a.NotificationSentAt = timePtr(notify)

	th.Enabled = thEnabled != 0
	th.EmailEnabled = thEmail != 0
	th.NotificationEnabled = thNotify != 0
	if thEscalation.Valid {
		m := int(thEscalation.Int64)
		th.EscalationMinutes = &m
	}
	th.CreatedAt = fromMillis(thCreated)
	th.UpdatedAt = fromMillis(thUpdated)
	a.Threshold = &th
	return &a, nil
}

// InsertAlert stores a new open alert and sets its ID. It returns
// ErrDuplicateOpenAlert if the threshold already has one.
func (s *Store) InsertAlert(ctx context.Context, a *model.Alert) error {
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO alerts (threshold_id, severity, current_value, triggered_at, details)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (threshold_id) WHERE resolved_at IS NULL DO NOTHING
		RETURNING id`),
		a.ThresholdID, string(a.Severity), a.CurrentValue, millis(a.TriggeredAt), a.Details).Scan(&a.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicateOpenAlert
	}
	return err
}

// GetAlert returns an alert with its threshold, or nil if it does not exist.
func (s *Store) GetAlert(ctx context.Context, id int64) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+alertColumns+alertFrom+" WHERE a.id = ?"), id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// GetOpenAlert returns the unresolved alert for a threshold, or nil.
func (s *Store) GetOpenAlert(ctx context.Context, thresholdID int64) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+alertColumns+alertFrom+
		" WHERE a.threshold_id = ? AND a.resolved_at IS NULL"), thresholdID)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ListActiveAlerts returns unresolved alerts, most recent first.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]model.Alert, error) {
	return s.queryAlerts(ctx, "SELECT "+alertColumns+alertFrom+
		" WHERE a.resolved_at IS NULL ORDER BY a.triggered_at DESC, a.id DESC")
}

// ListEscalationCandidates returns open, unacknowledged, unescalated alerts whose
// threshold has an escalation window.
func (s *Store) ListEscalationCandidates(ctx context.Context) ([]model.Alert, error) {
	return s.queryAlerts(ctx, "SELECT "+alertColumns+alertFrom+
		` WHERE a.resolved_at IS NULL AND a.is_acknowledged = 0 AND a.is_escalated = 0
		AND t.escalation_minutes IS NOT NULL AND t.escalation_minutes > 0
		ORDER BY a.triggered_at`)
}

func (s *Store) queryAlerts(ctx context.Context, query string, args ...any) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

// UpdateAlertReading records the latest value and severity of an open
// alert. Returns false if the alert is missing or resolved.
func (s *Store) UpdateAlertReading(ctx context.Context, id int64, value float64, severity model.Severity) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		"UPDATE alerts SET current_value = ?, severity = ? WHERE id = ? AND resolved_at IS NULL"),
		value, string(severity), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AcknowledgeAlert marks an unresolved alert acknowledged. The first
// acknowledgement time is kept on repeat calls. Returns false if the alert
// is missing or already resolved.
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64, actor, note string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE alerts SET is_acknowledged = 1,
		acknowledged_at = COALESCE(acknowledged_at, ?), acknowledged_by = ?, acknowledgement_note = ?
		WHERE id = ? AND resolved_at IS NULL`),
		millis(at), actor, note, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// EscalateAlert flags an open, unacknowledged alert as escalated. Returns
// false if another caller escalated it first or it no longer qualifies.
func (s *Store) EscalateAlert(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE alerts SET is_escalated = 1, escalated_at = ?
		WHERE id = ? AND resolved_at IS NULL AND is_acknowledged = 0 AND is_escalated = 0`),
		millis(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkAlertDelivery sets the notification and email flags that are true.
// Flags already set are left alone.
func (s *Store) MarkAlertDelivery(ctx context.Context, id int64, notified, emailed bool, at time.Time) error {
	if notified {
		if _, err := s.db.ExecContext(ctx, s.q(
			"UPDATE alerts SET notification_sent = 1, notification_sent_at = ? WHERE id = ? AND notification_sent = 0"),
			millis(at), id); err != nil {
			return err
		}
	}
	if emailed {
		if _, err := s.db.ExecContext(ctx, s.q(
			"UPDATE alerts SET email_sent = 1, email_sent_at = ? WHERE id = ? AND email_sent = 0"),
			millis(at), id); err != nil {
			return err
		}
	}
	return nil
}

// ResolveAlert closes an unresolved alert and writes its history row in
// the same transaction. It returns the resolved alert and the history
// row, or nil, nil if the alert is missing or was already resolved.
func (s *Store) ResolveAlert(ctx context.Context, id int64, at time.Time) (*model.Alert, *model.AlertHistory, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q("UPDATE alerts SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL"), millis(at), id)
	if err != nil {
		return nil, nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, nil, err
	} else if n == 0 {
		return nil, nil, nil
	}

	a, err := scanAlert(tx.QueryRowContext(ctx, s.q("SELECT "+alertColumns+alertFrom+" WHERE a.id = ?"), id))
	if err != nil {
		return nil, nil, err
	}

	h := model.NewAlertHistory(a, at)
	err = tx.QueryRowContext(ctx, s.q(`INSERT INTO alert_history (alert_id, threshold_id, metric_name, metric_category,
		severity, direction, threshold_value, current_value, triggered_at, resolved_at,
		was_acknowledged, acknowledged_at, acknowledged_by, acknowledgement_note,
		was_escalated, escalated_at, details, time_to_acknowledge_ms, time_to_resolve_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		h.AlertID, h.ThresholdID, h.MetricName, h.MetricCategory,
		string(h.Severity), string(h.Direction), h.ThresholdValue, h.CurrentValue, millis(h.TriggeredAt), millis(h.ResolvedAt),
		boolInt(h.WasAcknowledged), nullMillis(h.AcknowledgedAt), h.AcknowledgedBy, h.AcknowledgementNote,
		boolInt(h.WasEscalated), nullMillis(h.EscalatedAt), h.Details, nullDuration(h.TimeToAcknowledge), h.TimeToResolve.Milliseconds(),
		millis(h.CreatedAt)).Scan(&h.ID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return a, h, nil
}

const historyColumns = `id, alert_id, threshold_id, metric_name, metric_category, severity, direction,
	threshold_value, current_value, triggered_at, resolved_at,
	was_acknowledged, acknowledged_at, acknowledged_by, acknowledgement_note,
	was_escalated, escalated_at, details, time_to_acknowledge_ms, time_to_resolve_ms, created_at`

func scanHistory(sc rowScanner) (*model.AlertHistory, error) {
	var (
		h                            model.AlertHistory
		triggered, resolved, created int64
		toResolve                    int64
		acked, escalated, toAck      sql.NullInt64
		wasAck, wasEsc               int
	)
	err := sc.Scan(&h.ID, &h.AlertID, &h.ThresholdID, &h.MetricName, &h.MetricCategory, &h.Severity, &h.Direction,
		&h.ThresholdValue, &h.CurrentValue, &triggered, &resolved,
		&wasAck, &acked, &h.AcknowledgedBy, &h.AcknowledgementNote,
		&wasEsc, &escalated, &h.Details, &toAck, &toResolve, &created)
	if err != nil {
		return nil, err
	}
	h.TriggeredAt = fromMillis(triggered)
	h.ResolvedAt = fromMillis(resolved)
	h.CreatedAt = fromMillis(created)
	h.WasAcknowledged = wasAck != 0
	h.AcknowledgedAt = timePtr(acked)
	h.WasEscalated = wasEsc != 0
	h.EscalatedAt = timePtr(escalated)
	h.TimeToAcknowledge = durationPtr(toAck)
	h.TimeToResolve = time.Duration(toResolve) * time.Millisecond
	return &h, nil
}

// ListAlertHistory returns history rows triggered within [from, to], most
// recent first. Nil bounds are open. limit <= 0 means no limit.
func (s *Store) ListAlertHistory(ctx context.Context, from, to *time.Time, limit int) ([]model.AlertHistory, error) {
	query := "SELECT " + historyColumns + " FROM alert_history WHERE 1=1"
	var args []any
	if from != nil {
		query += " AND triggered_at >= ?"
		args = append(args, millis(*from))
	}
	if to != nil {
		query += " AND triggered_at <= ?"
		args = append(args, millis(*to))
	}
	query += " ORDER BY triggered_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []model.AlertHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *h)
	}
	return result, rows.Err()
}

// GetAlertHistory returns a history row by ID, or nil.
func (s *Store) GetAlertHistory(ctx context.Context, id int64) (*model.AlertHistory, error) {
	h, err := scanHistory(s.db.QueryRowContext(ctx, s.q("SELECT "+historyColumns+" FROM alert_history WHERE id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return h, err
}

// CountAlertHistory returns the number of history rows for an alert.
func (s *Store) CountAlertHistory(ctx context.Context, alertID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM alert_history WHERE alert_id = ?"), alertID).Scan(&n)
	return n, err
}
