package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/playok/fitalert/internal/model"
)

const thresholdColumns = `id, metric_name, metric_category, warning_value, critical_value, direction,
	enabled, email_enabled, notification_enabled, escalation_minutes, description,
	created_by, created_at, updated_by, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThreshold(sc rowScanner) (*model.AlertThreshold, error) {
	var (
		t                      model.AlertThreshold
		enabled, email, notify int
		escalation             sql.NullInt64
		createdAt, updatedAt   int64
	)
	if err := sc.Scan(&t.ID, &t.MetricName, &t.MetricCategory, &t.WarningValue, &t.CriticalValue, &t.Direction,
		&enabled, &email, &notify, &escalation, &t.Description,
		&t.CreatedBy, &createdAt, &t.UpdatedBy, &updatedAt); err != nil {
		return nil, err
	}
	t.Enabled = enabled != 0
	t.EmailEnabled = email != 0
	t.NotificationEnabled = notify != 0
	if escalation.Valid {
		m := int(escalation.Int64)
		t.EscalationMinutes = &m
	}
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

func (s *Store) queryThresholds(ctx context.Context, query string, args ...any) ([]model.AlertThreshold, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []model.AlertThreshold
	for rows.Next() {
		t, err := scanThreshold(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

// ListThresholds returns every configured threshold.
func (s *Store) ListThresholds(ctx context.Context) ([]model.AlertThreshold, error) {
	return s.queryThresholds(ctx, "SELECT "+thresholdColumns+" FROM thresholds ORDER BY metric_category, metric_name, id")
}

// ListEnabledThresholds returns thresholds the evaluator should apply.
func (s *Store) ListEnabledThresholds(ctx context.Context) ([]model.AlertThreshold, error) {
	return s.queryThresholds(ctx, "SELECT "+thresholdColumns+" FROM thresholds WHERE enabled = 1 ORDER BY id")
}

// CountThresholds returns the number of configured thresholds.
func (s *Store) CountThresholds(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM thresholds").Scan(&n)
	return n, err
}

// GetThreshold returns a threshold by ID, or nil if it does not exist.
func (s *Store) GetThreshold(ctx context.Context, id int64) (*model.AlertThreshold, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+thresholdColumns+" FROM thresholds WHERE id = ?"), id)
	t, err := scanThreshold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// FindThreshold returns the threshold for a metric name and category,
// preferring an enabled one. Returns nil if none exists.
func (s *Store) FindThreshold(ctx context.Context, name, category string) (*model.AlertThreshold, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+thresholdColumns+
		" FROM thresholds WHERE metric_name = ? AND metric_category = ? ORDER BY enabled DESC, id LIMIT 1"),
		name, category)
	t, err := scanThreshold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// UpsertThreshold inserts t when its ID is zero and updates it otherwise.
// Audit fields are stamped with actor and the current time. Updating a
// missing ID returns sql.ErrNoRows.
func (s *Store) UpsertThreshold(ctx context.Context, t *model.AlertThreshold, actor string) error {
	now := time.Now().UTC()
	var escalation sql.NullInt64
	if t.EscalationMinutes != nil {
		escalation = sql.NullInt64{Int64: int64(*t.EscalationMinutes), Valid: true}
	}

	if t.ID == 0 {
		err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO thresholds (metric_name, metric_category, warning_value, critical_value,
			direction, enabled, email_enabled, notification_enabled, escalation_minutes, description,
			created_by, created_at, updated_by, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			t.MetricName, t.MetricCategory, t.WarningValue, t.CriticalValue,
			string(t.Direction), boolInt(t.Enabled), boolInt(t.EmailEnabled), boolInt(t.NotificationEnabled), escalation, t.Description,
			actor, millis(now), actor, millis(now)).Scan(&t.ID)
		if err != nil {
			return err
		}
		t.CreatedBy, t.CreatedAt = actor, fromMillis(millis(now))
		t.UpdatedBy, t.UpdatedAt = actor, fromMillis(millis(now))
		return nil
	}

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE thresholds SET metric_name=?, metric_category=?, warning_value=?, critical_value=?,
		direction=?, enabled=?, email_enabled=?, notification_enabled=?, escalation_minutes=?, description=?,
		updated_by=?, updated_at=? WHERE id=?`),
		t.MetricName, t.MetricCategory, t.WarningValue, t.CriticalValue,
		string(t.Direction), boolInt(t.Enabled), boolInt(t.EmailEnabled), boolInt(t.NotificationEnabled), escalation, t.Description,
		actor, millis(now), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	t.UpdatedBy, t.UpdatedAt = actor, fromMillis(millis(now))
	return nil
}

// DeleteThreshold removes a threshold together with its live alerts.
// History rows are kept. Returns false if the threshold did not exist.
func (s *Store) DeleteThreshold(ctx context.Context, id int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM alerts WHERE threshold_id = ?"), id); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, s.q("DELETE FROM thresholds WHERE id = ?"), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, tx.Commit()
}
