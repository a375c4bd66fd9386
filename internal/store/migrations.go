package store

import "strings"

// Migrations use {{id}}, {{real}} and {{ts}} for the column types that
// differ between SQLite and PostgreSQL. Timestamps are unix milliseconds.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS thresholds (
		id {{id}},
		metric_name TEXT NOT NULL,
		metric_category TEXT NOT NULL,
		warning_value {{real}} NOT NULL,
		critical_value {{real}} NOT NULL,
		direction TEXT NOT NULL DEFAULT 'above',
		enabled INTEGER NOT NULL DEFAULT 1,
		email_enabled INTEGER NOT NULL DEFAULT 0,
		notification_enabled INTEGER NOT NULL DEFAULT 1,
		escalation_minutes INTEGER,
		description TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		updated_by TEXT NOT NULL DEFAULT '',
		updated_at {{ts}} NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_thresholds_metric ON thresholds(metric_name, metric_category);`,

	`CREATE TABLE IF NOT EXISTS alerts (
		id {{id}},
		threshold_id {{ts}} NOT NULL,
		severity TEXT NOT NULL,
		current_value {{real}} NOT NULL,
		triggered_at {{ts}} NOT NULL,
		resolved_at {{ts}},
		is_acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_at {{ts}},
		acknowledged_by TEXT NOT NULL DEFAULT '',
		acknowledgement_note TEXT NOT NULL DEFAULT '',
		is_escalated INTEGER NOT NULL DEFAULT 0,
		escalated_at {{ts}},
		details TEXT NOT NULL DEFAULT '',
		email_sent INTEGER NOT NULL DEFAULT 0,
		email_sent_at {{ts}},
		notification_sent INTEGER NOT NULL DEFAULT 0,
		notification_sent_at {{ts}}
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open_threshold ON alerts(threshold_id) WHERE resolved_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_alerts_resolved ON alerts(resolved_at);`,

	`CREATE TABLE IF NOT EXISTS alert_history (
		id {{id}},
		alert_id {{ts}} NOT NULL,
		threshold_id {{ts}} NOT NULL,
		metric_name TEXT NOT NULL,
		metric_category TEXT NOT NULL,
		severity TEXT NOT NULL,
		direction TEXT NOT NULL,
		threshold_value {{real}} NOT NULL,
		current_value {{real}} NOT NULL,
		triggered_at {{ts}} NOT NULL,
		resolved_at {{ts}} NOT NULL,
		was_acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_at {{ts}},
		acknowledged_by TEXT NOT NULL DEFAULT '',
		acknowledgement_note TEXT NOT NULL DEFAULT '',
		was_escalated INTEGER NOT NULL DEFAULT 0,
		escalated_at {{ts}},
		details TEXT NOT NULL DEFAULT '',
		time_to_acknowledge_ms {{ts}},
		time_to_resolve_ms {{ts}} NOT NULL,
		created_at {{ts}} NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_history_alert ON alert_history(alert_id);
	CREATE INDEX IF NOT EXISTS idx_history_triggered ON alert_history(triggered_at);`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id {{id}},
		alert_id {{ts}},
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'info',
		url TEXT NOT NULL DEFAULT '',
		dedup_key TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0,
		read_at {{ts}}
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_dedup ON notifications(user_id, dedup_key) WHERE dedup_key <> '';
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, is_read, created_at);`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 1,
		run_at {{ts}} NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		started_at {{ts}},
		finished_at {{ts}}
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(state, run_at);`,

	`ALTER TABLE jobs ADD COLUMN requested_by TEXT NOT NULL DEFAULT '';
	CREATE INDEX IF NOT EXISTS idx_jobs_requested_by ON jobs(requested_by, state, created_at);`,
}

func (s *Store) migration(i int) string {
	r := strings.NewReplacer(
		"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{real}}", "REAL",
		"{{ts}}", "INTEGER",
	)
	if s.dialect == dialectPostgres {
		r = strings.NewReplacer(
			"{{id}}", "BIGSERIAL PRIMARY KEY",
			"{{real}}", "DOUBLE PRECISION",
			"{{ts}}", "BIGINT",
		)
	}
	return r.Replace(migrations[i])
}

func (s *Store) runMigrations() error {
	db := s.db
	// Create migration tracking table
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var currentVersion int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return err
	}

	for i := currentVersion; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(s.migration(i)); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(s.q("INSERT INTO schema_version (version) VALUES (?)"), i+1); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
