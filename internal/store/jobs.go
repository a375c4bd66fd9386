package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/playok/fitalert/internal/model"
)

// jobCanceledMessage is stored on jobs canceled before they ran.
const jobCanceledMessage = "canceled"

const jobColumns = `id, kind, payload, correlation_id, requested_by, state, attempts, max_attempts, run_at, error,
	cancel_requested, created_at, updated_at, started_at, finished_at`

func scanJob(sc rowScanner) (*model.Job, error) {
	var (
		j                           model.Job
		payload                     string
		runAt, createdAt, updatedAt int64
		cancel                      int
		started, finished           sql.NullInt64
	)
	if err := sc.Scan(&j.ID, &j.Kind, &payload, &j.CorrelationID, &j.RequestedBy, &j.State, &j.Attempts, &j.MaxAttempts, &runAt, &j.Error,
		&cancel, &createdAt, &updatedAt, &started, &finished); err != nil {
		return nil, err
	}
	if payload != "" {
		j.Payload = []byte(payload)
	}
	j.RunAt = fromMillis(runAt)
	j.CancelRequested = cancel != 0
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	j.StartedAt = timePtr(started)
	j.FinishedAt = timePtr(finished)
	return &j, nil
}

// InsertJob writes a new job record.
func (s *Store) InsertJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO jobs (id, kind, payload, correlation_id, requested_by, state, attempts,
		max_attempts, run_at, error, cancel_requested, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`),
		j.ID, j.Kind, string(j.Payload), j.CorrelationID, j.RequestedBy, string(j.State), j.Attempts, j.MaxAttempts,
		millis(j.RunAt), j.Error, millis(j.CreatedAt), millis(j.UpdatedAt))
	return err
}

// GetJob returns a job by ID, or nil if it does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.q("SELECT "+jobColumns+" FROM jobs WHERE id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// ClaimNextJob moves the oldest runnable job to Processing and returns it.
// Returns nil when nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context, now time.Time) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, s.q(`SELECT id FROM jobs WHERE state IN ('Enqueued', 'Scheduled') AND run_at <= ?
		ORDER BY run_at, created_at LIMIT 1`), millis(now)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, s.q(`UPDATE jobs SET state = 'Processing', attempts = attempts + 1,
		started_at = ?, updated_at = ? WHERE id = ? AND state IN ('Enqueued', 'Scheduled')`),
		millis(now), millis(now), id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, nil
	}

	j, err := scanJob(tx.QueryRowContext(ctx, s.q("SELECT "+jobColumns+" FROM jobs WHERE id = ?"), id))
	if err != nil {
		return nil, err
	}
	return j, tx.Commit()
}

// FinishJob records a final state for a processing job.
func (s *Store) FinishJob(ctx context.Context, id string, state model.JobState, errMsg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET state = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND state = 'Processing'`),
		string(state), errMsg, millis(at), millis(at), id)
	return err
}

// RescheduleJob returns a failed attempt to the queue to run at runAt.
func (s *Store) RescheduleJob(ctx context.Context, id string, runAt time.Time, errMsg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET state = 'Scheduled', run_at = ?, error = ?, updated_at = ?
		WHERE id = ? AND state = 'Processing'`),
		millis(runAt), errMsg, millis(at), id)
	return err
}

// RequestJobCancel fails a job that has not started yet and flags a
// running one for cooperative cancellation. It returns the job's state
// after the request, or JobUnknown if the job does not exist. Each
// update is guarded by the state it expects, so a worker claiming the job
// concurrently turns the request into a flag instead of failing a
// running job.
func (s *Store) RequestJobCancel(ctx context.Context, id string, at time.Time) (model.JobState, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET state = 'Failed', error = ?, cancel_requested = 1,
		finished_at = ?, updated_at = ? WHERE id = ? AND state IN ('Enqueued', 'Scheduled')`),
		jobCanceledMessage, millis(at), millis(at), id)
	if err != nil {
		return model.JobUnknown, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.JobUnknown, err
	} else if n > 0 {
		return model.JobFailed, nil
	}

	res, err = s.db.ExecContext(ctx, s.q(`UPDATE jobs SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND state = 'Processing'`), millis(at), id)
	if err != nil {
		return model.JobUnknown, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.JobUnknown, err
	} else if n > 0 {
		return model.JobProcessing, nil
	}

	// already final, or missing
	var state model.JobState
	err = s.db.QueryRowContext(ctx, s.q("SELECT state FROM jobs WHERE id = ?"), id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobUnknown, nil
	}
	if err != nil {
		return model.JobUnknown, err
	}
	return state, nil
}

// RetryJob puts a failed job back on the queue with its attempts reset.
// It returns false if the job does not exist or has not failed.
func (s *Store) RetryJob(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET state = 'Enqueued', attempts = 0, error = '',
		cancel_requested = 0, run_at = ?, started_at = NULL, finished_at = NULL, updated_at = ?
		WHERE id = ? AND state = 'Failed'`), millis(at), millis(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// JobFilter selects jobs for ListJobs.
type JobFilter struct {
	State model.JobState // empty for any state
	// RequestedBy limits the list to one user's jobs plus system jobs.
	RequestedBy string
	Limit       int
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]model.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE 1=1"
	var args []any
	if f.State != "" {
		query += " AND state = ?"
		args = append(args, string(f.State))
	}
	if f.RequestedBy != "" {
		query += " AND requested_by IN (?, '')"
		args = append(args, f.RequestedBy)
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// JobCancelRequested reports whether cancellation was requested for a job.
func (s *Store) JobCancelRequested(ctx context.Context, id string) (bool, error) {
	var cancel int
	err := s.db.QueryRowContext(ctx, s.q("SELECT cancel_requested FROM jobs WHERE id = ?"), id).Scan(&cancel)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return cancel != 0, err
}

// RequeueInterruptedJobs returns jobs left in Processing by a previous
// process back to Enqueued.
func (s *Store) RequeueInterruptedJobs(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q("UPDATE jobs SET state = 'Enqueued', run_at = ?, updated_at = ? WHERE state = 'Processing'"),
		millis(at), millis(at))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountPendingJobs returns the number of jobs waiting to run.
func (s *Store) CountPendingJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE state IN ('Enqueued', 'Scheduled')").Scan(&n)
	return n, err
}
