package store

import (
	"context"
	"time"
)

// PruneResolvedAlerts deletes alerts resolved before cutoff.
func (s *Store) PruneResolvedAlerts(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.prune(ctx, "DELETE FROM alerts WHERE resolved_at IS NOT NULL AND resolved_at < ?", cutoff)
}

// PruneNotifications deletes notifications created before cutoff.
func (s *Store) PruneNotifications(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.prune(ctx, "DELETE FROM notifications WHERE created_at < ?", cutoff)
}

// PruneHistory deletes history rows created before cutoff.
func (s *Store) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.prune(ctx, "DELETE FROM alert_history WHERE created_at < ?", cutoff)
}

// PruneFinishedJobs deletes succeeded or failed jobs finished before cutoff.
func (s *Store) PruneFinishedJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.prune(ctx, "DELETE FROM jobs WHERE state IN ('Succeeded', 'Failed') AND finished_at < ?", cutoff)
}

func (s *Store) prune(ctx context.Context, query string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(query), millis(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
