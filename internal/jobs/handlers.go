package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/playok/fitalert/internal/config"
	"github.com/playok/fitalert/internal/model"
)

const (
	KindPurgeNotifications = "notifications.purge"
	KindMaintenance        = "alerts.maintenance"
)

const defaultPurgeBatch = 500

// PurgeStore deletes notifications in batches.
type PurgeStore interface {
	CountNotifications(ctx context.Context, userID string) (int64, error)
	DeleteNotificationsBatch(ctx context.Context, userID string, limit int) (int64, error)
}

// PurgePayload is the payload of a notifications.purge job.
type PurgePayload struct {
	UserID    string `json:"user_id"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// authorize rejects work that names a user other than its requester.
// Undecodable payloads pass here and fail in the handler.
func authorize(work model.WorkDescriptor) error {
	if work.Kind != KindPurgeNotifications || work.RequestedBy == "" || len(work.Payload) == 0 {
		return nil
	}
	var args PurgePayload
	if err := json.Unmarshal(work.Payload, &args); err != nil {
		return nil
	}
	if args.UserID != "" && args.UserID != work.RequestedBy {
		return fmt.Errorf("%w: user %s cannot purge notifications of %s", ErrForbidden, work.RequestedBy, args.UserID)
	}
	return nil
}

// PurgeNotifications deletes every notification of one user, reporting
// progress after each batch.
func PurgeNotifications(s PurgeStore) Handler {
	return func(ctx context.Context, job *model.Job, p *Progress) error {
		var args PurgePayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &args); err != nil {
				return backoff.Permanent(fmt.Errorf("decode payload: %w", err))
			}
		}
		if args.UserID == "" {
			args.UserID = job.RequestedBy
		}
		if args.UserID == "" {
			return backoff.Permanent(errors.New("user_id is required"))
		}
		if job.RequestedBy != "" && args.UserID != job.RequestedBy {
			return backoff.Permanent(fmt.Errorf("%w: user %s cannot purge notifications of %s",
				ErrForbidden, job.RequestedBy, args.UserID))
		}
		if args.BatchSize <= 0 {
			args.BatchSize = defaultPurgeBatch
		}

		total, err := s.CountNotifications(ctx, args.UserID)
		if err != nil {
			return fmt.Errorf("count notifications: %w", err)
		}
		var deleted int64
		for {
			if err := p.Checkpoint(ctx); err != nil {
				return err
			}
			n, err := s.DeleteNotificationsBatch(ctx, args.UserID, args.BatchSize)
			if err != nil {
				return fmt.Errorf("delete notifications: %w", err)
			}
			if n == 0 {
				break
			}
			deleted += n
			percent := 100
			if total > 0 {
				percent = int(deleted * 100 / total)
			}
			p.Report(percent, model.JobProgress{
				CurrentItem:    args.UserID,
				ProcessedItems: deleted,
				TotalItems:     total,
			})
		}
		p.Report(100, model.JobProgress{
			CurrentItem:    args.UserID,
			ProcessedItems: deleted,
			TotalItems:     total,
			Details:        fmt.Sprintf("deleted %d notifications", deleted),
		})
		return nil
	}
}

// RetentionStore prunes aged records.
type RetentionStore interface {
	PruneResolvedAlerts(ctx context.Context, cutoff time.Time) (int64, error)
	PruneNotifications(ctx context.Context, cutoff time.Time) (int64, error)
	PruneHistory(ctx context.Context, cutoff time.Time) (int64, error)
	PruneFinishedJobs(ctx context.Context, cutoff time.Time) (int64, error)
}

type pruneStep struct {
	name string
	days int
	fn   func(context.Context, time.Time) (int64, error)
}

// Maintenance applies the retention policy. A zero or negative day count
// keeps that collection forever.
func Maintenance(s RetentionStore, cfg config.RetentionConfig, now func() time.Time) Handler {
	steps := []pruneStep{
		{"resolved_alerts", cfg.ResolvedAlertsDays, s.PruneResolvedAlerts},
		{"notifications", cfg.NotificationsDays, s.PruneNotifications},
		{"alert_history", cfg.HistoryDays, s.PruneHistory},
		{"jobs", cfg.JobsDays, s.PruneFinishedJobs},
	}
	return func(ctx context.Context, job *model.Job, p *Progress) error {
		var removed int64
		for i, step := range steps {
			if err := p.Checkpoint(ctx); err != nil {
				return err
			}
			if step.days > 0 {
				cutoff := now().AddDate(0, 0, -step.days)
				n, err := step.fn(ctx, cutoff)
				if err != nil {
					return fmt.Errorf("prune %s: %w", step.name, err)
				}
				removed += n
				if n > 0 {
					p.runner.log.Info("pruned records", "collection", step.name, "count", n, "cutoff", cutoff)
				}
			}
			p.Report((i+1)*100/len(steps), model.JobProgress{
				CurrentItem:    step.name,
				ProcessedItems: int64(i + 1),
				TotalItems:     int64(len(steps)),
				Details:        fmt.Sprintf("removed %d records", removed),
			})
		}
		return nil
	}
}
