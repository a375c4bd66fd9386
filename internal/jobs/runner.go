// Package jobs runs background work out of a durable queue. Jobs survive a
// restart, retry with exponential backoff and report progress to the
// caller's correlation id.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/playok/fitalert/internal/config"
	"github.com/playok/fitalert/internal/metrics"
	"github.com/playok/fitalert/internal/model"
	"github.com/playok/fitalert/internal/progress"
	"github.com/playok/fitalert/internal/store"
)

var (
	// ErrQueueUnavailable is returned by Enqueue when the job could not be
	// written to the queue.
	ErrQueueUnavailable = errors.New("job queue unavailable")
	// ErrUnknownKind is returned by Enqueue for kinds without a handler.
	ErrUnknownKind = errors.New("unknown job kind")
	// ErrCanceled is returned by Progress.Checkpoint once cancellation was
	// requested.
	ErrCanceled = errors.New("job canceled")
	// ErrForbidden is returned when work targets another user's data.
	ErrForbidden = errors.New("job not permitted for requester")
)

const canceledMessage = "canceled"

// Store is the durable queue.
type Store interface {
	InsertJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ClaimNextJob(ctx context.Context, now time.Time) (*model.Job, error)
	FinishJob(ctx context.Context, id string, state model.JobState, errMsg string, at time.Time) error
	RescheduleJob(ctx context.Context, id string, runAt time.Time, errMsg string, at time.Time) error
	RequestJobCancel(ctx context.Context, id string, at time.Time) (model.JobState, error)
	JobCancelRequested(ctx context.Context, id string) (bool, error)
	RequeueInterruptedJobs(ctx context.Context, at time.Time) (int64, error)
	CountPendingJobs(ctx context.Context) (int, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]model.Job, error)
	RetryJob(ctx context.Context, id string, at time.Time) (bool, error)
}

// Handler executes one job. Returning an error wrapped with
// backoff.Permanent fails the job without further attempts.
type Handler func(ctx context.Context, job *model.Job, p *Progress) error

type running struct {
	cancel   context.CancelFunc
	canceled bool
}

// Runner is a worker pool draining the job queue.
type Runner struct {
	store     Store
	publisher progress.Publisher
	cfg       config.JobsConfig
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	handlers map[string]Handler

	mu      sync.Mutex
	running map[string]*running

	wake chan struct{}
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewRunner creates a runner. publisher and m may be nil.
func NewRunner(store Store, publisher progress.Publisher, cfg config.JobsConfig, log *slog.Logger, m *metrics.Metrics) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Runner{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		log:       log.With("component", "jobs"),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		handlers:  make(map[string]Handler),
		running:   make(map[string]*running),
		wake:      make(chan struct{}, 1),
	}
}

// SetClock replaces the time source.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// Register binds a handler to a job kind. Call before Start.
func (r *Runner) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

// Kinds returns the registered job kinds.
func (r *Runner) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Start requeues jobs interrupted by a previous shutdown and launches the
// workers. They run until ctx is canceled or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	n, err := r.store.RequeueInterruptedJobs(ctx, r.now())
	if err != nil {
		return fmt.Errorf("requeue interrupted jobs: %w", err)
	}
	if n > 0 {
		r.log.Info("requeued interrupted jobs", "count", n)
	}

	ctx, r.stop = context.WithCancel(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
	r.log.Info("job runner started", "workers", r.cfg.Workers, "kinds", len(r.handlers))
	return nil
}

// Stop cancels running jobs and waits for the workers to exit. Jobs
// interrupted this way are put back on the queue.
func (r *Runner) Stop() {
	if r.stop != nil {
		r.stop()
	}
	r.wg.Wait()
}

// Enqueue durably records work and returns the job id. It fails fast
// with ErrQueueUnavailable if the queue cannot be written.
func (r *Runner) Enqueue(ctx context.Context, work model.WorkDescriptor, correlationID string) (string, error) {
	if _, ok := r.handlers[work.Kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, work.Kind)
	}
	if err := authorize(work); err != nil {
		return "", err
	}
	now := r.now()
	job := &model.Job{
		ID:            uuid.NewString(),
		Kind:          work.Kind,
		Payload:       work.Payload,
		CorrelationID: correlationID,
		RequestedBy:   work.RequestedBy,
		State:         model.JobEnqueued,
		MaxAttempts:   r.cfg.MaxAttempts,
		RunAt:         now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.InsertJob(ctx, job); err != nil {
		return "", fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	r.log.Info("job enqueued", "job_id", job.ID, "kind", job.Kind, "correlation_id", correlationID)

	r.publish(job, 0, model.JobProgress{State: string(model.JobEnqueued)})
	r.refreshPending(ctx)
	r.signal()
	return job.ID, nil
}

// EnqueueEvery enqueues work on a fixed interval until ctx is canceled.
func (r *Runner) EnqueueEvery(ctx context.Context, interval time.Duration, work model.WorkDescriptor) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Enqueue(ctx, work, ""); err != nil {
				r.log.Warn("periodic enqueue failed", "kind", work.Kind, "err", err)
			}
		}
	}
}

// Get returns the job record, or nil if it does not exist.
func (r *Runner) Get(ctx context.Context, id string) (*model.Job, error) {
	return r.store.GetJob(ctx, id)
}

// GetState returns the state of a job. Unknown ids and lookup failures
// report JobUnknown.
func (r *Runner) GetState(ctx context.Context, id string) model.JobState {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		r.log.Warn("job state lookup failed", "job_id", id, "err", err)
		return model.JobUnknown
	}
	if job == nil {
		return model.JobUnknown
	}
	return job.State
}

// IsInProgress reports whether a job is waiting or running.
func (r *Runner) IsInProgress(ctx context.Context, id string) bool {
	return r.GetState(ctx, id).InProgress()
}

// Cancel requests cancellation. Jobs that have not started fail at once;
// a running job is interrupted at its next checkpoint. It returns the
// state after the request.
func (r *Runner) Cancel(ctx context.Context, id string) (model.JobState, error) {
	state, err := r.store.RequestJobCancel(ctx, id, r.now())
	if err != nil {
		return model.JobUnknown, err
	}
	if state == model.JobProcessing {
		r.mu.Lock()
		if run, ok := r.running[id]; ok {
			run.canceled = true
			run.cancel()
		}
		r.mu.Unlock()
	}
	if state == model.JobFailed {
		r.log.Info("job canceled before start", "job_id", id)
		r.refreshPending(ctx)
	}
	return state, nil
}

// List returns jobs newest first, e.g. the failed ones for review.
func (r *Runner) List(ctx context.Context, f store.JobFilter) ([]model.Job, error) {
	return r.store.ListJobs(ctx, f)
}

// Retry requeues a failed job with a fresh attempt budget. It returns
// false if the job does not exist or has not failed.
func (r *Runner) Retry(ctx context.Context, id string) (bool, error) {
	ok, err := r.store.RetryJob(ctx, id, r.now())
	if err != nil || !ok {
		return false, err
	}
	r.log.Info("job requeued for retry", "job_id", id)
	if job, err := r.store.GetJob(ctx, id); err == nil && job != nil {
		r.publish(job, 0, model.JobProgress{State: string(model.JobEnqueued)})
	}
	r.refreshPending(ctx)
	r.signal()
	return true, nil
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) worker(ctx context.Context, n int) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := r.store.ClaimNextJob(ctx, r.now())
		if err != nil {
			if ctx.Err() == nil {
				r.log.Error("claim job failed", "worker", n, "err", err)
			}
		} else if job != nil {
			r.refreshPending(ctx)
			r.execute(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

func (r *Runner) execute(ctx context.Context, job *model.Job) {
	log := r.log.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)
	h, ok := r.handlers[job.Kind]
	if !ok {
		r.finish(ctx, job, model.JobFailed, ErrUnknownKind.Error())
		log.Error("no handler for job kind")
		return
	}

	jctx, cancel := context.WithCancel(ctx)
	if r.cfg.JobTimeout > 0 {
		jctx, cancel = context.WithTimeout(ctx, r.cfg.JobTimeout)
	}
	run := &running{cancel: cancel}
	r.mu.Lock()
	r.running[job.ID] = run
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, job.ID)
		r.mu.Unlock()
		cancel()
	}()

	log.Info("job started")
	p := &Progress{runner: r, job: job}
	p.Report(0, model.JobProgress{Details: "started"})

	err := r.invoke(jctx, h, job, p)

	r.mu.Lock()
	canceled := run.canceled
	r.mu.Unlock()

	var permanent *backoff.PermanentError
	switch {
	case err == nil:
		r.finish(ctx, job, model.JobSucceeded, "")
		log.Info("job succeeded")
	case canceled || errors.Is(err, ErrCanceled):
		r.finish(ctx, job, model.JobFailed, canceledMessage)
		log.Info("job canceled")
	case ctx.Err() != nil:
		// runner stopping
		r.reschedule(ctx, job, r.now(), "interrupted")
		log.Info("job interrupted by shutdown")
	case errors.As(err, &permanent) || job.Attempts >= job.MaxAttempts:
		r.finish(ctx, job, model.JobFailed, err.Error())
		log.Error("job failed", "err", err)
	default:
		delay := r.retryDelay(job.Attempts)
		r.reschedule(ctx, job, r.now().Add(delay), err.Error())
		log.Warn("job attempt failed, retrying", "err", err, "retry_in", delay)
	}
}

func (r *Runner) invoke(ctx context.Context, h Handler, job *model.Job, p *Progress) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("job panicked", "job_id", job.ID, "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return h(ctx, job, p)
}

// retryDelay returns the backoff before the attempt following attempt.
func (r *Runner) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	if r.cfg.BackoffInitial > 0 {
		b.InitialInterval = r.cfg.BackoffInitial
	}
	if r.cfg.BackoffMax > 0 {
		b.MaxInterval = r.cfg.BackoffMax
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (r *Runner) finish(ctx context.Context, job *model.Job, state model.JobState, msg string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.FinishJob(wctx, job.ID, state, msg, r.now()); err != nil {
		r.log.Error("record job result failed", "job_id", job.ID, "state", state, "err", err)
	}
	job.State = state
	job.Error = msg

	percent := 100
	if state != model.JobSucceeded {
		percent = 0
	}
	r.publish(job, percent, model.JobProgress{State: string(state), ErrorMessage: msg})
	r.metrics.JobFinished(job.Kind, string(state))
}

func (r *Runner) reschedule(ctx context.Context, job *model.Job, runAt time.Time, msg string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.RescheduleJob(wctx, job.ID, runAt, msg, r.now()); err != nil {
		r.log.Error("reschedule job failed", "job_id", job.ID, "err", err)
	}
	job.State = model.JobScheduled
	job.Error = msg
	r.publish(job, 0, model.JobProgress{State: string(model.JobScheduled), ErrorMessage: msg})
	r.refreshPending(wctx)
}

func (r *Runner) refreshPending(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	if n, err := r.store.CountPendingJobs(ctx); err == nil {
		r.metrics.SetJobsPending(n)
	}
}

// publish sends a progress event to the job id and, when it differs, the
// caller's correlation id.
func (r *Runner) publish(job *model.Job, percent int, jp model.JobProgress) {
	if r.publisher == nil {
		return
	}
	jp.JobID = job.ID
	if jp.State == "" {
		jp.State = string(job.State)
	}
	ev := model.ProgressEvent{
		Percent:   percent,
		Status:    "job." + job.Kind,
		Payload:   jp,
		Timestamp: r.now(),
	}
	r.publisher.Publish(job.ID, ev)
	if job.CorrelationID != "" && job.CorrelationID != job.ID {
		r.publisher.Publish(job.CorrelationID, ev)
	}
}

// Progress is handed to a running handler for reporting and cooperative
// cancellation.
type Progress struct {
	runner *Runner
	job    *model.Job
}

// JobID returns the id of the running job.
func (p *Progress) JobID() string { return p.job.ID }

// Report publishes a progress update. percent is clamped to [0, 100].
func (p *Progress) Report(percent int, jp model.JobProgress) {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	jp.State = string(model.JobProcessing)
	p.runner.publish(p.job, percent, jp)
}

// Checkpoint returns ErrCanceled once cancellation was requested for the
// job, or ctx.Err() if ctx is done. Handlers call it between steps.
func (p *Progress) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	requested, err := p.runner.store.JobCancelRequested(ctx, p.job.ID)
	if err != nil {
		p.runner.log.Warn("cancel flag lookup failed", "job_id", p.job.ID, "err", err)
		return nil
	}
	if requested {
		return ErrCanceled
	}
	return nil
}
