package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playok/fitalert/internal/config"
	"github.com/playok/fitalert/internal/logging"
	"github.com/playok/fitalert/internal/model"
	"github.com/playok/fitalert/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events map[string][]model.ProgressEvent
}

func (r *recorder) Publish(id string, ev model.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = make(map[string][]model.ProgressEvent)
	}
	r.events[id] = append(r.events[id], ev)
}

func (r *recorder) PublishAll(model.ProgressEvent) {}

func (r *recorder) For(id string) []model.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ProgressEvent(nil), r.events[id]...)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() config.JobsConfig {
	return config.JobsConfig{
		Workers:        2,
		PollInterval:   10 * time.Millisecond,
		MaxAttempts:    3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		JobTimeout:     5 * time.Second,
	}
}

func newTestRunner(t *testing.T, st Store, pub *recorder) *Runner {
	t.Helper()
	r := NewRunner(st, pub, testConfig(), logging.Discard(), nil)
	return r
}

func start(t *testing.T, r *Runner) {
	t.Helper()
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
}

func waitState(t *testing.T, r *Runner, id string, want model.JobState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.GetState(context.Background(), id) == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
}

func TestEnqueueFailsFastWhenQueueUnavailable(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	r := newTestRunner(t, s, &recorder{})
	r.Register("test.noop", func(context.Context, *model.Job, *Progress) error { return nil })
	require.NoError(t, s.Close())

	id, err := r.Enqueue(context.Background(), model.WorkDescriptor{Kind: "test.noop"}, "conn-1")
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	assert.Empty(t, id)

	assert.Equal(t, model.JobUnknown, r.GetState(context.Background(), uuid.NewString()))
}

func TestGetStateUnknownID(t *testing.T) {
	r := newTestRunner(t, newTestStore(t), &recorder{})
	assert.Equal(t, model.JobUnknown, r.GetState(context.Background(), uuid.NewString()))
	assert.False(t, r.IsInProgress(context.Background(), "nope"))
}

func TestEnqueueUnknownKind(t *testing.T) {
	r := newTestRunner(t, newTestStore(t), &recorder{})
	_, err := r.Enqueue(context.Background(), model.WorkDescriptor{Kind: "missing"}, "")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestJobSucceedsAndReportsProgress(t *testing.T) {
	pub := &recorder{}
	r := newTestRunner(t, newTestStore(t), pub)
	r.Register("test.ok", func(ctx context.Context, job *model.Job, p *Progress) error {
		p.Report(50, model.JobProgress{CurrentItem: "half", ProcessedItems: 1, TotalItems: 2})
		return nil
	})

	id, err := r.Enqueue(context.Background(), model.WorkDescriptor{Kind: "test.ok"}, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobEnqueued, r.GetState(context.Background(), id))
	assert.True(t, r.IsInProgress(context.Background(), id))

	start(t, r)
	waitState(t, r, id, model.JobSucceeded)
	assert.False(t, r.IsInProgress(context.Background(), id))

	require.Eventually(t, func() bool { return len(pub.For("conn-1")) >= 4 }, time.Second, 5*time.Millisecond)
	events := pub.For("conn-1")
	var sawHalf bool
	for _, ev := range events {
		jp := ev.Payload.(model.JobProgress)
		assert.Equal(t, id, jp.JobID)
		if jp.CurrentItem == "half" {
			sawHalf = true
			assert.Equal(t, 50, ev.Percent)
		}
	}
	assert.True(t, sawHalf)
	last := events[len(events)-1]
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, string(model.JobSucceeded), last.Payload.(model.JobProgress).State)
	assert.Equal(t, len(events), len(pub.For(id)), "events also go to the job id")
}

func TestJobRetriesThenFails(t *testing.T) {
	r := newTestRunner(t, newTestStore(t), &recorder{})
	var calls atomic.Int32
	r.Register("test.flaky", func(context.Context, *model.Job, *Progress) error {
		calls.Add(1)
		return errors.New("upstream down")
	})
	start(t, r)

	id, err := r.Enqueue(context.Background(), model.WorkDescriptor{Kind: "test.flaky"}, "")
	require.NoError(t, err)
	waitState(t, r, id, model.JobFailed)

	job, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "upstream down", job.Error)
	assert.EqualValues(t, 3, calls.Load())
}

func TestJobRecoversOnRetry(t *testing.T) {
	r := newTestRunner(t, newTestStore(t), &recorder{})
	var calls atomic.Int32
	r.Register("test.once", func(context.Context, *model.Job, *Progress) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	start(t, r)

	id, err := r.Enqueue(context.Background(), model.WorkDescriptor{Kind: "test.once"}, "")
	require.NoError(t, err)
	waitState(t, r, id, model.JobSucceeded)

	job, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	r := newTestRunner(t, newTestStore(t), &recorder{})
	var calls atomic.Int32
	r.Register("test.bad", func(context.Context, *model.Job, *Progress) error {
		calls.Add(1)
		return backoff.Permanent(errors.New("bad payload"))
	})
	start(t, r)

	id, err := r.Enqueue(context.Background(), model.WorkDescriptor{Kind: "test.bad"}, "")
	require.NoError(t, err)
	waitState(t, r, id, model.JobFailed)
	assert.EqualValues(t, 1, calls.Load())
}

func TestPanickingHandlerIsContained(t *testing.T) {
	r := NewRunner(newTestStore(t), nil, config.JobsConfig{Workers: 1, PollInterval: 10 * time.Millisecond, MaxAttempts: 1},
		logging.Discard(), nil)
	r.Register("test.panic", func(context.Context, *model.Job, *Progress) error { panic("boom") })
	start(t, r)

	id, err := r.Enqueue(context.Background(), model.WorkDescriptor{Kind: "test.panic"}, "")
	require.NoError(t, err)
	waitState(t, r, id, model.JobFailed)
}

func TestCancelRunningJob(t *testing.T) {
	r := newTestRunner(t, newTestStore(t), &recorder{})
	started := make(chan struct{})
	r.Register("test.long", func(ctx context.Context, job *model.Job, p *Progress) error {
		close(started)
		for {
			if err := p.Checkpoint(ctx); err != nil {
				return err
			}
			time.Sleep(5 * time.Millisecond)
		}
	})
	start(t, r)

	id, err := r.Enqueue(context.Background(), model.WorkDescriptor{Kind: "test.long"}, "")
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	state, err := r.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobProcessing, state)

	waitState(t, r, id, model.JobFailed)
	job, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "canceled", job.Error)
	assert.Equal(t, 1, job.Attempts, "canceled jobs are not retried")
}

func TestCancelQueuedJob(t *testing.T) {
	r := newTestRunner(t, newTestStore(t), &recorder{})
	r.Register("test.noop", func(context.Context, *model.Job, *Progress) error { return nil })

	id, err := r.Enqueue(context.Background(), model.WorkDescriptor{Kind: "test.noop"}, "")
	require.NoError(t, err)

	state, err := r.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, state)
	assert.False(t, r.IsInProgress(context.Background(), id))

	state, err = r.Cancel(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, model.JobUnknown, state)
}

func TestRetryRerunsFailedJob(t *testing.T) {
	r := newTestRunner(t, newTestStore(t), &recorder{})
	var fail atomic.Bool
	fail.Store(true)
	r.Register("test.flaky", func(context.Context, *model.Job, *Progress) error {
		if fail.Load() {
			return backoff.Permanent(errors.New("relay down"))
		}
		return nil
	})
	start(t, r)

	id, err := r.Enqueue(context.Background(), model.WorkDescriptor{Kind: "test.flaky"}, "")
	require.NoError(t, err)
	waitState(t, r, id, model.JobFailed)

	fail.Store(false)
	ok, err := r.Retry(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	waitState(t, r, id, model.JobSucceeded)

	job, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts, "attempts restart from zero")

	ok, err = r.Retry(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := r.List(context.Background(), store.JobFilter{State: model.JobSucceeded})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
}

func TestStartRequeuesInterruptedJobs(t *testing.T) {
	st := newTestStore(t)
	r := newTestRunner(t, st, &recorder{})
	r.Register("test.noop", func(context.Context, *model.Job, *Progress) error { return nil })

	id, err := r.Enqueue(context.Background(), model.WorkDescriptor{Kind: "test.noop"}, "")
	require.NoError(t, err)

	// simulate a crash after the claim
	claimed, err := st.ClaimNextJob(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, model.JobProcessing, r.GetState(context.Background(), id))

	start(t, r)
	waitState(t, r, id, model.JobSucceeded)
}

func TestRetryDelayGrows(t *testing.T) {
	r := NewRunner(nil, nil, config.JobsConfig{BackoffInitial: 10 * time.Second, BackoffMax: time.Minute},
		logging.Discard(), nil)

	first := r.retryDelay(1)
	assert.GreaterOrEqual(t, first, 5*time.Second)
	assert.LessOrEqual(t, first, 15*time.Second)

	late := r.retryDelay(10)
	assert.LessOrEqual(t, late, 90*time.Second)
	assert.GreaterOrEqual(t, late, 30*time.Second)
}

func TestPurgeNotificationsJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 7; i++ {
		_, err := st.InsertNotification(ctx, &model.Notification{UserID: "ops", Title: "t", Message: "m",
			Type: model.NotificationInfo, CreatedAt: now})
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := st.InsertNotification(ctx, &model.Notification{UserID: "coach", Title: "t", Message: "m",
			Type: model.NotificationInfo, CreatedAt: now})
		require.NoError(t, err)
	}

	pub := &recorder{}
	r := newTestRunner(t, st, pub)
	r.Register(KindPurgeNotifications, PurgeNotifications(st))
	start(t, r)

	payload, _ := json.Marshal(PurgePayload{UserID: "ops", BatchSize: 3})
	id, err := r.Enqueue(ctx, model.WorkDescriptor{Kind: KindPurgeNotifications, Payload: payload}, "conn-7")
	require.NoError(t, err)
	waitState(t, r, id, model.JobSucceeded)

	left, err := st.CountNotifications(ctx, "ops")
	require.NoError(t, err)
	assert.Zero(t, left)
	kept, err := st.CountNotifications(ctx, "coach")
	require.NoError(t, err)
	assert.EqualValues(t, 2, kept)

	var maxProcessed int64
	for _, ev := range pub.For("conn-7") {
		if jp := ev.Payload.(model.JobProgress); jp.ProcessedItems > maxProcessed {
			maxProcessed = jp.ProcessedItems
			assert.EqualValues(t, 7, jp.TotalItems)
		}
	}
	assert.EqualValues(t, 7, maxProcessed)
}

func TestPurgeNotificationsRejectsBadPayload(t *testing.T) {
	st := newTestStore(t)
	r := newTestRunner(t, st, &recorder{})
	r.Register(KindPurgeNotifications, PurgeNotifications(st))
	start(t, r)

	id, err := r.Enqueue(context.Background(), model.WorkDescriptor{
		Kind: KindPurgeNotifications, Payload: json.RawMessage(`{"batch_size":5}`),
	}, "")
	require.NoError(t, err)
	waitState(t, r, id, model.JobFailed)

	job, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.Error, "user_id is required")
}

func TestPurgeNotificationsOfAnotherUserIsForbidden(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.InsertNotification(ctx, &model.Notification{UserID: "ops", Title: "t", Message: "m",
		Type: model.NotificationInfo, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	r := newTestRunner(t, st, &recorder{})
	r.Register(KindPurgeNotifications, PurgeNotifications(st))

	payload, _ := json.Marshal(PurgePayload{UserID: "ops"})
	_, err = r.Enqueue(ctx, model.WorkDescriptor{Kind: KindPurgeNotifications, Payload: payload, RequestedBy: "coach"}, "")
	assert.ErrorIs(t, err, ErrForbidden)

	// A record that bypassed Enqueue is refused by the handler as well.
	job := &model.Job{ID: "j", Payload: payload, RequestedBy: "coach"}
	err = PurgeNotifications(st)(ctx, job, &Progress{runner: r, job: job})
	assert.ErrorIs(t, err, ErrForbidden)

	left, err := st.CountNotifications(ctx, "ops")
	require.NoError(t, err)
	assert.EqualValues(t, 1, left)

	// Without an explicit user the requester's own notifications are purged.
	start(t, r)
	id, err := r.Enqueue(ctx, model.WorkDescriptor{Kind: KindPurgeNotifications, RequestedBy: "ops"}, "")
	require.NoError(t, err)
	waitState(t, r, id, model.JobSucceeded)
	left, err = st.CountNotifications(ctx, "ops")
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestMaintenanceJobPrunesAgedRecords(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.InsertNotification(ctx, &model.Notification{UserID: "ops", Title: "old", Message: "m",
		Type: model.NotificationInfo, CreatedAt: now.AddDate(0, 0, -90)})
	require.NoError(t, err)
	_, err = st.InsertNotification(ctx, &model.Notification{UserID: "ops", Title: "new", Message: "m",
		Type: model.NotificationInfo, CreatedAt: now})
	require.NoError(t, err)

	r := newTestRunner(t, st, &recorder{})
	r.Register(KindMaintenance, Maintenance(st, config.RetentionConfig{
		ResolvedAlertsDays: 30, NotificationsDays: 60, HistoryDays: 90, JobsDays: 7,
	}, func() time.Time { return now }))
	start(t, r)

	id, err := r.Enqueue(ctx, model.WorkDescriptor{Kind: KindMaintenance}, "")
	require.NoError(t, err)
	waitState(t, r, id, model.JobSucceeded)

	list, err := st.ListNotifications(ctx, "ops", true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].Title)
}
