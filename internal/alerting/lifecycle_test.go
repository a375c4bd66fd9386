package alerting

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playok/fitalert/internal/logging"
	"github.com/playok/fitalert/internal/model"
	"github.com/playok/fitalert/internal/notify"
	"github.com/playok/fitalert/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	result notify.Result
}

func (f *fakeNotifier) record(ev notify.Event) notify.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.result
}

func (f *fakeNotifier) NotifyAlertTriggered(_ context.Context, _ *model.Alert) notify.Result {
	return f.record(notify.EventTriggered)
}

func (f *fakeNotifier) NotifyAlertRaised(_ context.Context, _ *model.Alert) notify.Result {
	return f.record(notify.EventRaised)
}

func (f *fakeNotifier) NotifyAlertEscalated(_ context.Context, _ *model.Alert) notify.Result {
	return f.record(notify.EventEscalated)
}

func (f *fakeNotifier) NotifyAlertResolved(_ context.Context, _ *model.Alert) notify.Result {
	return f.record(notify.EventResolved)
}

func (f *fakeNotifier) count(ev notify.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == ev {
			n++
		}
	}
	return n
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func (r *statusRecorder) Publish(string, model.ProgressEvent) {}

func (r *statusRecorder) PublishAll(ev model.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, ev.Status)
}

type fixture struct {
	store    *store.Store
	manager  *Manager
	notifier *fakeNotifier
	events   *statusRecorder
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "alerting.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:    s,
		notifier: &fakeNotifier{},
		events:   &statusRecorder{},
		clock:    &clock{t: t0},
	}
	f.manager = NewManager(s, f.notifier, f.events, logging.Discard(), nil)
	f.manager.SetClock(f.clock.Now)
	return f
}

func (f *fixture) threshold(t *testing.T, escalation *int) *model.AlertThreshold {
	t.Helper()
	th := &model.AlertThreshold{
		MetricName: "cpu", MetricCategory: "system",
		WarningValue: 70, CriticalValue: 90, Direction: model.DirectionAbove,
		Enabled: true, NotificationEnabled: true, EscalationMinutes: escalation,
	}
	require.NoError(t, f.store.UpsertThreshold(context.Background(), th, "admin"))
	return th
}

func TestOpenAlertUnknownThreshold(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.OpenAlert(context.Background(), 42, model.SeverityWarning, 80)
	assert.ErrorIs(t, err, ErrThresholdNotFound)
}

func TestOpenAlertRecordsDelivery(t *testing.T) {
	f := newFixture(t)
	f.notifier.result = notify.Result{Notifications: 2, Emailed: true}
	th := f.threshold(t, nil)

	a, err := f.manager.OpenAlert(context.Background(), th.ID, model.SeverityCritical, 95)
	require.NoError(t, err)
	assert.Equal(t, t0, a.TriggeredAt)
	assert.Contains(t, a.Details, "cpu")

	stored, err := f.store.GetAlert(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, stored.NotificationSent)
	assert.True(t, stored.EmailSent)
	assert.Equal(t, 1, f.notifier.count(notify.EventTriggered))
	assert.Contains(t, f.events.statuses, "alert.opened")
}

func TestFailedDeliveryLeavesFlagsUnset(t *testing.T) {
	f := newFixture(t)
	th := f.threshold(t, nil)

	a, err := f.manager.OpenAlert(context.Background(), th.ID, model.SeverityWarning, 75)
	require.NoError(t, err)

	stored, err := f.store.GetAlert(context.Background(), a.ID)
	require.NoError(t, err)
	assert.False(t, stored.NotificationSent)
	assert.False(t, stored.EmailSent)
}

func TestAcknowledgeAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th := f.threshold(t, nil)
	a, err := f.manager.OpenAlert(ctx, th.ID, model.SeverityCritical, 95)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	ok, err := f.manager.AcknowledgeAlert(ctx, a.ID, "ops", "investigating")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.manager.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAcknowledged)
	assert.Equal(t, "ops", got.AcknowledgedBy)
	assert.Equal(t, "investigating", got.AcknowledgementNote)
	assert.Equal(t, model.AlertAcknowledged, got.State())

	ok, err = f.manager.AcknowledgeAlert(ctx, 999, "ops", "investigating")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveAcknowledgedAlertWritesHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th := f.threshold(t, nil)
	a, err := f.manager.OpenAlert(ctx, th.ID, model.SeverityCritical, 95)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, err = f.manager.AcknowledgeAlert(ctx, a.ID, "ops", "investigating")
	require.NoError(t, err)
	f.clock.Advance(8 * time.Minute)

	ok, err := f.manager.ResolveAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	rows, err := f.manager.GetAlertHistory(ctx, nil, nil, DefaultHistoryLimit)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	h := rows[0]
	assert.Equal(t, a.ID, h.AlertID)
	assert.Equal(t, a.TriggeredAt, h.TriggeredAt)
	assert.Equal(t, model.SeverityCritical, h.Severity)
	assert.Equal(t, 95.0, h.CurrentValue)
	assert.True(t, h.WasAcknowledged)
	require.NotNil(t, h.TimeToAcknowledge)
	assert.Equal(t, 2*time.Minute, *h.TimeToAcknowledge)
	assert.Equal(t, 10*time.Minute, h.TimeToResolve)

	entry, err := f.manager.GetHistoryEntry(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, h.ID, entry.ID)

	ok, err = f.manager.ResolveAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second resolve reports failure")

	n, err := f.store.CountAlertHistory(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.notifier.count(notify.EventResolved))

	ok, err = f.manager.AcknowledgeAlert(ctx, a.ID, "ops", "late")
	require.NoError(t, err)
	assert.False(t, ok, "resolved alerts cannot be acknowledged")
}

func TestConcurrentResolveSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th := f.threshold(t, nil)
	a, err := f.manager.OpenAlert(ctx, th.ID, model.SeverityWarning, 80)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.manager.ResolveAlert(ctx, a.ID)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	n, err := f.store.CountAlertHistory(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTimestampsNeverRunBackwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th := f.threshold(t, nil)
	a, err := f.manager.OpenAlert(ctx, th.ID, model.SeverityWarning, 80)
	require.NoError(t, err)

	// clock skew: wall time moves backwards after the alert opened
	f.clock.Advance(-time.Hour)
	ok, err := f.manager.AcknowledgeAlert(ctx, a.ID, "ops", "on it")
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(-time.Hour)
	ok, err = f.manager.ResolveAlert(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := f.store.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AcknowledgedAt)
	require.NotNil(t, got.ResolvedAt)
	assert.False(t, got.AcknowledgedAt.Before(got.TriggeredAt))
	assert.False(t, got.ResolvedAt.Before(*got.AcknowledgedAt))
}

func TestAlertHistoryWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th := f.threshold(t, nil)

	// one incident per day over the last ten days
	f.clock.t = t0.AddDate(0, 0, -10)
	for i := 0; i < 10; i++ {
		f.clock.Advance(24 * time.Hour)
		a, err := f.manager.OpenAlert(ctx, th.ID, model.SeverityWarning, 80)
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
		ok, err := f.manager.ResolveAlert(ctx, a.ID)
		require.NoError(t, err)
		require.True(t, ok)
		f.clock.Advance(-time.Minute)
	}

	now := f.clock.Now()
	from := now.AddDate(0, 0, -7)
	rows, err := f.manager.GetAlertHistory(ctx, &from, &now, 5)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for i, h := range rows {
		assert.False(t, h.TriggeredAt.Before(from))
		assert.False(t, h.TriggeredAt.After(now))
		if i > 0 {
			assert.True(t, h.TriggeredAt.Before(rows[i-1].TriggeredAt))
		}
	}
}

func TestClampHistoryLimit(t *testing.T) {
	assert.Equal(t, DefaultHistoryLimit, ClampHistoryLimit(0))
	assert.Equal(t, MinHistoryLimit, ClampHistoryLimit(3))
	assert.Equal(t, 250, ClampHistoryLimit(250))
	assert.Equal(t, MaxHistoryLimit, ClampHistoryLimit(5000))
}

func TestEscalateOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	window := 30
	th := f.threshold(t, &window)
	a, err := f.manager.OpenAlert(ctx, th.ID, model.SeverityCritical, 95)
	require.NoError(t, err)

	n, err := f.manager.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(31 * time.Minute)
	n, err = f.manager.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.manager.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.store.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsEscalated)
	assert.Equal(t, 1, f.notifier.count(notify.EventEscalated))
}

func TestAcknowledgedAlertsAreNotEscalated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	window := 10
	th := f.threshold(t, &window)
	a, err := f.manager.OpenAlert(ctx, th.ID, model.SeverityCritical, 95)
	require.NoError(t, err)
	_, err = f.manager.AcknowledgeAlert(ctx, a.ID, "ops", "looking")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	n, err := f.manager.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEscalationDue(t *testing.T) {
	window := 30
	a := &model.Alert{
		TriggeredAt: t0,
		Threshold:   &model.AlertThreshold{EscalationMinutes: &window},
	}
	assert.False(t, EscalationDue(a, t0.Add(29*time.Minute)))
	assert.True(t, EscalationDue(a, t0.Add(30*time.Minute)))

	a.Threshold.EscalationMinutes = nil
	assert.False(t, EscalationDue(a, t0.Add(time.Hour)))
}
