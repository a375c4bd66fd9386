package notify

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playok/fitalert/internal/logging"
	"github.com/playok/fitalert/internal/model"
	"github.com/playok/fitalert/internal/store"
)

type fakeChannel struct {
	name string
	kind Kind
	err  error

	mu   sync.Mutex
	sent []Message
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Kind() Kind   { return f.kind }

func (f *fakeChannel) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "notify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestDispatcher(t *testing.T, st Store) *Dispatcher {
	t.Helper()
	dir := StaticDirectory{
		{UserID: "ops", Email: "ops@example.com", Permissions: PermViewAlerts | PermReceiveEscalations},
		{UserID: "coach", Email: "", Permissions: PermViewAlerts},
		{UserID: "intern", Email: "intern@example.com"},
	}
	d := NewDispatcher(st, dir, "https://fit.example.com/", logging.Discard(), nil)
	d.SetClock(func() time.Time { return testNow })
	return d
}

func testAlert(id int64) *model.Alert {
	return &model.Alert{
		ID:           id,
		ThresholdID:  1,
		Severity:     model.SeverityCritical,
		CurrentValue: 95,
		TriggeredAt:  testNow.Add(-time.Minute),
		Threshold: &model.AlertThreshold{
			ID: 1, MetricName: "cpu", MetricCategory: "system",
			WarningValue: 70, CriticalValue: 90, Direction: model.DirectionAbove,
			Enabled: true, NotificationEnabled: true, EmailEnabled: true,
		},
	}
}

func TestTriggeredCreatesNotificationsForEntitledUsers(t *testing.T) {
	st := newTestStore(t)
	d := newTestDispatcher(t, st)
	email := &fakeChannel{name: "email", kind: KindEmail}
	stream := &fakeChannel{name: "kafka", kind: KindStream}
	d.Register(email, nil)
	d.Register(stream, nil)
	ctx := context.Background()

	res := d.NotifyAlertTriggered(ctx, testAlert(7))
	assert.Equal(t, 2, res.Notifications)
	assert.True(t, res.Emailed)
	assert.Equal(t, 1, email.count(), "only ops has an address")
	assert.Equal(t, 1, stream.count(), "stream channels run once per event")

	list, err := d.GetNotificationsForUser(ctx, "ops", true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	n := list[0]
	assert.Equal(t, "Critical Alert: cpu", n.Title)
	assert.Equal(t, "Metric cpu value 95 has breached the critical threshold.", n.Message)
	assert.Equal(t, model.NotificationCritical, n.Type)
	assert.Equal(t, "https://fit.example.com/alerts/7", n.URL)
	require.NotNil(t, n.AlertID)
	assert.EqualValues(t, 7, *n.AlertID)

	intern, err := d.GetNotificationsForUser(ctx, "intern", true)
	require.NoError(t, err)
	assert.Empty(t, intern, "no view_alerts permission")
}

func TestDispatchIsIdempotentPerEvent(t *testing.T) {
	st := newTestStore(t)
	d := newTestDispatcher(t, st)
	email := &fakeChannel{name: "email", kind: KindEmail}
	d.Register(email, nil)
	ctx := context.Background()

	first := d.NotifyAlertTriggered(ctx, testAlert(3))
	second := d.NotifyAlertTriggered(ctx, testAlert(3))
	assert.Equal(t, 2, first.Notifications)
	assert.Equal(t, 0, second.Notifications)
	assert.Equal(t, 1, email.count())

	// a different event for the same alert is a new notification
	res := d.NotifyAlertRaised(ctx, testAlert(3))
	assert.Equal(t, 2, res.Notifications)

	count, err := d.GetUnreadCount(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestEscalationTargetsEscalationRecipients(t *testing.T) {
	st := newTestStore(t)
	d := newTestDispatcher(t, st)
	ctx := context.Background()

	res := d.NotifyAlertEscalated(ctx, testAlert(5))
	assert.Equal(t, 1, res.Notifications)

	list, err := d.GetNotificationsForUser(ctx, "ops", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ESCALATED: Critical Alert: cpu", list[0].Title)

	coach, err := d.GetNotificationsForUser(ctx, "coach", false)
	require.NoError(t, err)
	assert.Empty(t, coach)
}

func TestChannelFailureDoesNotFailDispatch(t *testing.T) {
	st := newTestStore(t)
	d := newTestDispatcher(t, st)
	d.Register(&fakeChannel{name: "email", kind: KindEmail, err: errors.New("smtp down")}, nil)

	res := d.NotifyAlertTriggered(context.Background(), testAlert(9))
	assert.Equal(t, 2, res.Notifications)
	assert.False(t, res.Emailed)
}

func TestDisabledTogglesSkipRowsAndEmail(t *testing.T) {
	st := newTestStore(t)
	d := newTestDispatcher(t, st)
	email := &fakeChannel{name: "email", kind: KindEmail}
	push := &fakeChannel{name: "live", kind: KindPush}
	d.Register(email, nil)
	d.Register(push, nil)

	a := testAlert(11)
	a.Threshold.NotificationEnabled = false
	a.Threshold.EmailEnabled = true

	res := d.NotifyAlertTriggered(context.Background(), a)
	assert.Equal(t, 0, res.Notifications)
	assert.False(t, res.Pushed)
	assert.True(t, res.Emailed)
	assert.Equal(t, 0, push.count())

	// without rows the second dispatch is still deduplicated
	d.NotifyAlertTriggered(context.Background(), a)
	assert.Equal(t, 1, email.count())
}

func TestRateLimitedChannelIsSkipped(t *testing.T) {
	st := newTestStore(t)
	d := newTestDispatcher(t, st)
	email := &fakeChannel{name: "email", kind: KindEmail}
	d.Register(email, PerMinute(1))
	ctx := context.Background()

	assert.True(t, d.NotifyAlertTriggered(ctx, testAlert(1)).Emailed)
	assert.False(t, d.NotifyAlertTriggered(ctx, testAlert(2)).Emailed)
	assert.Equal(t, 1, email.count())
}

func TestMarkRead(t *testing.T) {
	st := newTestStore(t)
	d := newTestDispatcher(t, st)
	ctx := context.Background()

	ok, err := d.MarkAllRead(ctx, "ops")
	require.NoError(t, err)
	assert.False(t, ok, "nothing to mark")

	d.NotifyAlertTriggered(ctx, testAlert(1))
	d.NotifyAlertTriggered(ctx, testAlert(2))

	list, err := d.GetNotificationsForUser(ctx, "ops", false)
	require.NoError(t, err)
	require.Len(t, list, 2)

	ok, err = d.MarkRead(ctx, list[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.MarkRead(ctx, 999999)
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := d.GetUnreadCount(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	ok, err = d.MarkAllRead(ctx, "ops")
	require.NoError(t, err)
	assert.True(t, ok)

	unread, err := d.GetNotificationsForUser(ctx, "ops", false)
	require.NoError(t, err)
	assert.Empty(t, unread)

	all, err := d.GetNotificationsForUser(ctx, "ops", true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].IsRead)
	require.NotNil(t, all[0].ReadAt)
}

func TestResolvedMessage(t *testing.T) {
	st := newTestStore(t)
	d := newTestDispatcher(t, st)
	a := testAlert(4)
	resolved := a.TriggeredAt.Add(90 * time.Second)
	a.ResolvedAt = &resolved

	d.NotifyAlertResolved(context.Background(), a)
	list, err := d.GetNotificationsForUser(context.Background(), "ops", true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Resolved: cpu", list[0].Title)
	assert.Equal(t, model.NotificationSuccess, list[0].Type)
	assert.Contains(t, list[0].Message, "1m30s")
}
