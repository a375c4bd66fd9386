// Package notify turns alert events into per-user notifications and
// delivers them through the registered channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/playok/fitalert/internal/metrics"
	"github.com/playok/fitalert/internal/model"
)

// Event is the alert transition being announced.
type Event string

const (
	EventTriggered Event = "triggered"
	EventRaised    Event = "raised"
	EventEscalated Event = "escalated"
	EventResolved  Event = "resolved"
)

const (
	sendTimeout = 15 * time.Second
	dedupTTL    = 24 * time.Hour
)

// DedupKey identifies one alert event; a user gets at most one
// notification per key.
func DedupKey(alertID int64, ev Event) string {
	return fmt.Sprintf("alert:%d:%s", alertID, ev)
}

// Result summarizes one dispatch.
type Result struct {
	Notifications int  // in-app rows created
	Pushed        bool // a push channel delivered to at least one user
	Emailed       bool // an email channel delivered to at least one user
}

// Store persists notifications.
type Store interface {
	InsertNotification(ctx context.Context, n *model.Notification) (bool, error)
	GetNotification(ctx context.Context, id int64) (*model.Notification, error)
	ListNotifications(ctx context.Context, userID string, includeRead bool) ([]model.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, userID string, at time.Time) (bool, error)
}

type registered struct {
	ch      Channel
	limiter *rate.Limiter
}

// Dispatcher fans alert events out to entitled users. Rows are written
// first; channel failures are logged and never fail the dispatch.
type Dispatcher struct {
	store     Store
	directory Directory
	baseURL   string
	now       func() time.Time
	log       *slog.Logger
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	channels []registered

	// external sends for users without an in-app row are deduplicated here
	seenMu sync.Mutex
	seen   map[string]time.Time
}

// NewDispatcher creates a dispatcher with no channels. m may be nil.
func NewDispatcher(store Store, directory Directory, baseURL string, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		store:     store,
		directory: directory,
		baseURL:   strings.TrimRight(baseURL, "/"),
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.With("component", "notify"),
		metrics:   m,
		seen:      make(map[string]time.Time),
	}
}

// SetClock replaces the time source.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Register adds a channel. limiter may be nil for no rate limit.
func (d *Dispatcher) Register(ch Channel, limiter *rate.Limiter) {
	d.mu.Lock()
	d.channels = append(d.channels, registered{ch: ch, limiter: limiter})
	d.mu.Unlock()
	d.log.Info("channel registered", "channel", ch.Name(), "kind", ch.Kind())
}

// Channels returns the registered channel names.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.channels))
	for i, r := range d.channels {
		names[i] = r.ch.Name()
	}
	return names
}

// Close releases channels that hold connections.
func (d *Dispatcher) Close() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var errs []error
	for _, r := range d.channels {
		if c, ok := r.ch.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) NotifyAlertTriggered(ctx context.Context, a *model.Alert) Result {
	return d.dispatch(ctx, EventTriggered, a)
}

func (d *Dispatcher) NotifyAlertRaised(ctx context.Context, a *model.Alert) Result {
	return d.dispatch(ctx, EventRaised, a)
}

func (d *Dispatcher) NotifyAlertEscalated(ctx context.Context, a *model.Alert) Result {
	return d.dispatch(ctx, EventEscalated, a)
}

func (d *Dispatcher) NotifyAlertResolved(ctx context.Context, a *model.Alert) Result {
	return d.dispatch(ctx, EventResolved, a)
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event, a *model.Alert) Result {
	var res Result
	th := a.Threshold
	if th == nil {
		d.log.Warn("alert without threshold, not dispatching", "alert_id", a.ID, "event", ev)
		return res
	}

	base := d.message(ev, a)

	required := PermViewAlerts
	if ev == EventEscalated {
		required = PermReceiveEscalations
	}
	recipients, err := d.directory.Recipients(ctx, required)
	if err != nil {
		d.log.Error("recipient lookup failed", "alert_id", a.ID, "event", ev, "err", err)
		recipients = nil
	}

	key := DedupKey(a.ID, ev)
	for _, r := range recipients {
		msg := base
		msg.UserID, msg.Email = r.UserID, r.Email

		if th.NotificationEnabled {
			created, err := d.createNotification(ctx, a, msg, key)
			if err != nil {
				d.log.Error("failed to create notification", "alert_id", a.ID, "user_id", r.UserID, "err", err)
			} else if !created {
				continue // already notified for this event
			} else {
				res.Notifications++
			}
		} else if !d.firstSend(r.UserID + "|" + key) {
			continue
		}

		if th.NotificationEnabled && d.sendKind(ctx, KindPush, msg) {
			res.Pushed = true
		}
		if th.EmailEnabled && r.Email != "" && d.sendKind(ctx, KindEmail, msg) {
			res.Emailed = true
		}
	}

	if d.firstSend("stream|" + key) {
		d.sendKind(ctx, KindStream, base)
	}

	d.log.Debug("alert event dispatched", "alert_id", a.ID, "event", ev, "recipients", len(recipients),
		"notifications", res.Notifications, "emailed", res.Emailed)
	return res
}

func (d *Dispatcher) createNotification(ctx context.Context, a *model.Alert, msg Message, key string) (bool, error) {
	alertID := a.ID
	n := &model.Notification{
		AlertID:   &alertID,
		UserID:    msg.UserID,
		Title:     msg.Title,
		Message:   msg.Body,
		Type:      msg.Type,
		URL:       msg.URL,
		DedupKey:  key,
		CreatedAt: msg.Timestamp,
	}
	created, err := d.store.InsertNotification(ctx, n)
	if err != nil || !created {
		return false, err
	}
	d.metrics.NotificationCreated()
	return true, nil
}

// sendKind delivers msg through every channel of kind and reports whether
// at least one succeeded.
func (d *Dispatcher) sendKind(ctx context.Context, kind Kind, msg Message) bool {
	d.mu.RLock()
	channels := make([]registered, 0, len(d.channels))
	for _, r := range d.channels {
		if r.ch.Kind() == kind {
			channels = append(channels, r)
		}
	}
	d.mu.RUnlock()

	ok := false
	for _, r := range channels {
		name := r.ch.Name()
		if r.limiter != nil && !r.limiter.Allow() {
			d.metrics.ChannelSend(name, "throttled")
			d.log.Warn("channel rate limited, skipping", "channel", name, "alert_id", msg.AlertID, "user_id", msg.UserID)
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := r.ch.Send(sendCtx, msg)
		cancel()
		if err != nil {
			d.metrics.ChannelSend(name, "error")
			d.log.Warn("channel send failed", "channel", name, "alert_id", msg.AlertID, "user_id", msg.UserID, "err", err)
			continue
		}
		d.metrics.ChannelSend(name, "ok")
		ok = true
	}
	return ok
}

func (d *Dispatcher) firstSend(key string) bool {
	now := d.now()
	d.seenMu.Lock()
	defer d.seenMu.Unlock()
	for k, t := range d.seen {
		if now.Sub(t) > dedupTTL {
			delete(d.seen, k)
		}
	}
	if _, dup := d.seen[key]; dup {
		return false
	}
	d.seen[key] = now
	return true
}

func (d *Dispatcher) message(ev Event, a *model.Alert) Message {
	th := a.Threshold
	metric := th.MetricName
	msg := Message{
		Event:     ev,
		AlertID:   a.ID,
		Metric:    metric,
		Category:  th.MetricCategory,
		Severity:  a.Severity,
		Value:     a.CurrentValue,
		Type:      model.NotificationTypeFor(a.Severity),
		URL:       fmt.Sprintf("%s/alerts/%d", d.baseURL, a.ID),
		Timestamp: d.now(),
	}
	switch ev {
	case EventTriggered:
		msg.Title = fmt.Sprintf("%s Alert: %s", a.Severity.Title(), metric)
		msg.Body = fmt.Sprintf("Metric %s value %g has breached the %s threshold.", metric, a.CurrentValue, a.Severity)
	case EventRaised:
		msg.Title = fmt.Sprintf("%s Alert: %s", a.Severity.Title(), metric)
		msg.Body = fmt.Sprintf("Metric %s value %g has risen to the %s threshold.", metric, a.CurrentValue, a.Severity)
	case EventEscalated:
		msg.Title = fmt.Sprintf("ESCALATED: %s Alert: %s", a.Severity.Title(), metric)
		msg.Body = fmt.Sprintf("Metric %s has been above the %s threshold since %s without acknowledgement. Current value %g.",
			metric, a.Severity, a.TriggeredAt.Format(time.RFC3339), a.CurrentValue)
		msg.Type = model.NotificationCritical
	case EventResolved:
		msg.Title = fmt.Sprintf("Resolved: %s", metric)
		msg.Body = fmt.Sprintf("The %s alert for metric %s has been resolved.", a.Severity, metric)
		if a.ResolvedAt != nil {
			msg.Body = fmt.Sprintf("The %s alert for metric %s was resolved after %s.",
				a.Severity, metric, a.ResolvedAt.Sub(a.TriggeredAt).Round(time.Second))
		}
		msg.Type = model.NotificationSuccess
	}
	return msg
}

// GetNotificationsForUser returns a user's notifications, newest first.
func (d *Dispatcher) GetNotificationsForUser(ctx context.Context, userID string, includeRead bool) ([]model.Notification, error) {
	return d.store.ListNotifications(ctx, userID, includeRead)
}

// GetNotification returns one notification, or nil.
func (d *Dispatcher) GetNotification(ctx context.Context, id int64) (*model.Notification, error) {
	return d.store.GetNotification(ctx, id)
}

// GetUnreadCount returns how many notifications the user has not read.
func (d *Dispatcher) GetUnreadCount(ctx context.Context, userID string) (int, error) {
	return d.store.CountUnread(ctx, userID)
}

// MarkRead flags one notification read. Returns false if it does not exist.
func (d *Dispatcher) MarkRead(ctx context.Context, id int64) (bool, error) {
	return d.store.MarkNotificationRead(ctx, id, d.now())
}

// MarkAllRead flags all of a user's notifications read. Returns false if
// none were unread.
func (d *Dispatcher) MarkAllRead(ctx context.Context, userID string) (bool, error) {
	return d.store.MarkAllNotificationsRead(ctx, userID, d.now())
}
