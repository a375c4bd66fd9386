package notify

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/playok/fitalert/internal/model"
)

// ErrNoAddress is returned by channels that need an address the recipient
// does not have.
var ErrNoAddress = errors.New("recipient has no address for channel")

// Kind decides when a channel is used.
type Kind string

const (
	// KindEmail channels run per recipient when the threshold enables email.
	KindEmail Kind = "email"
	// KindPush channels run per recipient when the threshold enables notifications.
	KindPush Kind = "push"
	// KindStream channels run once per event regardless of recipients.
	KindStream Kind = "stream"
)

// Message is what a channel delivers. UserID and Email are empty for
// stream channels.
type Message struct {
	Event     Event                  `json:"event"`
	AlertID   int64                  `json:"alert_id"`
	Metric    string                 `json:"metric"`
	Category  string                 `json:"category"`
	Severity  model.Severity         `json:"severity"`
	Value     float64                `json:"value"`
	UserID    string                 `json:"user_id,omitempty"`
	Email     string                 `json:"-"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	Type      model.NotificationType `json:"type"`
	URL       string                 `json:"url,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Channel is an external delivery mechanism.
type Channel interface {
	Name() string
	Kind() Kind
	Send(ctx context.Context, msg Message) error
}

// PerMinute returns a token bucket allowing n sends per minute with a
// burst of n, or nil for no limit when n <= 0.
func PerMinute(n int) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
}
