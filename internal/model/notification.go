package model

import "time"

// NotificationType classifies a notification for display.
type NotificationType string

const (
	NotificationInfo     NotificationType = "info"
	NotificationWarning  NotificationType = "warning"
	NotificationCritical NotificationType = "critical"
	NotificationSuccess  NotificationType = "success"
)

// NotificationTypeFor maps an alert severity to a notification type.
func NotificationTypeFor(s Severity) NotificationType {
	if s == SeverityCritical {
		return NotificationCritical
	}
	return NotificationWarning
}

// Notification is a per-user delivery record.
type Notification struct {
	ID        int64            `json:"id"`
	AlertID   *int64           `json:"alert_id,omitempty"`
	UserID    string           `json:"user_id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	URL       string           `json:"url,omitempty"`
	DedupKey  string           `json:"-"`
	CreatedAt time.Time        `json:"created_at"`
	IsRead    bool             `json:"is_read"`
	ReadAt    *time.Time       `json:"read_at,omitempty"`
}
