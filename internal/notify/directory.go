package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/playok/fitalert/internal/config"
)

// Permission is a typed capability bit granted to a recipient.
type Permission uint8

const (
	// PermViewAlerts receives triggered, raised and resolved alert events.
	PermViewAlerts Permission = 1 << iota
	// PermReceiveEscalations receives escalation events.
	PermReceiveEscalations
)

// Has reports whether every bit of q is set in p.
func (p Permission) Has(q Permission) bool { return p&q == q }

// ParsePermission maps a configuration name to its permission bit.
func ParsePermission(s string) (Permission, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "view_alerts":
		return PermViewAlerts, nil
	case "receive_escalations":
		return PermReceiveEscalations, nil
	}
	return 0, fmt.Errorf("unknown permission %q", s)
}

// Recipient is a user who may receive alert notifications.
type Recipient struct {
	UserID      string
	Email       string
	Permissions Permission
}

// Directory resolves which users are entitled to an event.
type Directory interface {
	Recipients(ctx context.Context, required Permission) ([]Recipient, error)
}

// StaticDirectory is a fixed recipient list.
type StaticDirectory []Recipient

// Recipients returns the members holding required.
func (d StaticDirectory) Recipients(_ context.Context, required Permission) ([]Recipient, error) {
	var out []Recipient
	for _, r := range d {
		if r.Permissions.Has(required) {
			out = append(out, r)
		}
	}
	return out, nil
}

// NewStaticDirectory builds a directory from configuration.
func NewStaticDirectory(cfg []config.RecipientConfig) (StaticDirectory, error) {
	d := make(StaticDirectory, 0, len(cfg))
	for _, rc := range cfg {
		if rc.UserID == "" {
			return nil, fmt.Errorf("recipient without user_id")
		}
		r := Recipient{UserID: rc.UserID, Email: rc.Email}
		for _, name := range rc.Permissions {
			p, err := ParsePermission(name)
			if err != nil {
				return nil, fmt.Errorf("recipient %s: %w", rc.UserID, err)
			}
			r.Permissions |= p
		}
		d = append(d, r)
	}
	return d, nil
}
