package notify

import (
	"context"

	"github.com/playok/fitalert/internal/model"
	"github.com/playok/fitalert/internal/progress"
)

// UserGroup is the progress group a user's live sessions subscribe to for
// notification pushes.
func UserGroup(userID string) string { return progress.UserGroup(userID) }

// PushChannel pushes notifications to the user's live sessions. Delivery is
// best effort, so Send never fails.
type PushChannel struct {
	publisher progress.Publisher
}

func NewPushChannel(p progress.Publisher) *PushChannel { return &PushChannel{publisher: p} }

func (c *PushChannel) Name() string { return "live" }
func (c *PushChannel) Kind() Kind   { return KindPush }

func (c *PushChannel) Send(_ context.Context, msg Message) error {
	c.publisher.Publish(UserGroup(msg.UserID), model.ProgressEvent{
		Status:    "notification",
		Percent:   100,
		Payload:   msg,
		Timestamp: msg.Timestamp,
	})
	return nil
}
