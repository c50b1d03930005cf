package notifier

import (
	"context"
	"time"

	"confbot/internal/model"
)

// ScheduleSource provides the program. SessionsStartingSoon applies the
// source's own window and returns sessions in announcement order.
type ScheduleSource interface {
	Refresh(ctx context.Context) error
	SessionsStartingSoon() []model.Session
}

// LivestreamSource maps a room and day to a stream URL.
type LivestreamSource interface {
	Refresh(ctx context.Context) error
	URL(room string, date time.Time) (string, bool)
}

// ChannelDirectory resolves room names to channels. Channels lists every
// configured channel, main channel included, keyed by normalized room.
type ChannelDirectory interface {
	Resolve(room string) (Channel, bool)
	Channels() map[string]Channel
}

// Channel is a destination for notifications.
type Channel interface {
	SetTopic(ctx context.Context, topic string) error
	Post(ctx context.Context, msg model.Message, lead string) error
	PurgeAll(ctx context.Context) error
}

// Renderer builds the message body for a session.
type Renderer interface {
	Render(s model.Session, livestreamURL string) model.Message
}
