package changefeed

import (
	"context"
	"errors"
)

var (
	// ErrSubscriptionDegraded is logged when a subscription loses its push
	// transport. It never reaches message senders.
	ErrSubscriptionDegraded = errors.New("change feed subscription degraded")

	// ErrStreamBroken is reported by a stream that died without a cause.
	ErrStreamBroken = errors.New("change stream broken")

	// ErrTransportDown is returned by transports that refuse new streams.
	ErrTransportDown = errors.New("change transport unavailable")
)

// Stream is one live push subscription.
type Stream interface {
	// Notifications is closed when the stream ends.
	Notifications() <-chan Notification
	// Err reports why the stream ended. It is nil after Close.
	Err() error
	Close() error
}

// Transport opens push streams for a topic.
type Transport interface {
	Subscribe(ctx context.Context, topic Topic) (Stream, error)
}

// Publisher emits change notifications for transports that do not derive
// them from the database on their own.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// NopPublisher drops every notification.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Notification) error { return nil }
