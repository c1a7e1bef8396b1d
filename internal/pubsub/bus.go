// Package pubsub is the topic bus the player listens on for live segment
// announcements. The player only subscribes; it never publishes.
package pubsub

import (
	"context"
	"errors"
)

// ErrSubscriptionClosed is returned by Next after Cancel.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Message is one delivery on a topic. From is the stable identifier of the
// publishing peer.
type Message struct {
	From string
	Data []byte
}

// Subscription delivers messages for one topic until cancelled.
type Subscription interface {
	// Next blocks until a message arrives, ctx is done, or the subscription
	// is cancelled.
	Next(ctx context.Context) (Message, error)
	// Cancel stops delivery. It is safe to call more than once.
	Cancel() error
}

// Bus opens subscriptions on topics.
type Bus interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}
