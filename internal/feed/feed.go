// Package feed delivers conversation-scoped change notifications. The
// payload is only a signal that something changed; consumers re-fetch the
// conversation state rather than trusting event contents or ordering.
package feed

import "context"

// Event announces that a message row became visible in a conversation.
// Delivery is at-least-once with no ordering guarantee.
type Event struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// Subscription is a disposable handle for one conversation's event stream.
// Close must be called on every exit path of the owning view; it releases
// the listener and closes the Events channel.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Feed is the change-notification transport between the store and open
// viewers.
type Feed interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, conversationID string) (Subscription, error)
}
