package liveview

import (
	"context"
	"log"
	"sync"

	"tonechat/internal/feed"
	"tonechat/internal/models"
)

// MessageLister reads the full message list of a conversation.
type MessageLister interface {
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// View keeps a conversation's message list current while it is open. Change
// events only say "something changed"; every notification triggers a full
// re-fetch, so a dropped event is repaired by the next one.
type View struct {
	conversationID string
	lister         MessageLister
	sub            feed.Subscription

	mu       sync.RWMutex
	snapshot []models.Message

	updates   chan struct{}
	closeOnce sync.Once
}

// Open loads the current messages, subscribes to the conversation's change
// feed, and starts tracking. Close must be called to release the
// subscription.
func Open(ctx context.Context, lister MessageLister, f feed.Feed, conversationID string) (*View, error) {
	initial, err := lister.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	sub, err := f.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	v := &View{
		conversationID: conversationID,
		lister:         lister,
		sub:            sub,
		snapshot:       initial,
		updates:        make(chan struct{}, 1),
	}
	go v.track(ctx)
	return v, nil
}

// track re-fetches the message list for each change event. Updates is a
// coalescing signal; a slow consumer sees one notification for a burst.
func (v *View) track(ctx context.Context) {
	defer close(v.updates)
	for range v.sub.Events() {
		messages, err := v.lister.ListMessages(ctx, v.conversationID)
		if err != nil {
			// Conversation may have been deleted mid-view. Keep the last
			// snapshot and wait for the next event.
			log.Printf("liveview: refresh %s failed: %v", v.conversationID, err)
			continue
		}
		v.mu.Lock()
		v.snapshot = messages
		v.mu.Unlock()

		select {
		case v.updates <- struct{}{}:
		default:
		}
	}
}

// Messages returns the latest snapshot, oldest first.
func (v *View) Messages() []models.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]models.Message, len(v.snapshot))
	copy(out, v.snapshot)
	return out
}

// Updates signals each snapshot change. The channel closes when the view
// stops, either via Close or the subscribe context ending.
func (v *View) Updates() <-chan struct{} {
	return v.updates
}

// Close releases the feed subscription. Safe to call more than once.
func (v *View) Close() error {
	var err error
	v.closeOnce.Do(func() {
		err = v.sub.Close()
	})
	return err
}
