package feed

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer is the channel buffer for each subscriber. Publishing is
// non-blocking; events are dropped for subscribers that fall this far behind,
// which is safe because consumers re-fetch full state per event.
const subscriberBuffer = 16

// Broadcaster is the in-process Feed implementation, used when redis is not
// configured and in tests.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[string]chan Event
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[string]map[string]chan Event),
	}
}

// Publish sends the event to every subscriber of its conversation. The read
// lock is held across the sends: channels are only closed under the write
// lock, so a concurrent unsubscribe cannot close a channel mid-send.
func (b *Broadcaster) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[ev.ConversationID] {
		select {
		case ch <- ev:
		default:
			// subscriber is full, drop and let the next re-fetch catch up
		}
	}
	return nil
}

// Subscribe registers a listener for one conversation. The subscription is
// released on Close or when ctx is cancelled, whichever comes first.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if _, ok := b.subs[conversationID]; !ok {
		b.subs[conversationID] = make(map[string]chan Event)
	}
	b.subs[conversationID][subID] = ch
	b.mu.Unlock()

	sub := &memorySubscription{b: b, conversationID: conversationID, subID: subID, ch: ch}
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub, nil
}

// Close closes every subscriber channel and drops all registrations.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for convID, subs := range b.subs {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subs, convID)
	}
}

func (b *Broadcaster) unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[conversationID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subs, conversationID)
	}
}

type memorySubscription struct {
	b              *Broadcaster
	conversationID string
	subID          string
	ch             chan Event
	once           sync.Once
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.b.unsubscribe(s.conversationID, s.subID)
	})
	return nil
}
