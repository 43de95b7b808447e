package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"tonechat/internal/redis"
)

const channelPrefix = "chat:changes:"

// RedisFeed carries change notifications over redis pub/sub so every
// instance of the service sees inserts regardless of which one wrote them.
type RedisFeed struct {
	client *redis.Client
}

// NewRedisFeed wraps an established redis client.
func NewRedisFeed(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client}
}

func channelFor(conversationID string) string {
	return channelPrefix + conversationID
}

// Publish broadcasts the event on the conversation's channel.
func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := f.client.Raw().Publish(ctx, channelFor(ev.ConversationID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription scoped to one conversation.
func (f *RedisFeed) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	ps := f.client.Raw().Subscribe(ctx, channelFor(conversationID))
	// Force the SUBSCRIBE round-trip so a broken connection fails here
	// instead of silently delivering nothing.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", conversationID, err)
	}

	sub := &redisSubscription{ps: ps, ch: make(chan Event, subscriberBuffer)}
	go sub.pump()
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub, nil
}

type redisSubscription struct {
	ps   *goredis.PubSub
	ch   chan Event
	once sync.Once
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

// pump decodes raw pub/sub messages until the subscription closes.
func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Printf("feed: drop malformed event on %s: %v", msg.Channel, err)
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// consumer is behind; it re-fetches full state anyway
		}
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
	})
	return err
}
