package models

import "time"

// Conversation groups an ordered sequence of messages owned by one user.
// It is created lazily on the first exchange and never mutated afterwards;
// deletion cascades to its messages.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
