package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tonechat/internal/feed"
	"tonechat/internal/models"
)

// ErrNotFound is returned when a conversation does not exist or does not
// belong to the requesting user. Callers cannot tell the two cases apart.
var ErrNotFound = errors.New("conversation not found")

// publishTimeout bounds the post-commit change notification so a slow feed
// cannot hold a request open.
const publishTimeout = 3 * time.Second

// Entry is one message to append, before the store assigns id and timestamp.
type Entry struct {
	Role    models.Role
	Content string
}

// Store persists conversations and messages and announces inserts on the
// change feed after each commit.
type Store struct {
	db   *sql.DB
	feed feed.Feed
}

func New(db *sql.DB, f feed.Feed) *Store {
	return &Store{db: db, feed: f}
}

// CreateConversation creates an empty conversation owned by the user.
func (s *Store) CreateConversation(ctx context.Context, userID int64) (*models.Conversation, error) {
	conv := &models.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, created_at) VALUES (?, ?, ?)`,
		conv.ID, conv.UserID, conv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation fetches a conversation scoped to its owner.
func (s *Store) GetConversation(ctx context.Context, id string, userID int64) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at FROM conversations WHERE id = ? AND user_id = ?`,
		id, userID,
	)
	var conv models.Conversation
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations returns the user's conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, created_at FROM conversations WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return conversations, nil
}

// AppendMessages inserts the entries into the conversation in order, inside
// one transaction, then publishes a change event per message. Timestamps are
// staggered by a millisecond so created_at order matches insertion order.
func (s *Store) AppendMessages(ctx context.Context, conversationID string, entries []Entry) ([]models.Message, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check conversation: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	base := time.Now().UTC()
	messages := make([]models.Message, 0, len(entries))
	for i, entry := range entries {
		msg := models.Message{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Role:           entry.Role,
			Content:        entry.Content,
			CreatedAt:      base.Add(time.Duration(i) * time.Millisecond),
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	s.notify(messages)
	return messages, nil
}

// notify publishes one event per committed message. Delivery is best effort;
// the messages are already durable and readers re-fetch full state.
func (s *Store) notify(messages []models.Message) {
	if s.feed == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for _, msg := range messages {
		_ = s.feed.Publish(ctx, feed.Event{
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
		})
	}
}

// ListMessages returns the conversation's messages oldest first. A
// conversation with no messages yields an empty slice, not an error.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// DeleteConversation removes a conversation and its messages, scoped to the
// owner.
func (s *Store) DeleteConversation(ctx context.Context, id string, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID,
	)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	// Cascade handles messages on both drivers; delete explicitly anyway so
	// behavior does not depend on foreign key enforcement being on.
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return tx.Commit()
}
