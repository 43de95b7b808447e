package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tonechat/internal/models"
	"tonechat/internal/store"
)

var (
	// ErrInvalidInput marks requests rejected before any side effect.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthorized marks requests with no resolved identity.
	ErrUnauthorized = errors.New("unauthorized")
)

// GenerationError means the provider call failed. Nothing was persisted; for
// a fresh conversation ChatID names the empty conversation already created.
type GenerationError struct {
	ChatID string
	Err    error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed for chat %s: %v", e.ChatID, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// PartialPersistError means a completion was produced but writing the
// exchange failed, so the result was returned to nobody.
type PartialPersistError struct {
	ChatID string
	Err    error
}

func (e *PartialPersistError) Error() string {
	return fmt.Sprintf("persist failed for chat %s: %v", e.ChatID, e.Err)
}

func (e *PartialPersistError) Unwrap() error { return e.Err }

// Generator produces one assistant completion per call.
type Generator interface {
	Generate(ctx context.Context, prompt string, tone models.Tone) (string, error)
}

// ConversationStore is the persistence surface the orchestrator needs.
type ConversationStore interface {
	CreateConversation(ctx context.Context, userID int64) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string, userID int64) (*models.Conversation, error)
	AppendMessages(ctx context.Context, conversationID string, entries []store.Entry) ([]models.Message, error)
}

// Request is one prompt submission. ChatID is empty for a new conversation.
type Request struct {
	Prompt string
	Tone   models.Tone
	ChatID string
}

// Result carries the completion and the conversation it was recorded in.
type Result struct {
	Reply  string
	ChatID string
}

// Service runs the prompt-to-persisted-exchange flow. It keeps no state
// between calls; concurrent requests only meet at the store.
type Service struct {
	generator Generator
	store     ConversationStore
}

func New(generator Generator, store ConversationStore) *Service {
	return &Service{generator: generator, store: store}
}

// Exchange validates the request, resolves or creates the conversation, asks
// the generator for a reply, and records the user/assistant pair. The user
// message is persisted only together with the assistant reply.
func (s *Service) Exchange(ctx context.Context, user *models.User, req Request) (*Result, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}
	if !req.Tone.Valid() {
		return nil, fmt.Errorf("%w: unknown tone %q", ErrInvalidInput, req.Tone)
	}
	if user == nil {
		return nil, ErrUnauthorized
	}

	var chatID string
	if req.ChatID == "" {
		conv, err := s.store.CreateConversation(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		chatID = conv.ID
	} else {
		conv, err := s.store.GetConversation(ctx, req.ChatID, user.ID)
		if err != nil {
			return nil, err
		}
		chatID = conv.ID
	}

	reply, err := s.generator.Generate(ctx, prompt, req.Tone)
	if err != nil {
		return nil, &GenerationError{ChatID: chatID, Err: err}
	}

	// The prompt is stored as submitted, not the trimmed form.
	_, err = s.store.AppendMessages(ctx, chatID, []store.Entry{
		{Role: models.RoleUser, Content: req.Prompt},
		{Role: models.RoleAssistant, Content: reply},
	})
	if err != nil {
		return nil, &PartialPersistError{ChatID: chatID, Err: err}
	}

	return &Result{Reply: reply, ChatID: chatID}, nil
}
