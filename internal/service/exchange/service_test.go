package exchange

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tonechat/internal/feed"
	"tonechat/internal/models"
	"tonechat/internal/storage"
	"tonechat/internal/store"
)

type stubGenerator struct {
	reply string
	err   error
	calls int
}

func (g *stubGenerator) Generate(_ context.Context, prompt string, tone models.Tone) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

// failingStore delegates reads but fails every append.
type failingStore struct {
	ConversationStore
}

func (f *failingStore) AppendMessages(context.Context, string, []store.Entry) ([]models.Message, error) {
	return nil, errors.New("disk full")
}

func newTestHarness(t *testing.T) (*store.Store, *models.User) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA foreign_keys = ON")
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	t.Cleanup(func() { db.Close() })

	res, err := db.Exec(
		`INSERT INTO users (email, password_hash, created_at) VALUES (?, ?, ?)`,
		"user@example.com", "hash", time.Now().UTC(),
	)
	require.NoError(t, err)
	userID, err := res.LastInsertId()
	require.NoError(t, err)

	b := feed.NewBroadcaster()
	t.Cleanup(b.Close)
	return store.New(db, b), &models.User{ID: userID, Email: "user@example.com"}
}

func TestExchangeNewConversation(t *testing.T) {
	st, user := newTestHarness(t)
	gen := &stubGenerator{reply: "certainly"}
	svc := New(gen, st)

	res, err := svc.Exchange(context.Background(), user, Request{
		Prompt: "  hello  ",
		Tone:   models.ToneFormal,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ChatID)
	assert.Equal(t, "certainly", res.Reply)

	messages, err := st.ListMessages(context.Background(), res.ChatID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleUser, messages[0].Role)
	assert.Equal(t, "  hello  ", messages[0].Content, "prompt should be stored verbatim")
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
	assert.Equal(t, "certainly", messages[1].Content)
}

func TestExchangeExistingConversation(t *testing.T) {
	st, user := newTestHarness(t)
	gen := &stubGenerator{reply: "again"}
	svc := New(gen, st)
	ctx := context.Background()

	first, err := svc.Exchange(ctx, user, Request{Prompt: "one", Tone: models.ToneCasual})
	require.NoError(t, err)
	second, err := svc.Exchange(ctx, user, Request{Prompt: "two", Tone: models.ToneCasual, ChatID: first.ChatID})
	require.NoError(t, err)
	assert.Equal(t, first.ChatID, second.ChatID)

	messages, err := st.ListMessages(ctx, first.ChatID)
	require.NoError(t, err)
	assert.Len(t, messages, 4)
}

func TestExchangeValidation(t *testing.T) {
	st, user := newTestHarness(t)
	svc := New(&stubGenerator{reply: "x"}, st)
	ctx := context.Background()

	_, err := svc.Exchange(ctx, user, Request{Prompt: "   ", Tone: models.ToneFormal})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Exchange(ctx, user, Request{Prompt: "hi", Tone: models.Tone("sarcastic")})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Exchange(ctx, nil, Request{Prompt: "hi", Tone: models.ToneFormal})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestExchangeValidationSkipsSideEffects(t *testing.T) {
	st, user := newTestHarness(t)
	gen := &stubGenerator{reply: "x"}
	svc := New(gen, st)
	ctx := context.Background()

	_, err := svc.Exchange(ctx, user, Request{Prompt: "", Tone: models.ToneFormal})
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, gen.calls, "generator must not run for invalid input")

	conversations, err := st.ListConversations(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, conversations, "no conversation should be created for invalid input")
}

func TestExchangeUnknownChatID(t *testing.T) {
	st, user := newTestHarness(t)
	svc := New(&stubGenerator{reply: "x"}, st)

	_, err := svc.Exchange(context.Background(), user, Request{
		Prompt: "hi", Tone: models.ToneFormal, ChatID: "no-such-chat",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExchangeGenerationFailure(t *testing.T) {
	st, user := newTestHarness(t)
	gen := &stubGenerator{err: errors.New("provider down")}
	svc := New(gen, st)
	ctx := context.Background()

	_, err := svc.Exchange(ctx, user, Request{Prompt: "hi", Tone: models.ToneTechnical})
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	require.NotEmpty(t, genErr.ChatID, "new conversation id should be reported")

	// The conversation exists but holds no messages.
	messages, err := st.ListMessages(ctx, genErr.ChatID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestExchangePersistFailure(t *testing.T) {
	st, user := newTestHarness(t)
	svc := New(&stubGenerator{reply: "lost"}, &failingStore{ConversationStore: st})

	_, err := svc.Exchange(context.Background(), user, Request{Prompt: "hi", Tone: models.ToneFormal})
	var persistErr *PartialPersistError
	require.ErrorAs(t, err, &persistErr)
	assert.NotEmpty(t, persistErr.ChatID)
}
