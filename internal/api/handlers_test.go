package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"

	"tonechat/internal/auth"
	"tonechat/internal/feed"
	"tonechat/internal/models"
	"tonechat/internal/service/exchange"
	"tonechat/internal/storage"
	"tonechat/internal/store"
)

type stubGenerator struct {
	reply string
	err   error
}

func (g *stubGenerator) Generate(context.Context, string, models.Tone) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func newTestServer(t *testing.T, gen exchange.Generator) (*gin.Engine, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	b := feed.NewBroadcaster()
	t.Cleanup(b.Close)

	st := store.New(db, b)
	authSvc := auth.NewService(db, nil, time.Hour)
	exchangeSvc := exchange.New(gen, st)
	handler := NewHandler(exchangeSvc, st, authSvc, b)

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, st
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func registerAndLogin(t *testing.T, router *gin.Engine, email string) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/users/register", "", gin.H{
		"email": email, "password": "secret",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodPost, "/api/users/login", "", gin.H{
		"email": email, "password": "secret",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		AuthToken string `json:"auth_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.AuthToken == "" {
		t.Fatal("login returned empty auth token")
	}
	return resp.AuthToken
}

func TestPromptExchangeEndToEnd(t *testing.T) {
	router, st := newTestServer(t, &stubGenerator{reply: "indeed"})
	token := registerAndLogin(t, router, "e2e@example.com")

	rec := doJSON(t, router, http.MethodPost, "/api/ai", token, gin.H{
		"prompt": "hello there", "tone": "Formal",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Result string `json:"result"`
		ChatID string `json:"chat_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Result != "indeed" {
		t.Fatalf("result = %q, want indeed", resp.Result)
	}
	if resp.ChatID == "" {
		t.Fatal("expected chat_id in response")
	}

	messages, err := st.ListMessages(context.Background(), resp.ChatID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].Role != models.RoleUser || messages[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected roles: %s, %s", messages[0].Role, messages[1].Role)
	}

	// Second prompt continues the same chat.
	rec = doJSON(t, router, http.MethodPost, "/api/ai", token, gin.H{
		"prompt": "more", "tone": "Casual", "chat_id": resp.ChatID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("second submit status = %d: %s", rec.Code, rec.Body.String())
	}
	messages, err = st.ListMessages(context.Background(), resp.ChatID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("got %d messages after second exchange, want 4", len(messages))
	}
}

func TestPromptValidation(t *testing.T) {
	router, _ := newTestServer(t, &stubGenerator{reply: "x"})
	token := registerAndLogin(t, router, "validation@example.com")

	rec := doJSON(t, router, http.MethodPost, "/api/ai", token, gin.H{
		"prompt": "   ", "tone": "Formal",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank prompt status = %d, want 400", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/api/ai", token, gin.H{
		"prompt": "hi", "tone": "Sarcastic",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad tone status = %d, want 400", rec.Code)
	}
}

func TestPromptRequiresAuth(t *testing.T) {
	router, _ := newTestServer(t, &stubGenerator{reply: "x"})

	rec := doJSON(t, router, http.MethodPost, "/api/ai", "", gin.H{
		"prompt": "hi", "tone": "Formal",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/api/ai", "bogus-token", gin.H{
		"prompt": "hi", "tone": "Formal",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", rec.Code)
	}
}

func TestPromptUnknownChat(t *testing.T) {
	router, _ := newTestServer(t, &stubGenerator{reply: "x"})
	token := registerAndLogin(t, router, "unknownchat@example.com")

	rec := doJSON(t, router, http.MethodPost, "/api/ai", token, gin.H{
		"prompt": "hi", "tone": "Formal", "chat_id": "no-such-chat",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown chat status = %d, want 404", rec.Code)
	}
}

func TestPromptGenerationFailure(t *testing.T) {
	router, _ := newTestServer(t, &stubGenerator{err: errors.New("provider down")})
	token := registerAndLogin(t, router, "genfail@example.com")

	rec := doJSON(t, router, http.MethodPost, "/api/ai", token, gin.H{
		"prompt": "hi", "tone": "Technical",
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("generation failure status = %d, want 500", rec.Code)
	}
	var resp struct {
		Code   string `json:"code"`
		ChatID string `json:"chat_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != "generation_failed" {
		t.Fatalf("code = %q, want generation_failed", resp.Code)
	}
	if resp.ChatID == "" {
		t.Fatal("expected chat_id of the created conversation")
	}
}

func TestChatListAndDelete(t *testing.T) {
	router, _ := newTestServer(t, &stubGenerator{reply: "x"})
	token := registerAndLogin(t, router, "chats@example.com")

	rec := doJSON(t, router, http.MethodPost, "/api/ai", token, gin.H{
		"prompt": "hi", "tone": "Formal",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d", rec.Code)
	}
	var created struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/chats", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Chats []models.Conversation `json:"chats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Chats) != 1 || list.Chats[0].ID != created.ChatID {
		t.Fatalf("unexpected chat list: %+v", list.Chats)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/chats/"+created.ChatID+"/messages", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("messages status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/chats/"+created.ChatID, token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodDelete, "/api/chats/"+created.ChatID, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestChatsAreOwnerScoped(t *testing.T) {
	router, _ := newTestServer(t, &stubGenerator{reply: "x"})
	ownerToken := registerAndLogin(t, router, "owner@example.com")
	otherToken := registerAndLogin(t, router, "other@example.com")

	rec := doJSON(t, router, http.MethodPost, "/api/ai", ownerToken, gin.H{
		"prompt": "hi", "tone": "Formal",
	})
	var created struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/chats/"+created.ChatID+"/messages", otherToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user read status = %d, want 404", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/api/ai", otherToken, gin.H{
		"prompt": "hijack", "tone": "Formal", "chat_id": created.ChatID,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user append status = %d, want 404", rec.Code)
	}
}

func TestWatchSendsInitialMessages(t *testing.T) {
	router, st := newTestServer(t, &stubGenerator{reply: "x"})
	token := registerAndLogin(t, router, "watch@example.com")

	rec := doJSON(t, router, http.MethodPost, "/api/ai", token, gin.H{
		"prompt": "hi", "tone": "Formal",
	})
	var created struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/chats/"+created.ChatID+"/watch", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+token)
	watchRec := httptest.NewRecorder()
	router.ServeHTTP(watchRec, req)

	if watchRec.Code != http.StatusOK {
		t.Fatalf("watch status = %d: %s", watchRec.Code, watchRec.Body.String())
	}
	if ct := watchRec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}
	body := watchRec.Body.String()
	if !strings.Contains(body, "event: messages") {
		t.Fatalf("missing initial messages event: %q", body)
	}

	// The snapshot in the stream matches the stored messages.
	messages, err := st.ListMessages(context.Background(), created.ChatID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	for _, msg := range messages {
		if !strings.Contains(body, fmt.Sprintf("%q", msg.ID)) {
			t.Fatalf("stream missing message %s: %q", msg.ID, body)
		}
	}
}

func TestWatchUnknownChat(t *testing.T) {
	router, _ := newTestServer(t, &stubGenerator{reply: "x"})
	token := registerAndLogin(t, router, "watch404@example.com")

	rec := doJSON(t, router, http.MethodGet, "/api/chats/no-such-chat/watch", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("watch unknown chat status = %d, want 404", rec.Code)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	router, _ := newTestServer(t, &stubGenerator{reply: "x"})
	token := registerAndLogin(t, router, "logout@example.com")

	rec := doJSON(t, router, http.MethodPost, "/api/users/logout", token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/chats", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("post-logout status = %d, want 401", rec.Code)
	}
}
