package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"tonechat/internal/auth"
	"tonechat/internal/feed"
	"tonechat/internal/models"
	"tonechat/internal/service/exchange"
	"tonechat/internal/service/liveview"
	"tonechat/internal/store"
)

// Handler wires HTTP routes to the exchange service and conversation store.
type Handler struct {
	exchange *exchange.Service
	store    *store.Store
	auth     *auth.Service
	feed     feed.Feed
}

// NewHandler constructs a Handler instance.
func NewHandler(exchangeSvc *exchange.Service, st *store.Store, authSvc *auth.Service, f feed.Feed) *Handler {
	return &Handler{
		exchange: exchangeSvc,
		store:    st,
		auth:     authSvc,
		feed:     f,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	protected := api.Group("")
	protected.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	protected.POST("/ai", h.submitPrompt)
	protected.GET("/chats", h.listChats)
	protected.GET("/chats/:id/messages", h.getChatMessages)
	protected.GET("/chats/:id/watch", h.watchChat)
	protected.DELETE("/chats/:id", h.deleteChat)
	protected.POST("/users/logout", h.logoutUser)
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if token := h.auth.ExtractToken(c); token != "" {
		_ = h.auth.RevokeToken(c.Request.Context(), token)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

type promptRequest struct {
	Prompt string `json:"prompt"`
	Tone   string `json:"tone"`
	ChatID string `json:"chat_id"`
}

// submitPrompt runs one prompt/reply exchange. Failure modes map to distinct
// codes so the client can tell a lost completion from a provider outage.
func (h *Handler) submitPrompt(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.exchange.Exchange(c.Request.Context(), user, exchange.Request{
		Prompt: req.Prompt,
		Tone:   models.Tone(req.Tone),
		ChatID: req.ChatID,
	})
	if err != nil {
		h.writeExchangeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result":  result.Reply,
		"chat_id": result.ChatID,
	})
}

func (h *Handler) writeExchangeError(c *gin.Context, err error) {
	var genErr *exchange.GenerationError
	var persistErr *exchange.PartialPersistError
	switch {
	case errors.Is(err, exchange.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, exchange.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
	case errors.As(err, &genErr):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "completion failed",
			"code":    "generation_failed",
			"chat_id": genErr.ChatID,
		})
	case errors.As(err, &persistErr):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reply could not be saved",
			"code":    "partial_persist",
			"chat_id": persistErr.ChatID,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal error",
			"code":  "store_error",
		})
	}
}

func (h *Handler) listChats(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	conversations, err := h.store.ListConversations(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": conversations})
}

func (h *Handler) getChatMessages(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	chatID := c.Param("id")
	if _, err := h.store.GetConversation(c.Request.Context(), chatID, user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	messages, err := h.store.ListMessages(c.Request.Context(), chatID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) deleteChat(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	if err := h.store.DeleteConversation(c.Request.Context(), c.Param("id"), user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// watchChat streams the chat's message list over SSE. The full list is sent
// on connect and again after every change; clients just replace their state.
func (h *Handler) watchChat(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	chatID := c.Param("id")
	if _, err := h.store.GetConversation(c.Request.Context(), chatID, user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	view, err := liveview.Open(c.Request.Context(), h.store, h.feed, chatID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer view.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendMessages := func(messages []models.Message) error {
		data, err := json.Marshal(gin.H{"messages": messages})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: messages\ndata: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendMessages(view.Messages()); err != nil {
		return
	}
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case _, open := <-view.Updates():
			if !open {
				return
			}
			if err := sendMessages(view.Messages()); err != nil {
				return
			}
		}
	}
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
