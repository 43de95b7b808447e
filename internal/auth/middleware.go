package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tonechat/internal/models"
)

const contextUserKey = "auth_user"

// Middleware resolves the request's credentials and aborts with 401 when no
// valid identity is attached. The resolved user is stored in the gin context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.ResolveUser(c.Request.Context(), s.ExtractToken(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth lookup failed"})
			return
		}
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(contextUserKey, user)
		c.Next()
	}
}

// UserFromContext returns the authenticated user set by Middleware.
func UserFromContext(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(contextUserKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*models.User)
	return user, ok
}

// ExtractToken pulls the auth token from the Authorization header or, failing
// that, the auth cookie. Returns "" when neither is present.
func (s *Service) ExtractToken(c *gin.Context) string {
	header := c.GetHeader(s.headerName)
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token
	}
	return ""
}
