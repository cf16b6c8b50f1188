package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	tokenQueryParam     = "token"
)

// RequireAccessToken verifies the bearer token and injects identity into the
// request context. RBAC checks belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		authenticate(c, m, strings.TrimPrefix(raw, bearerPrefix))
	}
}

// RequireSocketToken is RequireAccessToken for websocket upgrades, where
// browsers cannot set headers: the token may come from the query string.
func RequireSocketToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := strings.TrimSpace(c.Query(tokenQueryParam))
		if tok == "" {
			raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
			tok = strings.TrimPrefix(raw, bearerPrefix)
		}
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		authenticate(c, m, tok)
	}
}

func authenticate(c *gin.Context, m *Manager, tok string) {
	claims, err := m.Verify(tok, time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), claims.UserID, claims.Role))
	c.Set("user_id", claims.UserID)
	c.Set("role", claims.Role)
	c.Next()
}
