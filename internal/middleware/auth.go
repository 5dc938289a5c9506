package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/models"
)

// Context keys set by AuthMiddleware.
const (
	UserIDKey = "userID"
	UserKey   = "user"
)

// TokenTable resolves static bearer tokens to users.
type TokenTable struct {
	byToken map[string]models.UserRef
	byID    map[string]models.UserRef
}

// NewTokenTable builds a table from token -> user.
func NewTokenTable(tokens map[string]models.UserRef) *TokenTable {
	t := &TokenTable{
		byToken: make(map[string]models.UserRef, len(tokens)),
		byID:    make(map[string]models.UserRef, len(tokens)),
	}
	for token, user := range tokens {
		t.byToken[token] = user
		t.byID[user.ID] = user
	}
	return t
}

// Resolve returns the user a token belongs to.
func (t *TokenTable) Resolve(token string) (models.UserRef, bool) {
	u, ok := t.byToken[token]
	return u, ok
}

// User returns what is known about userID; unknown ids come back bare.
func (t *TokenTable) User(userID string) models.UserRef {
	if u, ok := t.byID[userID]; ok {
		return u
	}
	return models.UserRef{ID: userID}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// AuthMiddleware validates the Authorization header against the token table.
func AuthMiddleware(tokens *TokenTable) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		token, ok := BearerToken(header)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		user, ok := tokens.Resolve(token)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(UserIDKey, user.ID)
		c.Set(UserKey, user)
		c.Next()
	}
}

// CurrentUser returns the user AuthMiddleware attached to the request.
func CurrentUser(c *gin.Context) models.UserRef {
	if v, ok := c.Get(UserKey); ok {
		if u, ok := v.(models.UserRef); ok {
			return u
		}
	}
	return models.UserRef{ID: c.GetString(UserIDKey)}
}
