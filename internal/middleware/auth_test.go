package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"chat-sync/internal/models"
)

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := NewTokenTable(map[string]models.UserRef{"tok": {ID: "u1", Name: "Ana"}})
	r := gin.New()
	r.GET("/me", AuthMiddleware(tokens), func(c *gin.Context) {
		c.JSON(http.StatusOK, CurrentUser(c))
	})

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "tok", http.StatusUnauthorized},
		{"unknown", "Bearer nope", http.StatusUnauthorized},
		{"valid", "bearer tok", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				assert.JSONEq(t, `{"id":"u1","name":"Ana"}`, rec.Body.String())
			}
		})
	}
}

func TestTokenTableUser(t *testing.T) {
	tokens := NewTokenTable(map[string]models.UserRef{"tok": {ID: "u1", Name: "Ana"}})
	assert.Equal(t, models.UserRef{ID: "u1", Name: "Ana"}, tokens.User("u1"))
	assert.Equal(t, models.UserRef{ID: "u9"}, tokens.User("u9"))
}
