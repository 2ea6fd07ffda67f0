package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studybuddy/internal/apperr"
	"studybuddy/internal/identity"
	"studybuddy/internal/models"
)

type stubProvider struct {
	identity.Provider
}

func (stubProvider) Authenticate(_ context.Context, token string) (models.User, error) {
	if token != "good" {
		return models.User{}, apperr.Unauthenticated("Invalid session. Please log in again.")
	}
	return models.User{ID: "u1", Email: "ana@example.com"}, nil
}

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(stubProvider{}))
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(UserIDKey), "token": c.GetString(TokenKey)})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		query    string
		wantCode int
		wantBody string
	}{
		{name: "missing", wantCode: http.StatusUnauthorized, wantBody: "missing authorization"},
		{name: "malformed", header: "Token good", wantCode: http.StatusUnauthorized, wantBody: "invalid authorization header"},
		{name: "rejected", header: "Bearer bad", wantCode: http.StatusUnauthorized, wantBody: "Invalid session"},
		{name: "header", header: "Bearer good", wantCode: http.StatusOK, wantBody: `"user_id":"u1"`},
		{name: "query param", query: "?access_token=good", wantCode: http.StatusOK, wantBody: `"token":"good"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			newAuthRouter().ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestLimiterPoolPerKey(t *testing.T) {
	pool := NewLimiterPool(1, 2)
	now := time.Unix(1000, 0)
	pool.now = func() time.Time { return now }

	assert.True(t, pool.Allow("a"))
	assert.True(t, pool.Allow("a"))
	assert.False(t, pool.Allow("a"))
	assert.True(t, pool.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, pool.Allow("a"))
}

func TestLimiterPoolDropsIdleEntries(t *testing.T) {
	pool := NewLimiterPool(1, 1)
	now := time.Unix(1000, 0)
	pool.now = func() time.Time { return now }

	pool.Allow("a")
	now = now.Add(2 * idleLimiterTTL)
	pool.Allow("b")

	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.Len(t, pool.m, 1)
	assert.Contains(t, pool.m, "b")
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-User"); u != "" {
			c.Set(UserIDKey, u)
		}
		c.Next()
	})
	r.Use(RateLimitMiddleware(NewLimiterPool(0.001, 1)))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if user != "" {
			req.Header.Set("X-User", user)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusNoContent, do("").Code)
	rec := do("")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "Too many attempts")

	assert.Equal(t, http.StatusNoContent, do("u1").Code)
	assert.Equal(t, http.StatusTooManyRequests, do("u1").Code)
	assert.Equal(t, http.StatusNoContent, do("u2").Code)
}
