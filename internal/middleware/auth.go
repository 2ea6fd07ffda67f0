package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"studybuddy/internal/apperr"
	"studybuddy/internal/identity"
)

// Context keys set by AuthMiddleware.
const (
	UserIDKey = "userID"
	UserKey   = "user"
	TokenKey  = "token"
)

// BearerToken extracts the session token from the Authorization header, or
// from the access_token query parameter for websocket upgrades where
// browsers cannot set headers.
func BearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if t := c.Query("access_token"); t != "" {
			return t, true
		}
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// AuthMiddleware authenticates the bearer token against the identity provider.
func AuthMiddleware(provider identity.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			msg := "missing authorization"
			if c.GetHeader("Authorization") != "" {
				msg = "invalid authorization header"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		user, err := provider.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(apperr.HTTPStatus(err), gin.H{"error": apperr.Message(err)})
			return
		}

		c.Set(UserIDKey, user.ID)
		c.Set(UserKey, user)
		c.Set(TokenKey, token)
		c.Next()
	}
}
