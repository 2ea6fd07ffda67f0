package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"studybuddy/internal/apperr"
	"studybuddy/internal/middleware"
	"studybuddy/internal/telemetry"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *string {
	if userID := c.GetString(middleware.UserIDKey); userID != "" {
		return &userID
	}
	return nil
}

func emitAudit(audit *telemetry.AuditEmitter, c *gin.Context, level, text string) {
	if audit == nil {
		return
	}
	audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c))
}

// respondError writes err as {"error": message} with the status of its code.
// Failures that are not the caller's fault are audited.
func respondError(audit *telemetry.AuditEmitter, c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		emitAudit(audit, c, telemetry.LevelError, apperr.Message(err))
	}
	c.JSON(status, gin.H{"error": apperr.Message(err)})
}

func validUUID(c *gin.Context, param string) (string, bool) {
	id := c.Param(param)
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + strings.ReplaceAll(param, "_", " ")})
		return "", false
	}
	return id, true
}
