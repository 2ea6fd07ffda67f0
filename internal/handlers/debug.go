package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"studybuddy/internal/telemetry"
)

// SubscriberCounter reports live change-feed subscriptions per group.
type SubscriberCounter interface {
	Subscribers(groupID string) int
}

// RegisterDebugRoutes wires operator-only endpoints when enabled.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, subscribers SubscriberCounter, enabled bool) {
	if !enabled {
		return
	}
	debug := router.Group("/debug")

	debug.GET("/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), telemetry.LevelInfo, "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	debug.GET("/groups/:group_id/subscribers", func(c *gin.Context) {
		groupID, ok := validUUID(c, "group_id")
		if !ok {
			return
		}
		count := 0
		if subscribers != nil {
			count = subscribers.Subscribers(groupID)
		}
		c.JSON(http.StatusOK, gin.H{"group_id": groupID, "subscribers": count})
	})
}
