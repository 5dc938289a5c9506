package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/middleware"
	"chat-sync/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints behind auth.
func RegisterDebugRoutes(router gin.IRoutes, auth gin.HandlerFunc, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", auth, func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit_test", requestIDFromContext(c), middleware.CurrentUser(c).ID, nil)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
