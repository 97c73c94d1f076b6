package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-realtime/internal/telemetry"
)

// RoomCounter reports live room occupancy.
type RoomCounter interface {
	RoomSize(room string) int
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, rooms RoomCounter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/rooms/:room", func(c *gin.Context) {
		room := c.Param("room")
		c.JSON(http.StatusOK, gin.H{"room": room, "connections": rooms.RoomSize(room)})
	})
}
