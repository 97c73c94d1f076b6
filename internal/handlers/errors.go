package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/pipeline"
)

// respondError maps an operation error onto an HTTP status. Storage and
// crypto details stay in the log.
func respondError(c *gin.Context, err error) {
	code := pipeline.ErrorCode(err)
	switch code {
	case "missing_target", "validation":
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": code})
	case "forbidden":
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant", "code": code})
	case "not_found":
		c.JSON(http.StatusNotFound, gin.H{"error": "scope not found", "code": code})
	default:
		logger.L().Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", requestIDFromContext(c)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": code})
	}
}
