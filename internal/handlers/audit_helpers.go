package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat-realtime/internal/middleware"
	"chat-realtime/internal/observability"
)

const requestIDContextKey = "request_id"

// RequestID stamps every request with an id, reusing X-Request-ID when the
// caller sent one, and echoes it back. The id is also written onto the
// request so later readers such as the websocket gateway see the same value.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := requestIDFromContext(c)
		c.Request.Header.Set(observability.HeaderRequestID, id)
		c.Header(observability.HeaderRequestID, id)
		c.Next()
	}
}

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader(observability.HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

// userIDFromContext returns nil for unauthenticated requests.
func userIDFromContext(c *gin.Context) *int64 {
	if id := middleware.UserID(c); id != 0 {
		return &id
	}
	return nil
}
