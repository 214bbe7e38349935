package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/crewdesk/backend/internal/shared/id"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID assigns each request an identifier, honoring one supplied by the
// caller in X-Request-ID, and echoes it back in the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = id.NewRequestID()
		}

		ctx := context.WithValue(c.Request.Context(), requestIDKey, rid)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", rid)

		c.Next()
	}
}

// GetRequestID retrieves the request identifier from a context.
func GetRequestID(ctx context.Context) string {
	if rid, ok := ctx.Value(requestIDKey).(string); ok {
		return rid
	}
	return ""
}
