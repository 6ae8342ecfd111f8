package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yashrajoria/payment-saga/services/common/logger"
)

const (
	RequestIDHeader = "X-Request-ID"

	// UserIDKey is where authentication middleware stores the caller's ID.
	UserIDKey = "userID"
)

// RequestID reuses an incoming X-Request-ID or generates one, echoes it in
// the response and makes it available through both the gin context and the
// request's context.Context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		c.Set(logger.RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}
