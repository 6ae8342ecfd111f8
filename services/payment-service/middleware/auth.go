package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/yashrajoria/payment-saga/services/common/auth"
	apperrors "github.com/yashrajoria/payment-saga/services/common/errors"
	commonmw "github.com/yashrajoria/payment-saga/services/common/middleware"
)

// AuthMiddleware requires a valid bearer JWT and stores the caller's user ID.
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			apperrors.Respond(c, apperrors.Unauthorized("Unauthorized"))
			return
		}

		claims, err := auth.ParseAndValidateToken(token, secret, "")
		if err != nil {
			apperrors.Respond(c, apperrors.Unauthorized("Unauthorized"))
			return
		}
		userID, ok := auth.UserID(claims)
		if !ok {
			apperrors.Respond(c, apperrors.Unauthorized("Unauthorized"))
			return
		}

		c.Set(commonmw.UserIDKey, userID)
		c.Next()
	}
}

func GetUserID(c *gin.Context) string {
	return c.GetString(commonmw.UserIDKey)
}
