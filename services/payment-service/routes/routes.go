package routes

import (
	"github.com/gin-gonic/gin"

	commonmw "github.com/yashrajoria/payment-saga/services/common/middleware"
	"github.com/yashrajoria/payment-saga/services/payment-service/controllers"
	"github.com/yashrajoria/payment-saga/services/payment-service/middleware"
)

// RegisterPaymentRoutes mounts the API under /payments and, for older
// clients, /api/payments.
func RegisterPaymentRoutes(r *gin.Engine, pc *controllers.PaymentController, jwtSecret []byte, ratePerMinute int) {
	r.GET("/health", pc.Health)

	limiter := commonmw.RateLimitMiddleware(ratePerMinute)
	auth := middleware.AuthMiddleware(jwtSecret)

	for _, prefix := range []string{"/payments", "/api/payments"} {
		payments := r.Group(prefix)
		payments.GET("/test-cards", pc.TestCards)

		authed := payments.Group("", auth)
		authed.POST("/process", limiter, pc.ProcessPayment)
		authed.GET("/orders", pc.ListOrders)
		authed.GET("/orders/:orderId", pc.GetOrder)
		authed.GET("/session", pc.GetSession)
		authed.DELETE("/session", pc.ClearSession)
	}
}
