package controllers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	awspkg "github.com/yashrajoria/payment-saga/pkg/aws"
	"github.com/yashrajoria/payment-saga/pkg/cache"
	apperrors "github.com/yashrajoria/payment-saga/services/common/errors"
	"github.com/yashrajoria/payment-saga/services/payment-service/middleware"
	"github.com/yashrajoria/payment-saga/services/payment-service/models"
	"github.com/yashrajoria/payment-saga/services/payment-service/services"
)

type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, req models.PaymentRequest, userID string) (*services.SagaResult, error)
}

type OrderReader interface {
	ListOrders(ctx context.Context, userID string) ([]models.Order, error)
	GetOrder(ctx context.Context, userID, orderID string) (*models.Order, error)
}

type SessionReader interface {
	Get(ctx context.Context, userID string) (*models.PaymentSession, bool)
	Clear(ctx context.Context, userID string) bool
}

type CacheHealth interface {
	HealthCheck(ctx context.Context) cache.Health
	Stats() cache.Stats
}

type BrokerHealth interface {
	Degraded() bool
}

// PaymentController handlers attach failures with c.Error; the error
// middleware turns them into responses.
type PaymentController struct {
	Saga     PaymentProcessor
	Orders   OrderReader
	Sessions SessionReader
	Cache    CacheHealth
	Broker   BrokerHealth
	Metrics  *awspkg.MetricsClient
	Logger   *zap.Logger
}

func (pc *PaymentController) ProcessPayment(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req models.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.Validation("Invalid request data"))
		return
	}

	var result *services.SagaResult
	err := pc.Metrics.Track(awspkg.MetricPaymentSaga, map[string]string{"Service": "payment-service"}, func() error {
		var err error
		result, err = pc.Saga.ProcessPayment(c.Request.Context(), req, userID)
		return err
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": result.Message,
		"orderId": result.OrderID,
	})
}

func (pc *PaymentController) ListOrders(c *gin.Context) {
	orders, err := pc.Orders.ListOrders(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		pc.Logger.Error("failed to list orders", zap.Error(err))
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (pc *PaymentController) GetOrder(c *gin.Context) {
	order, err := pc.Orders.GetOrder(c.Request.Context(), middleware.GetUserID(c), c.Param("orderId"))
	if err != nil {
		if apperrors.KindOf(err) != apperrors.KindNotFound {
			pc.Logger.Error("failed to load order", zap.String("order_id", c.Param("orderId")), zap.Error(err))
		}
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (pc *PaymentController) GetSession(c *gin.Context) {
	sess, ok := pc.Sessions.Get(c.Request.Context(), middleware.GetUserID(c))
	if !ok {
		_ = c.Error(apperrors.NotFound("No active payment session"))
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (pc *PaymentController) ClearSession(c *gin.Context) {
	pc.Sessions.Clear(c.Request.Context(), middleware.GetUserID(c))
	c.JSON(http.StatusOK, gin.H{"message": "Payment session cleared"})
}

func (pc *PaymentController) TestCards(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"testCards": services.TestCards()})
}

// Health always answers 200; dependency state is informational because the
// service keeps serving with the cache or broker down. The broker is not
// contacted here: "available" only means publishing has not fallen back.
func (pc *PaymentController) Health(c *gin.Context) {
	brokerStatus := "available"
	if pc.Broker != nil && pc.Broker.Degraded() {
		brokerStatus = "degraded"
	}

	resp := gin.H{
		"status":  "healthy",
		"service": "payment-service",
		"broker":  brokerStatus,
	}
	if pc.Cache != nil {
		resp["cache"] = pc.Cache.HealthCheck(c.Request.Context())
		resp["cacheStats"] = pc.Cache.Stats()
	}
	c.JSON(http.StatusOK, resp)
}
