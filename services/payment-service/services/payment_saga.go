package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yashrajoria/payment-saga/pkg/broker"
	"github.com/yashrajoria/payment-saga/pkg/cache"
	"github.com/yashrajoria/payment-saga/pkg/inventory"
	apperrors "github.com/yashrajoria/payment-saga/services/common/errors"
	"github.com/yashrajoria/payment-saga/services/common/logger"
	"github.com/yashrajoria/payment-saga/services/payment-service/models"
	"github.com/yashrajoria/payment-saga/services/payment-service/repository"
)

type StockVerifier interface {
	CheckStock(ctx context.Context, productID string, quantity int) (*inventory.Product, error)
}

// SagaResult describes a successful payment. Persisted and EventPublished
// report the best-effort steps that ran after authorization.
type SagaResult struct {
	OrderID        string
	Message        string
	Persisted      bool
	EventPublished bool
}

type SagaDeps struct {
	Stock      StockVerifier
	Authorizer Authorizer
	Orders     repository.OrderRepository
	Prices     *PriceResolver
	Sessions   *SessionStore
	Cache      Cache
	Publisher  EventPublisher
	Logger     *zap.Logger
}

// PaymentSaga runs one checkout: stock check, authorization, order
// persistence and the payment.successful event.
type PaymentSaga struct {
	SagaDeps
	now func() time.Time
}

func NewPaymentSaga(deps SagaDeps) *PaymentSaga {
	return &PaymentSaga{SagaDeps: deps, now: time.Now}
}

// ProcessPayment returns a user-visible *errors.Error when the request is
// invalid, an item is out of stock or the card is declined. Once the card is
// approved the call always succeeds; storage and broker failures are logged
// and reflected in the result only.
func (s *PaymentSaga) ProcessPayment(ctx context.Context, req models.PaymentRequest, userID string) (*SagaResult, error) {
	log := logger.For(ctx, s.Logger).With(zap.String("user_id", userID))

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	sess := s.Sessions.Start(ctx, userID, req)

	for _, item := range req.CartItems {
		if err := ctx.Err(); err != nil {
			return nil, s.abort(ctx, sess, err)
		}
		if _, err := s.Stock.CheckStock(ctx, item.ProductID, item.Quantity); err != nil {
			s.Sessions.Fail(ctx, sess, userMessage(err))
			log.Info("stock check failed", zap.String("product_id", item.ProductID), zap.Error(err))
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, s.abort(ctx, sess, err)
	}
	decision := s.Authorizer.Authorize(req.PaymentInfo)
	if !decision.Approved {
		s.Sessions.Fail(ctx, sess, decision.Reason)
		log.Info("payment declined", zap.String("reason", decision.Reason))
		return nil, apperrors.PaymentDeclined(decision.Reason)
	}

	// The customer has been charged; nothing below may be cut short by the
	// client going away.
	ctx = context.WithoutCancel(ctx)

	orderID := req.OrderID
	if orderID == "" {
		orderID = fmt.Sprintf("order-%s-%d", userID, s.now().Unix())
	}
	result := &SagaResult{OrderID: orderID, Message: "Payment processed successfully"}

	if err := s.Orders.Save(ctx, s.buildOrder(ctx, req, userID, orderID)); err != nil {
		s.reportInternal(log, apperrors.Storage("failed to save order", err), orderID)
	} else {
		result.Persisted = true
	}

	s.Sessions.Complete(ctx, sess, orderID)
	s.Cache.Delete(ctx, cache.UserOrdersKey(userID))

	event := broker.PaymentSucceeded{
		UserID:        userID,
		OrderID:       orderID,
		Items:         eventItems(req.CartItems),
		TotalAmount:   req.TotalAmount,
		PaymentMethod: req.PaymentInfo.Method(),
	}
	if err := s.Publisher.Publish(ctx, broker.KindPaymentSucceeded, event); err != nil {
		s.reportInternal(log, apperrors.Broker("failed to publish payment.successful", err), orderID)
	} else {
		result.EventPublished = true
	}

	log.Info("payment processed",
		zap.String("order_id", orderID),
		zap.Bool("persisted", result.Persisted),
		zap.Bool("event_published", result.EventPublished),
	)
	return result, nil
}

func validateRequest(req models.PaymentRequest) error {
	if len(req.CartItems) == 0 || req.PaymentInfo.IsEmpty() {
		return apperrors.Validation("Missing cart items or payment information")
	}
	for _, item := range req.CartItems {
		if item.ProductID == "" || item.Quantity <= 0 {
			return apperrors.Validation("Invalid cart item")
		}
	}
	return nil
}

func (s *PaymentSaga) abort(ctx context.Context, sess *models.PaymentSession, cause error) error {
	s.Sessions.Error(ctx, sess, "Request cancelled")
	return apperrors.Internal("payment request cancelled", cause)
}

// reportInternal is the single place failures that must not reach the
// customer are recorded.
func (s *PaymentSaga) reportInternal(log *zap.Logger, err *apperrors.Error, orderID string) {
	log.Error("payment saga step failed",
		zap.String("kind", string(err.Kind)),
		zap.String("order_id", orderID),
		zap.Error(err),
	)
}

func (s *PaymentSaga) buildOrder(ctx context.Context, req models.PaymentRequest, userID, orderID string) *models.Order {
	order := &models.Order{
		OrderID:       orderID,
		UserID:        userID,
		TotalAmount:   req.TotalAmount,
		PaymentMethod: req.PaymentInfo.Method(),
		Status:        models.OrderStatusCompleted,
		Items:         make([]models.OrderItem, 0, len(req.CartItems)),
	}
	for _, item := range req.CartItems {
		order.Items = append(order.Items, models.OrderItem{
			OrderID:   orderID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     s.Prices.Resolve(ctx, item),
		})
	}
	return order
}

func eventItems(items []models.CartItem) []broker.Item {
	out := make([]broker.Item, 0, len(items))
	for _, item := range items {
		ei := broker.Item{ProductID: item.ProductID, Quantity: item.Quantity}
		if item.Price != nil {
			ei.Price = *item.Price
		}
		out = append(out, ei)
	}
	return out
}

func userMessage(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
