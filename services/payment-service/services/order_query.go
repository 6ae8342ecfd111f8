package services

import (
	"context"
	"errors"

	"github.com/yashrajoria/payment-saga/pkg/cache"
	apperrors "github.com/yashrajoria/payment-saga/services/common/errors"
	"github.com/yashrajoria/payment-saga/services/payment-service/models"
	"github.com/yashrajoria/payment-saga/services/payment-service/repository"
)

// OrderQueryService serves order history through the cache.
type OrderQueryService struct {
	orders repository.OrderRepository
	cache  Cache
}

func NewOrderQueryService(orders repository.OrderRepository, c Cache) *OrderQueryService {
	return &OrderQueryService{orders: orders, cache: c}
}

func (q *OrderQueryService) ListOrders(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	err := q.cache.GetOrLoad(ctx, cache.UserOrdersKey(userID), cache.OrderListTTL, &orders, func(ctx context.Context) (any, error) {
		return q.orders.FindByUserID(ctx, userID)
	})
	if err != nil {
		return nil, apperrors.Storage("failed to load orders", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// GetOrder returns one order. An order owned by someone else is reported as
// not found.
func (q *OrderQueryService) GetOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	var order models.Order
	err := q.cache.GetOrLoad(ctx, cache.OrderDetailsKey(orderID), cache.OrderDetailTTL, &order, func(ctx context.Context) (any, error) {
		return q.orders.FindByOrderID(ctx, orderID)
	})
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, apperrors.NotFound("Order not found")
	}
	if err != nil {
		return nil, apperrors.Storage("failed to load order", err)
	}
	if order.UserID != userID {
		return nil, apperrors.NotFound("Order not found")
	}
	return &order, nil
}
