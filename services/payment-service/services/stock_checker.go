package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/yashrajoria/payment-saga/pkg/cache"
	"github.com/yashrajoria/payment-saga/pkg/inventory"
	apperrors "github.com/yashrajoria/payment-saga/services/common/errors"
	"github.com/yashrajoria/payment-saga/services/common/logger"
)

// StockChecker answers whether a product has enough stock. The answer is
// advisory: nothing is reserved, and the stock updater applies the real
// decrement later.
type StockChecker struct {
	cache    Cache
	products ProductLookup
	logger   *zap.Logger
}

func NewStockChecker(c Cache, products ProductLookup, logger *zap.Logger) *StockChecker {
	return &StockChecker{cache: c, products: products, logger: logger}
}

// CheckStock reads stock:{id}, loading and caching the product on a miss.
// Failures are returned as stock errors carrying the user-facing reason.
func (s *StockChecker) CheckStock(ctx context.Context, productID string, quantity int) (*inventory.Product, error) {
	var product inventory.Product
	err := s.cache.GetOrLoad(ctx, cache.StockKey(productID), cache.StockTTL, &product, func(ctx context.Context) (any, error) {
		return s.products.GetProduct(ctx, productID)
	})
	if err != nil {
		if errors.Is(err, inventory.ErrProductNotFound) {
			return nil, apperrors.Stock("Product not found")
		}
		logger.For(ctx, s.logger).Error("Error checking product stock", zap.String("product_id", productID), zap.Error(err))
		return nil, apperrors.Stock("Error checking product stock")
	}

	if product.StockQuantity < quantity {
		return &product, apperrors.Stock(fmt.Sprintf("Not enough stock. Available: %d", product.StockQuantity))
	}
	return &product, nil
}
