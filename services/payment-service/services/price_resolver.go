package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/yashrajoria/payment-saga/pkg/cache"
	"github.com/yashrajoria/payment-saga/pkg/inventory"
	"github.com/yashrajoria/payment-saga/services/payment-service/models"
)

// PriceResolver picks the unit price recorded on an order line.
type PriceResolver struct {
	cache    Cache
	products ProductLookup
	logger   *zap.Logger
}

func NewPriceResolver(c Cache, products ProductLookup, logger *zap.Logger) *PriceResolver {
	return &PriceResolver{cache: c, products: products, logger: logger}
}

// Resolve tries, in order: the price cache, the cached stock snapshot, the
// product service, and finally the price the cart sent. Zero means none of
// them knew.
func (r *PriceResolver) Resolve(ctx context.Context, item models.CartItem) float64 {
	var entry cache.PriceEntry
	if r.cache.Get(ctx, cache.PriceKey(item.ProductID), &entry) {
		return entry.Price
	}

	var snapshot inventory.Product
	if r.cache.Get(ctx, cache.StockKey(item.ProductID), &snapshot) && snapshot.Price > 0 {
		r.remember(ctx, item.ProductID, snapshot.Price)
		return snapshot.Price
	}

	product, err := r.products.GetProduct(ctx, item.ProductID)
	if err == nil && product.Price > 0 {
		r.remember(ctx, item.ProductID, product.Price)
		return product.Price
	}
	if err != nil {
		r.logger.Debug("price lookup failed, using cart price", zap.String("product_id", item.ProductID), zap.Error(err))
	}

	if item.Price != nil {
		return *item.Price
	}
	return 0
}

func (r *PriceResolver) remember(ctx context.Context, productID string, price float64) {
	r.cache.Set(ctx, cache.PriceKey(productID), cache.PriceEntry{Price: price, ProductID: productID}, cache.PriceTTL)
}
