package services

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yashrajoria/payment-saga/pkg/cache"
	"github.com/yashrajoria/payment-saga/pkg/inventory"
	"github.com/yashrajoria/payment-saga/services/payment-service/models"
	"github.com/yashrajoria/payment-saga/services/payment-service/repository"
)

func newTestCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	c := cache.New(client, zap.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

type fakeProducts struct {
	mu       sync.Mutex
	products map[string]inventory.Product
	err      error
	calls    int
}

func (f *fakeProducts) GetProduct(ctx context.Context, productID string) (*inventory.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.products[productID]
	if !ok {
		return nil, inventory.ErrProductNotFound
	}
	return &p, nil
}

func (f *fakeProducts) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeOrders struct {
	mu      sync.Mutex
	saved   []*models.Order
	saveErr error
	findErr error
	finds   int
}

var _ repository.OrderRepository = (*fakeOrders)(nil)

func (f *fakeOrders) Save(ctx context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, order)
	return nil
}

func (f *fakeOrders) FindByUserID(ctx context.Context, userID string) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []models.Order
	for _, o := range f.saved {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOrders) FindByOrderID(ctx context.Context, orderID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, o := range f.saved {
		if o.OrderID == orderID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (f *fakeOrders) Saved() []*models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Order(nil), f.saved...)
}

type spyAuthorizer struct {
	inner Authorizer
	calls int
}

func (s *spyAuthorizer) Authorize(info models.PaymentInfo) Decision {
	s.calls++
	return s.inner.Authorize(info)
}

func price(v float64) *float64 { return &v }
