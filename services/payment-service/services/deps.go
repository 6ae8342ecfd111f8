package services

import (
	"context"
	"time"

	"github.com/yashrajoria/payment-saga/pkg/broker"
	"github.com/yashrajoria/payment-saga/pkg/cache"
	"github.com/yashrajoria/payment-saga/pkg/inventory"
)

// Cache is the subset of *cache.RedisCache the payment service uses. All
// methods treat failures as misses.
type Cache interface {
	Get(ctx context.Context, key string, dest any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration) bool
	Delete(ctx context.Context, keys ...string) bool
	GetOrLoad(ctx context.Context, key string, ttl time.Duration, dest any, load cache.LoadFunc) error
}

type ProductLookup interface {
	GetProduct(ctx context.Context, productID string) (*inventory.Product, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, kind broker.Kind, payload any) error
}

var (
	_ Cache          = (*cache.RedisCache)(nil)
	_ ProductLookup  = (*inventory.Client)(nil)
	_ EventPublisher = (*broker.Publisher)(nil)
)
