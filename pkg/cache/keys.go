package cache

import (
	"fmt"
	"time"
)

// TTLs per key family.
const (
	StockTTL             = 5 * time.Minute
	PriceTTL             = time.Hour
	SessionProcessingTTL = 30 * time.Minute
	SessionFailedTTL     = 5 * time.Minute
	SessionCompletedTTL  = time.Hour
	OrderListTTL         = 10 * time.Minute
	OrderDetailTTL       = 30 * time.Minute
)

func StockKey(productID string) string {
	return fmt.Sprintf("stock:%s", productID)
}

// PriceEntry is the value stored under PriceKey.
type PriceEntry struct {
	Price     float64 `json:"price"`
	ProductID string  `json:"product_id"`
}

func PriceKey(productID string) string {
	return fmt.Sprintf("product:price:%s", productID)
}

func SessionKey(userID string) string {
	return fmt.Sprintf("payment:session:%s", userID)
}

func UserOrdersKey(userID string) string {
	return fmt.Sprintf("user:orders:%s", userID)
}

func OrderDetailsKey(orderID string) string {
	return fmt.Sprintf("order:details:%s", orderID)
}
