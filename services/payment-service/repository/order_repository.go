package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/yashrajoria/payment-saga/services/payment-service/models"
)

var ErrOrderNotFound = errors.New("order not found")

// OrderRepository is the durable record of completed payments.
type OrderRepository interface {
	Save(ctx context.Context, order *models.Order) error
	FindByUserID(ctx context.Context, userID string) ([]models.Order, error)
	FindByOrderID(ctx context.Context, orderID string) (*models.Order, error)
}

type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

// Save inserts the order and its items in one transaction.
func (r *GormOrderRepository) Save(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

// FindByUserID returns the user's orders, newest first, with items loaded.
func (r *GormOrderRepository) FindByUserID(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	if err := r.db.WithContext(ctx).
		Preload("Items").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *GormOrderRepository) FindByOrderID(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("order_id = ?", orderID).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}
