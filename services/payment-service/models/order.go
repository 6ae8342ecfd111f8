package models

import "time"

const OrderStatusCompleted = "completed"

type Order struct {
	ID            uint        `gorm:"primaryKey" json:"-"`
	OrderID       string      `gorm:"type:varchar(100);uniqueIndex;not null" json:"orderId"`
	UserID        string      `gorm:"type:varchar(100);index;not null" json:"userId"`
	TotalAmount   float64     `gorm:"type:numeric(12,2);not null" json:"totalAmount"`
	PaymentMethod string      `gorm:"type:varchar(50);not null" json:"paymentMethod"`
	Status        string      `gorm:"type:varchar(20);not null" json:"status"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"createdAt"`
	Items         []OrderItem `gorm:"foreignKey:OrderID;references:OrderID;constraint:OnDelete:CASCADE" json:"items"`
}

type OrderItem struct {
	ID        uint    `gorm:"primaryKey" json:"-"`
	OrderID   string  `gorm:"type:varchar(100);index;not null" json:"orderId"`
	ProductID string  `gorm:"type:varchar(100);not null" json:"productId"`
	Quantity  int     `gorm:"not null" json:"quantity"`
	Price     float64 `gorm:"type:numeric(12,2);not null" json:"price"`
}
