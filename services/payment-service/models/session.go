package models

import "time"

type SessionStatus string

const (
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionError      SessionStatus = "error"
)

// PaymentSession is the per-user progress record of the latest payment
// attempt. It lives only in the cache.
type PaymentSession struct {
	UserID      string            `json:"userId"`
	CartItems   []CartItem        `json:"cartItems"`
	PaymentInfo MaskedPaymentInfo `json:"paymentInfo"`
	TotalAmount float64           `json:"totalAmount"`
	Status      SessionStatus     `json:"status"`
	OrderID     string            `json:"orderId,omitempty"`
	Error       string            `json:"error,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}
