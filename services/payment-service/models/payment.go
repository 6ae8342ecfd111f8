package models

import "strings"

type CartItem struct {
	ProductID string   `json:"productId"`
	Quantity  int      `json:"quantity"`
	Price     *float64 `json:"price,omitempty"`
}

// PaymentInfo is the instrument as submitted by the client. It is only ever
// held in memory; sessions store MaskedPaymentInfo instead.
type PaymentInfo struct {
	CardNumber    string `json:"cardNumber"`
	CardHolder    string `json:"cardHolder,omitempty"`
	ExpiryDate    string `json:"expiryDate,omitempty"`
	CVV           string `json:"cvv,omitempty"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
}

type MaskedPaymentInfo struct {
	CardNumber    string `json:"cardNumber"`
	CardHolder    string `json:"cardHolder,omitempty"`
	PaymentMethod string `json:"paymentMethod"`
}

type PaymentRequest struct {
	UserID      string      `json:"userId,omitempty"`
	CartItems   []CartItem  `json:"cartItems"`
	PaymentInfo PaymentInfo `json:"paymentInfo"`
	TotalAmount float64     `json:"totalAmount"`
	OrderID     string      `json:"orderId,omitempty"`
}

const DefaultPaymentMethod = "card"

func (p PaymentInfo) IsEmpty() bool {
	return p == PaymentInfo{}
}

// NormalizedCardNumber strips the spaces clients use to group digits.
func (p PaymentInfo) NormalizedCardNumber() string {
	return strings.ReplaceAll(p.CardNumber, " ", "")
}

func (p PaymentInfo) Method() string {
	if p.PaymentMethod == "" {
		return DefaultPaymentMethod
	}
	return p.PaymentMethod
}

// Masked keeps the last four digits of the card number. Expiry and CVV are
// dropped.
func (p PaymentInfo) Masked() MaskedPaymentInfo {
	number := p.NormalizedCardNumber()
	visible := 4
	if len(number) <= visible {
		visible = 0
	}
	return MaskedPaymentInfo{
		CardNumber:    strings.Repeat("*", len(number)-visible) + number[len(number)-visible:],
		CardHolder:    p.CardHolder,
		PaymentMethod: p.Method(),
	}
}
