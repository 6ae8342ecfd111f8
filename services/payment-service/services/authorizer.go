package services

import (
	"strings"

	"github.com/yashrajoria/payment-saga/services/payment-service/models"
)

type Decision struct {
	Approved bool
	Reason   string
}

// Authorizer decides whether a payment instrument is accepted.
type Authorizer interface {
	Authorize(info models.PaymentInfo) Decision
}

type TestCard struct {
	Number string `json:"number"`
	Result string `json:"result"`
}

const (
	reasonApproved      = "Payment successful"
	reasonDeclined      = "Card declined"
	reasonInvalidNumber = "Invalid card number"
)

var testCards = map[string]bool{
	"4111111111111111": true,
	"4242424242424242": true,
	"4000000000000002": false,
}

// TestCardAuthorizer simulates a gateway. Known test cards have fixed
// outcomes; any other 16-digit number is approved when its last digit is
// even.
type TestCardAuthorizer struct{}

func (TestCardAuthorizer) Authorize(info models.PaymentInfo) Decision {
	number := info.NormalizedCardNumber()
	if len(number) != 16 || strings.Trim(number, "0123456789") != "" {
		return Decision{Reason: reasonInvalidNumber}
	}

	approved, known := testCards[number]
	if !known {
		approved = (number[15]-'0')%2 == 0
	}
	if approved {
		return Decision{Approved: true, Reason: reasonApproved}
	}
	return Decision{Reason: reasonDeclined}
}

// TestCards lists the card numbers with documented outcomes.
func TestCards() []TestCard {
	return []TestCard{
		{Number: "4111111111111111", Result: "Success"},
		{Number: "4242424242424242", Result: "Success"},
		{Number: "4000000000000002", Result: "Declined"},
	}
}
