package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Kind identifies an event. It is the routing key on payment_events, the
// eventType of the envelope and the AMQP type property.
type Kind string

const (
	KindPaymentSucceeded Kind = "payment.successful"
	KindStockRollback    Kind = "stock.rollback"
	KindRollbackResponse Kind = "stock.rollback.response"
)

// HeaderRetryCount carries how many times a message has been redelivered by
// the stock updater.
const HeaderRetryCount = "x-retry-count"

var ErrMalformedMessage = errors.New("malformed message")

type Item struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
}

type PaymentSucceeded struct {
	UserID        string  `json:"userId"`
	OrderID       string  `json:"orderId"`
	Items         []Item  `json:"items"`
	TotalAmount   float64 `json:"totalAmount"`
	PaymentMethod string  `json:"paymentMethod"`
}

type StockRollback struct {
	OrderID string `json:"orderId"`
	Items   []Item `json:"items"`
}

type RollbackResponse struct {
	OrderID string `json:"orderId"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type envelope struct {
	EventType Kind            `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// Message is a decoded delivery.
type Message struct {
	Kind    Kind
	Data    json.RawMessage
	Retries int
}

// Bind unmarshals the payload into dest.
func (m Message) Bind(dest any) error {
	if err := json.Unmarshal(m.Data, dest); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, m.Kind, err)
	}
	return nil
}

// Encode wraps payload in the {eventType, data} envelope.
func Encode(kind Kind, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return json.Marshal(envelope{EventType: kind, Data: data})
}

// Decode reads a delivery. The kind comes from the envelope (eventType, or the
// older event_type), then the AMQP type property, then fallback. A body with
// no envelope kind is treated as a bare payload.
func Decode(d amqp.Delivery, fallback Kind) (Message, error) {
	var raw struct {
		EventType Kind            `json:"eventType"`
		Legacy    Kind            `json:"event_type"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(d.Body, &raw); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	msg := Message{Retries: RetryCount(d.Headers)}
	switch {
	case raw.EventType != "":
		msg.Kind, msg.Data = raw.EventType, raw.Data
	case raw.Legacy != "":
		msg.Kind, msg.Data = raw.Legacy, raw.Data
	default:
		msg.Kind, msg.Data = Kind(d.Type), json.RawMessage(d.Body)
		if msg.Kind == "" {
			msg.Kind = fallback
		}
	}

	if msg.Kind == "" {
		return Message{}, fmt.Errorf("%w: no event type", ErrMalformedMessage)
	}
	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return Message{}, fmt.Errorf("%w: %s has no data", ErrMalformedMessage, msg.Kind)
	}
	return msg, nil
}

// RetryCount reads HeaderRetryCount, tolerating the integer widths different
// clients write.
func RetryCount(headers amqp.Table) int {
	switch v := headers[HeaderRetryCount].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}

// NewPublishing builds a persistent JSON message of the given kind.
func NewPublishing(kind Kind, body []byte, retries int) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         string(kind),
		Body:         body,
	}
	if retries > 0 {
		p.Headers = amqp.Table{HeaderRetryCount: int32(retries)}
	}
	return p
}
