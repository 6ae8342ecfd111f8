package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology shared by the payment service and the stock updater.
const (
	ExchangePaymentEvents      = "payment_events"
	QueueStockUpdates          = "stock_updates"
	QueueStockRollback         = "stock.rollback"
	QueueStockRollbackResponse = "stock.rollback.response"

	DeadLetterSuffix = ".dead_letter"
)

// Channel is the part of *amqp.Channel the services use.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// DeadLetterQueue names the queue that holds messages given up on.
func DeadLetterQueue(queue string) string {
	return queue + DeadLetterSuffix
}

// DeclareExchange declares the durable payment_events topic exchange.
func DeclareExchange(ch Channel) error {
	if err := ch.ExchangeDeclare(ExchangePaymentEvents, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare exchange %s: %v", ErrBrokerUnavailable, ExchangePaymentEvents, err)
	}
	return nil
}

// DeclareQueue declares a durable, non-exclusive queue.
func DeclareQueue(ch Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare queue %s: %v", ErrBrokerUnavailable, name, err)
	}
	return nil
}

// DeclareConsumerTopology declares everything the stock updater reads from
// or writes to: the exchange, stock_updates bound to payment.successful, the
// rollback queues and a dead-letter queue per consumed queue.
func DeclareConsumerTopology(ch Channel) error {
	if err := DeclareExchange(ch); err != nil {
		return err
	}
	for _, q := range []string{
		QueueStockUpdates,
		QueueStockRollback,
		QueueStockRollbackResponse,
		DeadLetterQueue(QueueStockUpdates),
		DeadLetterQueue(QueueStockRollback),
	} {
		if err := DeclareQueue(ch, q); err != nil {
			return err
		}
	}
	if err := ch.QueueBind(QueueStockUpdates, string(KindPaymentSucceeded), ExchangePaymentEvents, false, nil); err != nil {
		return fmt.Errorf("%w: bind %s: %v", ErrBrokerUnavailable, QueueStockUpdates, err)
	}
	return nil
}
