package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher sends events. Each call opens its own channel and releases it
// before returning.
type Publisher struct {
	opener ChannelOpener
	logger *zap.Logger
}

func NewPublisher(opener ChannelOpener, logger *zap.Logger) *Publisher {
	return &Publisher{opener: opener, logger: logger}
}

// Publish sends payload to payment_events with kind as the routing key.
func (p *Publisher) Publish(ctx context.Context, kind Kind, payload any) error {
	body, err := Encode(kind, payload)
	if err != nil {
		return err
	}

	ch, release, err := p.opener.Open(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := DeclareExchange(ch); err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, ExchangePaymentEvents, string(kind), false, false, NewPublishing(kind, body, 0)); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrBrokerUnavailable, kind, err)
	}

	p.logger.Info("event published",
		zap.String("exchange", ExchangePaymentEvents),
		zap.String("routing_key", string(kind)),
	)
	return nil
}

// SendToQueue declares queue and publishes msg to it on an already open
// channel.
func SendToQueue(ctx context.Context, ch Channel, queue string, msg amqp.Publishing) error {
	if err := DeclareQueue(ch, queue); err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrBrokerUnavailable, queue, err)
	}
	return nil
}
