// Package brokertest provides in-memory stand-ins for broker channels and
// delivery acknowledgement.
package brokertest

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/yashrajoria/payment-saga/pkg/broker"
)

type Published struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// Channel records declarations and publishes. Consume on a queue returns the
// channel Feed hands out for it.
type Channel struct {
	mu sync.Mutex

	PublishErr error
	DeclareErr error
	ConsumeErr error

	feeds     map[string]chan amqp.Delivery
	consumers []string
	published []Published
	queues    []string
	bindings  []string
	exchanges []string
	prefetch  int
	closed    bool
}

func NewChannel() *Channel {
	return &Channel{feeds: make(map[string]chan amqp.Delivery)}
}

// Feed returns the delivery stream for queue. Close it to end the consumer.
func (c *Channel) Feed(queue string) chan amqp.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feedLocked(queue)
}

func (c *Channel) feedLocked(queue string) chan amqp.Delivery {
	f, ok := c.feeds[queue]
	if !ok {
		f = make(chan amqp.Delivery, 16)
		c.feeds[queue] = f
	}
	return f
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeclareErr != nil {
		return c.DeclareErr
	}
	c.exchanges = append(c.exchanges, name+":"+kind)
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeclareErr != nil {
		return amqp.Queue{}, c.DeclareErr
	}
	c.queues = append(c.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, exchange+"/"+key+"->"+name)
	return nil
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount
	return nil
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConsumeErr != nil {
		return nil, c.ConsumeErr
	}
	c.consumers = append(c.consumers, queue+":"+consumer)
	return c.feedLocked(queue), nil
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.published = append(c.published, Published{Exchange: exchange, Key: key, Msg: msg})
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Channel) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// PublishedTo returns what was sent to key (a queue name on the default
// exchange or a routing key).
func (c *Channel) PublishedTo(key string) []Published {
	var out []Published
	for _, p := range c.Published() {
		if p.Key == key {
			out = append(out, p)
		}
	}
	return out
}

func (c *Channel) Queues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queues...)
}

func (c *Channel) Bindings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bindings...)
}

func (c *Channel) Exchanges() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.exchanges...)
}

// Consumers lists "queue:tag" for every Consume call.
func (c *Channel) Consumers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.consumers...)
}

func (c *Channel) Prefetch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetch
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Opener hands out Channel, or Err when set.
type Opener struct {
	mu       sync.Mutex
	Channel  *Channel
	Err      error
	opens    int
	releases int
}

func (o *Opener) Open(ctx context.Context) (broker.Channel, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.Err != nil {
		return nil, func() {}, o.Err
	}
	return o.Channel, func() {
		o.mu.Lock()
		o.releases++
		o.mu.Unlock()
	}, nil
}

func (o *Opener) Counts() (opens, releases int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens, o.releases
}

// Acker records acknowledgements of deliveries built with Delivery.
type Acker struct {
	mu       sync.Mutex
	acks     int
	nacks    int
	requeued int
}

func (a *Acker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *Acker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	if requeue {
		a.requeued++
	}
	return nil
}

func (a *Acker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *Acker) Counts() (acks, nacks, requeued int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks, a.requeued
}

// Delivery builds a delivery acknowledged through a.
func Delivery(a *Acker, body []byte, kind broker.Kind, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: a,
		DeliveryTag:  1,
		Body:         body,
		Type:         string(kind),
		Headers:      headers,
	}
}
