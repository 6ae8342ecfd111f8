package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	awspkg "github.com/yashrajoria/payment-saga/pkg/aws"
	"github.com/yashrajoria/payment-saga/pkg/broker"
	"github.com/yashrajoria/payment-saga/pkg/cache"
	"github.com/yashrajoria/payment-saga/pkg/inventory"
)

// ErrConsumerClosed is returned by Run when the broker stops delivering,
// usually because the connection dropped.
var ErrConsumerClosed = errors.New("consumer closed")

const (
	headerDeadLetterReason = "x-dead-letter-reason"
	headerOriginalQueue    = "x-original-queue"
)

type StockAdjuster interface {
	AdjustStock(ctx context.Context, productID string, quantity int, increment bool) error
}

type CacheInvalidator interface {
	Delete(ctx context.Context, keys ...string) bool
}

type CartClearer interface {
	ClearCart(ctx context.Context, userID string) error
}

var (
	_ StockAdjuster    = (*inventory.Client)(nil)
	_ CacheInvalidator = (*cache.RedisCache)(nil)
	_ CartClearer      = (*CartClient)(nil)
)

type ReconcilerDeps struct {
	Opener  broker.ChannelOpener
	Stock   StockAdjuster
	Cache   CacheInvalidator
	Cart    CartClearer
	Metrics *awspkg.MetricsClient
	Logger  *zap.Logger
}

// ReconcilerConfig bounds redelivery. A message that still fails after
// MaxRetries republishes, or cannot be parsed, goes to its dead-letter queue.
// MaxRetries of zero disables the bound and nacks every failure, parse errors
// included, back onto the queue.
type ReconcilerConfig struct {
	ConsumerTag string
	MaxRetries  int
}

// StockReconciler applies the inventory side of completed and rolled back
// payments.
type StockReconciler struct {
	ReconcilerDeps
	cfg ReconcilerConfig
}

func NewStockReconciler(deps ReconcilerDeps, cfg ReconcilerConfig) *StockReconciler {
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "stock-updater"
	}
	return &StockReconciler{ReconcilerDeps: deps, cfg: cfg}
}

// fallbackKinds types bare payloads by the queue they arrived on. Publishers
// that predate the envelope send rollbacks without any event type.
var fallbackKinds = map[string]broker.Kind{
	broker.QueueStockUpdates:  broker.KindPaymentSucceeded,
	broker.QueueStockRollback: broker.KindStockRollback,
}

// Run consumes stock_updates and stock.rollback until ctx is cancelled or
// the channel closes. Messages are handled one at a time.
func (r *StockReconciler) Run(ctx context.Context) error {
	ch, release, err := r.Opener.Open(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := broker.DeclareConsumerTopology(ch); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("%w: set prefetch: %v", broker.ErrBrokerUnavailable, err)
	}

	updates, err := r.consume(ch, broker.QueueStockUpdates)
	if err != nil {
		return err
	}
	rollbacks, err := r.consume(ch, broker.QueueStockRollback)
	if err != nil {
		return err
	}

	r.Logger.Info("stock updater waiting for messages",
		zap.Strings("queues", []string{broker.QueueStockUpdates, broker.QueueStockRollback}),
		zap.Int("max_retries", r.cfg.MaxRetries),
	)

	// A message already taken off the queue is finished even if shutdown
	// starts meanwhile.
	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-updates:
			if !ok {
				return fmt.Errorf("%w: %s", ErrConsumerClosed, broker.QueueStockUpdates)
			}
			r.Handle(work, ch, broker.QueueStockUpdates, d)
		case d, ok := <-rollbacks:
			if !ok {
				return fmt.Errorf("%w: %s", ErrConsumerClosed, broker.QueueStockRollback)
			}
			r.Handle(work, ch, broker.QueueStockRollback, d)
		}
	}
}

func (r *StockReconciler) consume(ch broker.Channel, queue string) (<-chan amqp.Delivery, error) {
	deliveries, err := ch.Consume(queue, r.cfg.ConsumerTag+"."+queue, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: consume %s: %v", broker.ErrBrokerUnavailable, queue, err)
	}
	return deliveries, nil
}

// Handle processes one delivery from queue and settles it: ack on success,
// otherwise retry, dead-letter or requeue according to the retry bound.
func (r *StockReconciler) Handle(ctx context.Context, ch broker.Channel, queue string, d amqp.Delivery) {
	log := r.Logger.With(zap.String("queue", queue), zap.String("message_id", d.MessageId))

	msg, err := broker.Decode(d, fallbackKinds[queue])
	if err != nil {
		log.Error("unparsable stock message", zap.Error(err))
		if r.cfg.MaxRetries == 0 {
			r.requeue(log, d)
			return
		}
		r.deadLetter(ctx, ch, queue, d, "", retryState{retries: broker.RetryCount(d.Headers), max: r.cfg.MaxRetries}, err)
		return
	}
	log = log.With(zap.String("event_type", string(msg.Kind)), zap.Int("retries", msg.Retries))

	var pending any
	dims := map[string]string{"Queue": queue, "EventType": string(msg.Kind)}
	err = r.Metrics.Track(awspkg.MetricStockMessage, dims, func() error {
		var herr error
		pending, herr = r.dispatch(ctx, ch, msg, log)
		return herr
	})
	if err == nil {
		r.ack(log, d)
		return
	}

	state := retryState{retries: msg.Retries, max: r.cfg.MaxRetries}
	switch {
	case r.cfg.MaxRetries == 0:
		log.Warn("stock message failed, requeueing", zap.Error(err))
		r.requeue(log, d)
	case errors.Is(err, broker.ErrMalformedMessage):
		log.Error("invalid stock message", zap.Error(err))
		r.deadLetter(ctx, ch, queue, d, msg.Kind, state, err)
	case state.exhausted():
		log.Error("stock message failed, retries exhausted", zap.Error(err))
		r.deadLetter(ctx, ch, queue, d, msg.Kind, state, err)
	default:
		log.Warn("stock message failed, retrying", zap.Error(err), zap.Int("next_retry", state.retries+1))
		r.retry(ctx, ch, queue, d, msg.Kind, pending, state.retries+1, log)
	}
}

// retryState is where a message stands against the retry bound.
type retryState struct {
	retries int
	max     int
}

func (s retryState) exhausted() bool { return s.retries >= s.max }

// dispatch applies msg. On failure it returns the payload still to be
// applied, so a retry does not repeat stock adjustments that went through.
func (r *StockReconciler) dispatch(ctx context.Context, ch broker.Channel, msg broker.Message, log *zap.Logger) (any, error) {
	switch msg.Kind {
	case broker.KindPaymentSucceeded:
		var p broker.PaymentSucceeded
		if err := msg.Bind(&p); err != nil {
			return nil, err
		}
		return r.applyPayment(ctx, p, log)
	case broker.KindStockRollback:
		var p broker.StockRollback
		if err := msg.Bind(&p); err != nil {
			return nil, err
		}
		return r.applyRollback(ctx, ch, p, log)
	default:
		return nil, fmt.Errorf("%w: unsupported event type %q", broker.ErrMalformedMessage, msg.Kind)
	}
}

func (r *StockReconciler) applyPayment(ctx context.Context, p broker.PaymentSucceeded, log *zap.Logger) (any, error) {
	log = log.With(zap.String("order_id", p.OrderID))
	for i, item := range p.Items {
		if err := r.adjust(ctx, item, false, log); err != nil {
			p.Items = p.Items[i:]
			return p, err
		}
	}

	if p.UserID != "" {
		if err := r.Cart.ClearCart(ctx, p.UserID); err != nil {
			log.Warn("failed to clear cart", zap.String("user_id", p.UserID), zap.Error(err))
		}
	}
	log.Info("processed payment.successful", zap.Int("items", len(p.Items)))
	return nil, nil
}

func (r *StockReconciler) applyRollback(ctx context.Context, ch broker.Channel, p broker.StockRollback, log *zap.Logger) (any, error) {
	log = log.With(zap.String("order_id", p.OrderID))
	for i, item := range p.Items {
		if err := r.adjust(ctx, item, true, log); err != nil {
			p.Items = p.Items[i:]
			return p, err
		}
	}

	resp := broker.RollbackResponse{
		OrderID: p.OrderID,
		Success: true,
		Message: fmt.Sprintf("Stock restored for order %s", p.OrderID),
	}
	if err := r.respond(ctx, ch, resp); err != nil {
		// Every increment is done; a retry only has the response left to send.
		return broker.StockRollback{OrderID: p.OrderID, Items: []broker.Item{}}, err
	}
	log.Info("processed stock.rollback", zap.Int("items", len(p.Items)))
	return nil, nil
}

func (r *StockReconciler) adjust(ctx context.Context, item broker.Item, increment bool, log *zap.Logger) error {
	if item.ProductID == "" || item.Quantity <= 0 {
		log.Warn("skipping invalid item", zap.String("product_id", item.ProductID), zap.Int("quantity", item.Quantity))
		return nil
	}
	if err := r.Stock.AdjustStock(ctx, item.ProductID, item.Quantity, increment); err != nil {
		return err
	}
	r.Cache.Delete(ctx, cache.StockKey(item.ProductID))
	log.Debug("stock adjusted",
		zap.String("product_id", item.ProductID),
		zap.Int("quantity", item.Quantity),
		zap.Bool("increment", increment),
	)
	return nil
}

// respond sends the bare {orderId, success, message} body consumers of
// stock.rollback.response expect.
func (r *StockReconciler) respond(ctx context.Context, ch broker.Channel, resp broker.RollbackResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return broker.SendToQueue(ctx, ch, broker.QueueStockRollbackResponse, broker.NewPublishing(broker.KindRollbackResponse, body, 0))
}

func (r *StockReconciler) retry(ctx context.Context, ch broker.Channel, queue string, d amqp.Delivery, kind broker.Kind, pending any, retries int, log *zap.Logger) {
	body, err := broker.Encode(kind, pending)
	if err != nil {
		log.Error("failed to encode retry", zap.Error(err))
		r.requeue(log, d)
		return
	}
	if err := broker.SendToQueue(ctx, ch, queue, broker.NewPublishing(kind, body, retries)); err != nil {
		log.Error("failed to republish for retry", zap.Error(err))
		r.requeue(log, d)
		return
	}
	r.ack(log, d)
}

func (r *StockReconciler) deadLetter(ctx context.Context, ch broker.Channel, queue string, d amqp.Delivery, kind broker.Kind, state retryState, cause error) {
	log := r.Logger.With(zap.String("queue", queue), zap.String("message_id", d.MessageId))
	if kind == "" {
		kind = broker.Kind(d.Type)
	}
	if kind == "" {
		kind = fallbackKinds[queue]
	}

	dlq := broker.DeadLetterQueue(queue)
	msg := broker.NewPublishing(kind, d.Body, 0)
	msg.Headers = amqp.Table{
		broker.HeaderRetryCount: int32(state.retries),
		headerDeadLetterReason:  cause.Error(),
		headerOriginalQueue:     queue,
	}
	if err := broker.SendToQueue(ctx, ch, dlq, msg); err != nil {
		log.Error("failed to dead-letter message", zap.String("dead_letter_queue", dlq), zap.Error(err))
		r.requeue(log, d)
		return
	}
	if err := r.Metrics.RecordCount(ctx, awspkg.MetricStockDeadLettered, map[string]string{"Queue": queue}); err != nil {
		log.Debug("dead-letter metric not recorded", zap.Error(err))
	}
	log.Warn("message dead-lettered", zap.String("dead_letter_queue", dlq), zap.String("reason", cause.Error()))

	if kind == broker.KindStockRollback {
		if orderID := rollbackOrderID(d.Body); orderID != "" {
			resp := broker.RollbackResponse{OrderID: orderID, Success: false, Message: "Stock rollback failed: " + cause.Error()}
			if err := r.respond(ctx, ch, resp); err != nil {
				log.Error("failed to send rollback failure response", zap.String("order_id", orderID), zap.Error(err))
			}
		}
	}
	r.ack(log, d)
}

// rollbackOrderID digs the order id out of a rollback body, enveloped or
// bare, without requiring the rest of it to be valid.
func rollbackOrderID(body []byte) string {
	var shape struct {
		OrderID string `json:"orderId"`
		Data    struct {
			OrderID string `json:"orderId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		return ""
	}
	if shape.Data.OrderID != "" {
		return shape.Data.OrderID
	}
	return shape.OrderID
}

func (r *StockReconciler) ack(log *zap.Logger, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}

func (r *StockReconciler) requeue(log *zap.Logger, d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		log.Error("nack failed", zap.Error(err))
	}
}
