package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yashrajoria/payment-saga/pkg/broker"
	"github.com/yashrajoria/payment-saga/pkg/broker/brokertest"
	"github.com/yashrajoria/payment-saga/pkg/cache"
	"github.com/yashrajoria/payment-saga/pkg/inventory"
)

// ---- inventory stand-in ----

type stockCall struct {
	ProductID string
	Quantity  int
	Increment bool
}

type inventoryServer struct {
	*httptest.Server
	mu      sync.Mutex
	calls   []stockCall
	failing map[string]bool
}

func newInventoryServer(t *testing.T) *inventoryServer {
	t.Helper()
	s := &inventoryServer{failing: map[string]bool{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), "/stock")
		var body inventory.StockUpdate
		_ = json.NewDecoder(r.Body).Decode(&body)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failing[id] {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"inventory unavailable"}`))
			return
		}
		s.calls = append(s.calls, stockCall{ProductID: id, Quantity: body.Quantity, Increment: body.IsIncrement})
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *inventoryServer) fail(id string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[id] = on
}

func (s *inventoryServer) Calls() []stockCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stockCall(nil), s.calls...)
}

type fakeCart struct {
	mu      sync.Mutex
	cleared []string
	err     error
}

func (f *fakeCart) ClearCart(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, userID)
	return f.err
}

// ---- fixture ----

type reconcilerFixture struct {
	r         *StockReconciler
	ch        *brokertest.Channel
	opener    *brokertest.Opener
	inventory *inventoryServer
	cache     *cache.RedisCache
	mr        *miniredis.Miniredis
	cart      *fakeCart
}

func newFixture(t *testing.T, maxRetries int) *reconcilerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), zap.NewNop())
	inv := newInventoryServer(t)
	ch := brokertest.NewChannel()
	opener := &brokertest.Opener{Channel: ch}
	cart := &fakeCart{}

	r := NewStockReconciler(ReconcilerDeps{
		Opener: opener,
		Stock:  inventory.NewClient(inv.URL),
		Cache:  c,
		Cart:   cart,
		Logger: zap.NewNop(),
	}, ReconcilerConfig{ConsumerTag: "test", MaxRetries: maxRetries})

	return &reconcilerFixture{r: r, ch: ch, opener: opener, inventory: inv, cache: c, mr: mr, cart: cart}
}

func (f *reconcilerFixture) handle(queue string, d amqp.Delivery) {
	f.r.Handle(context.Background(), f.ch, queue, d)
}

func envelope(t *testing.T, kind broker.Kind, payload any) []byte {
	t.Helper()
	body, err := broker.Encode(kind, payload)
	require.NoError(t, err)
	return body
}

func paymentEvent() broker.PaymentSucceeded {
	return broker.PaymentSucceeded{
		UserID:  "U1",
		OrderID: "order-U1-1",
		Items: []broker.Item{
			{ProductID: "P1", Quantity: 2},
			{ProductID: "P2", Quantity: 1},
		},
		TotalAmount:   30,
		PaymentMethod: "card",
	}
}

func decodeEnvelope(t *testing.T, body []byte, dest any) broker.Kind {
	t.Helper()
	msg, err := broker.Decode(amqp.Delivery{Body: body}, "")
	require.NoError(t, err)
	require.NoError(t, msg.Bind(dest))
	return msg.Kind
}

// ---- payment.successful ----

func TestHandle_PaymentSucceededDecrementsStock(t *testing.T) {
	f := newFixture(t, 5)
	f.mr.Set(cache.StockKey("P1"), `{"id":"P1","stockQuantity":5}`)
	f.mr.Set(cache.StockKey("P2"), `{"id":"P2","stockQuantity":5}`)

	acker := &brokertest.Acker{}
	f.handle(broker.QueueStockUpdates, brokertest.Delivery(acker, envelope(t, broker.KindPaymentSucceeded, paymentEvent()), broker.KindPaymentSucceeded, nil))

	assert.Equal(t, []stockCall{
		{ProductID: "P1", Quantity: 2, Increment: false},
		{ProductID: "P2", Quantity: 1, Increment: false},
	}, f.inventory.Calls())
	assert.False(t, f.mr.Exists(cache.StockKey("P1")))
	assert.False(t, f.mr.Exists(cache.StockKey("P2")))
	assert.Equal(t, []string{"U1"}, f.cart.cleared)

	acks, nacks, _ := acker.Counts()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)
	assert.Empty(t, f.ch.Published())
}

func TestHandle_LegacyEnvelopeIsAccepted(t *testing.T) {
	f := newFixture(t, 5)
	body := []byte(`{"event_type":"payment.successful","data":{"userId":"U1","orderId":"o1","items":[{"productId":"P9","quantity":3}]}}`)

	acker := &brokertest.Acker{}
	f.handle(broker.QueueStockUpdates, brokertest.Delivery(acker, body, "", nil))

	assert.Equal(t, []stockCall{{ProductID: "P9", Quantity: 3}}, f.inventory.Calls())
	acks, _, _ := acker.Counts()
	assert.Equal(t, 1, acks)
}

func TestHandle_CartFailureDoesNotFailMessage(t *testing.T) {
	f := newFixture(t, 5)
	f.cart.err = errors.New("cart down")

	acker := &brokertest.Acker{}
	f.handle(broker.QueueStockUpdates, brokertest.Delivery(acker, envelope(t, broker.KindPaymentSucceeded, paymentEvent()), broker.KindPaymentSucceeded, nil))

	acks, nacks, _ := acker.Counts()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)
}

func TestHandle_SkipsInvalidItems(t *testing.T) {
	f := newFixture(t, 5)
	ev := paymentEvent()
	ev.Items = []broker.Item{{ProductID: "", Quantity: 1}, {ProductID: "P1", Quantity: 0}, {ProductID: "P2", Quantity: 4}}

	acker := &brokertest.Acker{}
	f.handle(broker.QueueStockUpdates, brokertest.Delivery(acker, envelope(t, broker.KindPaymentSucceeded, ev), broker.KindPaymentSucceeded, nil))

	assert.Equal(t, []stockCall{{ProductID: "P2", Quantity: 4}}, f.inventory.Calls())
}

// ---- stock.rollback ----

func TestHandle_RollbackIncrementsAndResponds(t *testing.T) {
	f := newFixture(t, 5)
	rollback := broker.StockRollback{OrderID: "order-9", Items: []broker.Item{{ProductID: "P1", Quantity: 2}, {ProductID: "P3", Quantity: 1}}}

	acker := &brokertest.Acker{}
	f.handle(broker.QueueStockRollback, brokertest.Delivery(acker, envelope(t, broker.KindStockRollback, rollback), broker.KindStockRollback, nil))

	assert.Equal(t, []stockCall{
		{ProductID: "P1", Quantity: 2, Increment: true},
		{ProductID: "P3", Quantity: 1, Increment: true},
	}, f.inventory.Calls())

	responses := f.ch.PublishedTo(broker.QueueStockRollbackResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "", responses[0].Exchange)
	assert.Equal(t, string(broker.KindRollbackResponse), responses[0].Msg.Type)
	assert.Equal(t, amqp.Persistent, responses[0].Msg.DeliveryMode)

	var resp broker.RollbackResponse
	require.NoError(t, json.Unmarshal(responses[0].Msg.Body, &resp))
	assert.Equal(t, "order-9", resp.OrderID)
	assert.True(t, resp.Success)

	acks, _, _ := acker.Counts()
	assert.Equal(t, 1, acks)
}

func TestHandle_BareRollbackTypedByQueue(t *testing.T) {
	f := newFixture(t, 5)
	body := []byte(`{"orderId":"order-7","items":[{"productId":"P5","quantity":6}]}`)

	acker := &brokertest.Acker{}
	f.handle(broker.QueueStockRollback, brokertest.Delivery(acker, body, "", nil))

	assert.Equal(t, []stockCall{{ProductID: "P5", Quantity: 6, Increment: true}}, f.inventory.Calls())
	assert.Len(t, f.ch.PublishedTo(broker.QueueStockRollbackResponse), 1)
}

// ---- failure policy ----

func TestHandle_FailureRepublishesRemainingItems(t *testing.T) {
	f := newFixture(t, 5)
	f.inventory.fail("P2", true)

	acker := &brokertest.Acker{}
	f.handle(broker.QueueStockUpdates, brokertest.Delivery(acker, envelope(t, broker.KindPaymentSucceeded, paymentEvent()), broker.KindPaymentSucceeded, nil))

	assert.Equal(t, []stockCall{{ProductID: "P1", Quantity: 2}}, f.inventory.Calls())
	assert.Empty(t, f.cart.cleared)

	retries := f.ch.PublishedTo(broker.QueueStockUpdates)
	require.Len(t, retries, 1)
	assert.Equal(t, int32(1), retries[0].Msg.Headers[broker.HeaderRetryCount])

	var pending broker.PaymentSucceeded
	assert.Equal(t, broker.KindPaymentSucceeded, decodeEnvelope(t, retries[0].Msg.Body, &pending))
	assert.Equal(t, []broker.Item{{ProductID: "P2", Quantity: 1}}, pending.Items)
	assert.Equal(t, "U1", pending.UserID)

	acks, nacks, _ := acker.Counts()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)

	// The retried message finishes the job without touching P1 again.
	f.inventory.fail("P2", false)
	retryAcker := &brokertest.Acker{}
	retry := brokertest.Delivery(retryAcker, retries[0].Msg.Body, broker.KindPaymentSucceeded, retries[0].Msg.Headers)
	f.handle(broker.QueueStockUpdates, retry)

	assert.Equal(t, []stockCall{{ProductID: "P1", Quantity: 2}, {ProductID: "P2", Quantity: 1}}, f.inventory.Calls())
	assert.Equal(t, []string{"U1"}, f.cart.cleared)
	acks, _, _ = retryAcker.Counts()
	assert.Equal(t, 1, acks)
}

func TestHandle_ExhaustedRetriesDeadLetter(t *testing.T) {
	f := newFixture(t, 3)
	f.inventory.fail("P1", true)
	body := envelope(t, broker.KindPaymentSucceeded, paymentEvent())

	acker := &brokertest.Acker{}
	f.handle(broker.QueueStockUpdates, brokertest.Delivery(acker, body, broker.KindPaymentSucceeded, amqp.Table{broker.HeaderRetryCount: int32(3)}))

	assert.Empty(t, f.ch.PublishedTo(broker.QueueStockUpdates))
	dead := f.ch.PublishedTo(broker.DeadLetterQueue(broker.QueueStockUpdates))
	require.Len(t, dead, 1)
	assert.Equal(t, body, dead[0].Msg.Body)
	assert.Equal(t, int32(3), dead[0].Msg.Headers[broker.HeaderRetryCount])
	assert.Equal(t, broker.QueueStockUpdates, dead[0].Msg.Headers[headerOriginalQueue])
	assert.Contains(t, dead[0].Msg.Headers[headerDeadLetterReason], "inventory unavailable")

	acks, nacks, _ := acker.Counts()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)
}

func TestHandle_ExhaustedRollbackReportsFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.inventory.fail("P1", true)
	rollback := broker.StockRollback{OrderID: "order-3", Items: []broker.Item{{ProductID: "P1", Quantity: 1}}}

	acker := &brokertest.Acker{}
	f.handle(broker.QueueStockRollback, brokertest.Delivery(acker, envelope(t, broker.KindStockRollback, rollback), broker.KindStockRollback, amqp.Table{broker.HeaderRetryCount: int32(1)}))

	assert.Len(t, f.ch.PublishedTo(broker.DeadLetterQueue(broker.QueueStockRollback)), 1)
	responses := f.ch.PublishedTo(broker.QueueStockRollbackResponse)
	require.Len(t, responses, 1)

	var resp broker.RollbackResponse
	require.NoError(t, json.Unmarshal(responses[0].Msg.Body, &resp))
	assert.Equal(t, "order-3", resp.OrderID)
	assert.False(t, resp.Success)
	assert.True(t, strings.HasPrefix(resp.Message, "Stock rollback failed"))
}

func TestHandle_MalformedMessageDeadLettered(t *testing.T) {
	f := newFixture(t, 5)

	for name, body := range map[string][]byte{
		"not json":     []byte(`{broken`),
		"no data":      []byte(`{"eventType":"payment.successful"}`),
		"unknown kind": []byte(`{"eventType":"order.shipped","data":{"orderId":"x"}}`),
		"bad payload":  []byte(`{"eventType":"payment.successful","data":{"items":"nope"}}`),
	} {
		acker := &brokertest.Acker{}
		f.handle(broker.QueueStockUpdates, brokertest.Delivery(acker, body, "", nil))

		acks, nacks, _ := acker.Counts()
		assert.Equal(t, 1, acks, name)
		assert.Zero(t, nacks, name)
	}

	assert.Len(t, f.ch.PublishedTo(broker.DeadLetterQueue(broker.QueueStockUpdates)), 4)
	assert.Empty(t, f.inventory.Calls())
}

func TestHandle_ZeroMaxRetriesRequeues(t *testing.T) {
	f := newFixture(t, 0)
	f.inventory.fail("P1", true)

	acker := &brokertest.Acker{}
	f.handle(broker.QueueStockUpdates, brokertest.Delivery(acker, envelope(t, broker.KindPaymentSucceeded, paymentEvent()), broker.KindPaymentSucceeded, nil))

	acks, nacks, requeued := acker.Counts()
	assert.Zero(t, acks)
	assert.Equal(t, 1, nacks)
	assert.Equal(t, 1, requeued)
	assert.Empty(t, f.ch.Published())
}

func TestHandle_ZeroMaxRetriesRequeuesMalformed(t *testing.T) {
	f := newFixture(t, 0)

	for name, body := range map[string][]byte{
		"not json":     []byte(`{broken`),
		"unknown kind": []byte(`{"eventType":"order.shipped","data":{"orderId":"x"}}`),
	} {
		acker := &brokertest.Acker{}
		f.handle(broker.QueueStockUpdates, brokertest.Delivery(acker, body, "", nil))

		acks, nacks, requeued := acker.Counts()
		assert.Zero(t, acks, name)
		assert.Equal(t, 1, nacks, name)
		assert.Equal(t, 1, requeued, name)
	}
	assert.Empty(t, f.ch.Published())
}

func TestHandle_RepublishFailureRequeues(t *testing.T) {
	f := newFixture(t, 5)
	f.inventory.fail("P1", true)
	f.ch.PublishErr = errors.New("channel closed")

	acker := &brokertest.Acker{}
	f.handle(broker.QueueStockUpdates, brokertest.Delivery(acker, envelope(t, broker.KindPaymentSucceeded, paymentEvent()), broker.KindPaymentSucceeded, nil))

	acks, nacks, requeued := acker.Counts()
	assert.Zero(t, acks)
	assert.Equal(t, 1, nacks)
	assert.Equal(t, 1, requeued)
}

// ---- Run ----

func TestRun_DeclaresTopologyAndConsumesUntilClosed(t *testing.T) {
	f := newFixture(t, 5)
	acker := &brokertest.Acker{}

	updates := f.ch.Feed(broker.QueueStockUpdates)
	updates <- brokertest.Delivery(acker, envelope(t, broker.KindPaymentSucceeded, paymentEvent()), broker.KindPaymentSucceeded, nil)
	close(updates)

	err := f.r.Run(context.Background())
	assert.ErrorIs(t, err, ErrConsumerClosed)

	assert.Equal(t, 1, f.ch.Prefetch())
	assert.Contains(t, f.ch.Bindings(), broker.ExchangePaymentEvents+"/"+string(broker.KindPaymentSucceeded)+"->"+broker.QueueStockUpdates)
	assert.ElementsMatch(t, []string{
		broker.QueueStockUpdates + ":test." + broker.QueueStockUpdates,
		broker.QueueStockRollback + ":test." + broker.QueueStockRollback,
	}, f.ch.Consumers())

	acks, _, _ := acker.Counts()
	assert.Equal(t, 1, acks)
	assert.Len(t, f.inventory.Calls(), 2)

	opens, releases := f.opener.Counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, releases)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_OpenFailure(t *testing.T) {
	f := newFixture(t, 5)
	f.opener.Err = broker.ErrBrokerUnavailable

	err := f.r.Run(context.Background())
	assert.ErrorIs(t, err, broker.ErrBrokerUnavailable)
}

func TestRun_ConsumeFailure(t *testing.T) {
	f := newFixture(t, 5)
	f.ch.ConsumeErr = errors.New("access refused")

	err := f.r.Run(context.Background())
	assert.ErrorIs(t, err, broker.ErrBrokerUnavailable)
}
