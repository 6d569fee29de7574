package messaging

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/glimte/zula-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type OrderPlaced struct {
	contracts.BaseMessage
	OrderID string `json:"orderId"`
}

type AuditMessageConsumer struct {
	seen []any
}

func (c *AuditMessageConsumer) Consume(_ context.Context, msg any) error {
	c.seen = append(c.seen, msg)
	return nil
}

type renamedConsumer struct {
	got []OrderPlaced
}

func (c *renamedConsumer) MessageType() string { return "Legacy-Order" }

func (c *renamedConsumer) Consume(_ context.Context, msg OrderPlaced) error {
	c.got = append(c.got, msg)
	return nil
}

func newTestRegistry(broker *fakeBroker, options ...RegistryOption) *HandlerRegistry {
	tm := NewTopologyManager(broker, DefaultTopologyOptions())
	return NewHandlerRegistry("billing", broker, tm, options...)
}

func delivery(body string, headers map[string]any) Delivery {
	return Delivery{Body: []byte(body), ContentType: "application/json", RoutingKey: "orderplaced.process", Headers: headers}
}

func TestHandlerRegistry_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("provisions and subscribes on the service queue", func(t *testing.T) {
		broker := newFakeBroker()
		r := newTestRegistry(broker)

		reg, err := Handle(ctx, r, func(context.Context, OrderPlaced) error { return nil })
		require.NoError(t, err)

		assert.Equal(t, "orderplaced", reg.MessageType)
		assert.Equal(t, "zula.billing.orderplaced", reg.Queue)
		assert.Equal(t, []string{"orderplaced-exchange"}, broker.exchanges)
		assert.Contains(t, broker.handlers, "zula.billing.orderplaced")
		assert.Len(t, r.Registrations(), 1)
	})

	t.Run("validates arguments", func(t *testing.T) {
		r := newTestRegistry(newFakeBroker())

		_, err := r.Register(ctx, "order", reflect.TypeOf(OrderPlaced{}), nil)
		assert.ErrorIs(t, err, ErrNilHandler)

		_, err = r.Register(ctx, " ", reflect.TypeOf(OrderPlaced{}), func(context.Context, any) error { return nil })
		assert.ErrorIs(t, err, ErrMessageTypeRequired)

		noService := NewHandlerRegistry("", newFakeBroker(), NewTopologyManager(newFakeBroker(), DefaultTopologyOptions()))
		_, err = noService.Register(ctx, "order", reflect.TypeOf(OrderPlaced{}), func(context.Context, any) error { return nil })
		assert.ErrorIs(t, err, ErrServiceNameRequired)
	})

	t.Run("propagates subscribe failures", func(t *testing.T) {
		broker := newFakeBroker()
		broker.subscribeErr = errors.New("channel closed")
		r := newTestRegistry(broker)

		_, err := Handle(ctx, r, func(context.Context, OrderPlaced) error { return nil })
		assert.ErrorIs(t, err, broker.subscribeErr)
		assert.Empty(t, r.Registrations())
	})

	t.Run("propagates topology failures", func(t *testing.T) {
		broker := newFakeBroker()
		broker.declareExchangeErr = errors.New("access refused")
		r := newTestRegistry(broker)

		_, err := Handle(ctx, r, func(context.Context, OrderPlaced) error { return nil })
		var topoErr *TopologyError
		assert.ErrorAs(t, err, &topoErr)
		assert.Empty(t, broker.handlers)
	})

	t.Run("stop is idempotent and close rejects new registrations", func(t *testing.T) {
		broker := newFakeBroker()
		r := newTestRegistry(broker)

		reg, err := Handle(ctx, r, func(context.Context, OrderPlaced) error { return nil })
		require.NoError(t, err)
		_, err = HandleType(ctx, r, "refund", func(context.Context, OrderPlaced) error { return nil })
		require.NoError(t, err)

		require.NoError(t, reg.Stop())
		require.NoError(t, reg.Stop())
		assert.Equal(t, 1, broker.stops)
		assert.Len(t, r.Registrations(), 1)

		require.NoError(t, r.Close())
		assert.Equal(t, 2, broker.stops)
		assert.Empty(t, broker.handlers)

		_, err = Handle(ctx, r, func(context.Context, OrderPlaced) error { return nil })
		assert.ErrorIs(t, err, ErrRegistryClosed)
	})
}

func TestHandlerRegistry_Dispatch(t *testing.T) {
	ctx := context.Background()
	queue := "zula.billing.orderplaced"

	t.Run("successful handling moves the inbox entry to processed", func(t *testing.T) {
		broker := newFakeBroker()
		ledger := &mockLedger{}
		ledger.On("RecordInbox", mock.Anything, mock.Anything).Return(nil)
		ledger.On("MarkInboxProcessed", mock.Anything, "m-1").Return(nil)
		r := newTestRegistry(broker, WithRegistryLedger(ledger))

		var got OrderPlaced
		var mc MessageContext
		_, err := Handle(ctx, r, func(ctx context.Context, msg OrderPlaced) error {
			got = msg
			mc, _ = MessageContextFrom(ctx)
			return nil
		})
		require.NoError(t, err)

		body := `{"orderId":"o-1"}`
		require.True(t, broker.deliver(ctx, queue, delivery(body, map[string]any{
			HeaderMessageID:     "m-1",
			HeaderSourceService: "orders",
		})))

		assert.Equal(t, "o-1", got.OrderID)
		assert.Equal(t, MessageContext{
			MessageID:     "m-1",
			MessageType:   "orderplaced",
			SourceService: "orders",
			Queue:         queue,
			RoutingKey:    "orderplaced.process",
		}, mc)
		ledger.AssertCalled(t, "RecordInbox", mock.Anything, InboxEntry{
			MessageID:     "m-1",
			MessageType:   "orderplaced",
			SourceService: "orders",
			Payload:       []byte(body),
		})
		ledger.AssertCalled(t, "MarkInboxProcessed", mock.Anything, "m-1")
	})

	t.Run("handler errors leave the inbox entry received", func(t *testing.T) {
		broker := newFakeBroker()
		ledger := &mockLedger{}
		ledger.On("RecordInbox", mock.Anything, mock.Anything).Return(nil)
		r := newTestRegistry(broker, WithRegistryLedger(ledger))

		calls := 0
		_, err := Handle(ctx, r, func(context.Context, OrderPlaced) error {
			calls++
			return errors.New("validation failed")
		})
		require.NoError(t, err)

		broker.deliver(ctx, queue, delivery(`{"orderId":"o-1"}`, map[string]any{HeaderMessageID: "m-2"}))

		assert.Equal(t, 1, calls)
		ledger.AssertNumberOfCalls(t, "RecordInbox", 1)
		ledger.AssertNotCalled(t, "MarkInboxProcessed", mock.Anything, mock.Anything)
	})

	t.Run("handler panics are treated as errors", func(t *testing.T) {
		broker := newFakeBroker()
		ledger := &mockLedger{}
		ledger.On("RecordInbox", mock.Anything, mock.Anything).Return(nil)
		r := newTestRegistry(broker, WithRegistryLedger(ledger))

		_, err := Handle(ctx, r, func(context.Context, OrderPlaced) error { panic("nil map") })
		require.NoError(t, err)

		assert.NotPanics(t, func() {
			broker.deliver(ctx, queue, delivery(`{}`, map[string]any{HeaderMessageID: "m-3"}))
		})
		ledger.AssertNotCalled(t, "MarkInboxProcessed", mock.Anything, mock.Anything)
	})

	t.Run("undecodable deliveries are dropped without an inbox entry", func(t *testing.T) {
		broker := newFakeBroker()
		ledger := &mockLedger{}
		r := newTestRegistry(broker, WithRegistryLedger(ledger))

		calls := 0
		_, err := Handle(ctx, r, func(context.Context, OrderPlaced) error {
			calls++
			return nil
		})
		require.NoError(t, err)

		broker.deliver(ctx, queue, delivery(`{"orderId":`, nil))

		assert.Zero(t, calls)
		ledger.AssertNotCalled(t, "RecordInbox", mock.Anything, mock.Anything)
	})

	t.Run("registrations without a payload type drop every delivery", func(t *testing.T) {
		broker := newFakeBroker()
		ledger := &mockLedger{}
		r := newTestRegistry(broker, WithRegistryLedger(ledger))

		calls := 0
		reg, err := r.Register(ctx, "orderplaced", nil, func(context.Context, any) error {
			calls++
			return nil
		})
		require.NoError(t, err)

		broker.deliver(ctx, reg.Queue, delivery(`{}`, nil))
		assert.Zero(t, calls)
		ledger.AssertNotCalled(t, "RecordInbox", mock.Anything, mock.Anything)
	})

	t.Run("falls back to the payload id then a generated id", func(t *testing.T) {
		broker := newFakeBroker()
		ledger := &mockLedger{}
		ledger.On("RecordInbox", mock.Anything, mock.Anything).Return(nil)
		ledger.On("MarkInboxProcessed", mock.Anything, mock.Anything).Return(nil)
		r := newTestRegistry(broker,
			WithRegistryLedger(ledger),
			WithRegistryIdentity(NewIdentityAssigner(WithIDGenerator(sequentialIDs("gen-1")))),
		)

		_, err := Handle(ctx, r, func(context.Context, OrderPlaced) error { return nil })
		require.NoError(t, err)

		broker.deliver(ctx, queue, delivery(`{"requestId":"req-1"}`, map[string]any{HeaderMessageID: " "}))
		broker.deliver(ctx, queue, delivery(`{}`, nil))

		ledger.AssertCalled(t, "RecordInbox", mock.Anything, InboxEntry{
			MessageID:     "req-1",
			MessageType:   "orderplaced",
			SourceService: UnknownService,
			Payload:       []byte(`{"requestId":"req-1"}`),
		})
		ledger.AssertCalled(t, "RecordInbox", mock.Anything, InboxEntry{
			MessageID:     "gen-1",
			MessageType:   "orderplaced",
			SourceService: UnknownService,
			Payload:       []byte(`{}`),
		})
		ledger.AssertCalled(t, "MarkInboxProcessed", mock.Anything, "req-1")
		ledger.AssertCalled(t, "MarkInboxProcessed", mock.Anything, "gen-1")
	})

	t.Run("reads byte slice headers", func(t *testing.T) {
		broker := newFakeBroker()
		ledger := &mockLedger{}
		ledger.On("RecordInbox", mock.Anything, mock.Anything).Return(nil)
		ledger.On("MarkInboxProcessed", mock.Anything, "m-4").Return(nil)
		r := newTestRegistry(broker, WithRegistryLedger(ledger))

		_, err := Handle(ctx, r, func(context.Context, OrderPlaced) error { return nil })
		require.NoError(t, err)

		broker.deliver(ctx, queue, delivery(`{}`, map[string]any{
			HeaderMessageID:     []byte("m-4"),
			HeaderSourceService: []byte("orders"),
		}))

		ledger.AssertCalled(t, "RecordInbox", mock.Anything, mock.MatchedBy(func(e InboxEntry) bool {
			return e.MessageID == "m-4" && e.SourceService == "orders"
		}))
	})

	t.Run("records header and payload ids exactly as sent", func(t *testing.T) {
		broker := newFakeBroker()
		ledger := &mockLedger{}
		ledger.On("RecordInbox", mock.Anything, mock.Anything).Return(nil)
		ledger.On("MarkInboxProcessed", mock.Anything, mock.Anything).Return(nil)
		r := newTestRegistry(broker, WithRegistryLedger(ledger))

		_, err := Handle(ctx, r, func(context.Context, OrderPlaced) error { return nil })
		require.NoError(t, err)

		broker.deliver(ctx, queue, delivery(`{}`, map[string]any{
			HeaderMessageID:     " m-6 ",
			HeaderSourceService: []byte("orders "),
		}))
		broker.deliver(ctx, queue, delivery(`{"requestId":" req-7"}`, nil))

		ledger.AssertCalled(t, "RecordInbox", mock.Anything, mock.MatchedBy(func(e InboxEntry) bool {
			return e.MessageID == " m-6 " && e.SourceService == "orders "
		}))
		ledger.AssertCalled(t, "MarkInboxProcessed", mock.Anything, " m-6 ")
		ledger.AssertCalled(t, "MarkInboxProcessed", mock.Anything, " req-7")
	})

	t.Run("ledger failures do not block the handler", func(t *testing.T) {
		broker := newFakeBroker()
		r := newTestRegistry(broker, WithRegistryLedger(panickingLedger{}))

		calls := 0
		_, err := Handle(ctx, r, func(context.Context, OrderPlaced) error {
			calls++
			return nil
		})
		require.NoError(t, err)

		assert.NotPanics(t, func() {
			broker.deliver(ctx, queue, delivery(`{}`, nil))
		})
		assert.Equal(t, 1, calls)
	})

	t.Run("ledger writes ignore delivery context cancellation", func(t *testing.T) {
		broker := newFakeBroker()
		live := mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil })
		ledger := &mockLedger{}
		ledger.On("RecordInbox", live, mock.Anything).Return(nil)
		ledger.On("MarkInboxProcessed", live, "m-5").Return(nil)
		r := newTestRegistry(broker, WithRegistryLedger(ledger))

		deliveryCtx, cancel := context.WithCancel(ctx)
		_, err := Handle(ctx, r, func(context.Context, OrderPlaced) error {
			cancel()
			return nil
		})
		require.NoError(t, err)

		broker.deliver(deliveryCtx, queue, delivery(`{}`, map[string]any{HeaderMessageID: "m-5"}))

		ledger.AssertExpectations(t)
	})

	t.Run("pointer payload types receive pointers", func(t *testing.T) {
		broker := newFakeBroker()
		r := newTestRegistry(broker)

		var got *OrderPlaced
		reg, err := Handle(ctx, r, func(_ context.Context, msg *OrderPlaced) error {
			got = msg
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, queue, reg.Queue)

		broker.deliver(ctx, queue, delivery(`{"orderId":"o-5"}`, nil))
		require.NotNil(t, got)
		assert.Equal(t, "o-5", got.OrderID)
	})
}

func TestRegisterConsumer(t *testing.T) {
	ctx := context.Background()

	t.Run("consumer message type overrides the payload type", func(t *testing.T) {
		broker := newFakeBroker()
		r := newTestRegistry(broker)
		consumer := &renamedConsumer{}

		reg, err := RegisterConsumer[OrderPlaced](ctx, r, consumer)
		require.NoError(t, err)
		assert.Equal(t, "legacy-order", reg.MessageType)
		assert.Equal(t, "zula.billing.legacy-order", reg.Queue)

		broker.deliver(ctx, reg.Queue, delivery(`{"orderId":"o-9"}`, nil))
		require.Len(t, consumer.got, 1)
		assert.Equal(t, "o-9", consumer.got[0].OrderID)
	})

	t.Run("untyped consumers fall back to their own name", func(t *testing.T) {
		broker := newFakeBroker()
		r := newTestRegistry(broker)
		consumer := &AuditMessageConsumer{}

		reg, err := RegisterConsumer[any](ctx, r, consumer)
		require.NoError(t, err)
		assert.Equal(t, "audit", reg.MessageType)

		broker.deliver(ctx, reg.Queue, delivery(`{"k":"v"}`, nil))
		require.Len(t, consumer.seen, 1)
		assert.Equal(t, map[string]any{"k": "v"}, consumer.seen[0])
	})

	t.Run("typed consumers use the payload type", func(t *testing.T) {
		r := newTestRegistry(newFakeBroker())

		reg, err := RegisterConsumer[OrderPlaced](ctx, r, Consumer[OrderPlaced](consumerFunc(func(context.Context, OrderPlaced) error { return nil })))
		require.NoError(t, err)
		assert.Equal(t, "orderplaced", reg.MessageType)
	})

	t.Run("rejects a nil consumer", func(t *testing.T) {
		r := newTestRegistry(newFakeBroker())

		_, err := RegisterConsumer[OrderPlaced](ctx, r, nil)
		assert.ErrorIs(t, err, ErrNilHandler)
	})
}

type consumerFunc func(context.Context, OrderPlaced) error

func (f consumerFunc) Consume(ctx context.Context, msg OrderPlaced) error { return f(ctx, msg) }
