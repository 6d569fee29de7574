package messaging

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
)

type binding struct {
	queue    string
	exchange string
	pattern  string
}

type sentMessage struct {
	exchange   string
	routingKey string
	msg        Outbound
}

// fakeBroker records every broker call and delivers synchronously.
type fakeBroker struct {
	mu sync.Mutex

	exchanges    []string
	exchangeOpts map[string]ExchangeOptions
	queues       []string
	queueOpts    map[string]QueueOptions
	bindings     []binding
	sent         []sentMessage
	handlers     map[string]DeliveryHandler
	stops        int

	declareExchangeErr error
	declareQueueErr    error
	bindErr            error
	sendErr            error
	subscribeErr       error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchangeOpts: make(map[string]ExchangeOptions),
		queueOpts:    make(map[string]QueueOptions),
		handlers:     make(map[string]DeliveryHandler),
	}
}

func (b *fakeBroker) DeclareExchange(_ context.Context, name string, opts ExchangeOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declareExchangeErr != nil {
		return b.declareExchangeErr
	}
	b.exchanges = append(b.exchanges, name)
	b.exchangeOpts[name] = opts
	return nil
}

func (b *fakeBroker) DeclareQueue(_ context.Context, name string, opts QueueOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declareQueueErr != nil {
		return b.declareQueueErr
	}
	b.queues = append(b.queues, name)
	b.queueOpts[name] = opts
	return nil
}

func (b *fakeBroker) BindQueue(_ context.Context, queue, exchange, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bindErr != nil {
		return b.bindErr
	}
	b.bindings = append(b.bindings, binding{queue: queue, exchange: exchange, pattern: pattern})
	return nil
}

func (b *fakeBroker) Send(_ context.Context, exchange, routingKey string, msg Outbound) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, sentMessage{exchange: exchange, routingKey: routingKey, msg: msg})
	return nil
}

func (b *fakeBroker) Subscribe(_ context.Context, queue string, handler DeliveryHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	b.handlers[queue] = handler
	return &fakeSubscription{broker: b, queue: queue}, nil
}

// deliver hands d to the handler subscribed on queue and reports whether one existed.
func (b *fakeBroker) deliver(ctx context.Context, queue string, d Delivery) bool {
	b.mu.Lock()
	handler, ok := b.handlers[queue]
	b.mu.Unlock()
	if !ok {
		return false
	}
	handler(ctx, d)
	return true
}

func (b *fakeBroker) sentMessages() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentMessage(nil), b.sent...)
}

func (b *fakeBroker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.exchanges) + len(b.queues) + len(b.bindings) + len(b.sent)
}

type fakeSubscription struct {
	broker *fakeBroker
	queue  string
}

func (s *fakeSubscription) Stop() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	delete(s.broker.handlers, s.queue)
	s.broker.stops++
	return nil
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) RecordOutbox(ctx context.Context, entry OutboxEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *mockLedger) RecordInbox(ctx context.Context, entry InboxEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *mockLedger) MarkInboxProcessed(ctx context.Context, messageID string) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

type panickingLedger struct{}

func (panickingLedger) RecordOutbox(context.Context, OutboxEntry) error { panic("outbox down") }

func (panickingLedger) RecordInbox(context.Context, InboxEntry) error { panic("inbox down") }

func (panickingLedger) MarkInboxProcessed(context.Context, string) error { panic("inbox down") }

func sequentialIDs(ids ...string) IDGenerator {
	var mu sync.Mutex
	i := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i%len(ids)]
		i++
		return id
	}
}
