package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glimte/zula-go/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu         sync.Mutex
	deliveries []messaging.Delivery
}

func (c *collector) handle(_ context.Context, d messaging.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = append(c.deliveries, d)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries)
}

func (c *collector) first() messaging.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliveries[0]
}

func declare(t *testing.T, b *Broker, ex, q, pattern string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.DeclareExchange(ctx, ex, messaging.ExchangeOptions{Kind: "topic", Durable: true}))
	require.NoError(t, b.DeclareQueue(ctx, q, messaging.QueueOptions{Durable: true}))
	require.NoError(t, b.BindQueue(ctx, q, ex, pattern))
}

func TestTopicMatch(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"#", "order.process", true},
		{"#", "", true},
		{"order.*", "order.process", true},
		{"order.*", "order", false},
		{"order.*", "order.process.now", false},
		{"order.#", "order", true},
		{"order.#", "order.a.b", true},
		{"*.process", "order.process", true},
		{"#.process", "a.b.process", true},
		{"#.process", "process", true},
		{"order.process", "order.process", true},
		{"order.process", "order.cancel", false},
	}
	for _, tc := range cases {
		t.Run(tc.pattern+" "+tc.key, func(t *testing.T) {
			assert.Equal(t, tc.want, TopicMatch(tc.pattern, tc.key))
		})
	}
}

func TestBroker_Routing(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	defer b.Close()

	declare(t, b, "order-exchange", "zula.billing.order", "#")
	declare(t, b, "order-exchange", "zula.audit.order", "order.cancel")

	billing := &collector{}
	audit := &collector{}
	_, err := b.Subscribe(ctx, "zula.billing.order", billing.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "zula.audit.order", audit.handle)
	require.NoError(t, err)

	require.NoError(t, b.Send(ctx, "order-exchange", "order.process", messaging.Outbound{
		Body:        []byte(`{"id":1}`),
		ContentType: "application/json",
		MessageID:   "m-1",
		Headers:     map[string]any{messaging.HeaderSourceService: "checkout"},
	}))

	require.Eventually(t, func() bool { return billing.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, audit.count())

	d := billing.first()
	assert.Equal(t, "order.process", d.RoutingKey)
	assert.Equal(t, "m-1", d.Headers[messaging.HeaderMessageID])
	assert.Equal(t, "checkout", d.Headers[messaging.HeaderSourceService])
	assert.JSONEq(t, `{"id":1}`, string(d.Body))
}

func TestBroker_Declarations(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()

	t.Run("redeclare with same options is idempotent", func(t *testing.T) {
		declare(t, b, "x-exchange", "q", "#")
		declare(t, b, "x-exchange", "q", "#")
		assert.ElementsMatch(t, []string{"q"}, b.Queues())
	})

	t.Run("conflicting redeclare fails", func(t *testing.T) {
		err := b.DeclareExchange(ctx, "x-exchange", messaging.ExchangeOptions{Kind: "direct", Durable: true})
		assert.ErrorIs(t, err, ErrDeclareMismatch)

		err = b.DeclareQueue(ctx, "q", messaging.QueueOptions{Durable: false})
		assert.ErrorIs(t, err, ErrDeclareMismatch)
	})

	t.Run("binding needs both ends", func(t *testing.T) {
		assert.ErrorIs(t, b.BindQueue(ctx, "q", "missing", "#"), ErrExchangeNotFound)
		assert.ErrorIs(t, b.BindQueue(ctx, "missing", "x-exchange", "#"), ErrQueueNotFound)
	})

	t.Run("send to unknown exchange fails", func(t *testing.T) {
		err := b.Send(ctx, "missing", "a.b", messaging.Outbound{})
		assert.ErrorIs(t, err, ErrExchangeNotFound)
	})

	t.Run("subscribe to unknown queue fails", func(t *testing.T) {
		_, err := b.Subscribe(ctx, "missing", func(context.Context, messaging.Delivery) {})
		assert.ErrorIs(t, err, ErrQueueNotFound)
	})
}

func TestBroker_Buffering(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(WithQueueCapacity(2))
	defer b.Close()
	declare(t, b, "e", "q", "#")

	require.NoError(t, b.Send(ctx, "e", "k", messaging.Outbound{}))
	require.NoError(t, b.Send(ctx, "e", "k", messaging.Outbound{}))
	assert.ErrorIs(t, b.Send(ctx, "e", "k", messaging.Outbound{}), ErrQueueFull)

	messages, consumers, err := b.QueueDepth(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 2, messages)
	assert.Equal(t, 0, consumers)

	c := &collector{}
	sub, err := b.Subscribe(ctx, "q", c.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.count() == 2 }, time.Second, 5*time.Millisecond)

	_, consumers, err = b.QueueDepth(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, consumers)

	require.NoError(t, sub.Stop())
	require.NoError(t, sub.Stop())
	_, consumers, _ = b.QueueDepth(ctx, "q")
	assert.Equal(t, 0, consumers)
}

func TestBroker_ExclusiveQueue(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	defer b.Close()
	require.NoError(t, b.DeclareQueue(ctx, "solo", messaging.QueueOptions{Exclusive: true}))

	_, err := b.Subscribe(ctx, "solo", func(context.Context, messaging.Delivery) {})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "solo", func(context.Context, messaging.Delivery) {})
	assert.ErrorIs(t, err, ErrExclusiveConsumer)
}

func TestBroker_Close(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	declare(t, b, "e", "q", "#")
	_, err := b.Subscribe(ctx, "q", func(context.Context, messaging.Delivery) {})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.False(t, b.IsConnected())
	assert.ErrorIs(t, b.Send(ctx, "e", "k", messaging.Outbound{}), ErrClosed)
	assert.ErrorIs(t, b.DeclareQueue(ctx, "q2", messaging.QueueOptions{}), ErrClosed)
}

func TestBroker_SubscriptionOutlivesCallerContext(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	declare(t, b, "e", "q", "#")

	ctx, cancel := context.WithCancel(context.Background())
	c := &collector{}
	_, err := b.Subscribe(ctx, "q", c.handle)
	require.NoError(t, err)
	cancel()

	require.NoError(t, b.Send(context.Background(), "e", "k", messaging.Outbound{}))
	assert.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBroker_StopLetsInFlightDeliveryFinish(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	declare(t, b, "e", "q", "#")

	entered := make(chan struct{})
	release := make(chan struct{})
	handlerErr := make(chan error, 1)
	sub, err := b.Subscribe(context.Background(), "q", func(ctx context.Context, _ messaging.Delivery) {
		close(entered)
		select {
		case <-ctx.Done():
		case <-release:
		}
		handlerErr <- ctx.Err()
	})
	require.NoError(t, err)
	require.NoError(t, b.Send(context.Background(), "e", "k", messaging.Outbound{}))
	<-entered

	stopped := make(chan struct{})
	go func() {
		assert.NoError(t, sub.Stop())
		close(stopped)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.NoError(t, <-handlerErr)
}
