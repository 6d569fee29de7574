package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopologyNames(t *testing.T) {
	t.Run("default naming", func(t *testing.T) {
		tm := NewTopologyManager(newFakeBroker(), DefaultTopologyOptions())

		assert.Equal(t, "zula.billing.ordercreated", tm.QueueName("billing", "ordercreated"))
		assert.Equal(t, "ordercreated-exchange", tm.ExchangeName("ordercreated"))
	})

	t.Run("lowercases inputs", func(t *testing.T) {
		tm := NewTopologyManager(newFakeBroker(), DefaultTopologyOptions())

		assert.Equal(t, "zula.billing.ordercreated", tm.QueueName("Billing", "OrderCreated"))
		assert.Equal(t, "ordercreated-exchange", tm.ExchangeName("OrderCreated"))
	})

	t.Run("empty prefix omits the segment", func(t *testing.T) {
		opts := DefaultTopologyOptions()
		opts.QueuePrefix = ""
		opts.ExchangeSuffix = ".x"
		tm := NewTopologyManager(newFakeBroker(), opts)

		assert.Equal(t, "billing.ordercreated", tm.QueueName("billing", "ordercreated"))
		assert.Equal(t, "ordercreated.x", tm.ExchangeName("ordercreated"))
	})
}

func TestEnsureTopology(t *testing.T) {
	ctx := context.Background()

	t.Run("declares exchange queue and binding once", func(t *testing.T) {
		broker := newFakeBroker()
		tm := NewTopologyManager(broker, DefaultTopologyOptions())

		require.NoError(t, tm.EnsureTopology(ctx, "billing", "ordercreated"))
		require.NoError(t, tm.EnsureTopology(ctx, "billing", "ordercreated"))

		assert.Equal(t, []string{"ordercreated-exchange"}, broker.exchanges)
		assert.Equal(t, []string{"zula.billing.ordercreated"}, broker.queues)
		assert.Equal(t, []binding{{queue: "zula.billing.ordercreated", exchange: "ordercreated-exchange", pattern: "#"}}, broker.bindings)

		assert.Equal(t, ExchangeOptions{Kind: "topic", Durable: true}, broker.exchangeOpts["ordercreated-exchange"])
		assert.Equal(t, QueueOptions{Durable: true}, broker.queueOpts["zula.billing.ordercreated"])
		assert.Equal(t, []string{"zula.billing.ordercreated"}, tm.DeclaredQueues())
		assert.Equal(t, []string{"ordercreated-exchange"}, tm.DeclaredExchanges())
	})

	t.Run("shares the exchange between services", func(t *testing.T) {
		broker := newFakeBroker()
		tm := NewTopologyManager(broker, DefaultTopologyOptions())

		require.NoError(t, tm.EnsureTopology(ctx, "billing", "ordercreated"))
		require.NoError(t, tm.EnsureTopology(ctx, "shipping", "ordercreated"))

		assert.Len(t, broker.exchanges, 1)
		assert.Equal(t, []string{"zula.billing.ordercreated", "zula.shipping.ordercreated"}, broker.queues)
	})

	t.Run("applies queue options", func(t *testing.T) {
		broker := newFakeBroker()
		opts := DefaultTopologyOptions()
		opts.DurableQueues = false
		opts.ExclusiveQueues = true
		opts.AutoDeleteQueues = true
		tm := NewTopologyManager(broker, opts)

		require.NoError(t, tm.EnsureTopology(ctx, "billing", "ordercreated"))

		assert.Equal(t, QueueOptions{Durable: false, Exclusive: true, AutoDelete: true}, broker.queueOpts["zula.billing.ordercreated"])
		assert.True(t, broker.exchangeOpts["ordercreated-exchange"].Durable)
	})

	t.Run("does nothing when auto create is off", func(t *testing.T) {
		broker := newFakeBroker()
		opts := DefaultTopologyOptions()
		opts.AutoCreateQueues = false
		tm := NewTopologyManager(broker, opts)

		require.NoError(t, tm.EnsureTopology(ctx, "billing", "ordercreated"))
		assert.Zero(t, broker.callCount())
		assert.Empty(t, tm.DeclaredQueues())
	})

	t.Run("failed declarations are reported and not cached", func(t *testing.T) {
		broker := newFakeBroker()
		broker.declareQueueErr = errors.New("access refused")
		tm := NewTopologyManager(broker, DefaultTopologyOptions())

		err := tm.EnsureTopology(ctx, "billing", "ordercreated")
		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "queue", topoErr.Component)
		assert.Equal(t, "zula.billing.ordercreated", topoErr.Name)
		assert.ErrorIs(t, err, broker.declareQueueErr)
		assert.Empty(t, tm.DeclaredQueues())

		broker.declareQueueErr = nil
		require.NoError(t, tm.EnsureTopology(ctx, "billing", "ordercreated"))
		assert.Len(t, broker.exchanges, 1)
		assert.Equal(t, []string{"zula.billing.ordercreated"}, broker.queues)
	})

	t.Run("binding failure is a topology error", func(t *testing.T) {
		broker := newFakeBroker()
		broker.bindErr = errors.New("no exchange")
		tm := NewTopologyManager(broker, DefaultTopologyOptions())

		err := tm.EnsureTopology(ctx, "billing", "ordercreated")
		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "binding", topoErr.Component)
	})

	t.Run("concurrent first use declares once", func(t *testing.T) {
		broker := newFakeBroker()
		tm := NewTopologyManager(broker, DefaultTopologyOptions())

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, tm.EnsureTopology(ctx, "billing", "ordercreated"))
			}()
		}
		wg.Wait()

		assert.Len(t, broker.exchanges, 1)
		assert.Len(t, broker.queues, 1)
		assert.Len(t, broker.bindings, 1)
	})
}
