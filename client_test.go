package zula

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glimte/zula-go/config"
	"github.com/glimte/zula-go/contracts"
	"github.com/glimte/zula-go/ledger"
	"github.com/glimte/zula-go/messaging"
	"github.com/glimte/zula-go/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ShipOrderCommand struct {
	contracts.BaseCommand
	OrderID string `json:"orderId"`
}

type PaymentMessage struct {
	contracts.BaseMessage
	Amount int `json:"amount"`
}

type paymentRecorder struct {
	mu  sync.Mutex
	got []PaymentMessage
}

func (r *paymentRecorder) Consume(_ context.Context, msg PaymentMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, msg)
	return nil
}

func (r *paymentRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func newRecorder(t *testing.T, store *ledger.MemoryStore, service string) *ledger.Recorder {
	t.Helper()
	rec, err := ledger.NewRecorder(store, ledger.WithServiceSchema(service))
	require.NoError(t, err)
	return rec
}

func TestClient_EndToEnd(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker()
	defer broker.Close()

	billingStore := ledger.NewMemoryStore()
	shippingStore := ledger.NewMemoryStore()

	billing, err := NewClientWithBroker(broker,
		WithServiceName("billing"),
		WithLedger(newRecorder(t, billingStore, "billing")))
	require.NoError(t, err)
	defer billing.Close()

	shipping, err := NewClientWithBroker(broker,
		WithServiceName("shipping"),
		WithLedger(newRecorder(t, shippingStore, "shipping")))
	require.NoError(t, err)
	defer shipping.Close()

	received := make(chan *ShipOrderCommand, 1)
	reg, err := Handle(ctx, shipping, func(_ context.Context, cmd *ShipOrderCommand) error {
		received <- cmd
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "shiporder", reg.MessageType)
	assert.Equal(t, "zula.shipping.shiporder", reg.Queue)

	cmd := &ShipOrderCommand{
		BaseCommand: contracts.NewBaseCommand("shipping", "create"),
		OrderID:     "o-42",
	}
	id, err := billing.Publish(ctx, cmd)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, cmd.RequestID)

	select {
	case got := <-received:
		assert.Equal(t, "o-42", got.OrderID)
		assert.Equal(t, id, got.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("command was not delivered")
	}

	outbox := billingStore.Outbox("billing_queue")
	require.Len(t, outbox, 1)
	assert.Equal(t, id, outbox[0].MessageID)
	assert.Equal(t, "shiporder", outbox[0].MessageType)
	assert.Equal(t, "shipping", outbox[0].TargetService)
	assert.Equal(t, ledger.StatusSent, outbox[0].Status)

	assert.Eventually(t, func() bool {
		rows := shippingStore.InboxByMessageID("shipping_queue", id)
		return len(rows) == 1 && rows[0].Status == ledger.StatusProcessed
	}, 2*time.Second, 10*time.Millisecond)

	inbox := shippingStore.InboxByMessageID("shipping_queue", id)
	require.Len(t, inbox, 1)
	assert.Equal(t, "billing", inbox[0].SourceService)
}

func TestClient_Commands(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker()
	defer broker.Close()

	client, err := NewClientWithBroker(broker, WithServiceName("billing"))
	require.NoError(t, err)
	defer client.Close()

	t.Run("explicit service and action", func(t *testing.T) {
		_, err := client.Commands().SendCommandToService(ctx, "ledger", &PaymentMessage{Amount: 5},
			messaging.WithAction("refund"))
		require.NoError(t, err)

		assert.Contains(t, broker.Queues(), "zula.ledger.payment")
	})

	t.Run("non routable payload", func(t *testing.T) {
		_, err := client.Commands().SendCommand(ctx, &PaymentMessage{})
		assert.ErrorIs(t, err, messaging.ErrNoTargetService)
	})
}

func TestClient_RegisterConsumer(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker()
	defer broker.Close()

	client, err := NewClientWithBroker(broker, WithServiceName("ledger"))
	require.NoError(t, err)
	defer client.Close()

	consumer := &paymentRecorder{}
	reg, err := RegisterConsumer[PaymentMessage](ctx, client, consumer)
	require.NoError(t, err)
	assert.Equal(t, "zula.ledger.payment", reg.Queue)

	_, err = client.PublishToService(ctx, "ledger", PaymentMessage{Amount: 10})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return consumer.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Stop())
	_, consumers, err := broker.QueueDepth(ctx, reg.Queue)
	require.NoError(t, err)
	assert.Zero(t, consumers)
}

func TestClient_Provision(t *testing.T) {
	ctx := context.Background()

	t.Run("declares every prototype", func(t *testing.T) {
		broker := memory.NewBroker()
		defer broker.Close()
		client, err := NewClientWithBroker(broker, WithServiceName("Billing"))
		require.NoError(t, err)

		require.NoError(t, client.Provision(ctx, ShipOrderCommand{}, &PaymentMessage{}))

		assert.Equal(t, []string{"payment", "shiporder"}, client.Types().MessageTypes())
		assert.ElementsMatch(t, []string{"zula.billing.payment", "zula.billing.shiporder"}, broker.Queues())
	})

	t.Run("aggregates failures and continues", func(t *testing.T) {
		broker := memory.NewBroker()
		defer broker.Close()
		client, err := NewClientWithBroker(broker, WithServiceName("billing"))
		require.NoError(t, err)

		err = client.Provision(ctx, nil, PaymentMessage{})
		assert.ErrorIs(t, err, messaging.ErrNilPayload)
		assert.Equal(t, []string{"zula.billing.payment"}, broker.Queues())
	})

	t.Run("by name", func(t *testing.T) {
		broker := memory.NewBroker()
		defer broker.Close()
		client, err := NewClientWithBroker(broker, WithServiceName("billing"),
			WithTopologyOptions(messaging.TopologyOptions{AutoCreateQueues: true, ExchangeSuffix: "-exchange", DurableQueues: true}))
		require.NoError(t, err)

		err = client.ProvisionTypes(ctx, "OrderCreated", " ")
		assert.ErrorIs(t, err, messaging.ErrMessageTypeRequired)
		assert.Equal(t, []string{"billing.ordercreated"}, broker.Queues())
		assert.Equal(t, []string{"ordercreated-exchange"}, client.Topology().DeclaredExchanges())
	})

	t.Run("broker failures are returned", func(t *testing.T) {
		broker := memory.NewBroker()
		require.NoError(t, broker.Close())
		client, err := NewClientWithBroker(broker, WithServiceName("billing"))
		require.NoError(t, err)

		err = client.ProvisionTypes(ctx, "ordercreated")
		var topoErr *messaging.TopologyError
		assert.True(t, errors.As(err, &topoErr))
	})
}

func TestNewClient(t *testing.T) {
	ctx := context.Background()

	t.Run("memory url", func(t *testing.T) {
		client, err := NewClient(ctx, MemoryURL)
		require.NoError(t, err)

		assert.Equal(t, messaging.UnknownService, client.ServiceName())
		assert.IsType(t, &memory.Broker{}, client.Broker())

		require.NoError(t, client.Close())
		assert.False(t, client.Broker().(*memory.Broker).IsConnected())
	})

	t.Run("nil broker", func(t *testing.T) {
		_, err := NewClientWithBroker(nil)
		assert.ErrorIs(t, err, ErrBrokerRequired)
	})
}

func TestNewClientFromConfig(t *testing.T) {
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "zula.yaml")
	data := `
service:
  name: inventory
broker:
  url: memory://
  breaker:
    enabled: true
    failure_threshold: 3
ledger:
  driver: memory
  auto_create_schema: true
log:
  level: error
metrics:
  enabled: true
provision:
  message_types: [StockReserved]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	client, err := NewClientFromConfig(ctx, cfg)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, "inventory", client.ServiceName())
	assert.Equal(t, []string{"zula.inventory.stockreserved"}, client.Topology().DeclaredQueues())

	_, err = client.PublishToService(ctx, "inventory", PaymentMessage{Amount: 1})
	assert.NoError(t, err)

	t.Run("invalid configuration", func(t *testing.T) {
		bad := config.Default()
		bad.Ledger.Driver = "sqlite"
		_, err := NewClientFromConfig(ctx, bad)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})
}
