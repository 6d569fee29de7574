package messaging

import (
	"context"
)

// ExchangeKindTopic is the only exchange kind zula declares.
const ExchangeKindTopic = "topic"

// ExchangeOptions describes an exchange declaration
type ExchangeOptions struct {
	Kind       string
	Durable    bool
	AutoDelete bool
}

// QueueOptions describes a queue declaration
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// Declarer issues idempotent topology declarations against the broker.
type Declarer interface {
	DeclareExchange(ctx context.Context, name string, opts ExchangeOptions) error
	DeclareQueue(ctx context.Context, name string, opts QueueOptions) error
	BindQueue(ctx context.Context, queue, exchange, pattern string) error
}

// Outbound is a message ready to be handed to the broker
type Outbound struct {
	Body        []byte
	ContentType string
	MessageID   string
	Headers     map[string]any
}

// Sender delivers an encoded message to an exchange.
type Sender interface {
	Send(ctx context.Context, exchange, routingKey string, msg Outbound) error
}

// Delivery is a message received from a queue
type Delivery struct {
	Body        []byte
	ContentType string
	RoutingKey  string
	Headers     map[string]any
}

// DeliveryHandler processes one delivery. The transport acknowledges the
// delivery once the handler returns.
type DeliveryHandler func(ctx context.Context, d Delivery)

// Subscription is a running delivery loop on one queue
type Subscription interface {
	// Stop cancels the loop and waits for an in-flight delivery to finish.
	Stop() error
}

// Subscriber starts delivery loops.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, handler DeliveryHandler) (Subscription, error)
}

// Broker is the full set of broker operations used by zula.
type Broker interface {
	Declarer
	Sender
	Subscriber
}
