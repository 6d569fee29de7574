// Package rabbitmq implements the zula messaging.Broker on RabbitMQ.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/zula-go/internal/rabbitmq"
	"github.com/glimte/zula-go/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Broker for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	logger    *slog.Logger
}

var _ messaging.Broker = (*Transport)(nil)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the logger for the transport and every component it builds
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker at url
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(cfg.Logger)}, cfg.PoolOptions...)
	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	consOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	t := &Transport{
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, pubOpts...),
		consumer:  rabbitmq.NewConsumer(pool, consOpts...),
		topology:  rabbitmq.NewTopologyManager(pool),
		logger:    cfg.Logger,
	}
	manager.AddStateListener(t)
	return t, nil
}

func (t *Transport) DeclareExchange(ctx context.Context, name string, opts messaging.ExchangeOptions) error {
	kind := opts.Kind
	if kind == "" {
		kind = messaging.ExchangeKindTopic
	}
	return t.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:       name,
		Type:       kind,
		Durable:    opts.Durable,
		AutoDelete: opts.AutoDelete,
	})
}

func (t *Transport) DeclareQueue(ctx context.Context, name string, opts messaging.QueueOptions) error {
	_, err := t.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       name,
		Durable:    opts.Durable,
		Exclusive:  opts.Exclusive,
		AutoDelete: opts.AutoDelete,
	})
	return err
}

func (t *Transport) BindQueue(ctx context.Context, queue, exchange, pattern string) error {
	return t.topology.BindQueue(ctx, rabbitmq.Binding{
		Queue:      queue,
		Exchange:   exchange,
		RoutingKey: pattern,
	})
}

func (t *Transport) Send(ctx context.Context, exchange, routingKey string, msg messaging.Outbound) error {
	return t.publisher.Publish(ctx, exchange, routingKey, toPublishing(msg, time.Now()))
}

func (t *Transport) Subscribe(ctx context.Context, queue string, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	tag, err := t.consumer.Subscribe(ctx, queue, func(ctx context.Context, d amqp.Delivery) error {
		handler(ctx, toDelivery(d))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &subscription{consumer: t.consumer, tag: tag}, nil
}

// QueueDepth reports the ready message count and consumer count of a queue
func (t *Transport) QueueDepth(ctx context.Context, queue string) (messages, consumers int, err error) {
	q, err := t.topology.InspectQueue(ctx, queue)
	if err != nil {
		return 0, 0, err
	}
	return q.Messages, q.Consumers, nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close stops every consumer, then closes channels and the connection
func (t *Transport) Close() error {
	t.manager.RemoveStateListener(t)
	t.consumer.UnsubscribeAll()
	_ = t.pool.Close()
	return t.manager.Close()
}

func (t *Transport) OnConnected() {
	t.logger.Info("broker connection established")
}

func (t *Transport) OnDisconnected(err error) {
	t.logger.Warn("broker connection lost", "error", err, "activeConsumers", len(t.consumer.ActiveConsumers()))
}

func (t *Transport) OnReconnecting(attempt int) {
	t.logger.Info("reconnecting to broker", "attempt", attempt)
}

type subscription struct {
	consumer *rabbitmq.Consumer
	tag      string
}

func (s *subscription) Stop() error {
	return s.consumer.Unsubscribe(s.tag)
}

func toPublishing(msg messaging.Outbound, now time.Time) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Timestamp:    now,
		Body:         msg.Body,
	}
}

func toDelivery(d amqp.Delivery) messaging.Delivery {
	headers := make(map[string]any, len(d.Headers)+1)
	for k, v := range d.Headers {
		headers[k] = v
	}
	if _, ok := headers[messaging.HeaderMessageID]; !ok && d.MessageId != "" {
		headers[messaging.HeaderMessageID] = d.MessageId
	}
	return messaging.Delivery{
		Body:        d.Body,
		ContentType: d.ContentType,
		RoutingKey:  d.RoutingKey,
		Headers:     headers,
	}
}
