// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package zula

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/glimte/zula-go/config"
	"github.com/glimte/zula-go/internal/ledgerstore"
	"github.com/glimte/zula-go/internal/rabbitmq"
	"github.com/glimte/zula-go/messaging"
	"github.com/glimte/zula-go/serialization"
	"github.com/glimte/zula-go/transports/memory"
	rabbitmqTransport "github.com/glimte/zula-go/transports/rabbitmq"
	"go.opentelemetry.io/otel"
)

// MemoryURL selects the in-process broker instead of RabbitMQ.
const MemoryURL = "memory://"

// ErrBrokerRequired is returned when a client is built without a broker.
var ErrBrokerRequired = errors.New("zula: broker is required")

// Client provides the main entry point for zula-go
type Client struct {
	broker      messaging.Broker
	topology    *messaging.TopologyManager
	publisher   *messaging.MessagePublisher
	commands    *messaging.CommandPublisher
	handlers    *messaging.HandlerRegistry
	types       *messaging.TypeRegistry
	ledger      messaging.Ledger
	serviceName string
	logger      *slog.Logger
	closers     []func() error
}

// NewClient connects to url and creates a client. amqp:// and amqps:// URLs
// use RabbitMQ; memory:// uses an in-process broker.
func NewClient(ctx context.Context, url string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	var broker messaging.Broker
	if strings.HasPrefix(url, MemoryURL) {
		broker = memory.NewBroker(memory.WithLogger(cfg.logger))
	} else {
		transportOpts := append([]rabbitmqTransport.TransportOption{
			rabbitmqTransport.WithLogger(cfg.logger),
		}, cfg.transportOpts...)

		transport, err := rabbitmqTransport.NewTransport(ctx, url, transportOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		broker = transport
	}

	client, err := newClient(broker, cfg)
	if err != nil {
		return nil, err
	}
	if closer, ok := broker.(io.Closer); ok {
		client.closers = append(client.closers, closer.Close)
	}
	return client, nil
}

// NewClientWithBroker creates a client on an existing broker. The broker is
// not closed by Client.Close.
func NewClientWithBroker(broker messaging.Broker, options ...ClientOption) (*Client, error) {
	return newClient(broker, newClientConfig(options))
}

// NewClientFromConfig creates a client from file configuration. Options are
// applied after the configuration and take precedence. Message types listed
// under provision are declared before returning.
func NewClientFromConfig(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := config.NewLogger(cfg.Log, os.Stderr)

	serializer, err := serialization.ForName(cfg.Serializer)
	if err != nil {
		return nil, err
	}

	handle, err := ledgerstore.Open(ctx, cfg.Ledger, cfg.Service.Name, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	opts := []ClientOption{
		WithLogger(logger),
		WithServiceName(cfg.Service.Name),
		WithTopologyOptions(cfg.Topology()),
		WithSerializer(serializer),
		WithLedger(handle.Ledger()),
		WithTransportOptions(transportOptions(cfg.Broker, logger)...),
	}
	if cfg.Metrics.Enabled {
		metrics, err := messaging.NewOTelMetrics(otel.Meter(cfg.Metrics.MeterName))
		if err != nil {
			_ = handle.Close()
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		opts = append(opts, WithMetrics(metrics))
	}
	if cfg.Broker.Breaker.Enabled {
		opts = append(opts, WithCircuitBreaker(messaging.BreakerSettings{
			FailureThreshold: cfg.Broker.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Broker.Breaker.ResetTimeout,
		}))
	}

	client, err := NewClient(ctx, cfg.Broker.URL, append(opts, options...)...)
	if err != nil {
		_ = handle.Close()
		return nil, err
	}
	client.closers = append(client.closers, handle.Close)

	if len(cfg.Provision.MessageTypes) > 0 {
		if err := client.ProvisionTypes(ctx, cfg.Provision.MessageTypes...); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return client, nil
}

func transportOptions(b config.BrokerConfig, logger *slog.Logger) []rabbitmqTransport.TransportOption {
	conn := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(logger),
		rabbitmq.WithMaxRetries(b.MaxReconnects),
	}
	if b.ReconnectDelay > 0 {
		conn = append(conn, rabbitmq.WithReconnectDelay(b.ReconnectDelay))
	}
	if b.ConnectionName != "" {
		conn = append(conn, rabbitmq.WithConnectionName(b.ConnectionName))
	}

	pub := []rabbitmq.PublisherOption{rabbitmq.WithConfirmMode(b.Confirm)}
	if b.ConfirmTimeout > 0 {
		pub = append(pub, rabbitmq.WithConfirmTimeout(b.ConfirmTimeout))
	}

	opts := []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithConnectionOptions(conn...),
		rabbitmqTransport.WithPoolOptions(rabbitmq.WithMaxSize(b.ChannelPoolSize)),
		rabbitmqTransport.WithPublisherOptions(pub...),
	}
	if b.Prefetch > 0 {
		opts = append(opts, rabbitmqTransport.WithConsumerOptions(rabbitmq.WithPrefetchCount(b.Prefetch)))
	}
	return opts
}

func newClient(broker messaging.Broker, cfg *clientConfig) (*Client, error) {
	if broker == nil {
		return nil, ErrBrokerRequired
	}

	topology := messaging.NewTopologyManager(broker, cfg.topology,
		messaging.WithTopologyLogger(cfg.logger))
	identity := messaging.NewIdentityAssigner(messaging.WithIdentityLogger(cfg.logger))

	pubOpts := []messaging.PublisherOption{
		messaging.WithPublisherLogger(cfg.logger),
		messaging.WithPublisherSerializer(cfg.serializer),
		messaging.WithPublisherLedger(cfg.ledger),
		messaging.WithPublisherMetrics(cfg.metrics),
		messaging.WithPublisherIdentity(identity),
	}
	if cfg.breaker != nil {
		pubOpts = append(pubOpts, messaging.WithPublisherBreaker(messaging.NewSendBreaker(*cfg.breaker, cfg.logger)))
	}
	publisher := messaging.NewMessagePublisher(cfg.serviceName, broker, topology, pubOpts...)

	handlers := messaging.NewHandlerRegistry(publisher.ServiceName(), broker, topology,
		messaging.WithRegistryLogger(cfg.logger),
		messaging.WithRegistrySerializer(cfg.serializer),
		messaging.WithRegistryLedger(cfg.ledger),
		messaging.WithRegistryMetrics(cfg.metrics),
		messaging.WithRegistryIdentity(identity),
	)

	return &Client{
		broker:      broker,
		topology:    topology,
		publisher:   publisher,
		commands:    messaging.NewCommandPublisher(publisher),
		handlers:    handlers,
		types:       messaging.NewTypeRegistry(),
		ledger:      cfg.ledger,
		serviceName: publisher.ServiceName(),
		logger:      cfg.logger,
	}, nil
}

// ServiceName returns the name this client publishes and consumes as
func (c *Client) ServiceName() string {
	return c.serviceName
}

// Broker returns the underlying broker
func (c *Client) Broker() messaging.Broker {
	return c.broker
}

// Publisher returns the message publisher
func (c *Client) Publisher() *messaging.MessagePublisher {
	return c.publisher
}

// Commands returns the command publisher
func (c *Client) Commands() *messaging.CommandPublisher {
	return c.commands
}

// Handlers returns the handler registry
func (c *Client) Handlers() *messaging.HandlerRegistry {
	return c.handlers
}

// Topology returns the topology manager
func (c *Client) Topology() *messaging.TopologyManager {
	return c.topology
}

// Types returns the registry of provisioned payload types
func (c *Client) Types() *messaging.TypeRegistry {
	return c.types
}

// Ledger returns the inbox/outbox ledger, a NoopLedger when none is configured
func (c *Client) Ledger() messaging.Ledger {
	return c.ledger
}

// Publish sends a Routable payload to its target service
func (c *Client) Publish(ctx context.Context, payload any) (string, error) {
	return c.publisher.Publish(ctx, payload)
}

// PublishToService sends payload to serviceName
func (c *Client) PublishToService(ctx context.Context, serviceName string, payload any, options ...messaging.PublishOption) (string, error) {
	return c.publisher.PublishToService(ctx, serviceName, payload, options...)
}

// Provision registers each prototype payload and declares this service's
// exchange, queue and binding for its message type. Every prototype is
// attempted; failures are logged and returned together.
func (c *Client) Provision(ctx context.Context, prototypes ...any) error {
	var errs []error
	for _, prototype := range prototypes {
		messageType, err := c.types.Register(prototype)
		if err != nil {
			c.logger.Error("failed to register message type", "payload", fmt.Sprintf("%T", prototype), "error", err)
			errs = append(errs, err)
			continue
		}
		if err := c.provision(ctx, messageType); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProvisionTypes declares this service's topology for message types given by name.
func (c *Client) ProvisionTypes(ctx context.Context, messageTypes ...string) error {
	var errs []error
	for _, messageType := range messageTypes {
		messageType = strings.ToLower(strings.TrimSpace(messageType))
		if messageType == "" {
			errs = append(errs, messaging.ErrMessageTypeRequired)
			continue
		}
		if err := c.provision(ctx, messageType); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) provision(ctx context.Context, messageType string) error {
	if err := c.topology.EnsureTopology(ctx, c.serviceName, messageType); err != nil {
		c.logger.Error("failed to provision queue", "messageType", messageType, "error", err)
		return err
	}
	c.logger.Info("provisioned queue",
		"messageType", messageType,
		"queue", c.topology.QueueName(c.serviceName, messageType))
	return nil
}

// Close stops all handlers and releases the broker and ledger
func (c *Client) Close() error {
	var errs []error
	if c.handlers != nil {
		if err := c.handlers.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, closer := range c.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Handle registers handler for payloads of type T on the client's service queue.
func Handle[T any](ctx context.Context, c *Client, handler func(context.Context, T) error) (*messaging.Registration, error) {
	return messaging.Handle[T](ctx, c.handlers, handler)
}

// RegisterConsumer registers an object-style consumer on the client's service queue.
func RegisterConsumer[T any](ctx context.Context, c *Client, consumer messaging.Consumer[T]) (*messaging.Registration, error) {
	return messaging.RegisterConsumer[T](ctx, c.handlers, consumer)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger        *slog.Logger
	serviceName   string
	topology      messaging.TopologyOptions
	serializer    serialization.Serializer
	ledger        messaging.Ledger
	metrics       messaging.MetricsCollector
	breaker       *messaging.BreakerSettings
	transportOpts []rabbitmqTransport.TransportOption
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:     slog.Default(),
		topology:   messaging.DefaultTopologyOptions(),
		serializer: serialization.NewJSONSerializer(),
		ledger:     messaging.NoopLedger{},
		metrics:    &messaging.NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithServiceName sets the service name (used for queue naming and the
// x-source-service header)
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithTopologyOptions replaces the naming and declaration options
func WithTopologyOptions(opts messaging.TopologyOptions) ClientOption {
	return func(cfg *clientConfig) {
		cfg.topology = opts
	}
}

// WithSerializer sets the payload serializer
func WithSerializer(s serialization.Serializer) ClientOption {
	return func(cfg *clientConfig) {
		if s != nil {
			cfg.serializer = s
		}
	}
}

// WithLedger enables inbox/outbox recording
func WithLedger(l messaging.Ledger) ClientOption {
	return func(cfg *clientConfig) {
		if l != nil {
			cfg.ledger = l
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		if m != nil {
			cfg.metrics = m
		}
	}
}

// WithCircuitBreaker guards broker sends with a circuit breaker
func WithCircuitBreaker(settings messaging.BreakerSettings) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breaker = &settings
	}
}

// WithTransportOptions passes options to the RabbitMQ transport
func WithTransportOptions(opts ...rabbitmqTransport.TransportOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transportOpts = append(cfg.transportOpts, opts...)
	}
}
