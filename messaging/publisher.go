package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/zula-go/contracts"
	"github.com/glimte/zula-go/serialization"
	"github.com/sony/gobreaker"
)

// MessagePublisher publishes payloads following the zula conventions:
// resolve the type, assign an id, ensure topology, record the outbox entry
// and send once. Sends are never retried.
type MessagePublisher struct {
	serviceName string
	sender      Sender
	topology    *TopologyManager
	serializer  serialization.Serializer
	identity    *IdentityAssigner
	ledger      Ledger
	metrics     MetricsCollector
	breaker     *gobreaker.CircuitBreaker
	logger      *slog.Logger
}

// PublisherOption configures the MessagePublisher
type PublisherOption func(*MessagePublisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *MessagePublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPublisherSerializer sets the payload serializer
func WithPublisherSerializer(s serialization.Serializer) PublisherOption {
	return func(p *MessagePublisher) {
		if s != nil {
			p.serializer = s
		}
	}
}

// WithPublisherLedger sets the outbox ledger
func WithPublisherLedger(l Ledger) PublisherOption {
	return func(p *MessagePublisher) {
		if l != nil {
			p.ledger = l
		}
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(m MetricsCollector) PublisherOption {
	return func(p *MessagePublisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithPublisherIdentity sets the identity assigner
func WithPublisherIdentity(a *IdentityAssigner) PublisherOption {
	return func(p *MessagePublisher) {
		if a != nil {
			p.identity = a
		}
	}
}

// WithPublisherBreaker wraps broker sends in a circuit breaker
func WithPublisherBreaker(cb *gobreaker.CircuitBreaker) PublisherOption {
	return func(p *MessagePublisher) {
		p.breaker = cb
	}
}

// NewMessagePublisher creates a publisher for serviceName. An empty service
// name is reported to consumers as UnknownService.
func NewMessagePublisher(serviceName string, sender Sender, topology *TopologyManager, options ...PublisherOption) *MessagePublisher {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = UnknownService
	}

	p := &MessagePublisher{
		serviceName: serviceName,
		sender:      sender,
		topology:    topology,
		serializer:  serialization.NewJSONSerializer(),
		identity:    NewIdentityAssigner(),
		ledger:      NoopLedger{},
		metrics:     &NoOpMetricsCollector{},
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// ServiceName returns the name sent in the x-source-service header
func (p *MessagePublisher) ServiceName() string {
	return p.serviceName
}

type publishConfig struct {
	messageType string
	action      string
}

// PublishOption configures a single publish
type PublishOption func(*publishConfig)

// WithMessageType overrides the resolved message type
func WithMessageType(messageType string) PublishOption {
	return func(c *publishConfig) {
		c.messageType = messageType
	}
}

// WithAction sets the routing action, "process" by default
func WithAction(action string) PublishOption {
	return func(c *publishConfig) {
		c.action = action
	}
}

// Publish sends payload to the service named by its TargetService method.
// Payloads that are not Routable fail with ErrNoTargetService before any
// side effect.
func (p *MessagePublisher) Publish(ctx context.Context, payload any) (string, error) {
	if payload == nil {
		return "", ErrNilPayload
	}

	var target string
	if r, ok := payload.(contracts.Routable); ok {
		target = strings.TrimSpace(r.TargetService())
	}
	if target == "" {
		return "", fmt.Errorf("%w: %T", ErrNoTargetService, payload)
	}

	var opts []PublishOption
	if a, ok := payload.(contracts.ActionRouted); ok {
		if action := strings.TrimSpace(a.DefaultAction()); action != "" {
			opts = append(opts, WithAction(action))
		}
	}
	return p.PublishToService(ctx, target, payload, opts...)
}

// PublishToService sends payload to serviceName and returns the message id.
// The id is the payload's existing request id or a newly generated one; the
// same value is used in the headers and the outbox entry.
func (p *MessagePublisher) PublishToService(ctx context.Context, serviceName string, payload any, options ...PublishOption) (string, error) {
	if payload == nil {
		return "", ErrNilPayload
	}
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		return "", ErrServiceNameRequired
	}

	cfg := publishConfig{action: DefaultAction}
	for _, opt := range options {
		opt(&cfg)
	}

	messageType := strings.ToLower(strings.TrimSpace(cfg.messageType))
	if messageType == "" {
		messageType = ResolveMessageType(payload)
	}

	messageID := p.identity.EnsureID(payload)

	body, err := p.serializer.Encode(payload)
	if err != nil {
		return "", fmt.Errorf("messaging: encode %s: %w", messageType, err)
	}

	if err := p.topology.EnsureTopology(ctx, serviceName, messageType); err != nil {
		p.metrics.RecordError("topology", "declare", err.Error())
		return "", err
	}

	exchange := p.topology.ExchangeName(messageType)
	routingKey := RoutingKey(messageType, cfg.action)

	p.recordOutbox(ctx, OutboxEntry{
		MessageID:     messageID,
		MessageType:   messageType,
		TargetService: serviceName,
		Payload:       body,
	})

	msg := Outbound{
		Body:        body,
		ContentType: p.serializer.ContentType(),
		MessageID:   messageID,
		Headers:     newHeaders(p.serviceName, messageID, messageType),
	}

	start := time.Now()
	err = p.send(ctx, exchange, routingKey, msg)
	p.metrics.RecordPublish(messageType, exchange, time.Since(start), err == nil)
	if err != nil {
		return "", &PublishError{Exchange: exchange, RoutingKey: routingKey, MessageID: messageID, Err: err}
	}

	p.logger.Debug("message published",
		"messageId", messageID,
		"messageType", messageType,
		"exchange", exchange,
		"routingKey", routingKey,
		"targetService", serviceName,
	)
	return messageID, nil
}

func (p *MessagePublisher) send(ctx context.Context, exchange, routingKey string, msg Outbound) error {
	if p.breaker == nil {
		return p.sender.Send(ctx, exchange, routingKey, msg)
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.sender.Send(ctx, exchange, routingKey, msg)
	})
	return err
}

func (p *MessagePublisher) recordOutbox(ctx context.Context, entry OutboxEntry) {
	err := bestEffort(func() error { return p.ledger.RecordOutbox(ctx, entry) })
	if err != nil {
		p.logger.Warn("failed to record outbox entry",
			"messageId", entry.MessageID,
			"messageType", entry.MessageType,
			"error", err,
		)
		p.metrics.RecordError("ledger", "outbox", err.Error())
	}
}
