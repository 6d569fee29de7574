package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/glimte/zula-go/serialization"
)

// HandlerFunc handles one decoded payload. Returning an error leaves the
// inbox entry in RECEIVED; the delivery is consumed either way.
type HandlerFunc func(ctx context.Context, payload any) error

// Registration is a handler bound to a service queue
type Registration struct {
	MessageType string
	Queue       string

	shape    reflect.Type
	handler  HandlerFunc
	registry *HandlerRegistry
	sub      Subscription
	once     sync.Once
	stopErr  error
}

// Stop ends the registration's delivery loop. An in-flight handler is allowed
// to finish. Stop is idempotent.
func (r *Registration) Stop() error {
	r.once.Do(func() {
		r.registry.forget(r)
		if r.sub != nil {
			r.stopErr = r.sub.Stop()
		}
		r.registry.metrics.RecordUnsubscribe(r.Queue, r.MessageType)
		r.registry.logger.Info("handler stopped", "queue", r.Queue, "messageType", r.MessageType)
	})
	return r.stopErr
}

// HandlerRegistry binds handlers to the queues of one service and runs the
// consume path for each delivery: decode, record inbox, invoke, mark processed.
type HandlerRegistry struct {
	serviceName string
	subscriber  Subscriber
	topology    *TopologyManager
	serializer  serialization.Serializer
	identity    *IdentityAssigner
	ledger      Ledger
	metrics     MetricsCollector
	logger      *slog.Logger

	mu            sync.Mutex
	registrations map[*Registration]struct{}
	closed        bool
}

// RegistryOption configures the HandlerRegistry
type RegistryOption func(*HandlerRegistry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *HandlerRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistrySerializer sets the payload serializer
func WithRegistrySerializer(s serialization.Serializer) RegistryOption {
	return func(r *HandlerRegistry) {
		if s != nil {
			r.serializer = s
		}
	}
}

// WithRegistryLedger sets the inbox ledger
func WithRegistryLedger(l Ledger) RegistryOption {
	return func(r *HandlerRegistry) {
		if l != nil {
			r.ledger = l
		}
	}
}

// WithRegistryMetrics sets the metrics collector
func WithRegistryMetrics(m MetricsCollector) RegistryOption {
	return func(r *HandlerRegistry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithRegistryIdentity sets the generator used for deliveries without an id
func WithRegistryIdentity(a *IdentityAssigner) RegistryOption {
	return func(r *HandlerRegistry) {
		if a != nil {
			r.identity = a
		}
	}
}

// NewHandlerRegistry creates a registry consuming on behalf of serviceName
func NewHandlerRegistry(serviceName string, subscriber Subscriber, topology *TopologyManager, options ...RegistryOption) *HandlerRegistry {
	r := &HandlerRegistry{
		serviceName:   strings.TrimSpace(serviceName),
		subscriber:    subscriber,
		topology:      topology,
		serializer:    serialization.NewJSONSerializer(),
		identity:      NewIdentityAssigner(),
		ledger:        NoopLedger{},
		metrics:       &NoOpMetricsCollector{},
		logger:        slog.Default(),
		registrations: make(map[*Registration]struct{}),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register ensures the topology for messageType and starts a delivery loop on
// the service queue. Each delivery is decoded into a new value of shape; a
// nil shape makes every delivery undecodable.
func (r *HandlerRegistry) Register(ctx context.Context, messageType string, shape reflect.Type, handler HandlerFunc) (*Registration, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if r.serviceName == "" {
		return nil, ErrServiceNameRequired
	}
	messageType = strings.ToLower(strings.TrimSpace(messageType))
	if messageType == "" {
		return nil, ErrMessageTypeRequired
	}
	if r.isClosed() {
		return nil, ErrRegistryClosed
	}
	if shape == nil {
		r.logger.Warn("handler registered without payload type; deliveries will be dropped", "messageType", messageType)
	}

	if err := r.topology.EnsureTopology(ctx, r.serviceName, messageType); err != nil {
		return nil, err
	}

	reg := &Registration{
		MessageType: messageType,
		Queue:       r.topology.QueueName(r.serviceName, messageType),
		shape:       shape,
		handler:     handler,
		registry:    r,
	}

	sub, err := r.subscriber.Subscribe(ctx, reg.Queue, func(ctx context.Context, d Delivery) {
		r.dispatch(ctx, reg, d)
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: subscribe to %s: %w", reg.Queue, err)
	}
	reg.sub = sub

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = sub.Stop()
		return nil, ErrRegistryClosed
	}
	r.registrations[reg] = struct{}{}
	r.mu.Unlock()

	r.metrics.RecordSubscribe(reg.Queue, messageType)
	r.logger.Info("handler registered", "queue", reg.Queue, "messageType", messageType)
	return reg, nil
}

// Registrations returns the active registrations
func (r *HandlerRegistry) Registrations() []*Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := make([]*Registration, 0, len(r.registrations))
	for reg := range r.registrations {
		regs = append(regs, reg)
	}
	return regs
}

// Close stops every registration and rejects new ones
func (r *HandlerRegistry) Close() error {
	r.mu.Lock()
	r.closed = true
	regs := make([]*Registration, 0, len(r.registrations))
	for reg := range r.registrations {
		regs = append(regs, reg)
	}
	r.mu.Unlock()

	var errs []error
	for _, reg := range regs {
		if err := reg.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *HandlerRegistry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *HandlerRegistry) forget(reg *Registration) {
	r.mu.Lock()
	delete(r.registrations, reg)
	r.mu.Unlock()
}

func (r *HandlerRegistry) dispatch(ctx context.Context, reg *Registration, d Delivery) {
	start := time.Now()

	payload, err := r.decode(reg.shape, d.Body)
	if err != nil {
		r.logger.Error("dropping undecodable message",
			"queue", reg.Queue,
			"messageType", reg.MessageType,
			"error", err,
			"payload", string(d.Body),
		)
		r.metrics.RecordMessage(reg.MessageType, time.Since(start), false, "decode")
		return
	}

	messageID := headerString(d.Headers, HeaderMessageID)
	if messageID == "" {
		messageID = requestIDOf(payload)
	}
	if messageID == "" {
		messageID = r.identity.NewID()
	}
	source := headerString(d.Headers, HeaderSourceService)
	if source == "" {
		source = UnknownService
	}

	// ledger writes must survive a Stop that lands while the handler runs
	ledgerCtx := context.WithoutCancel(ctx)
	r.recordInbox(ledgerCtx, InboxEntry{
		MessageID:     messageID,
		MessageType:   reg.MessageType,
		SourceService: source,
		Payload:       d.Body,
	})

	hctx := withMessageContext(ctx, MessageContext{
		MessageID:     messageID,
		MessageType:   reg.MessageType,
		SourceService: source,
		Queue:         reg.Queue,
		RoutingKey:    d.RoutingKey,
	})
	if err := invoke(hctx, reg, payload); err != nil {
		r.logger.Error("message handler failed",
			"queue", reg.Queue,
			"messageType", reg.MessageType,
			"messageId", messageID,
			"error", err,
			"payload", string(d.Body),
		)
		r.metrics.RecordMessage(reg.MessageType, time.Since(start), false, "handler")
		return
	}

	r.markProcessed(ledgerCtx, messageID)
	r.metrics.RecordMessage(reg.MessageType, time.Since(start), true, "")
}

// decode returns a value of shape. Pointer shapes yield a pointer to a fresh
// element so serializers that need a concrete target (protobuf) can fill it.
func (r *HandlerRegistry) decode(shape reflect.Type, body []byte) (any, error) {
	if shape == nil {
		return nil, errors.New("no payload type registered")
	}
	if shape.Kind() == reflect.Pointer {
		target := reflect.New(shape.Elem())
		if err := r.serializer.Decode(body, target.Interface()); err != nil {
			return nil, err
		}
		return target.Interface(), nil
	}
	target := reflect.New(shape)
	if err := r.serializer.Decode(body, target.Interface()); err != nil {
		return nil, err
	}
	return target.Elem().Interface(), nil
}

func invoke(ctx context.Context, reg *Registration, payload any) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &HandlerPanicError{MessageType: reg.MessageType, Value: v}
		}
	}()
	return reg.handler(ctx, payload)
}

func (r *HandlerRegistry) recordInbox(ctx context.Context, entry InboxEntry) {
	err := bestEffort(func() error { return r.ledger.RecordInbox(ctx, entry) })
	if err != nil {
		r.logger.Warn("failed to record inbox entry",
			"messageId", entry.MessageID,
			"messageType", entry.MessageType,
			"error", err,
		)
		r.metrics.RecordError("ledger", "inbox", err.Error())
	}
}

func (r *HandlerRegistry) markProcessed(ctx context.Context, messageID string) {
	err := bestEffort(func() error { return r.ledger.MarkInboxProcessed(ctx, messageID) })
	if err != nil {
		r.logger.Warn("failed to mark inbox entry processed", "messageId", messageID, "error", err)
		r.metrics.RecordError("ledger", "processed", err.Error())
	}
}
