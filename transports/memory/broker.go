// Package memory provides an in-process messaging.Broker with RabbitMQ topic
// semantics. It backs tests and the memory:// broker URL.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/glimte/zula-go/messaging"
)

var (
	ErrClosed            = errors.New("memory broker: closed")
	ErrExchangeNotFound  = errors.New("memory broker: exchange not found")
	ErrQueueNotFound     = errors.New("memory broker: queue not found")
	ErrQueueFull         = errors.New("memory broker: queue full")
	ErrDeclareMismatch   = errors.New("memory broker: declaration does not match existing entity")
	ErrExclusiveConsumer = errors.New("memory broker: queue is exclusive and already consumed")
)

const defaultQueueCapacity = 4096

type exchange struct {
	opts     messaging.ExchangeOptions
	bindings []binding
}

type binding struct {
	queue   string
	pattern string
}

type queue struct {
	opts      messaging.QueueOptions
	ch        chan messaging.Delivery
	consumers int
}

// Broker is an in-memory broker. Sends route synchronously into queue buffers
// and each subscription drains its queue on its own goroutine.
type Broker struct {
	mu        sync.RWMutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	subs      map[*subscription]struct{}
	capacity  int
	closed    bool
	logger    *slog.Logger
}

var _ messaging.Broker = (*Broker)(nil)

// Option configures the broker
type Option func(*Broker)

// WithQueueCapacity sets how many undelivered messages a queue buffers
func WithQueueCapacity(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBroker creates an empty broker
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		subs:      make(map[*subscription]struct{}),
		capacity:  defaultQueueCapacity,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) DeclareExchange(_ context.Context, name string, opts messaging.ExchangeOptions) error {
	if opts.Kind == "" {
		opts.Kind = messaging.ExchangeKindTopic
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.opts != opts {
			return fmt.Errorf("%w: exchange %s", ErrDeclareMismatch, name)
		}
		return nil
	}
	b.exchanges[name] = &exchange{opts: opts}
	return nil
}

func (b *Broker) DeclareQueue(_ context.Context, name string, opts messaging.QueueOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if q, ok := b.queues[name]; ok {
		if q.opts != opts {
			return fmt.Errorf("%w: queue %s", ErrDeclareMismatch, name)
		}
		return nil
	}
	b.queues[name] = &queue{opts: opts, ch: make(chan messaging.Delivery, b.capacity)}
	return nil
}

func (b *Broker) BindQueue(_ context.Context, queueName, exchangeName, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, exchangeName)
	}
	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	for _, bd := range ex.bindings {
		if bd.queue == queueName && bd.pattern == pattern {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: queueName, pattern: pattern})
	return nil
}

// Send routes msg to every queue bound with a matching pattern. A message
// matching no binding is dropped, as an unroutable non-mandatory publish is.
func (b *Broker) Send(_ context.Context, exchangeName, routingKey string, msg messaging.Outbound) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, exchangeName)
	}

	delivered := make(map[string]bool)
	for _, bd := range ex.bindings {
		if delivered[bd.queue] || !TopicMatch(bd.pattern, routingKey) {
			continue
		}
		q := b.queues[bd.queue]
		select {
		case q.ch <- toDelivery(msg, routingKey):
			delivered[bd.queue] = true
		default:
			return fmt.Errorf("%w: %s", ErrQueueFull, bd.queue)
		}
	}
	if len(delivered) == 0 {
		b.logger.Debug("message unroutable", "exchange", exchangeName, "routingKey", routingKey)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, queueName string, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	if q.opts.Exclusive && q.consumers > 0 {
		return nil, fmt.Errorf("%w: %s", ErrExclusiveConsumer, queueName)
	}
	q.consumers++

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		broker: b,
		queue:  queueName,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	go sub.run(loopCtx, q.ch, handler)
	return sub, nil
}

// QueueDepth reports buffered messages and active consumers of a queue
func (b *Broker) QueueDepth(_ context.Context, queueName string) (messages, consumers int, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	return len(q.ch), q.consumers, nil
}

// Queues lists declared queue names
func (b *Broker) Queues() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// IsConnected reports whether the broker is still open
func (b *Broker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close stops every subscription. Later calls fail with ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Stop()
	}
	return nil
}

func (b *Broker) forget(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	if q, ok := b.queues[sub.queue]; ok && q.consumers > 0 {
		q.consumers--
	}
}

type subscription struct {
	broker *Broker
	queue  string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// run cancels only the receive loop on Stop; a delivery already handed to
// handler runs to completion on a context Stop does not cancel.
func (s *subscription) run(ctx context.Context, ch <-chan messaging.Delivery, handler messaging.DeliveryHandler) {
	defer close(s.done)
	handlerCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-ch:
			handler(handlerCtx, d)
		}
	}
}

func (s *subscription) Stop() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.broker.forget(s)
	})
	return nil
}

func toDelivery(msg messaging.Outbound, routingKey string) messaging.Delivery {
	headers := make(map[string]any, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if _, ok := headers[messaging.HeaderMessageID]; !ok && msg.MessageID != "" {
		headers[messaging.HeaderMessageID] = msg.MessageID
	}
	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)
	return messaging.Delivery{
		Body:        body,
		ContentType: msg.ContentType,
		RoutingKey:  routingKey,
		Headers:     headers,
	}
}

// TopicMatch reports whether routingKey matches an AMQP topic pattern, where
// "*" matches exactly one word and "#" matches zero or more.
func TopicMatch(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
