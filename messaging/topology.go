package messaging

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// BindingPattern binds every service queue to all routing keys of its exchange.
const BindingPattern = "#"

// TopologyOptions controls naming and queue declaration
type TopologyOptions struct {
	AutoCreateQueues bool
	QueuePrefix      string
	ExchangeSuffix   string
	DurableQueues    bool
	ExclusiveQueues  bool
	AutoDeleteQueues bool
}

// DefaultTopologyOptions returns the standard zula naming scheme
func DefaultTopologyOptions() TopologyOptions {
	return TopologyOptions{
		AutoCreateQueues: true,
		QueuePrefix:      "zula",
		ExchangeSuffix:   "-exchange",
		DurableQueues:    true,
		ExclusiveQueues:  false,
		AutoDeleteQueues: false,
	}
}

// TopologyManager derives exchange and queue names and declares each name at
// most once per instance. The broker remains the source of truth; the
// declared sets only avoid redundant round trips.
type TopologyManager struct {
	declarer  Declarer
	opts      TopologyOptions
	logger    *slog.Logger
	mu        sync.Mutex
	exchanges map[string]struct{}
	queues    map[string]struct{}
}

// TopologyOption configures the TopologyManager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		if logger != nil {
			tm.logger = logger
		}
	}
}

// NewTopologyManager creates a topology manager
func NewTopologyManager(declarer Declarer, opts TopologyOptions, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		declarer:  declarer,
		opts:      opts,
		logger:    slog.Default(),
		exchanges: make(map[string]struct{}),
		queues:    make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(tm)
	}
	return tm
}

// Options returns the naming options in use
func (tm *TopologyManager) Options() TopologyOptions {
	return tm.opts
}

// ExchangeName returns the exchange for a message type
func (tm *TopologyManager) ExchangeName(messageType string) string {
	return strings.ToLower(messageType) + tm.opts.ExchangeSuffix
}

// QueueName returns the queue a service consumes a message type from
func (tm *TopologyManager) QueueName(serviceName, messageType string) string {
	name := strings.ToLower(serviceName) + "." + strings.ToLower(messageType)
	if tm.opts.QueuePrefix == "" {
		return name
	}
	return tm.opts.QueuePrefix + "." + name
}

// EnsureTopology declares the exchange and queue for (serviceName, messageType)
// unless this instance has already declared them. It is a no-op when
// AutoCreateQueues is disabled.
func (tm *TopologyManager) EnsureTopology(ctx context.Context, serviceName, messageType string) error {
	if !tm.opts.AutoCreateQueues {
		return nil
	}

	exchange := tm.ExchangeName(messageType)
	queue := tm.QueueName(serviceName, messageType)

	// Held across the broker round trip so concurrent first use declares once.
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, ok := tm.exchanges[exchange]; !ok {
		err := tm.declarer.DeclareExchange(ctx, exchange, ExchangeOptions{
			Kind:       ExchangeKindTopic,
			Durable:    true,
			AutoDelete: false,
		})
		if err != nil {
			return &TopologyError{Component: "exchange", Name: exchange, Op: "declare", Err: err}
		}
		tm.exchanges[exchange] = struct{}{}
		tm.logger.Info("declared exchange", "exchange", exchange, "messageType", messageType)
	}

	if _, ok := tm.queues[queue]; !ok {
		err := tm.declarer.DeclareQueue(ctx, queue, QueueOptions{
			Durable:    tm.opts.DurableQueues,
			Exclusive:  tm.opts.ExclusiveQueues,
			AutoDelete: tm.opts.AutoDeleteQueues,
		})
		if err != nil {
			return &TopologyError{Component: "queue", Name: queue, Op: "declare", Err: err}
		}
		if err := tm.declarer.BindQueue(ctx, queue, exchange, BindingPattern); err != nil {
			return &TopologyError{Component: "binding", Name: queue, Op: "bind", Err: err}
		}
		tm.queues[queue] = struct{}{}
		tm.logger.Info("declared queue", "queue", queue, "exchange", exchange, "service", serviceName)
	}

	return nil
}

// DeclaredQueues returns the queues this instance has declared, sorted
func (tm *TopologyManager) DeclaredQueues() []string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return sortedKeys(tm.queues)
}

// DeclaredExchanges returns the exchanges this instance has declared, sorted
func (tm *TopologyManager) DeclaredExchanges() []string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return sortedKeys(tm.exchanges)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
