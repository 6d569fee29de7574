package health

import (
	"context"
	"fmt"
	"time"
)

// DefaultQueueWarningDepth is the backlog above which a queue is degraded.
const DefaultQueueWarningDepth = 10000

// ConnectionReporter reports the broker connection state.
type ConnectionReporter interface {
	IsConnected() bool
}

// QueueInspector reports the backlog of a queue. Both broker transports
// implement it.
type QueueInspector interface {
	QueueDepth(ctx context.Context, queue string) (messages, consumers int, err error)
}

// Pinger checks a backing store. ledger.Recorder implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerChecker checks the broker connection
type BrokerChecker struct {
	broker ConnectionReporter
}

// NewBrokerChecker creates a new broker connection checker
func NewBrokerChecker(broker ConnectionReporter) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	connected := c.broker.IsConnected()
	result.Details["connected"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	}
	result.Duration = time.Since(start)
	return result
}

// QueueChecker checks that a queue exists and is not backed up
type QueueChecker struct {
	queueName    string
	inspector    QueueInspector
	warningDepth int
}

// NewQueueChecker creates a new queue health checker. A warningDepth of
// zero or less uses DefaultQueueWarningDepth.
func NewQueueChecker(queueName string, inspector QueueInspector, warningDepth int) *QueueChecker {
	if warningDepth <= 0 {
		warningDepth = DefaultQueueWarningDepth
	}
	return &QueueChecker{
		queueName:    queueName,
		inspector:    inspector,
		warningDepth: warningDepth,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	messages, consumers, err := c.inspector.QueueDepth(ctx, c.queueName)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		return result
	}

	result.Details["queue_name"] = c.queueName
	result.Details["message_count"] = messages
	result.Details["consumer_count"] = consumers

	if messages > c.warningDepth {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queueName)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	return result
}

// LedgerChecker checks the inbox/outbox store
type LedgerChecker struct {
	store  Pinger
	schema string
}

// NewLedgerChecker creates a ledger checker. schema is reported in the details.
func NewLedgerChecker(store Pinger, schema string) *LedgerChecker {
	return &LedgerChecker{store: store, schema: schema}
}

func (c *LedgerChecker) Name() string {
	return "ledger"
}

func (c *LedgerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"schema": c.schema},
	}

	err := c.store.Ping(ctx)
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Ledger store unreachable"
		result.Error = err.Error()
		return result
	}
	result.Status = StatusHealthy
	result.Message = "Ledger store is reachable"
	return result
}
