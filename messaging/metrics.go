package messaging

import (
	"time"
)

// MetricsCollector receives publish and consume measurements
type MetricsCollector interface {
	// RecordPublish records a publish attempt
	RecordPublish(messageType string, exchange string, duration time.Duration, success bool)

	// RecordMessage records the outcome of one delivery
	RecordMessage(messageType string, duration time.Duration, success bool, errorType string)

	// RecordSubscribe records a started delivery loop
	RecordSubscribe(queue string, messageType string)

	// RecordUnsubscribe records a stopped delivery loop
	RecordUnsubscribe(queue string, messageType string)

	// RecordError records a swallowed error
	RecordError(component string, errorType string, message string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (n *NoOpMetricsCollector) RecordPublish(messageType string, exchange string, duration time.Duration, success bool) {
}

// RecordMessage does nothing
func (n *NoOpMetricsCollector) RecordMessage(messageType string, duration time.Duration, success bool, errorType string) {
}

// RecordSubscribe does nothing
func (n *NoOpMetricsCollector) RecordSubscribe(queue string, messageType string) {}

// RecordUnsubscribe does nothing
func (n *NoOpMetricsCollector) RecordUnsubscribe(queue string, messageType string) {}

// RecordError does nothing
func (n *NoOpMetricsCollector) RecordError(component string, errorType string, message string) {}
