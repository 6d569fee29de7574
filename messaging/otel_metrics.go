package messaging

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultMeterName is the instrumentation scope used by NewOTelMetrics.
const DefaultMeterName = "github.com/glimte/zula-go/messaging"

// OTelMetrics is a MetricsCollector backed by OpenTelemetry instruments.
type OTelMetrics struct {
	published     metric.Int64Counter
	publishTime   metric.Float64Histogram
	processed     metric.Int64Counter
	handleTime    metric.Float64Histogram
	subscriptions metric.Int64UpDownCounter
	errors        metric.Int64Counter
}

var _ MetricsCollector = (*OTelMetrics)(nil)

// NewOTelMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	if meter == nil {
		meter = otel.Meter(DefaultMeterName)
	}

	m := &OTelMetrics{}
	var err error

	m.published, err = meter.Int64Counter(
		"zula.messages.published",
		metric.WithDescription("Messages handed to the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create published counter: %w", err)
	}

	m.publishTime, err = meter.Float64Histogram(
		"zula.publish.duration",
		metric.WithDescription("Broker send latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publish duration histogram: %w", err)
	}

	m.processed, err = meter.Int64Counter(
		"zula.messages.processed",
		metric.WithDescription("Deliveries handled, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processed counter: %w", err)
	}

	m.handleTime, err = meter.Float64Histogram(
		"zula.handler.duration",
		metric.WithDescription("Time from delivery to handler completion"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handler duration histogram: %w", err)
	}

	m.subscriptions, err = meter.Int64UpDownCounter(
		"zula.subscriptions.active",
		metric.WithDescription("Running delivery loops"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptions counter: %w", err)
	}

	m.errors, err = meter.Int64Counter(
		"zula.errors",
		metric.WithDescription("Errors logged and swallowed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errors counter: %w", err)
	}

	return m, nil
}

func (m *OTelMetrics) RecordPublish(messageType string, exchange string, duration time.Duration, success bool) {
	attrs := metric.WithAttributes(
		attribute.String("message_type", messageType),
		attribute.String("exchange", exchange),
		attribute.String("outcome", outcome(success)),
	)
	ctx := context.Background()
	m.published.Add(ctx, 1, attrs)
	m.publishTime.Record(ctx, millis(duration), attrs)
}

func (m *OTelMetrics) RecordMessage(messageType string, duration time.Duration, success bool, errorType string) {
	attrs := metric.WithAttributes(
		attribute.String("message_type", messageType),
		attribute.String("outcome", outcome(success)),
		attribute.String("error_type", errorType),
	)
	ctx := context.Background()
	m.processed.Add(ctx, 1, attrs)
	m.handleTime.Record(ctx, millis(duration), attrs)
}

func (m *OTelMetrics) RecordSubscribe(queue string, messageType string) {
	m.subscriptions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("message_type", messageType),
	))
}

func (m *OTelMetrics) RecordUnsubscribe(queue string, messageType string) {
	m.subscriptions.Add(context.Background(), -1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("message_type", messageType),
	))
}

func (m *OTelMetrics) RecordError(component string, errorType string, message string) {
	m.errors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("error_type", errorType),
	))
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
