// ABOUTME: Notifier and Sink contracts for best-effort live event fan-out
// ABOUTME: Also holds the fan-out combinator and the OpenTelemetry delivery counters

package conversation

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Notifier publishes a serialized event to whoever is listening on a
// conversation. Publish never blocks on subscriber I/O and never fails:
// delivery problems are logged and counted, not returned.
type Notifier interface {
	Publish(ctx context.Context, conversationID string, payload []byte)
}

// Sink receives the payloads delivered to one subscription. Deliver is
// called from a single goroutine, one payload at a time, in publish order.
// A Sink that also implements io.Closer is closed when its subscription ends.
type Sink interface {
	Deliver(ctx context.Context, payload []byte) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, payload []byte) error

// Deliver calls f
func (f SinkFunc) Deliver(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// ChannelSink delivers payloads onto a channel for callers that prefer to
// range over events. The channel is closed when the subscription ends.
type ChannelSink struct {
	ch chan []byte
}

// NewChannelSink creates a ChannelSink with the given buffer size
func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{ch: make(chan []byte, size)}
}

// C returns the receive side of the sink
func (s *ChannelSink) C() <-chan []byte {
	return s.ch
}

// Deliver blocks until the payload is buffered or ctx ends
func (s *ChannelSink) Deliver(ctx context.Context, payload []byte) error {
	select {
	case s.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the channel
func (s *ChannelSink) Close() error {
	close(s.ch)
	return nil
}

var _ io.Closer = (*ChannelSink)(nil)

// MultiNotifier publishes to several notifiers in order
type MultiNotifier []Notifier

// Publish forwards to every notifier
func (m MultiNotifier) Publish(ctx context.Context, conversationID string, payload []byte) {
	for _, n := range m {
		n.Publish(ctx, conversationID, payload)
	}
}

// NopNotifier discards everything
type NopNotifier struct{}

// Publish does nothing
func (NopNotifier) Publish(context.Context, string, []byte) {}

const meterName = "github.com/2389/convo-gateway/internal/conversation"

// deliveryMetrics counts fan-out outcomes for one notifier implementation
type deliveryMetrics struct {
	delivered metric.Int64Counter
	dropped   metric.Int64Counter
	failed    metric.Int64Counter
	attrs     metric.MeasurementOption
}

func newDeliveryMetrics(notifier string) *deliveryMetrics {
	meter := otel.Meter(meterName)
	return &deliveryMetrics{
		delivered: counter(meter, "convo.notifier.delivered", "Payloads handed to a subscriber or broker"),
		dropped:   counter(meter, "convo.notifier.dropped", "Payloads discarded because a queue or worker pool was full"),
		failed:    counter(meter, "convo.notifier.failed", "Deliveries that returned an error or timed out"),
		attrs:     metric.WithAttributes(attribute.String("notifier", notifier)),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func (m *deliveryMetrics) recordDelivered(ctx context.Context) { m.delivered.Add(ctx, 1, m.attrs) }
func (m *deliveryMetrics) recordDropped(ctx context.Context)   { m.dropped.Add(ctx, 1, m.attrs) }
func (m *deliveryMetrics) recordFailed(ctx context.Context)    { m.failed.Add(ctx, 1, m.attrs) }
