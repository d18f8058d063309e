// ABOUTME: In-memory fan-out broadcaster for live conversation events
// ABOUTME: Each subscription has a bounded queue drained by its own delivery worker

package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

const (
	// subscriberBufferSize is the queue depth for each subscriber.
	subscriberBufferSize = 64

	defaultDeliveryTimeout = 5 * time.Second
	defaultMaxSubscribers  = 1024
)

// ErrTooManySubscribers is returned by Subscribe when the worker limit is reached
var ErrTooManySubscribers = errors.New("too many subscribers")

// ErrBroadcasterClosed is returned by Subscribe after Close
var ErrBroadcasterClosed = errors.New("broadcaster closed")

// BroadcasterOption configures an EventBroadcaster
type BroadcasterOption func(*EventBroadcaster)

// WithMaxSubscribers bounds the number of concurrent subscriptions (and
// therefore delivery workers). Zero or negative keeps the default.
func WithMaxSubscribers(n int) BroadcasterOption {
	return func(b *EventBroadcaster) {
		if n > 0 {
			b.maxSubscribers = n
		}
	}
}

// WithDeliveryTimeout bounds each Sink.Deliver call
func WithDeliveryTimeout(d time.Duration) BroadcasterOption {
	return func(b *EventBroadcaster) {
		if d > 0 {
			b.deliveryTimeout = d
		}
	}
}

// WithQueueSize sets the per-subscription queue depth
func WithQueueSize(n int) BroadcasterOption {
	return func(b *EventBroadcaster) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

type subscription struct {
	id             string
	conversationID string
	sink           Sink
	queue          chan []byte
	parent         context.Context // the subscriber's context
	ctx            context.Context // cancelled when the subscription ends
	cancel         context.CancelFunc
}

// EventBroadcaster provides in-memory pub/sub for persisted events.
// Subscribers register a Sink for a conversation and receive each published
// payload in publish order. A slow or failing subscriber only loses its own
// messages; the publisher and other subscribers are unaffected.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscription // conversationID -> subID -> sub
	count       int
	closed      bool

	maxSubscribers  int
	deliveryTimeout time.Duration
	queueSize       int

	workers conc.WaitGroup
	metrics *deliveryMetrics
	logger  *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger, opts ...BroadcasterOption) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &EventBroadcaster{
		subscribers:     make(map[string]map[string]*subscription),
		maxSubscribers:  defaultMaxSubscribers,
		deliveryTimeout: defaultDeliveryTimeout,
		queueSize:       subscriberBufferSize,
		metrics:         newDeliveryMetrics("broadcaster"),
		logger:          logger.With("component", "broadcaster"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers sink for events on the given conversation and returns
// a subscription ID for later unsubscription. The subscription is cleaned up
// automatically when ctx is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, conversationID string, sink Sink) (string, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:             uuid.New().String(),
		conversationID: conversationID,
		sink:           sink,
		queue:          make(chan []byte, b.queueSize),
		parent:         ctx,
		ctx:            subCtx,
		cancel:         cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return "", ErrBroadcasterClosed
	}
	if b.count >= b.maxSubscribers {
		b.mu.Unlock()
		cancel()
		return "", ErrTooManySubscribers
	}
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]*subscription)
	}
	b.subscribers[conversationID][sub.id] = sub
	b.count++
	b.workers.Go(func() { b.run(sub) })
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", sub.id)

	return sub.id, nil
}

// Publish queues payload for every subscriber of the conversation.
// Non-blocking: a subscriber whose queue is full loses this payload.
func (b *EventBroadcaster) Publish(ctx context.Context, conversationID string, payload []byte) {
	b.mu.RLock()
	subs, ok := b.subscribers[conversationID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy targets under read lock to avoid holding lock during sends
	targets := make([]*subscription, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.queue <- payload:
		default:
			b.metrics.recordDropped(ctx)
			b.logger.Warn("dropped event for slow subscriber",
				"conversation_id", conversationID,
				"sub_id", sub.id)
		}
	}
}

// run drains one subscription's queue until the subscription ends or the
// subscriber's context is cancelled
func (b *EventBroadcaster) run(sub *subscription) {
	defer func() {
		if c, ok := sub.sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				b.logger.Debug("closing sink", "sub_id", sub.id, "error", err)
			}
		}
	}()

	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-sub.parent.Done():
			b.Unsubscribe(sub.conversationID, sub.id)
			return
		case payload := <-sub.queue:
			b.deliver(sub, payload)
		}
	}
}

func (b *EventBroadcaster) deliver(sub *subscription, payload []byte) {
	ctx, cancel := context.WithTimeout(sub.ctx, b.deliveryTimeout)
	defer cancel()

	if err := sub.sink.Deliver(ctx, payload); err != nil {
		if sub.ctx.Err() != nil {
			return
		}
		b.metrics.recordFailed(ctx)
		b.logger.Warn("event delivery failed",
			"conversation_id", sub.conversationID,
			"sub_id", sub.id,
			"error", err)
		return
	}
	b.metrics.recordDelivered(ctx)
}

// Unsubscribe removes a subscription and stops its worker. The sink is
// closed once any in-flight delivery returns.
func (b *EventBroadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	subs, ok := b.subscribers[conversationID]
	if !ok {
		b.mu.Unlock()
		return
	}
	sub, exists := subs[subID]
	if !exists {
		b.mu.Unlock()
		return
	}

	delete(subs, subID)
	b.count--

	// Clean up empty conversation entries
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}
	b.mu.Unlock()

	sub.cancel()

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// SubscriberCount returns the number of active subscriptions for a conversation
func (b *EventBroadcaster) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// Close ends every subscription and waits for the delivery workers to exit.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	var all []*subscription
	for convID, subs := range b.subscribers {
		for subID, sub := range subs {
			all = append(all, sub)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}
	b.count = 0
	b.mu.Unlock()

	for _, sub := range all {
		sub.cancel()
	}
	b.workers.Wait()

	b.logger.Debug("broadcaster closed")
}
