// ABOUTME: Redis pub/sub notifier for multi-instance gateway deployments
// ABOUTME: Publishes in order per conversation on a bounded worker group and forwards subscribed messages locally

package conversation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRedisPrefix     = "convo:events"
	defaultRedisTimeout    = 2 * time.Second
	defaultRedisConcurrent = 32
	defaultRedisLaneQueue  = 256
)

// RedisPublisher is the subset of the go-redis client used for publishing
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisNotifierConfig configures a RedisNotifier
type RedisNotifierConfig struct {
	Prefix         string        // channel prefix; channel is "<prefix>:<conversation_id>"
	PublishTimeout time.Duration // per-PUBLISH deadline
	MaxInFlight    int           // conversations publishing at once before new ones are dropped
	MaxQueued      int           // payloads waiting behind one conversation's in-flight PUBLISH
}

// RedisNotifier publishes payloads to Redis so every gateway instance can
// push them to its own live subscribers. Payloads for one conversation are
// published one at a time in Publish order; different conversations publish
// concurrently up to MaxInFlight.
type RedisNotifier struct {
	client    RedisPublisher
	prefix    string
	timeout   time.Duration
	maxQueued int
	group     errgroup.Group
	metrics   *deliveryMetrics
	logger    *slog.Logger

	mu    sync.Mutex
	lanes map[string]*redisLane
}

// redisLane holds the payloads waiting for one conversation's drain worker
type redisLane struct {
	pending [][]byte
}

// NewRedisNotifier creates a notifier. Pass nil logger for default.
func NewRedisNotifier(client RedisPublisher, cfg RedisNotifierConfig, logger *slog.Logger) *RedisNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultRedisPrefix
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultRedisTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultRedisConcurrent
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = defaultRedisLaneQueue
	}

	n := &RedisNotifier{
		client:    client,
		prefix:    cfg.Prefix,
		timeout:   cfg.PublishTimeout,
		maxQueued: cfg.MaxQueued,
		metrics:   newDeliveryMetrics("redis"),
		logger:    logger.With("component", "redis_notifier"),
		lanes:     make(map[string]*redisLane),
	}
	n.group.SetLimit(cfg.MaxInFlight)
	return n
}

// Channel returns the Redis channel for a conversation
func (n *RedisNotifier) Channel(conversationID string) string {
	return n.prefix + ":" + conversationID
}

// Pattern returns the PSUBSCRIBE pattern matching every conversation channel
func (n *RedisNotifier) Pattern() string {
	return n.prefix + ":*"
}

// Publish queues payload behind earlier payloads for the same conversation
// and returns without waiting for Redis. The payload is dropped when the
// conversation's queue is full, or when MaxInFlight other conversations are
// already publishing.
func (n *RedisNotifier) Publish(ctx context.Context, conversationID string, payload []byte) {
	// The publish outlives the caller's request
	base := context.WithoutCancel(ctx)

	n.mu.Lock()
	if lane, ok := n.lanes[conversationID]; ok {
		if len(lane.pending) >= n.maxQueued {
			n.mu.Unlock()
			n.metrics.recordDropped(base)
			n.logger.Warn("redis publish dropped, conversation queue full",
				"conversation_id", conversationID)
			return
		}
		lane.pending = append(lane.pending, payload)
		n.mu.Unlock()
		return
	}

	lane := &redisLane{pending: [][]byte{payload}}
	started := n.group.TryGo(func() error {
		n.drain(base, conversationID, lane)
		return nil
	})
	if started {
		n.lanes[conversationID] = lane
	}
	n.mu.Unlock()

	if !started {
		n.metrics.recordDropped(base)
		n.logger.Warn("redis publish dropped, too many in flight",
			"conversation_id", conversationID)
	}
}

// drain publishes lane's payloads in order and retires the lane once empty
func (n *RedisNotifier) drain(ctx context.Context, conversationID string, lane *redisLane) {
	channel := n.Channel(conversationID)
	for {
		n.mu.Lock()
		if len(lane.pending) == 0 {
			delete(n.lanes, conversationID)
			n.mu.Unlock()
			return
		}
		payload := lane.pending[0]
		lane.pending[0] = nil
		lane.pending = lane.pending[1:]
		n.mu.Unlock()

		pubCtx, cancel := context.WithTimeout(ctx, n.timeout)
		err := n.client.Publish(pubCtx, channel, payload).Err()
		cancel()
		if err != nil {
			n.metrics.recordFailed(ctx)
			n.logger.Warn("redis publish failed",
				"conversation_id", conversationID,
				"channel", channel,
				"error", err)
			continue
		}
		n.metrics.recordDelivered(ctx)
	}
}

// Close waits for queued publishes to finish
func (n *RedisNotifier) Close() error {
	return n.group.Wait()
}

// Forward republishes every message received on msgs to local until ctx
// ends or msgs is closed. Messages on channels outside the prefix are ignored.
func (n *RedisNotifier) Forward(ctx context.Context, msgs <-chan *redis.Message, local Notifier) {
	prefix := n.prefix + ":"
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			conversationID, found := strings.CutPrefix(msg.Channel, prefix)
			if !found || conversationID == "" {
				n.logger.Debug("ignoring message on foreign channel", "channel", msg.Channel)
				continue
			}
			local.Publish(ctx, conversationID, []byte(msg.Payload))
		}
	}
}

// Subscribe pattern-subscribes to every conversation channel and forwards
// messages to local until ctx ends.
func (n *RedisNotifier) Subscribe(ctx context.Context, client *redis.Client, local Notifier) error {
	pubsub := client.PSubscribe(ctx, n.Pattern())
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reporting ready
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	n.logger.Info("subscribed to redis events", "pattern", n.Pattern())

	n.Forward(ctx, pubsub.Channel(), local)
	return nil
}
