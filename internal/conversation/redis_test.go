package conversation

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	channel string
	payload []byte
}

// fakePublisher records PUBLISH calls and can be made to fail, block or
// take a random amount of time
type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	calls    int
	err      error
	block    chan struct{}
	jitter   time.Duration
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.jitter > 0 {
		time.Sleep(rand.N(f.jitter))
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return redis.NewIntResult(0, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.messages = append(f.messages, publishedMessage{channel: channel, payload: message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func (f *fakePublisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakePublisher) published() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMessage(nil), f.messages...)
}

func TestRedisNotifier_PublishesToConversationChannel(t *testing.T) {
	pub := &fakePublisher{}
	n := NewRedisNotifier(pub, RedisNotifierConfig{Prefix: "test"}, nil)

	n.Publish(t.Context(), "c1", []byte(`{"id":1}`))
	require.NoError(t, n.Close())

	msgs := pub.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "test:c1", msgs[0].channel)
	assert.Equal(t, `{"id":1}`, string(msgs[0].payload))
}

func TestRedisNotifier_DefaultPrefix(t *testing.T) {
	n := NewRedisNotifier(&fakePublisher{}, RedisNotifierConfig{}, nil)

	assert.Equal(t, "convo:events:abc", n.Channel("abc"))
	assert.Equal(t, "convo:events:*", n.Pattern())
}

func TestRedisNotifier_FailureIsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	n := NewRedisNotifier(pub, RedisNotifierConfig{}, nil)

	n.Publish(t.Context(), "c1", []byte("x"))
	assert.NoError(t, n.Close())
	assert.Empty(t, pub.published())
}

func TestRedisNotifier_DropsWhenSaturated(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	n := NewRedisNotifier(pub, RedisNotifierConfig{MaxInFlight: 1, PublishTimeout: time.Second}, nil)

	n.Publish(t.Context(), "c1", []byte("first"))
	require.Eventually(t, func() bool { return pub.callCount() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		// Queued behind c1's in-flight publish
		n.Publish(t.Context(), "c1", []byte("second"))
		// No worker slot left for another conversation
		n.Publish(t.Context(), "c2", []byte("other"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked while saturated")
	}

	close(pub.block)
	require.NoError(t, n.Close())

	msgs := pub.published()
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", string(msgs[0].payload))
	assert.Equal(t, "second", string(msgs[1].payload))
}

func TestRedisNotifier_DropsWhenConversationQueueFull(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	n := NewRedisNotifier(pub, RedisNotifierConfig{MaxQueued: 1, PublishTimeout: time.Second}, nil)

	n.Publish(t.Context(), "c1", []byte("first"))
	require.Eventually(t, func() bool { return pub.callCount() == 1 }, time.Second, 5*time.Millisecond)

	n.Publish(t.Context(), "c1", []byte("second"))
	n.Publish(t.Context(), "c1", []byte("third"))

	close(pub.block)
	require.NoError(t, n.Close())

	msgs := pub.published()
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", string(msgs[1].payload))
}

func TestRedisNotifier_PreservesOrderPerConversation(t *testing.T) {
	pub := &fakePublisher{jitter: 4 * time.Millisecond}
	n := NewRedisNotifier(pub, RedisNotifierConfig{Prefix: "p"}, nil)

	const count = 20
	for i := range count {
		n.Publish(t.Context(), "c1", []byte(strconv.Itoa(i)))
		n.Publish(t.Context(), "c2", []byte(strconv.Itoa(i)))
	}
	require.NoError(t, n.Close())

	byChannel := map[string][]string{}
	for _, m := range pub.published() {
		byChannel[m.channel] = append(byChannel[m.channel], string(m.payload))
	}

	want := make([]string, count)
	for i := range want {
		want[i] = strconv.Itoa(i)
	}
	assert.Equal(t, want, byChannel["p:c1"])
	assert.Equal(t, want, byChannel["p:c2"])
}

func TestRedisNotifier_LaneRetiresWhenDrained(t *testing.T) {
	pub := &fakePublisher{}
	n := NewRedisNotifier(pub, RedisNotifierConfig{MaxInFlight: 1}, nil)

	n.Publish(t.Context(), "c1", []byte("a"))
	require.NoError(t, n.Close())

	n.mu.Lock()
	assert.Empty(t, n.lanes)
	n.mu.Unlock()

	// The slot is free again for another conversation
	n.Publish(t.Context(), "c2", []byte("b"))
	require.NoError(t, n.Close())
	assert.Len(t, pub.published(), 2)
}

func TestRedisNotifier_OutlivesCallerContext(t *testing.T) {
	pub := &fakePublisher{}
	n := NewRedisNotifier(pub, RedisNotifierConfig{}, nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	n.Publish(ctx, "c1", []byte("late"))
	require.NoError(t, n.Close())

	assert.Len(t, pub.published(), 1)
}

func TestRedisNotifier_ForwardRepublishesLocally(t *testing.T) {
	n := NewRedisNotifier(&fakePublisher{}, RedisNotifierConfig{Prefix: "p"}, nil)
	local := NewEventBroadcaster(nil)
	defer local.Close()

	sink := NewChannelSink(4)
	_, err := local.Subscribe(t.Context(), "c1", sink)
	require.NoError(t, err)

	msgs := make(chan *redis.Message, 3)
	msgs <- &redis.Message{Channel: "other:c1", Payload: "ignored"}
	msgs <- &redis.Message{Channel: "p:c1", Payload: `{"id":3}`}
	msgs <- &redis.Message{Channel: "p:", Payload: "empty conversation"}
	close(msgs)

	n.Forward(t.Context(), msgs, local)

	assert.Equal(t, `{"id":3}`, string(receive(t, sink.C())))
	select {
	case extra := <-sink.C():
		t.Fatalf("unexpected forwarded payload %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}
