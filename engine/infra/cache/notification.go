package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sinas-platform/sinas/engine/core"
)

// ResultEvent announces that an execution left the queue-visible
// phase: it reached a terminal status or suspended for input. Payloads
// stay small; waiters re-read the full record from Postgres.
type ResultEvent struct {
	ExecID    core.ID         `json:"exec_id"`
	Status    core.StatusType `json:"status"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ResultBus fans execution completion events out to synchronous
// waiters. The channel space is keyed per execution so a waiter only
// sees its own event.
type ResultBus interface {
	PublishResult(ctx context.Context, event *ResultEvent) error
	SubscribeResult(ctx context.Context, execID core.ID) (<-chan ResultEvent, func(), error)
	Close() error
}

// NotificationMetrics tracks pub/sub operation counters.
type NotificationMetrics struct {
	mu                sync.RWMutex
	MessagesPublished int64 `json:"messages_published"`
	MessagesReceived  int64 `json:"messages_received"`
	PublishErrors     int64 `json:"publish_errors"`
	SubscribeErrors   int64 `json:"subscribe_errors"`
	ActiveChannels    int   `json:"active_channels"`
	DroppedMessages   int64 `json:"dropped_messages"`
}

// RedisResultBus implements ResultBus over Redis pub/sub.
type RedisResultBus struct {
	client     RedisInterface
	metrics    *NotificationMetrics
	closeCh    chan struct{}
	wg         sync.WaitGroup
	closed     bool
	mu         sync.Mutex
	bufferSize int
}

const DefaultNotificationBufferSize = 16

// ResultChannel returns the pub/sub channel name for an execution.
func ResultChannel(execID core.ID) string {
	return fmt.Sprintf("exec:done:%s", execID)
}

// NewRedisResultBus creates a Redis-backed result bus.
func NewRedisResultBus(client RedisInterface, config *Config) (*RedisResultBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	bufferSize := DefaultNotificationBufferSize
	if config != nil && config.NotificationBufferSize > 0 {
		bufferSize = config.NotificationBufferSize
	}
	return &RedisResultBus{
		client:     client,
		metrics:    &NotificationMetrics{},
		closeCh:    make(chan struct{}),
		bufferSize: bufferSize,
	}, nil
}

// PublishResult announces the event on the execution's channel.
// Publishing to a channel nobody subscribed to is a no-op, so
// fire-and-forget executions cost nothing here.
func (b *RedisResultBus) PublishResult(ctx context.Context, event *ResultEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		b.recordPublishError()
		return fmt.Errorf("marshaling result event: %w", err)
	}
	if err := b.client.Publish(ctx, ResultChannel(event.ExecID), payload).Err(); err != nil {
		b.recordPublishError()
		return fmt.Errorf("publishing result event: %w", err)
	}
	b.metrics.mu.Lock()
	b.metrics.MessagesPublished++
	b.metrics.mu.Unlock()
	return nil
}

// SubscribeResult opens a subscription for one execution's event. The
// subscription is confirmed before this returns, so a caller that
// subscribes before enqueueing can never miss the completion. The
// returned cancel func must be called to release the subscription.
func (b *RedisResultBus) SubscribeResult(
	ctx context.Context,
	execID core.ID,
) (<-chan ResultEvent, func(), error) {
	pubsub := b.client.Subscribe(ctx, ResultChannel(execID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		b.metrics.mu.Lock()
		b.metrics.SubscribeErrors++
		b.metrics.mu.Unlock()
		return nil, nil, fmt.Errorf("confirming result subscription: %w", err)
	}
	events := make(chan ResultEvent, b.bufferSize)
	done := make(chan struct{})
	b.metrics.mu.Lock()
	b.metrics.ActiveChannels++
	b.metrics.mu.Unlock()
	b.wg.Add(1)
	go b.receiveEvents(ctx, pubsub, events, done)
	var cancelOnce sync.Once
	cancel := func() {
		cancelOnce.Do(func() { close(done) })
	}
	return events, cancel, nil
}

// Close shuts down the bus and waits for receiver goroutines.
func (b *RedisResultBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closeCh)
	b.wg.Wait()
	return nil
}

// GetMetrics returns a snapshot of the counters.
func (b *RedisResultBus) GetMetrics() NotificationMetrics {
	b.metrics.mu.RLock()
	defer b.metrics.mu.RUnlock()
	return NotificationMetrics{
		MessagesPublished: b.metrics.MessagesPublished,
		MessagesReceived:  b.metrics.MessagesReceived,
		PublishErrors:     b.metrics.PublishErrors,
		SubscribeErrors:   b.metrics.SubscribeErrors,
		ActiveChannels:    b.metrics.ActiveChannels,
		DroppedMessages:   b.metrics.DroppedMessages,
	}
}

func (b *RedisResultBus) receiveEvents(
	ctx context.Context,
	pubsub *redis.PubSub,
	events chan<- ResultEvent,
	done <-chan struct{},
) {
	defer b.wg.Done()
	defer close(events)
	defer pubsub.Close()
	defer b.decrementActiveChannels()
	ch := pubsub.Channel()
	for {
		select {
		case <-b.closeCh:
			return
		case <-done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleIncomingMessage(events, msg)
		}
	}
}

func (b *RedisResultBus) decrementActiveChannels() {
	b.metrics.mu.Lock()
	b.metrics.ActiveChannels--
	b.metrics.mu.Unlock()
}

func (b *RedisResultBus) handleIncomingMessage(events chan<- ResultEvent, msg *redis.Message) {
	var event ResultEvent
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		b.recordDroppedMessage()
		return
	}
	select {
	case events <- event:
		b.recordMessageReceived()
	default:
		b.recordDroppedMessage()
	}
}

func (b *RedisResultBus) recordPublishError() {
	b.metrics.mu.Lock()
	b.metrics.PublishErrors++
	b.metrics.mu.Unlock()
}

func (b *RedisResultBus) recordMessageReceived() {
	b.metrics.mu.Lock()
	b.metrics.MessagesReceived++
	b.metrics.mu.Unlock()
}

func (b *RedisResultBus) recordDroppedMessage() {
	b.metrics.mu.Lock()
	b.metrics.DroppedMessages++
	b.metrics.mu.Unlock()
}
