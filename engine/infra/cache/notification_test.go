package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sinas-platform/sinas/engine/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *RedisResultBus {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	bus, err := NewRedisResultBus(client, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestRedisResultBus_PublishResult(t *testing.T) {
	t.Run("Should publish into the void without error", func(t *testing.T) {
		bus := newTestBus(t)
		err := bus.PublishResult(context.Background(), &ResultEvent{
			ExecID:    core.MustNewID(),
			Status:    core.StatusCompleted,
			Timestamp: time.Now().UTC(),
		})
		assert.NoError(t, err)
		assert.Equal(t, int64(1), bus.GetMetrics().MessagesPublished)
	})
}

func TestRedisResultBus_SubscribeResult(t *testing.T) {
	t.Run("Should deliver the event for the subscribed execution", func(t *testing.T) {
		bus := newTestBus(t)
		ctx := context.Background()
		execID := core.MustNewID()
		events, cancel, err := bus.SubscribeResult(ctx, execID)
		require.NoError(t, err)
		defer cancel()
		err = bus.PublishResult(ctx, &ResultEvent{
			ExecID:    execID,
			Status:    core.StatusFailed,
			Error:     "boom",
			Timestamp: time.Now().UTC(),
		})
		require.NoError(t, err)
		select {
		case event := <-events:
			assert.Equal(t, execID, event.ExecID)
			assert.Equal(t, core.StatusFailed, event.Status)
			assert.Equal(t, "boom", event.Error)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for result event")
		}
	})
	t.Run("Should not deliver events for other executions", func(t *testing.T) {
		bus := newTestBus(t)
		ctx := context.Background()
		events, cancel, err := bus.SubscribeResult(ctx, core.MustNewID())
		require.NoError(t, err)
		defer cancel()
		err = bus.PublishResult(ctx, &ResultEvent{
			ExecID: core.MustNewID(),
			Status: core.StatusCompleted,
		})
		require.NoError(t, err)
		select {
		case event, ok := <-events:
			if ok {
				t.Fatalf("unexpected event for %s", event.ExecID)
			}
		case <-time.After(100 * time.Millisecond):
		}
	})
	t.Run("Should close the channel after cancel", func(t *testing.T) {
		bus := newTestBus(t)
		events, cancel, err := bus.SubscribeResult(context.Background(), core.MustNewID())
		require.NoError(t, err)
		cancel()
		select {
		case _, ok := <-events:
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("channel not closed after cancel")
		}
	})
}
