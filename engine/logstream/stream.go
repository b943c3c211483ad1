package logstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sinas-platform/sinas/engine/core"
	"github.com/sinas-platform/sinas/engine/infra/cache"
)

// Level classifies a log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one record in an execution's log stream. ID is the stream
// position assigned on append; entries are strictly ordered by it.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Config tunes stream retention and tailing.
type Config struct {
	// Retention is the rolling TTL applied to a stream key. Every
	// append renews it, so retention counts from the last write.
	Retention time.Duration
	// TailBlock bounds each blocking read while tailing.
	TailBlock time.Duration
	// MaxRange caps entries returned by a single Range call.
	MaxRange int64
}

func DefaultConfig() *Config {
	return &Config{
		Retention: 7 * 24 * time.Hour,
		TailBlock: time.Second,
		MaxRange:  1000,
	}
}

// Stream stores per-execution logs in Redis streams, one key per
// execution. A missing key reads as an empty stream: either nothing
// was logged or the retention window lapsed, and both present the same
// way to callers.
type Stream struct {
	client cache.RedisInterface
	config *Config
}

func NewStream(client cache.RedisInterface, config *Config) (*Stream, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	return &Stream{client: client, config: config}, nil
}

// StreamKey returns the Redis key holding an execution's log stream.
func StreamKey(execID core.ID) string {
	return fmt.Sprintf("execution:log:%s", execID)
}

// Append adds an entry to the execution's stream and renews the
// retention TTL. The entry timestamp is stamped here if unset.
func (s *Stream) Append(ctx context.Context, execID core.ID, entry *Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	values := map[string]any{
		"ts":      entry.Timestamp.Format(time.RFC3339Nano),
		"level":   string(entry.Level),
		"message": entry.Message,
	}
	if len(entry.Data) > 0 {
		data, err := json.Marshal(entry.Data)
		if err != nil {
			return &core.LogStoreError{Op: "append", Err: fmt.Errorf("marshaling entry data: %w", err)}
		}
		values["data"] = string(data)
	}
	key := StreamKey(execID)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: values})
		pipe.Expire(ctx, key, s.config.Retention)
		return nil
	})
	if err != nil {
		return &core.LogStoreError{Op: "append", Err: err}
	}
	return nil
}

// Range reads entries in order, starting after afterID (exclusive).
// Pass an empty afterID to read from the beginning. Limit is clamped
// to the configured maximum; zero means the maximum.
func (s *Stream) Range(ctx context.Context, execID core.ID, afterID string, limit int64) ([]Entry, error) {
	start := "-"
	if afterID != "" {
		// Exclusive range start, supported since Redis 6.2.
		start = "(" + afterID
	}
	if limit <= 0 || limit > s.config.MaxRange {
		limit = s.config.MaxRange
	}
	msgs, err := s.client.XRangeN(ctx, StreamKey(execID), start, "+", limit).Result()
	if err != nil {
		return nil, &core.LogStoreError{Op: "range", Err: err}
	}
	entries := make([]Entry, 0, len(msgs))
	for i := range msgs {
		entries = append(entries, decodeEntry(&msgs[i]))
	}
	return entries, nil
}

// Tail streams entries live starting after afterID (empty means only
// new entries). It sends on the returned channel until ctx is
// cancelled, then closes it. Infrastructure errors end the tail; the
// execution itself is unaffected.
func (s *Stream) Tail(ctx context.Context, execID core.ID, afterID string) (<-chan Entry, error) {
	lastID := afterID
	if lastID == "" {
		lastID = "$"
	}
	entries := make(chan Entry)
	go func() {
		defer close(entries)
		cursor := lastID
		for {
			if ctx.Err() != nil {
				return
			}
			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{StreamKey(execID), cursor},
				Block:   s.config.TailBlock,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return
			}
			for _, stream := range streams {
				for i := range stream.Messages {
					entry := decodeEntry(&stream.Messages[i])
					cursor = entry.ID
					select {
					case entries <- entry:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return entries, nil
}

// TTL reports the remaining retention of an execution's stream.
func (s *Stream) TTL(ctx context.Context, execID core.ID) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, StreamKey(execID)).Result()
	if err != nil {
		return 0, &core.LogStoreError{Op: "ttl", Err: err}
	}
	return ttl, nil
}

func decodeEntry(msg *redis.XMessage) Entry {
	entry := Entry{ID: msg.ID}
	if raw, ok := msg.Values["ts"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			entry.Timestamp = ts
		}
	}
	if raw, ok := msg.Values["level"].(string); ok {
		entry.Level = Level(raw)
	}
	if raw, ok := msg.Values["message"].(string); ok {
		entry.Message = raw
	}
	if raw, ok := msg.Values["data"].(string); ok && raw != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err == nil {
			entry.Data = data
		}
	}
	return entry
}
