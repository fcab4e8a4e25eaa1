package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream events are appended to.
const DefaultStream = "ledger:events"

// RedisStream appends events to a Redis stream for the off-chain indexer.
type RedisStream struct {
	cache  *redis.Client
	stream string
	maxLen int64
}

// NewRedisStream builds a stream sink. maxLen <= 0 keeps the stream unbounded.
func NewRedisStream(cache *redis.Client, stream string, maxLen int64) *RedisStream {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStream{cache: cache, stream: stream, maxLen: maxLen}
}

// Send appends the event with XADD.
func (r *RedisStream) Send(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"id":      event.ID,
			"kind":    string(event.Kind),
			"payload": string(payload),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.cache.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

// Range reads up to count events from the start of the stream.
func (r *RedisStream) Range(ctx context.Context, count int64) ([]Event, error) {
	msgs, err := r.cache.XRangeN(ctx, r.stream, "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, _ := msg.Values["payload"].(string)
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode stream entry %s: %w", msg.ID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
