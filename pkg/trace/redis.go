package trace

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/entrhq/autopilot/pkg/types"
)

// DefaultStreamMaxLen caps each task stream.
const DefaultStreamMaxLen = 10000

// RedisStreamSink appends events to one redis stream per task.
type RedisStreamSink struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
}

// NewRedisStreamSink creates a sink writing to "<prefix>:trace:<task id>".
func NewRedisStreamSink(client redis.UniversalClient, prefix string, maxLen int64) *RedisStreamSink {
	if prefix == "" {
		prefix = "autopilot"
	}
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &RedisStreamSink{client: client, prefix: prefix, maxLen: maxLen}
}

func (s *RedisStreamSink) key(taskID string) string {
	return s.prefix + ":trace:" + taskID
}

func (s *RedisStreamSink) Write(ctx context.Context, event types.TraceEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal trace event: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(event.TaskID),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"account": event.AccountID,
			"event":   string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd trace event: %w", err)
	}
	return nil
}

// Timeline reads the task stream, optionally limited to accountID.
func (s *RedisStreamSink) Timeline(ctx context.Context, taskID, accountID string) ([]types.TraceEvent, error) {
	msgs, err := s.client.XRange(ctx, s.key(taskID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange trace stream: %w", err)
	}

	events := make([]types.TraceEvent, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var event types.TraceEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			continue
		}
		if matches(event, taskID, accountID) {
			events = append(events, event)
		}
	}
	return events, nil
}
