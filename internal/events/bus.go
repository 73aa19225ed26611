package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Bus publishes platform events to Redis Streams so external consumers
// (dashboards, billing, moderation) can follow turn activity without
// touching the dispatcher.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewBus creates a Redis-backed event bus.
func NewBus(redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger}, nil
}

// Event is one platform event.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // "turn_completed", "session_milestone", "consolidation", "backend_degraded"
	UserID    string    `json:"user_id,omitempty"`
	AgentType string    `json:"agent_type,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const streamPrefix = "johnnet:events:"

// Publish appends the event to its type stream.
func (b *Bus) Publish(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	stream := streamPrefix + ev.Type
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	b.logger.Debug("published event",
		zap.String("type", ev.Type),
		zap.String("user", ev.UserID),
		zap.String("agent", ev.AgentType))
	return nil
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
