package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Announcement is the payload published on the channel.
type Announcement struct {
	Message string `json:"message"`
	SentAt  int64  `json:"sent_at"`
}

// RedisNotifier publishes announcements on a Redis channel for chat
// bridges to pick up.
type RedisNotifier struct {
	redis   *redis.Client
	channel string
}

func NewRedisNotifier(redisURL, channel string) (*RedisNotifier, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return NewRedisNotifierWithClient(redis.NewClient(opt), channel), nil
}

func NewRedisNotifierWithClient(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = "kitchen:notifications"
	}
	return &RedisNotifier{redis: client, channel: channel}
}

// Ping checks the connection; the queue in front of the notifier is only
// made ready once this succeeds.
func (n *RedisNotifier) Ping(ctx context.Context) error {
	if err := n.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Notify(ctx context.Context, message string) error {
	payload, err := json.Marshal(Announcement{Message: message, SentAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	return n.redis.Publish(ctx, n.channel, payload).Err()
}

func (n *RedisNotifier) Close() error {
	return n.redis.Close()
}
