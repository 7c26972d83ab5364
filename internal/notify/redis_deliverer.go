package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisDeliverer publishes each event on the subscriber's own channel,
// <prefix>user:<id>.
type RedisDeliverer struct {
	client *redis.Client
	prefix string
}

func NewRedisDeliverer(client *redis.Client, prefix string) *RedisDeliverer {
	return &RedisDeliverer{client: client, prefix: prefix}
}

func (r *RedisDeliverer) Channel(userID int64) string {
	return r.prefix + "user:" + strconv.FormatInt(userID, 10)
}

func (r *RedisDeliverer) Deliver(ctx context.Context, userID int64, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.Channel(userID), payload).Err(); err != nil {
		return fmt.Errorf("publish to user %d: %w", userID, err)
	}
	return nil
}
