package broker

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
)

// RedisRelay mirrors every publish onto a Redis channel so other processes
// can consume notifications without attaching in-process listeners. Local
// delivery never depends on the relay succeeding.
type RedisRelay struct {
	client *goredis.Client
}

// NewRedisRelay wraps an existing client.
func NewRedisRelay(client *goredis.Client) *RedisRelay {
	return &RedisRelay{client: client}
}

func (r *RedisRelay) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}
