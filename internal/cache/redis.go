package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"marketpipe/internal/model"
)

const keyPrefix = "tick:latest:"

// RedisTier is the shared cache tier backed by Redis. Values are JSON ticks
// under tick:latest:<symbol> with a short TTL, so a stale entry ages out on
// its own after the writer goes away.
type RedisTier struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewRedisTier wraps an existing client. ttl <= 0 defaults to 60s.
func NewRedisTier(client *goredis.Client, ttl time.Duration) *RedisTier {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisTier{client: client, ttl: ttl}
}

// Set writes the tick with the tier TTL.
func (r *RedisTier) Set(ctx context.Context, symbol string, tick model.Tick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("marshal tick %s: %w", symbol, err)
	}
	if err := r.client.Set(ctx, keyPrefix+symbol, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", symbol, err)
	}
	return nil
}

// Get returns the tick for symbol, reporting absence without error.
func (r *RedisTier) Get(ctx context.Context, symbol string) (model.Tick, bool, error) {
	data, err := r.client.Get(ctx, keyPrefix+symbol).Bytes()
	if err == goredis.Nil {
		return model.Tick{}, false, nil
	}
	if err != nil {
		return model.Tick{}, false, fmt.Errorf("redis get %s: %w", symbol, err)
	}
	var tick model.Tick
	if err := json.Unmarshal(data, &tick); err != nil {
		return model.Tick{}, false, fmt.Errorf("unmarshal tick %s: %w", symbol, err)
	}
	return tick, true, nil
}

// GetMany batch-fetches with a single MGET. Missing symbols are omitted.
func (r *RedisTier) GetMany(ctx context.Context, symbols []string) (map[string]model.Tick, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = keyPrefix + s
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make(map[string]model.Tick, len(symbols))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // nil for missing keys
		}
		var tick model.Tick
		if err := json.Unmarshal([]byte(s), &tick); err != nil {
			continue // a corrupt entry must not fail the batch
		}
		out[symbols[i]] = tick
	}
	return out, nil
}
