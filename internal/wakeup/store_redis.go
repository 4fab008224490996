package wakeup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisEndpoints keeps push subscriptions in one Redis hash, field per
// identity, value the JSON-encoded Endpoint.
type RedisEndpoints struct {
	client *redis.Client
	key    string
}

func NewRedisEndpoints(client *redis.Client, prefix string) *RedisEndpoints {
	return &RedisEndpoints{client: client, key: prefix + "wakeup"}
}

func (r *RedisEndpoints) Get(ctx context.Context, identity string) (Endpoint, error) {
	raw, err := r.client.HGet(ctx, r.key, identity).Bytes()
	if errors.Is(err, redis.Nil) {
		return Endpoint{}, ErrNoEndpoint
	}
	if err != nil {
		return Endpoint{}, fmt.Errorf("wakeup: get endpoint: %w", err)
	}
	var ep Endpoint
	if err := json.Unmarshal(raw, &ep); err != nil {
		return Endpoint{}, fmt.Errorf("wakeup: decode endpoint: %w", err)
	}
	return ep, nil
}

func (r *RedisEndpoints) Put(ctx context.Context, ep Endpoint) error {
	raw, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("wakeup: encode endpoint: %w", err)
	}
	if err := r.client.HSet(ctx, r.key, ep.Identity, raw).Err(); err != nil {
		return fmt.Errorf("wakeup: put endpoint: %w", err)
	}
	return nil
}

func (r *RedisEndpoints) Delete(ctx context.Context, identity string) error {
	if err := r.client.HDel(ctx, r.key, identity).Err(); err != nil {
		return fmt.Errorf("wakeup: delete endpoint: %w", err)
	}
	return nil
}
