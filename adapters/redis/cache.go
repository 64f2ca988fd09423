// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// JSONCache stores JSON encoded values of type T under a common key prefix.
// Every write refreshes the expiry of the key.
type JSONCache[T any] struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewJSONCache[T any](client *redis.Client, expireDuration time.Duration, keyPrefix string) *JSONCache[T] {
	return &JSONCache[T]{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

// Get returns the value stored under key, ok is false if there is none.
func (c *JSONCache[T]) Get(ctx context.Context, key string) (value T, ok bool, err error) {
	data, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return value, false, nil
	}
	if err != nil {
		return value, false, err
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, false, err
	}
	return value, true, nil
}

func (c *JSONCache[T]) Set(ctx context.Context, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.keyPrefix+key, data, c.expireDuration).Err()
}

// SetNX stores value only if key is not present and reports whether it did.
func (c *JSONCache[T]) SetNX(ctx context.Context, key string, value T) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return c.client.SetNX(ctx, c.keyPrefix+key, data, c.expireDuration).Result()
}

func (c *JSONCache[T]) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.keyPrefix+key).Err()
}

// DeleteAll deletes all the keys in the cache. It can be very slow and should only be used for testing.
func (c *JSONCache[T]) DeleteAll(ctx context.Context) error {
	keys, err := c.client.Keys(ctx, c.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
