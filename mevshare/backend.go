package mevshare

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// HintBackend receives every hint read from the relay stream.
type HintBackend interface {
	NotifyHint(ctx context.Context, hint *Hint) error
}

// RedisHintBackend republishes hints on a redis channel so local consumers can share one relay connection.
type RedisHintBackend struct {
	client     *redis.Client
	pubChannel string
}

func NewRedisHintBackend(redisClient *redis.Client, pubChannel string) *RedisHintBackend {
	return &RedisHintBackend{
		client:     redisClient,
		pubChannel: pubChannel,
	}
}

func (b *RedisHintBackend) NotifyHint(ctx context.Context, hint *Hint) error {
	data, err := json.Marshal(hint)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.pubChannel, data).Err()
}
