package hintstream

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisTransport reads hints republished on a redis pub/sub channel.
type RedisTransport struct {
	client  *redis.Client
	channel string
}

func NewRedisTransport(client *redis.Client, channel string) *RedisTransport {
	return &RedisTransport{client: client, channel: channel}
}

func (t *RedisTransport) Connect(ctx context.Context) (Conn, error) {
	pubsub := t.client.Subscribe(ctx, t.channel)
	// wait for the subscription confirmation so connection errors surface here
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	return &redisConn{pubsub: pubsub}, nil
}

type redisConn struct {
	pubsub *redis.PubSub
}

func (c *redisConn) Next(ctx context.Context) (Message, error) {
	msg, err := c.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: msg.Channel, Data: []byte(msg.Payload)}, nil
}

func (c *redisConn) Close() error {
	return c.pubsub.Close()
}
