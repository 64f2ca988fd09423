package hintstream

import (
	"context"
	"testing"
	"time"

	"github.com/flashbots/mev-share-client/mevshare"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisTransport(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	const channel = "hintstream-test"

	sub, _ := subscribe(t, NewRedisTransport(client, channel), testConfig(), FilterAll)
	require.Eventually(t, func() bool {
		return sub.State().Kind == StateConnected
	}, time.Second, time.Millisecond)

	backend := mevshare.NewRedisHintBackend(client, channel)
	ctx := context.Background()
	hint := &mevshare.Hint{Hash: hintHash(1), Txs: []mevshare.TxHint{{}, {}}}
	require.NoError(t, backend.NotifyHint(ctx, hint))
	require.NoError(t, client.Publish(ctx, channel, "garbage").Err())
	require.NoError(t, backend.NotifyHint(ctx, &mevshare.Hint{Hash: hintHash(2)}))

	d := next(t, sub)
	require.Equal(t, hintHash(1), d.Hint.Hash)
	require.Equal(t, mevshare.HintKindBundle, d.Hint.Kind())
	d = next(t, sub)
	require.Equal(t, hintHash(2), d.Hint.Hash)
	require.Equal(t, uint64(1), d.Malformed)
}
