package inclusion

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/flashbots/mev-share-client/mevshare"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCachingChainReader(t *testing.T) {
	chain := newFakeChain(100)
	chain.land(100, hashA, true)
	cache := NewCachingChainReader(chain, time.Minute, time.Minute)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txs, err := cache.BlockTransactions(context.Background(), 100)
			require.NoError(t, err)
			require.Contains(t, txs, hashA)
		}()
	}
	wg.Wait()

	chain.mu.Lock()
	require.Equal(t, 1, chain.blockCalls[100])
	chain.mu.Unlock()

	head, err := cache.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100), head)

	// head is served from cache within the ttl
	chain.setHead(101)
	head, err = cache.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100), head)

	receipt, err := cache.TransactionReceipt(context.Background(), hashA)
	require.NoError(t, err)
	require.Equal(t, &Receipt{Success: true, BlockNumber: 100}, receipt)

	_, err = cache.SubscribeNewHead(context.Background(), make(chan *types.Header))
	require.ErrorIs(t, err, ErrSubscriptionNotSupported)
}

func TestCachingChainReader_ConcurrentTrackers(t *testing.T) {
	chain := newFakeChain(100)
	chain.land(105, hashA, true)
	chain.advanceHead(t, 120, 2*time.Millisecond)

	cache := NewCachingChainReader(chain, time.Millisecond, time.Minute)
	defer cache.Close()
	tracker := NewTracker(zap.NewNop(), cache, testConfig)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := tracker.Resolve(context.Background(), mevshare.NewTransactionHandle(hashA, 100, nil))
			require.NoError(t, err)
			require.Equal(t, mevshare.OutcomeIncluded, outcome.Status)
		}()
	}
	wg.Wait()

	chain.mu.Lock()
	defer chain.mu.Unlock()
	for block := uint64(100); block <= 105; block++ {
		require.Equal(t, 1, chain.blockCalls[block], "block %d", block)
	}
}

// pushChain is a fakeChain that pushes new heads to subscribers.
type pushChain struct {
	*fakeChain
	feed event.Feed
}

func (c *pushChain) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return c.feed.Subscribe(ch), nil
}

func (c *pushChain) mine(head uint64) {
	c.setHead(head)
	c.feed.Send(&types.Header{Number: new(big.Int).SetUint64(head)})
}

func TestTracker_Resolve_NewHeadSubscription(t *testing.T) {
	chain := &pushChain{fakeChain: newFakeChain(100)}
	chain.land(102, hashA, true)

	cfg := testConfig
	// polling alone would not finish in time
	cfg.PollInterval = time.Minute
	tracker := NewTracker(zap.NewNop(), chain, cfg)

	go func() {
		for head := uint64(101); head <= 102; head++ {
			time.Sleep(20 * time.Millisecond)
			chain.mine(head)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, err := tracker.Resolve(ctx, mevshare.NewTransactionHandle(hashA, 100, nil))
	require.NoError(t, err)
	require.Equal(t, mevshare.OutcomeIncluded, outcome.Status)
	require.Equal(t, uint64(102), outcome.BlockNumber)

	// subscription is released after resolution
	require.Eventually(t, func() bool {
		return chain.feed.Send(&types.Header{Number: big.NewInt(103)}) == 0
	}, time.Second, 10*time.Millisecond)
}
