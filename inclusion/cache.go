package inclusion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/mev-share-client/spike"
)

var ErrSubscriptionNotSupported = errors.New("chain reader does not support subscriptions")

// CachingChainReader is a read-through cache shared by concurrent trackers.
// The head block number is cached for headTTL, block transaction lists are fetched at most once per block
// while in flight and cached for blockTTL. Receipts are not cached.
type CachingChainReader struct {
	chain   ChainReader
	headTTL time.Duration

	mu          sync.RWMutex
	blockNumber uint64
	lastUpdate  time.Time

	blocks *spike.Manager[uint64, []common.Hash]
}

func NewCachingChainReader(chain ChainReader, headTTL, blockTTL time.Duration) *CachingChainReader {
	return &CachingChainReader{
		chain:   chain,
		headTTL: headTTL,
		blocks:  spike.NewManager(chain.BlockTransactions, blockTTL),
	}
}

// BlockNumber returns the most recent block number, cached for headTTL
func (c *CachingChainReader) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	if !c.lastUpdate.IsZero() && time.Since(c.lastUpdate) < c.headTTL {
		blockNumber := c.blockNumber
		c.mu.RUnlock()
		return blockNumber, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// updated by another caller while we were waiting for the lock
	if !c.lastUpdate.IsZero() && time.Since(c.lastUpdate) < c.headTTL {
		return c.blockNumber, nil
	}

	blockNumber, err := c.chain.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if blockNumber > c.blockNumber {
		c.blockNumber = blockNumber
	}
	c.lastUpdate = time.Now()
	return c.blockNumber, nil
}

func (c *CachingChainReader) BlockTransactions(ctx context.Context, n uint64) ([]common.Hash, error) {
	return c.blocks.GetResult(ctx, n)
}

func (c *CachingChainReader) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	return c.chain.TransactionReceipt(ctx, hash)
}

func (c *CachingChainReader) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	subscriber, ok := c.chain.(HeadSubscriber)
	if !ok {
		return nil, ErrSubscriptionNotSupported
	}
	return subscriber.SubscribeNewHead(ctx, ch)
}

// Close stops in-flight block fetches.
func (c *CachingChainReader) Close() {
	c.blocks.Close()
}
