package inclusion

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/mev-share-client/mevshare"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errNodeDown = errors.New("node is down")

// fakeChain is an in-memory chain. Blocks without transactions are empty.
type fakeChain struct {
	mu       sync.Mutex
	head     uint64
	blocks   map[uint64][]common.Hash
	receipts map[common.Hash]*Receipt

	// failCalls makes the next n calls fail, failAll makes every call fail
	failCalls int
	failAll   bool
	// missingReceipts hides the receipt of a listed transaction for the next n receipt calls
	missingReceipts int

	blockCalls   map[uint64]int
	receiptCalls int
}

func newFakeChain(head uint64) *fakeChain {
	return &fakeChain{
		head:       head,
		blocks:     make(map[uint64][]common.Hash),
		receipts:   make(map[common.Hash]*Receipt),
		blockCalls: make(map[uint64]int),
	}
}

func (c *fakeChain) land(block uint64, hash common.Hash, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[block] = append(c.blocks[block], common.HexToHash("0xfeed"), hash)
	c.receipts[hash] = &Receipt{Success: success, BlockNumber: block}
}

func (c *fakeChain) setHead(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = head
}

func (c *fakeChain) fail() error {
	if c.failAll {
		return errNodeDown
	}
	if c.failCalls > 0 {
		c.failCalls--
		return errNodeDown
	}
	return nil
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return 0, err
	}
	return c.head, nil
}

func (c *fakeChain) BlockTransactions(ctx context.Context, n uint64) ([]common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockCalls[n]++
	if err := c.fail(); err != nil {
		return nil, err
	}
	if n > c.head {
		return nil, errors.New("block not found") //nolint:goerr113
	}
	return c.blocks[n], nil
}

func (c *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiptCalls++
	if err := c.fail(); err != nil {
		return nil, err
	}
	if c.missingReceipts > 0 {
		c.missingReceipts--
		return nil, nil
	}
	return c.receipts[hash], nil
}

// advanceHead moves the head by one block every interval until it reaches target.
func (c *fakeChain) advanceHead(t *testing.T, target uint64, interval time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.Cleanup(func() {
		cancel()
		<-done
	})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				if c.head < target {
					c.head++
				}
				c.mu.Unlock()
			}
		}
	}()
}

var testConfig = Config{
	PollInterval:         5 * time.Millisecond,
	StallCeiling:         10,
	RetryInitialInterval: time.Millisecond,
	RetryMaxRetries:      3,
	MaxLookback:          256,
}

var (
	hashA = common.HexToHash("0xaa")
	hashB = common.HexToHash("0xbb")
	hashC = common.HexToHash("0xcc")
)

func blockPtr(n uint64) *uint64 {
	return &n
}

func bundleHandle(minBlock, maxBlock uint64, items ...mevshare.BodyItem) mevshare.SubmissionHandle {
	return mevshare.NewBundleHandle(common.HexToHash("0xb0"), items, mevshare.MevBundleInclusion{
		BlockNumber: hexutil.Uint64(minBlock),
		MaxBlock:    hexutil.Uint64(maxBlock),
	})
}

func TestTracker_Resolve(t *testing.T) {
	tests := []struct {
		name    string
		handle  mevshare.SubmissionHandle
		landed  map[common.Hash]uint64
		failed  map[common.Hash]bool
		head    uint64
		outcome mevshare.Outcome
	}{
		{
			name:   "transaction included",
			handle: mevshare.NewTransactionHandle(hashA, 10, blockPtr(20)),
			landed: map[common.Hash]uint64{hashA: 12},
			head:   20,
			outcome: mevshare.Outcome{
				Status:      mevshare.OutcomeIncluded,
				BlockNumber: 12,
				Receipts:    []mevshare.ItemReceipt{{Hash: hashA, BlockNumber: 12, Success: true}},
			},
		},
		{
			name:   "transaction reverted",
			handle: mevshare.NewTransactionHandle(hashA, 10, nil),
			landed: map[common.Hash]uint64{hashA: 11},
			failed: map[common.Hash]bool{hashA: true},
			head:   15,
			outcome: mevshare.Outcome{
				Status:      mevshare.OutcomeReverted,
				BlockNumber: 11,
				Receipts:    []mevshare.ItemReceipt{{Hash: hashA, BlockNumber: 11}},
				Failed:      []common.Hash{hashA},
			},
		},
		{
			name:    "transaction timed out",
			handle:  mevshare.NewTransactionHandle(hashA, 10, blockPtr(15)),
			landed:  map[common.Hash]uint64{hashA: 16},
			head:    20,
			outcome: mevshare.Outcome{Status: mevshare.OutcomeTimedOut},
		},
		{
			name: "bundle included",
			handle: bundleHandle(10, 12,
				mevshare.BodyItem{Hash: hashA}, mevshare.BodyItem{Hash: hashB}),
			landed: map[common.Hash]uint64{hashA: 11, hashB: 11},
			head:   20,
			outcome: mevshare.Outcome{
				Status:      mevshare.OutcomeIncluded,
				BlockNumber: 11,
				Receipts: []mevshare.ItemReceipt{
					{Hash: hashA, BlockNumber: 11, Success: true},
					{Hash: hashB, BlockNumber: 11, Success: true},
				},
			},
		},
		{
			name: "bundle reverted",
			handle: bundleHandle(10, 12,
				mevshare.BodyItem{Hash: hashA}, mevshare.BodyItem{Hash: hashB}, mevshare.BodyItem{Hash: hashC, CanRevert: true}),
			landed: map[common.Hash]uint64{hashA: 11, hashB: 11, hashC: 11},
			failed: map[common.Hash]bool{hashB: true, hashC: true},
			head:   20,
			outcome: mevshare.Outcome{
				Status:      mevshare.OutcomeReverted,
				BlockNumber: 11,
				Receipts: []mevshare.ItemReceipt{
					{Hash: hashA, BlockNumber: 11, Success: true},
					{Hash: hashB, BlockNumber: 11},
					{Hash: hashC, BlockNumber: 11, CanRevert: true},
				},
				Failed: []common.Hash{hashB},
			},
		},
		{
			name: "bundle with revertible failure is included",
			handle: bundleHandle(10, 12,
				mevshare.BodyItem{Hash: hashA}, mevshare.BodyItem{Hash: hashB, CanRevert: true}),
			landed: map[common.Hash]uint64{hashA: 12, hashB: 12},
			failed: map[common.Hash]bool{hashB: true},
			head:   12,
			outcome: mevshare.Outcome{
				Status:      mevshare.OutcomeIncluded,
				BlockNumber: 12,
				Receipts: []mevshare.ItemReceipt{
					{Hash: hashA, BlockNumber: 12, Success: true},
					{Hash: hashB, BlockNumber: 12, CanRevert: true},
				},
			},
		},
		{
			name: "bundle partially landed",
			handle: bundleHandle(90, 100,
				mevshare.BodyItem{Hash: hashA}, mevshare.BodyItem{Hash: hashB}),
			landed: map[common.Hash]uint64{hashA: 98},
			head:   105,
			outcome: mevshare.Outcome{
				Status:   mevshare.OutcomePartiallyLanded,
				Receipts: []mevshare.ItemReceipt{{Hash: hashA, BlockNumber: 98, Success: true}},
				Landed:   []common.Hash{hashA},
				Missing:  []common.Hash{hashB},
			},
		},
		{
			name: "bundle item after max block is missing",
			handle: bundleHandle(90, 100,
				mevshare.BodyItem{Hash: hashA}, mevshare.BodyItem{Hash: hashB}),
			landed: map[common.Hash]uint64{hashA: 98, hashB: 101},
			head:   105,
			outcome: mevshare.Outcome{
				Status:   mevshare.OutcomePartiallyLanded,
				Receipts: []mevshare.ItemReceipt{{Hash: hashA, BlockNumber: 98, Success: true}},
				Landed:   []common.Hash{hashA},
				Missing:  []common.Hash{hashB},
			},
		},
		{
			name: "bundle timed out",
			handle: bundleHandle(10, 12,
				mevshare.BodyItem{Hash: hashA}, mevshare.BodyItem{Hash: hashB}),
			head:    20,
			outcome: mevshare.Outcome{Status: mevshare.OutcomeTimedOut},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newFakeChain(tt.handle.Window.MinBlock)
			for hash, block := range tt.landed {
				chain.land(block, hash, !tt.failed[hash])
			}
			chain.advanceHead(t, tt.head, time.Millisecond)

			tracker := NewTracker(zap.NewNop(), chain, testConfig)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			outcome, err := tracker.Resolve(ctx, tt.handle)
			require.NoError(t, err)
			require.Equal(t, tt.outcome, outcome)

			// resolving again after the fact gives the same outcome
			chain.setHead(tt.head + 5)
			again, err := tracker.Resolve(ctx, tt.handle)
			require.NoError(t, err)
			require.Equal(t, tt.outcome, again)
		})
	}
}

func TestTracker_Resolve_FirstSightingWins(t *testing.T) {
	chain := newFakeChain(10)
	chain.land(11, hashA, true)
	chain.land(12, hashB, true)
	// the same transaction listed again later must not replace the first receipt
	chain.mu.Lock()
	chain.blocks[12] = append(chain.blocks[12], hashA)
	chain.mu.Unlock()
	chain.setHead(20)

	tracker := NewTracker(zap.NewNop(), chain, testConfig)
	outcome, err := tracker.Resolve(context.Background(), bundleHandle(10, 13,
		mevshare.BodyItem{Hash: hashA}, mevshare.BodyItem{Hash: hashB}))
	require.NoError(t, err)
	require.Equal(t, mevshare.OutcomeIncluded, outcome.Status)
	require.Equal(t, uint64(11), outcome.Receipts[0].BlockNumber)
	require.Equal(t, uint64(12), outcome.BlockNumber)
}

func TestTracker_Resolve_WaitsForHead(t *testing.T) {
	chain := newFakeChain(100)
	chain.land(103, hashA, true)
	chain.advanceHead(t, 110, 10*time.Millisecond)

	tracker := NewTracker(zap.NewNop(), chain, testConfig)
	outcome, err := tracker.Resolve(context.Background(), mevshare.NewTransactionHandle(hashA, 100, nil))
	require.NoError(t, err)
	require.Equal(t, mevshare.OutcomeIncluded, outcome.Status)
	require.Equal(t, uint64(103), outcome.BlockNumber)

	// blocks after the landing block are never requested
	chain.mu.Lock()
	defer chain.mu.Unlock()
	require.Zero(t, chain.blockCalls[104])
	require.Equal(t, 1, chain.blockCalls[103])
}

func TestTracker_Resolve_Errors(t *testing.T) {
	t.Run("stalled", func(t *testing.T) {
		chain := newFakeChain(100)
		chain.advanceHead(t, 200, time.Millisecond)

		tracker := NewTracker(zap.NewNop(), chain, testConfig)
		_, err := tracker.Resolve(context.Background(), mevshare.NewTransactionHandle(hashA, 100, nil))
		require.ErrorIs(t, err, ErrStalled)
	})

	t.Run("partial landing without max block stalls", func(t *testing.T) {
		chain := newFakeChain(100)
		chain.land(101, hashA, true)
		chain.setHead(150)

		handle := mevshare.SubmissionHandle{
			Kind:   mevshare.SubmissionBundle,
			Hash:   common.HexToHash("0xb0"),
			Items:  []mevshare.BodyItem{{Hash: hashA}, {Hash: hashB}},
			Window: mevshare.Window{MinBlock: 100},
		}
		tracker := NewTracker(zap.NewNop(), chain, testConfig)
		_, err := tracker.Resolve(context.Background(), handle)
		require.ErrorIs(t, err, ErrStalled)
	})

	t.Run("chain unavailable", func(t *testing.T) {
		chain := newFakeChain(100)
		chain.failAll = true

		tracker := NewTracker(zap.NewNop(), chain, testConfig)
		_, err := tracker.Resolve(context.Background(), mevshare.NewTransactionHandle(hashA, 100, nil))
		require.ErrorIs(t, err, ErrChainUnavailable)
		require.ErrorIs(t, err, errNodeDown)
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		chain := newFakeChain(100)
		chain.land(100, hashA, true)
		chain.failCalls = 3
		chain.missingReceipts = 2

		tracker := NewTracker(zap.NewNop(), chain, testConfig)
		outcome, err := tracker.Resolve(context.Background(), mevshare.NewTransactionHandle(hashA, 100, nil))
		require.NoError(t, err)
		require.Equal(t, mevshare.OutcomeIncluded, outcome.Status)
	})

	t.Run("invalid handle", func(t *testing.T) {
		tracker := NewTracker(zap.NewNop(), newFakeChain(100), testConfig)
		_, err := tracker.Resolve(context.Background(), mevshare.SubmissionHandle{Kind: mevshare.SubmissionBundle})
		require.ErrorIs(t, err, mevshare.ErrInvalidHandle)
	})

	t.Run("cancelled", func(t *testing.T) {
		chain := newFakeChain(100)
		tracker := NewTracker(zap.NewNop(), chain, testConfig)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err := tracker.Resolve(ctx, mevshare.NewTransactionHandle(hashA, 100, nil))
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestTracker_Advance(t *testing.T) {
	chain := newFakeChain(200)
	chain.land(150, hashA, true)
	chain.land(160, hashB, true)

	cfg := testConfig
	cfg.MaxBlocksPerStep = 8
	cfg.StallCeiling = 1000
	cfg.MaxLookback = 100
	tracker := NewTracker(zap.NewNop(), chain, cfg)

	handle := bundleHandle(148, 170, mevshare.BodyItem{Hash: hashA}, mevshare.BodyItem{Hash: hashB})
	progress, err := tracker.NewProgress(context.Background(), handle)
	require.NoError(t, err)
	require.Equal(t, uint64(148), progress.StartBlock)

	var outcome *mevshare.Outcome
	steps := 0
	for outcome == nil {
		outcome, err = tracker.Advance(context.Background(), progress, 200)
		require.NoError(t, err)
		steps++

		// the checkpoint survives a round trip through storage
		data, err := json.Marshal(progress)
		require.NoError(t, err)
		progress = &Progress{}
		require.NoError(t, json.Unmarshal(data, progress))
	}
	require.Equal(t, 2, steps)
	require.Equal(t, mevshare.OutcomeIncluded, outcome.Status)
	require.Equal(t, uint64(160), outcome.BlockNumber)
	require.Equal(t, uint64(161), progress.NextBlock)

	// window closed before the scan started
	late := bundleHandle(10, 12, mevshare.BodyItem{Hash: hashA}, mevshare.BodyItem{Hash: hashB})
	progress, err = tracker.NewProgress(context.Background(), late)
	require.NoError(t, err)
	outcome, err = tracker.Advance(context.Background(), progress, 200)
	require.NoError(t, err)
	require.Equal(t, mevshare.OutcomeTimedOut, outcome.Status)
}

func TestNewProgress_Lookback(t *testing.T) {
	chain := newFakeChain(1000)
	cfg := testConfig
	cfg.MaxLookback = 100
	tracker := NewTracker(zap.NewNop(), chain, cfg)

	progress, err := tracker.NewProgress(context.Background(), mevshare.NewTransactionHandle(hashA, 950, nil))
	require.NoError(t, err)
	require.Equal(t, uint64(950), progress.NextBlock)

	progress, err = tracker.NewProgress(context.Background(), mevshare.NewTransactionHandle(hashA, 10, nil))
	require.NoError(t, err)
	require.Equal(t, uint64(900), progress.NextBlock)

	progress, err = tracker.NewProgress(context.Background(), mevshare.NewTransactionHandle(hashA, 0, nil))
	require.NoError(t, err)
	require.Equal(t, uint64(1000), progress.NextBlock)

	progress, err = tracker.NewProgress(context.Background(), mevshare.NewTransactionHandle(hashA, 1200, nil))
	require.NoError(t, err)
	require.Equal(t, uint64(1000), progress.NextBlock)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig
	require.NoError(t, cfg.Validate())

	cfg.StallCeiling = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
