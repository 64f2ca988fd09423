package inclusion

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// Receipt is the part of a transaction receipt the tracker needs.
type Receipt struct {
	Success     bool   `json:"success"`
	BlockNumber uint64 `json:"blockNumber"`
}

// ChainReader is read-only access to the chain.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	// BlockTransactions returns the hashes of the transactions of block n in block order
	BlockTransactions(ctx context.Context, n uint64) ([]common.Hash, error)
	// TransactionReceipt returns nil, nil if the transaction has no receipt
	TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
}

// HeadSubscriber is implemented by readers that can push new chain heads.
type HeadSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// EthChainReader reads the chain over JSON-RPC.
type EthChainReader struct {
	client  *ethclient.Client
	limiter *rate.Limiter
}

// NewEthChainReader creates a reader that makes at most limit requests per second to the node.
func NewEthChainReader(client *ethclient.Client, limit rate.Limit, burst int) *EthChainReader {
	return &EthChainReader{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (r *EthChainReader) BlockNumber(ctx context.Context) (uint64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return r.client.BlockNumber(ctx)
}

func (r *EthChainReader) BlockTransactions(ctx context.Context, n uint64) ([]common.Hash, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	block, err := r.client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		return nil, err
	}
	txs := block.Transactions()
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	return hashes, nil
}

func (r *EthChainReader) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	receipt, err := r.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Receipt{
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

// SubscribeNewHead only works when the client is connected over websocket or IPC.
func (r *EthChainReader) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return r.client.SubscribeNewHead(ctx, ch)
}
