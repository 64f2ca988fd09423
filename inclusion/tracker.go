// Package inclusion resolves submitted orders to their on-chain outcome.
//
// The tracker scans blocks one by one starting at the block the submission was made in. For every block it reads
// the transaction list and fetches receipts for the submission items found in it. The first receipt seen for an
// item is kept for good. Chain reorganizations are not handled.
package inclusion

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-share-client/metrics"
	"github.com/flashbots/mev-share-client/mevshare"
	"go.uber.org/zap"
)

var (
	// ErrChainUnavailable is returned when chain reads keep failing after retries. Resolving the same handle
	// again is safe.
	ErrChainUnavailable = errors.New("chain unavailable")
	// ErrStalled is returned when a submission without a max block did not reach a terminal state
	// within the stall ceiling.
	ErrStalled = errors.New("submission stalled")

	errReceiptMissing = errors.New("receipt missing for included transaction")
)

type Tracker struct {
	log   *zap.Logger
	chain ChainReader
	cfg   Config
}

func NewTracker(log *zap.Logger, chain ChainReader, cfg Config) *Tracker {
	return &Tracker{
		log:   log.Named("tracker"),
		chain: chain,
		cfg:   cfg,
	}
}

// Progress is the resumable state of a resolution. It is JSON serialisable so it can be stored between steps.
// NextBlock is the first block that was not scanned yet.
type Progress struct {
	Handle     mevshare.SubmissionHandle            `json:"handle"`
	StartBlock uint64                               `json:"startBlock"`
	NextBlock  uint64                               `json:"nextBlock"`
	Seen       map[common.Hash]mevshare.ItemReceipt `json:"seen,omitempty"`
}

// NewProgress validates the handle and picks the first block to scan: the current block, or the window start
// if the submission was made in the past, but never more than MaxLookback blocks behind the head.
func (t *Tracker) NewProgress(ctx context.Context, handle mevshare.SubmissionHandle) (*Progress, error) {
	if err := handle.Validate(); err != nil {
		return nil, err
	}
	current, err := retry(ctx, t.cfg, t.log, "block_number", t.chain.BlockNumber)
	if err != nil {
		return nil, err
	}

	start := current
	if minBlock := handle.Window.MinBlock; minBlock != 0 && minBlock < current {
		start = minBlock
		if current-minBlock > t.cfg.MaxLookback {
			start = current - t.cfg.MaxLookback
		}
	}
	return &Progress{
		Handle:     handle,
		StartBlock: start,
		NextBlock:  start,
		Seen:       make(map[common.Hash]mevshare.ItemReceipt, len(handle.Items)),
	}, nil
}

// Resolve blocks until the handle reaches a terminal outcome, ctx is done or the chain becomes unavailable.
// Calls for different handles are independent and may run concurrently.
func (t *Tracker) Resolve(ctx context.Context, handle mevshare.SubmissionHandle) (mevshare.Outcome, error) {
	startAt := time.Now()
	log := t.log.With(zap.String("hash", handle.Hash.Hex()), zap.Stringer("kind", handle.Kind))

	progress, err := t.NewProgress(ctx, handle)
	if err != nil {
		return mevshare.Outcome{}, err
	}
	log.Debug("Resolving submission", zap.Uint64("start_block", progress.StartBlock))

	heads := t.watchHeads(ctx)
	defer heads.close()

	for {
		head, err := heads.wait(ctx, progress.NextBlock)
		if err != nil {
			return mevshare.Outcome{}, err
		}
		outcome, err := t.Advance(ctx, progress, head)
		if err != nil {
			if errors.Is(err, ErrStalled) {
				log.Info("Submission stalled", zap.Uint64("start_block", progress.StartBlock), zap.Uint64("next_block", progress.NextBlock))
			}
			return mevshare.Outcome{}, err
		}
		if outcome != nil {
			metrics.IncOutcome(outcome.Status.String())
			metrics.RecordResolveDuration(time.Since(startAt).Milliseconds())
			log.Debug("Submission resolved", zap.Stringer("outcome", outcome))
			return *outcome, nil
		}
	}
}

// Advance scans blocks from p.NextBlock up to head and returns the outcome as soon as it is terminal.
// A nil outcome with a nil error means more blocks are needed. p is updated in place and stays consistent
// when an error is returned, so the scan can be resumed from it.
func (t *Tracker) Advance(ctx context.Context, p *Progress, head uint64) (*mevshare.Outcome, error) {
	maxBlock := p.Handle.Window.MaxBlock
	if p.Seen == nil {
		p.Seen = make(map[common.Hash]mevshare.ItemReceipt, len(p.Handle.Items))
	}

	// window closed before the scan could start
	if maxBlock != nil && p.NextBlock > *maxBlock {
		return evaluate(p, true), nil
	}

	scanned := uint64(0)
	for p.NextBlock <= head {
		block := p.NextBlock
		if err := t.scanBlock(ctx, p, block); err != nil {
			return nil, err
		}
		p.NextBlock = block + 1
		scanned++

		atMax := maxBlock != nil && block >= *maxBlock
		if outcome := evaluate(p, atMax); outcome != nil {
			return outcome, nil
		}
		if maxBlock == nil && block-p.StartBlock+1 >= t.cfg.StallCeiling {
			metrics.IncResolveStalled()
			return nil, ErrStalled
		}
		if t.cfg.MaxBlocksPerStep != 0 && scanned >= t.cfg.MaxBlocksPerStep {
			break
		}
	}
	return nil, nil
}

func (t *Tracker) scanBlock(ctx context.Context, p *Progress, block uint64) error {
	txs, err := retry(ctx, t.cfg, t.log, "block_transactions", func(ctx context.Context) ([]common.Hash, error) {
		return t.chain.BlockTransactions(ctx, block)
	})
	if err != nil {
		return err
	}

	pending := make(map[common.Hash]mevshare.BodyItem, len(p.Handle.Items))
	for _, item := range p.Handle.Items {
		if _, ok := p.Seen[item.Hash]; !ok {
			pending[item.Hash] = item
		}
	}
	if len(pending) == 0 {
		return nil
	}

	for _, hash := range txs {
		item, ok := pending[hash]
		if !ok {
			continue
		}
		receipt, err := retry(ctx, t.cfg, t.log, "transaction_receipt", func(ctx context.Context) (*Receipt, error) {
			r, err := t.chain.TransactionReceipt(ctx, hash)
			if err == nil && r == nil {
				// the node has the block but not the receipt yet
				return nil, errReceiptMissing
			}
			return r, err
		})
		if err != nil {
			return err
		}
		p.Seen[hash] = mevshare.ItemReceipt{
			Hash:        hash,
			BlockNumber: block,
			Success:     receipt.Success,
			CanRevert:   item.CanRevert,
		}
		t.log.Debug("Submission item landed", zap.String("submission", p.Handle.Hash.Hex()),
			zap.String("item", hash.Hex()), zap.Uint64("block", block), zap.Bool("success", receipt.Success))
	}
	return nil
}

// evaluate applies the resolution rules to the items seen so far. atMax is true once the last block of the
// window was scanned.
func evaluate(p *Progress, atMax bool) *mevshare.Outcome {
	items := p.Handle.Items

	if p.Handle.Kind == mevshare.SubmissionTransaction {
		receipt, ok := p.Seen[items[0].Hash]
		switch {
		case ok && receipt.Success:
			return &mevshare.Outcome{Status: mevshare.OutcomeIncluded, BlockNumber: receipt.BlockNumber, Receipts: []mevshare.ItemReceipt{receipt}}
		case ok:
			return &mevshare.Outcome{
				Status:      mevshare.OutcomeReverted,
				BlockNumber: receipt.BlockNumber,
				Receipts:    []mevshare.ItemReceipt{receipt},
				Failed:      []common.Hash{receipt.Hash},
			}
		case atMax:
			return &mevshare.Outcome{Status: mevshare.OutcomeTimedOut}
		default:
			return nil
		}
	}

	if len(p.Seen) == len(items) {
		outcome := &mevshare.Outcome{Status: mevshare.OutcomeIncluded, Receipts: make([]mevshare.ItemReceipt, 0, len(items))}
		for _, item := range items {
			receipt := p.Seen[item.Hash]
			outcome.Receipts = append(outcome.Receipts, receipt)
			if receipt.BlockNumber > outcome.BlockNumber {
				outcome.BlockNumber = receipt.BlockNumber
			}
			if !receipt.Success && !receipt.CanRevert {
				outcome.Failed = append(outcome.Failed, item.Hash)
			}
		}
		if len(outcome.Failed) > 0 {
			outcome.Status = mevshare.OutcomeReverted
		}
		return outcome
	}

	if !atMax {
		return nil
	}
	if len(p.Seen) == 0 {
		return &mevshare.Outcome{Status: mevshare.OutcomeTimedOut}
	}
	outcome := &mevshare.Outcome{Status: mevshare.OutcomePartiallyLanded}
	for _, item := range items {
		if receipt, ok := p.Seen[item.Hash]; ok {
			outcome.Landed = append(outcome.Landed, item.Hash)
			outcome.Receipts = append(outcome.Receipts, receipt)
		} else {
			outcome.Missing = append(outcome.Missing, item.Hash)
		}
	}
	return outcome
}
