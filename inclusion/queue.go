package inclusion

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-share-client/adapters/redis"
	"github.com/flashbots/mev-share-client/metrics"
	"github.com/flashbots/mev-share-client/mevshare"
	"github.com/flashbots/mev-share-client/pendingqueue"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultStaleGrace is how many blocks after the window end a queued submission is still worth resolving.
const DefaultStaleGrace uint64 = 64

var progressSaveTimeout = time.Second

// OutcomeSink receives the terminal result of every queued submission.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, handle mevshare.SubmissionHandle, outcome mevshare.Outcome) error
	RecordFailure(ctx context.Context, handle mevshare.SubmissionHandle, reason error) error
}

// ResolutionQueue resolves submissions in the background. Progress is checkpointed in redis after every step,
// so a submission survives restarts and moves between workers.
type ResolutionQueue struct {
	log      *zap.Logger
	tracker  *Tracker
	chain    ChainReader
	queue    pendingqueue.Queue
	outcomes *redis.JSONCache[mevshare.Outcome]
	progress *redis.JSONCache[Progress]
	sink     OutcomeSink

	StaleGrace uint64
}

func NewResolutionQueue(
	log *zap.Logger, tracker *Tracker, chain ChainReader, queue pendingqueue.Queue,
	outcomes *redis.JSONCache[mevshare.Outcome], progress *redis.JSONCache[Progress], sink OutcomeSink,
) *ResolutionQueue {
	q := &ResolutionQueue{
		log:        log.Named("resolution-queue"),
		tracker:    tracker,
		chain:      chain,
		queue:      queue,
		outcomes:   outcomes,
		progress:   progress,
		sink:       sink,
		StaleGrace: DefaultStaleGrace,
	}
	queue.SetDropFunc(q.drop)
	return q
}

// Schedule queues the handle for resolution. Handles with a known outcome or already in the queue are not
// queued again.
func (q *ResolutionQueue) Schedule(ctx context.Context, handle mevshare.SubmissionHandle) error {
	if _, ok, err := q.outcomes.Get(ctx, handle.Hash.Hex()); err != nil {
		return err
	} else if ok {
		q.log.Debug("Submission already resolved", zap.String("hash", handle.Hash.Hex()))
		return nil
	}

	progress, err := q.tracker.NewProgress(ctx, handle)
	if err != nil {
		return err
	}
	key := handle.Hash.Hex()
	if created, err := q.progress.SetNX(ctx, key, *progress); err != nil {
		return err
	} else if !created {
		q.log.Debug("Submission already queued", zap.String("hash", key))
		return nil
	}

	data, err := json.Marshal(handle)
	if err != nil {
		_ = q.progress.Delete(ctx, key)
		return err
	}
	deadline := uint64(0)
	if handle.Window.MaxBlock != nil {
		deadline = *handle.Window.MaxBlock + q.StaleGrace
	}
	if err := q.queue.Push(ctx, data, false, progress.NextBlock, deadline); err != nil {
		_ = q.progress.Delete(ctx, key)
		return err
	}
	return nil
}

// Outcome returns the outcome of a queued submission once it is resolved.
func (q *ResolutionQueue) Outcome(ctx context.Context, hash common.Hash) (mevshare.Outcome, bool, error) {
	return q.outcomes.Get(ctx, hash.Hex())
}

// Process is the pendingqueue.ProcessFunc that advances one submission up to the current head.
func (q *ResolutionQueue) Process(ctx context.Context, data []byte, info pendingqueue.QueueItemInfo) error {
	var handle mevshare.SubmissionHandle
	if err := json.Unmarshal(data, &handle); err != nil {
		q.log.Error("Failed to unmarshal queued submission", zap.Error(err))
		return errors.Join(pendingqueue.ErrProcessUnrecoverable, err)
	}
	key := handle.Hash.Hex()
	log := q.log.With(zap.String("hash", key), zap.Uint64("head", info.Head))

	if _, ok, err := q.outcomes.Get(ctx, key); err != nil {
		return errors.Join(pendingqueue.ErrProcessWorkerError, err)
	} else if ok {
		return nil
	}

	progress, ok, err := q.progress.Get(ctx, key)
	if err != nil {
		return errors.Join(pendingqueue.ErrProcessWorkerError, err)
	}
	if !ok {
		log.Warn("Submission progress lost, restarting scan")
		p, err := q.tracker.NewProgress(ctx, handle)
		if err != nil {
			return q.stepError(log, err)
		}
		progress = *p
	}

	outcome, err := q.tracker.Advance(ctx, &progress, info.Head)
	if err != nil {
		// progress is consistent up to the failed block, save it even if the worker ran out of time
		saveCtx, cancel := context.WithTimeout(context.Background(), progressSaveTimeout)
		saveErr := q.progress.Set(saveCtx, key, progress)
		cancel()
		if saveErr != nil {
			log.Warn("Failed to save submission progress", zap.Error(saveErr))
		}
		if errors.Is(err, ErrStalled) {
			log.Info("Submission stalled", zap.Uint64("start_block", progress.StartBlock))
		}
		return q.stepError(log, err)
	}

	if outcome == nil {
		if err := q.progress.Set(ctx, key, progress); err != nil {
			return errors.Join(pendingqueue.ErrProcessWorkerError, err)
		}
		return pendingqueue.ErrProcessScheduleNextBlock
	}

	if err := q.sink.RecordOutcome(ctx, handle, *outcome); err != nil {
		log.Error("Failed to record outcome", zap.Error(err))
		return errors.Join(pendingqueue.ErrProcessWorkerError, err)
	}
	if err := q.outcomes.Set(ctx, key, *outcome); err != nil {
		log.Warn("Failed to cache outcome", zap.Error(err))
	}
	_ = q.progress.Delete(ctx, key)

	metrics.IncOutcome(outcome.Status.String())
	metrics.RecordResolveDuration(time.Since(info.QueuedAt).Milliseconds())
	log.Info("Submission resolved", zap.Stringer("outcome", outcome))
	return nil
}

// drop records a failure for submissions the queue gave up on, so they never look pending forever.
// Stale submissions and exhausted retries are reported as ErrChainUnavailable.
func (q *ResolutionQueue) drop(ctx context.Context, data []byte, info pendingqueue.QueueItemInfo, reason error) {
	var handle mevshare.SubmissionHandle
	if err := json.Unmarshal(data, &handle); err != nil {
		return
	}
	if err := handle.Validate(); err != nil {
		return
	}
	key := handle.Hash.Hex()
	log := q.log.With(zap.String("hash", key), zap.Uint64("head", info.Head))

	if _, ok, err := q.outcomes.Get(ctx, key); err == nil && ok {
		return
	}

	failure := reason
	if !errors.Is(reason, ErrStalled) && !errors.Is(reason, ErrChainUnavailable) {
		failure = errors.Join(ErrChainUnavailable, reason)
	}
	log.Warn("Submission dropped from queue", zap.Error(failure))
	metrics.IncOutcome("failed")
	if err := q.sink.RecordFailure(ctx, handle, failure); err != nil {
		log.Error("Failed to record submission failure", zap.Error(err))
	}
	_ = q.progress.Delete(ctx, key)
}

func (q *ResolutionQueue) stepError(log *zap.Logger, err error) error {
	switch {
	case errors.Is(err, ErrStalled), errors.Is(err, mevshare.ErrInvalidHandle):
		return errors.Join(pendingqueue.ErrProcessUnrecoverable, err)
	default:
		log.Debug("Resolution step failed", zap.Error(err))
		return errors.Join(pendingqueue.ErrProcessWorkerError, err)
	}
}

// Start runs the given number of resolution workers sharing a request rate limit, and keeps the queue at the
// chain head.
func (q *ResolutionQueue) Start(ctx context.Context, workers int, limit rate.Limit) *sync.WaitGroup {
	blockNumber, err := q.chain.BlockNumber(ctx)
	if err != nil {
		q.log.Warn("Failed to get block number", zap.Error(err))
	} else {
		_ = q.queue.UpdateBlock(blockNumber)
	}

	wg := q.queue.StartProcessLoop(ctx, pendingqueue.MultipleWorkers(q.Process, workers, limit, workers))

	wg.Add(1)
	go func() {
		defer wg.Done()

		back := backoff.NewExponentialBackOff()
		back.MaxInterval = 3 * time.Second
		back.MaxElapsedTime = 12 * time.Second

		ticker := time.NewTicker(q.tracker.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := backoff.Retry(func() error {
					blockNumber, err := q.chain.BlockNumber(ctx)
					if err != nil {
						return err
					}
					err = q.queue.UpdateBlock(blockNumber)
					if errors.Is(err, pendingqueue.ErrBlockNumberIncorrect) {
						// lagging node behind a load balancer
						return nil
					}
					return err
				}, backoff.WithContext(back, ctx))
				if err != nil && ctx.Err() == nil {
					q.log.Error("Failed to update block number", zap.Error(err))
				}
			}
		}
	}()
	return wg
}
