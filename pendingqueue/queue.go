// Package pendingqueue is a block-driven work queue that uses redis as a backend.
//
// Queue uses one sorted set in redis to store items. The score of an item is the ready block: the first chain head
// at which the item can be processed. Items are kept until the processing function settles them, so the same item
// is usually processed many times, once per new block, until it reaches a terminal state.
//
// Usage:
// 1. Create a new queue instance with `NewRedisQueue`.
// 2. Start processing loop with `StartProcessLoop`.
// 3. Push items to the queue with `Push`.
// 4. Queue needs to be updated with the current block number regularly. It does not update the block number automatically.
//
// NOTE: Queue is not 100% reliable.
//
//	There is a small chance that an item is lost when worker who claimed the item crashes or loses connection to the
//	network. The max number of items that can be lost this way is equal to the number of workers.
//
// Queue submission:
//   - Client pushes an item specifying the ready block and optionally a deadline block.
//   - Items with a deadline below the current block are rejected with `ErrStaleItem`.
//   - If the queue is full, the item is discarded and `ErrQueueFull` is returned.
//
// Queue processing:
//
//  1. Each worker pops the item with the lowest ready block. For the same ready block, order is determined
//     lexicographically by priority, number of retries, time of submission, deadline and the payload itself.
//
//  2. If the ready block is above the current block the item is put back and the worker waits for the next block.
//     Items whose deadline has passed are dropped.
//
//  3. Otherwise the `ProcessFunc` is called:
//     * `nil` settles the item and removes it from the queue.
//     * `ErrProcessScheduleNextBlock` puts the item back with the ready block set to current block + 1.
//     * `ErrProcessWorkerError` (or worker timeout) puts the item back unchanged, up to `MaxRetries` times.
//     * `ErrProcessUnrecoverable` and any other error drop the item.
//
//  4. Every item dropped without being settled (stale, max retries, unrecoverable) is passed to the `DropFunc`
//     set with `SetDropFunc`, together with the reason.
//
// Queue shutdown:
// 1. Workers can be shutdown by cancelling the context passed to `StartProcessLoop`.
// 2. WaitGroup returned form `StartProcessLoop` can be used to wait for all workers to finish processing.
package pendingqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flashbots/mev-share-client/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrBlockNumberIncorrect = errors.New("block number is invalid")
	ErrStaleItem            = errors.New("item is stale")
	ErrQueueFull            = errors.New("queue is full")
	ErrMaxRetriesReached    = errors.New("max retries reached")
	ErrRequeueFailed        = errors.New("item requeue failed")
)

// Errors returned by ProcessFunc.
var (
	// ErrProcessScheduleNextBlock is returned by ProcessFunc if item should be processed again on the next block.
	ErrProcessScheduleNextBlock = errors.New("try to schedule item for the next block")
	// ErrProcessWorkerError is returned by ProcessFunc if item should be retried on the same block by a different worker.
	ErrProcessWorkerError = errors.New("worker error, retry processing on another worker")
	// ErrProcessUnrecoverable is returned by ProcessFunc if item can never be processed and should be dropped.
	ErrProcessUnrecoverable = errors.New("unrecoverable processing error, dropping item")
)

// QueueItemInfo describes the popped item to the ProcessFunc.
type QueueItemInfo struct {
	// Iteration is the number of worker errors while processing this item
	Iteration     uint16
	ReadyBlock    uint64
	DeadlineBlock uint64
	// Head is the block the queue is at while the item is processed
	Head       uint64
	QueuedAt   time.Time
	Prioritize bool
}

type ProcessFunc func(ctx context.Context, data []byte, info QueueItemInfo) error

// DropFunc is called for items that leave the queue without being settled by the ProcessFunc.
type DropFunc func(ctx context.Context, data []byte, info QueueItemInfo, reason error)

type Queue interface {
	UpdateBlock(block uint64) error
	Push(ctx context.Context, data []byte, highPriority bool, readyBlock, deadlineBlock uint64) error
	SetDropFunc(drop DropFunc)
	StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup
}

type RedisQueueConfig struct {
	MaxRetries             uint16
	MaxQueuedItemsLowPrio  uint64
	MaxQueuedItemsHighPrio uint64
	WorkerTimeout          time.Duration
}

var DefaultQueueConfig = RedisQueueConfig{
	MaxRetries:             30,
	MaxQueuedItemsLowPrio:  4096,
	MaxQueuedItemsHighPrio: 8192,
	WorkerTimeout:          10 * time.Second,
}

type RedisQueue struct {
	log       *zap.Logger
	red       *redis.Client
	queueName string
	Config    RedisQueueConfig

	blockMu      sync.Mutex
	currentBlock uint64
	blockUpdated chan struct{}

	drop DropFunc
}

func NewRedisQueue(log *zap.Logger, red *redis.Client, queueName string, config RedisQueueConfig) *RedisQueue {
	return &RedisQueue{
		log:          log.With(zap.String("queue", queueName)),
		red:          red,
		queueName:    queueName,
		Config:       config,
		blockUpdated: make(chan struct{}),
	}
}

// UpdateBlock moves the queue to block and wakes up workers waiting for it.
func (s *RedisQueue) UpdateBlock(block uint64) error {
	s.blockMu.Lock()
	defer s.blockMu.Unlock()
	if s.currentBlock == block {
		return nil
	}
	if s.currentBlock > block {
		return ErrBlockNumberIncorrect
	}
	s.currentBlock = block
	close(s.blockUpdated)
	s.blockUpdated = make(chan struct{})
	return nil
}

// SetDropFunc must be called before StartProcessLoop.
func (s *RedisQueue) SetDropFunc(drop DropFunc) {
	s.drop = drop
}

func (s *RedisQueue) dropItem(ctx context.Context, args packArgs, info QueueItemInfo, reason error) {
	if s.drop != nil {
		s.drop(ctx, args.data, info, reason)
	}
}

func (s *RedisQueue) block() (uint64, <-chan struct{}) {
	s.blockMu.Lock()
	defer s.blockMu.Unlock()
	return s.currentBlock, s.blockUpdated
}

// Push adds an item that becomes processable once the queue reaches readyBlock.
// deadlineBlock of 0 means the item never becomes stale.
func (s *RedisQueue) Push(ctx context.Context, data []byte, highPriority bool, readyBlock, deadlineBlock uint64) error {
	currentBlock, _ := s.block()

	if deadlineBlock != 0 && deadlineBlock < currentBlock {
		s.log.Debug("deadline block is less than current block, skipping", zap.Uint64("deadline_block", deadlineBlock), zap.Uint64("current_block", currentBlock))
		return ErrStaleItem
	}

	args := packArgs{
		data:          data,
		readyBlock:    readyBlock,
		deadlineBlock: deadlineBlock,
		highPriority:  highPriority,
		timestamp:     time.Now(),
		iteration:     0,
	}
	err := s.pushToQueue(ctx, args)
	if err != nil {
		return err
	}
	s.log.Debug("pushed to queue", zap.Uint64("ready_block", readyBlock), zap.Uint64("deadline_block", deadlineBlock), zap.Bool("high_priority", highPriority))
	return nil
}

// QueuedItems returns number of items in the queue that should be eventually processed
func (s *RedisQueue) QueuedItems(ctx context.Context) (uint64, error) {
	return s.red.ZCard(ctx, s.queueName).Uint64()
}

func (s *RedisQueue) pushToQueue(ctx context.Context, args packArgs) error {
	queued, err := s.QueuedItems(ctx)
	if err != nil {
		s.log.Warn("failed to get queued items", zap.Error(err))
		return err
	}
	threshold := s.Config.MaxQueuedItemsLowPrio
	if args.highPriority {
		threshold = s.Config.MaxQueuedItemsHighPrio
	}
	if queued >= threshold {
		metrics.IncQueueFull(s.queueName)
		s.log.Error("too many unprocessed items in the queue", zap.Uint64("queued", queued), zap.Uint64("max_queued_items", threshold))
		return ErrQueueFull
	}

	score, redisData := packData(args)
	err = s.red.ZAdd(ctx, s.queueName, redis.Z{Score: score, Member: redisData}).Err()
	if err != nil {
		s.log.Debug("failed to push to queue", zap.Error(err))
	}
	return err
}

// requeue puts an item back bypassing the size limit, the item was already accounted for when it was pushed
func (s *RedisQueue) requeue(ctx context.Context, args packArgs, back backoff.BackOff) error {
	score, redisData := packData(args)
	err := backoff.Retry(func() error {
		return s.red.ZAdd(ctx, s.queueName, redis.Z{Score: score, Member: redisData}).Err()
	}, back)
	if err != nil {
		s.log.Error("failed to requeue item", zap.Error(err))
		return errors.Join(err, ErrRequeueFailed)
	}
	return nil
}

// popFromQueue pops an item from the queue
// it will block for up to 1 second waiting for an item if a queue is empty
func (s *RedisQueue) popFromQueue(ctx context.Context) (packArgs, error) {
	// 1 second is minimal value for a timeout
	value, err := s.red.BZPopMin(ctx, time.Second, s.queueName).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			s.log.Error("failed to pop from queue", zap.Error(err))
		}
		return packArgs{}, err
	}

	redisData, ok := value.Member.(string)
	if !ok {
		s.log.Error("failed to pop from queue, invalid data type")
		return packArgs{}, errInvalidPackedData
	}

	args, err := unpackData(value.Score, []byte(redisData))
	if err != nil {
		s.log.Error("failed to unpack data", zap.Error(err))
		return packArgs{}, err
	}
	return args, nil
}

// waitBlock blocks until the queue is at least at block, ctx is done or timeout passes
func (s *RedisQueue) waitBlock(ctx context.Context, block uint64, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		current, updated := s.block()
		if current >= block {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-updated:
		}
	}
}

func (s *RedisQueue) processNextItem(ctx context.Context, process ProcessFunc) error {
	// we use this backoff for requeuing items because It's important to not lose items
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = 4 * time.Second
	back := backoff.WithContext(exp, ctx)

	args, err := s.popFromQueue(ctx)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	head, _ := s.block()
	info := QueueItemInfo{
		Iteration:     args.iteration,
		ReadyBlock:    args.readyBlock,
		DeadlineBlock: args.deadlineBlock,
		Head:          head,
		QueuedAt:      args.timestamp,
		Prioritize:    args.highPriority,
	}

	// stale item, drop
	if args.deadlineBlock != 0 && head > args.deadlineBlock {
		metrics.IncQueuePopStaleItem(s.queueName)
		s.log.Debug("skipping stale item",
			zap.Uint64("head", head),
			zap.Uint64("ready_block", args.readyBlock),
			zap.Uint64("deadline_block", args.deadlineBlock))
		s.dropItem(ctx, args, info, ErrStaleItem)
		return nil
	}

	// too early to process, requeue and wait for the block. Items are ordered by ready block so nothing else
	// in the queue can be processed either.
	if head < args.readyBlock {
		if err := s.requeue(ctx, args, back); err != nil {
			return err
		}
		s.waitBlock(ctx, args.readyBlock, time.Second)
		return nil
	}

	startAt := time.Now()
	workerCtx, workerCancel := context.WithTimeout(ctx, s.Config.WorkerTimeout)
	err = process(workerCtx, args.data, info)
	workerCancel()
	metrics.RecordQueueProcessDuration(s.queueName, time.Since(startAt).Milliseconds())

	switch {
	case err == nil:
		s.log.Debug("processed queue item", zap.Uint16("iteration", args.iteration), zap.Duration("time_in_queue", time.Since(args.timestamp)))
		return nil
	case errors.Is(err, ErrProcessScheduleNextBlock):
		args.readyBlock = head + 1
		if args.deadlineBlock != 0 && args.readyBlock > args.deadlineBlock {
			metrics.IncQueuePopStaleItem(s.queueName)
			s.log.Debug("item reached deadline block, dropping", zap.Uint64("deadline_block", args.deadlineBlock))
			s.dropItem(ctx, args, info, ErrStaleItem)
			return nil
		}
		return s.requeue(ctx, args, back)
	case errors.Is(err, ErrProcessWorkerError) || errors.Is(err, context.DeadlineExceeded):
		if ctx.Err() != nil {
			// shutdown, keep the item for the next run
			return s.requeue(context.Background(), args, backoff.NewExponentialBackOff())
		}
		if args.iteration >= s.Config.MaxRetries {
			metrics.IncQueueDroppedItem(s.queueName)
			s.log.Error("worker failed to process item, max retries reached", zap.Error(err), zap.Uint16("iteration", args.iteration))
			s.dropItem(ctx, args, info, errors.Join(ErrMaxRetriesReached, err))
			return nil
		}
		s.log.Warn("worker failed to process item, retrying", zap.Error(err), zap.Uint16("iteration", args.iteration))
		args.iteration++
		if err := s.requeue(ctx, args, back); err != nil {
			return err
		}
		// give the failing worker a break, the caller backs off on errors
		return err
	default:
		metrics.IncQueueDroppedItem(s.queueName)
		if errors.Is(err, ErrProcessUnrecoverable) {
			s.log.Debug("dropping unprocessable item", zap.Error(err))
		} else {
			s.log.Error("failed to process item, dropping", zap.Error(err))
		}
		s.dropItem(ctx, args, info, err)
		return nil
	}
}

// StartProcessLoop starts a loop that will process items from the queue
// it will spawn a goroutine for each worker.
// ctx can be used to signal shutdown
// Wait group is returned to allow for graceful shutdown
func (s *RedisQueue) StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, process := range workers {
		wg.Add(1)
		go func(process ProcessFunc) {
			defer wg.Done()

			exp := backoff.NewExponentialBackOff()
			exp.MaxInterval = 30 * time.Second
			exp.MaxElapsedTime = 2 * time.Minute
			back := backoff.WithContext(exp, ctx)
			for {
				select {
				case <-ctx.Done():
					return
				default:
					err := backoff.Retry(func() error {
						return s.processNextItem(ctx, process)
					}, back)
					if err != nil && !errors.Is(err, context.Canceled) {
						s.log.Error("Processing next element failed", zap.Error(err))
					}
				}
			}
		}(process)
	}
	return &wg
}

// CleanQueues cleans all data in redis associated with the given queue
// NOTE: slow and dangerous operation, should only be used for testing
func (s *RedisQueue) CleanQueues(ctx context.Context) error {
	return s.red.Del(ctx, s.queueName).Err()
}
