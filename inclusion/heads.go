package inclusion

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

const headChannelSize = 16

// headWatcher follows the chain head of a single resolution. It uses a new head subscription when the chain
// reader supports one and polls BlockNumber every PollInterval in any case, so a dead subscription only delays
// the next head.
type headWatcher struct {
	t     *Tracker
	head  uint64
	heads chan *types.Header
	sub   ethereum.Subscription
}

func (t *Tracker) watchHeads(ctx context.Context) *headWatcher {
	w := &headWatcher{t: t}
	subscriber, ok := t.chain.(HeadSubscriber)
	if !ok {
		return w
	}
	heads := make(chan *types.Header, headChannelSize)
	sub, err := subscriber.SubscribeNewHead(ctx, heads)
	if err != nil {
		t.log.Debug("New head subscription not available, polling", zap.Error(err))
		return w
	}
	w.heads = heads
	w.sub = sub
	return w
}

func (w *headWatcher) subErr() <-chan error {
	if w.sub == nil {
		return nil
	}
	return w.sub.Err()
}

func (w *headWatcher) observe(head uint64) {
	if head > w.head {
		w.head = head
	}
}

// wait returns the head once it reaches target.
func (w *headWatcher) wait(ctx context.Context, target uint64) (uint64, error) {
	ticker := time.NewTicker(w.t.cfg.PollInterval)
	defer ticker.Stop()

	poll := w.head < target
	for {
		if poll {
			head, err := retry(ctx, w.t.cfg, w.t.log, "block_number", w.t.chain.BlockNumber)
			if err != nil {
				return 0, err
			}
			w.observe(head)
			poll = false
		}
		if w.head >= target {
			return w.head, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case header := <-w.heads:
			if header != nil && header.Number != nil {
				w.observe(header.Number.Uint64())
			}
		case err := <-w.subErr():
			w.t.log.Debug("New head subscription failed, polling", zap.Error(err))
			w.close()
			poll = true
		case <-ticker.C:
			poll = true
		}
	}
}

func (w *headWatcher) close() {
	if w.sub != nil {
		w.sub.Unsubscribe()
		w.sub = nil
		w.heads = nil
	}
}
