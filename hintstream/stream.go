// Package hintstream consumes the relay hint stream.
//
// A subscription keeps a connection to the relay open, reconnecting with exponential backoff when it is lost,
// and hands decoded hints to the consumer through a bounded buffer. When the consumer falls behind the oldest
// hints are dropped and the number of dropped hints is reported with the next delivery. Malformed events are
// skipped and counted the same way. Hints are delivered in relay order within a connection, events sent while
// the stream was reconnecting are lost.
package hintstream

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/flashbots/mev-share-client/mevshare"
	"go.uber.org/zap"
)

var (
	// ErrUnrecoverable terminates a subscription that could not reconnect within the retry budget.
	ErrUnrecoverable = errors.New("hint stream unrecoverable")
	ErrClosed        = errors.New("hint stream closed")
	ErrIdleTimeout   = errors.New("hint stream idle timeout")
)

// Delivery is a hint handed to the consumer.
type Delivery struct {
	Hint mevshare.Hint
	// Seq numbers received hints in arrival order across reconnects
	Seq uint64
	// EventID is the relay event id if the transport has one
	EventID string
	// Dropped is the number of hints discarded because the buffer was full since the previous delivery
	Dropped uint64
	// Malformed is the number of events that could not be decoded since the previous delivery
	Malformed uint64
}

// Stream creates subscriptions to one hint transport.
type Stream struct {
	log       *zap.Logger
	transport Transport
	cfg       Config

	// OnStateChange is called on every connection state transition of every subscription
	OnStateChange func(from, to State)
}

func NewStream(log *zap.Logger, transport Transport, cfg Config) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Stream{
		log:       log.Named("hintstream"),
		transport: transport,
		cfg:       cfg,
	}, nil
}

// Subscribe starts a subscription. It runs until Close is called, ctx is cancelled or the reconnect budget
// is exhausted.
func (s *Stream) Subscribe(ctx context.Context, filter Filter) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		stream:     s,
		log:        s.log,
		filter:     filter,
		buf:        newRing(s.cfg.BufferSize),
		notify:     make(chan struct{}, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
		duplicates: lru.NewCache[common.Hash, uint64](s.cfg.DuplicateWindow),
	}
	sub.state.onChange = sub.stateChanged
	go sub.run(ctx)
	return sub
}

func (s *Stream) newBackOff() backoff.BackOff {
	back := backoff.NewExponentialBackOff()
	back.InitialInterval = s.cfg.InitialInterval
	back.MaxInterval = s.cfg.MaxInterval
	back.Multiplier = 2
	back.MaxElapsedTime = s.cfg.MaxDowntime
	back.Reset()
	if s.cfg.MaxRetries > 0 {
		return backoff.WithMaxRetries(back, s.cfg.MaxRetries)
	}
	return back
}
