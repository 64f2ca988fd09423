package hintstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/flashbots/mev-share-client/metrics"
	"github.com/flashbots/mev-share-client/mevshare"
	"go.uber.org/zap"
)

// Subscription is a running hint subscription. Next may be called from one goroutine at a time,
// State and Close from any goroutine.
type Subscription struct {
	stream *Stream
	log    *zap.Logger
	filter Filter
	state  stateMachine

	mu        sync.Mutex
	buf       *ring
	dropped   uint64
	malformed uint64
	seq       uint64
	err       error
	notify    chan struct{}

	duplicates *lru.Cache[common.Hash, uint64]

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Next returns the next hint, blocking until one arrives. Buffered hints are still returned after the stream
// failed, then the terminal error is: ErrUnrecoverable after the retry budget is exhausted and ErrClosed
// after Close or cancellation of the subscription context.
func (s *Subscription) Next(ctx context.Context) (Delivery, error) {
	for {
		s.mu.Lock()
		if d, ok := s.buf.pop(); ok {
			d.Dropped, d.Malformed = s.dropped, s.malformed
			s.dropped, s.malformed = 0, 0
			s.mu.Unlock()
			return d, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return Delivery{}, err
		}

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// State returns the current connection state.
func (s *Subscription) State() State {
	return s.state.current()
}

// Done is closed once the subscription stopped and released its connection.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close stops the subscription and waits for the connection to be released.
func (s *Subscription) Close() {
	s.closeOnce.Do(s.cancel)
	<-s.done
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) setState(to State) {
	if err := s.state.transition(to); err != nil {
		s.log.Error("Connection state error", zap.Error(err))
	}
}

func (s *Subscription) stateChanged(from, to State) {
	s.log.Debug("Connection state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if s.stream.OnStateChange != nil {
		s.stream.OnStateChange(from, to)
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer s.closeOnce.Do(s.cancel)

	back := s.stream.newBackOff()
	attempt := 0
	for {
		recovered, err := s.connect(ctx)
		if ctx.Err() != nil {
			s.setState(State{Kind: StateClosed})
			s.finish(ErrClosed)
			return
		}
		switch {
		case recovered:
			// downtime and retries are counted from the moment a working connection was lost
			back.Reset()
			attempt = 0
			s.log.Warn("Hint stream connection lost", zap.Error(err))
		case s.State().Kind == StateConnected:
			s.log.Warn("Hint stream connection dropped before it was usable", zap.Error(err), zap.Int("attempt", attempt))
		default:
			s.log.Warn("Failed to connect to hint stream", zap.Error(err), zap.Int("attempt", attempt))
		}

		wait := back.NextBackOff()
		if wait == backoff.Stop {
			metrics.IncStreamFailures()
			s.log.Error("Hint stream reconnect budget exhausted", zap.Error(err))
			s.setState(State{Kind: StateFailed})
			s.finish(errors.Join(ErrUnrecoverable, err))
			return
		}
		attempt++
		metrics.IncStreamReconnects()
		s.setState(State{Kind: StateReconnecting, Attempt: attempt})

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(State{Kind: StateClosed})
			s.finish(ErrClosed)
			return
		case <-timer.C:
		}
	}
}

type readResult struct {
	msg Message
	err error
}

// connect opens a connection and consumes it until it is lost. recovered reports whether the connection was
// usable: it received at least one message or stayed up for MaxInterval.
func (s *Subscription) connect(ctx context.Context) (recovered bool, err error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := s.stream.transport.Connect(connCtx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	s.setState(State{Kind: StateConnected})

	connectedAt := time.Now()
	received := false
	defer func() {
		recovered = received || time.Since(connectedAt) >= s.stream.cfg.MaxInterval
	}()

	reads := make(chan readResult)
	go func() {
		for {
			msg, err := conn.Next(connCtx)
			select {
			case reads <- readResult{msg: msg, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	idle := s.stream.cfg.IdleTimeout
	var idleC <-chan time.Time
	var timer *time.Timer
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		idleC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-idleC:
			return false, ErrIdleTimeout
		case r := <-reads:
			if r.err != nil {
				return false, r.err
			}
			received = true
			if timer != nil {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(idle)
			}
			if r.msg.Data != nil {
				s.handle(r.msg)
			}
		}
	}
}

func (s *Subscription) handle(msg Message) {
	hint, err := mevshare.DecodeHint(msg.Data)
	if err != nil {
		metrics.IncHintsMalformed()
		s.log.Debug("Skipping malformed hint", zap.Error(err), zap.Int("size", len(msg.Data)))
		s.mu.Lock()
		s.malformed++
		s.mu.Unlock()
		return
	}
	metrics.IncHintsReceived()

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	if prev, ok := s.duplicates.Get(hint.Hash); ok {
		metrics.IncHintsDuplicate()
		s.log.Debug("Duplicate hint", zap.String("hash", hint.Hash.Hex()), zap.Uint64("seq", seq), zap.Uint64("first_seq", prev))
	} else {
		s.duplicates.Add(hint.Hash, seq)
	}

	if !s.filter.Match(&hint) {
		return
	}

	s.mu.Lock()
	if s.buf.push(Delivery{Hint: hint, Seq: seq, EventID: msg.ID}) {
		s.dropped++
		metrics.IncHintsDropped()
	}
	s.mu.Unlock()
	s.wake()
}
