package inclusion

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flashbots/mev-share-client/metrics"
	"go.uber.org/zap"
)

// retry calls fn until it succeeds, the retry budget of cfg is spent or ctx is done.
// A spent budget is reported as ErrChainUnavailable.
func retry[T any](ctx context.Context, cfg Config, log *zap.Logger, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.RetryInitialInterval
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	back := backoff.WithContext(backoff.WithMaxRetries(exp, cfg.RetryMaxRetries), ctx)

	var res T
	err := backoff.RetryNotify(func() error {
		var err error
		res, err = fn(ctx)
		return err
	}, back, func(err error, next time.Duration) {
		metrics.IncChainRequestRetries()
		log.Debug("Chain request failed, retrying", zap.String("op", op), zap.Duration("next", next), zap.Error(err))
	})
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	metrics.IncChainUnavailable()
	log.Warn("Chain request failed", zap.String("op", op), zap.Error(err))
	return res, errors.Join(ErrChainUnavailable, err)
}
