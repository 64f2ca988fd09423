package inclusion

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-share-client/jsonrpcserver"
	"github.com/flashbots/mev-share-client/mevshare"
	"go.uber.org/zap"
)

const (
	TrackSubmissionEndpointName      = "mevshare_trackSubmission"
	GetSubmissionOutcomeEndpointName = "mevshare_getSubmissionOutcome"
)

// OutcomeStore is the durable record of outcomes, it is consulted when the outcome cache misses.
type OutcomeStore interface {
	GetOutcome(ctx context.Context, hash common.Hash) (mevshare.Outcome, error)
}

// API exposes the resolution queue over JSON-RPC.
type API struct {
	log   *zap.Logger
	queue *ResolutionQueue
	store OutcomeStore
}

func NewAPI(log *zap.Logger, queue *ResolutionQueue, store OutcomeStore) *API {
	return &API{
		log:   log.Named("api"),
		queue: queue,
		store: store,
	}
}

// Methods returns the handlers for jsonrpcserver.NewHandler.
func (a *API) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		TrackSubmissionEndpointName:      a.TrackSubmission,
		GetSubmissionOutcomeEndpointName: a.GetSubmissionOutcome,
	}
}

// TrackSubmission queues the handle for resolution and returns its hash.
func (a *API) TrackSubmission(ctx context.Context, handle mevshare.SubmissionHandle) (common.Hash, error) {
	if err := handle.Validate(); err != nil {
		return common.Hash{}, err
	}
	a.log.Debug("Tracking submission", zap.String("hash", handle.Hash.Hex()),
		zap.String("signer", jsonrpcserver.GetSigner(ctx).Hex()), zap.String("origin", jsonrpcserver.GetOrigin(ctx)))
	if err := a.queue.Schedule(ctx, handle); err != nil {
		return common.Hash{}, err
	}
	return handle.Hash, nil
}

// GetSubmissionOutcome returns nil while the submission is not resolved.
func (a *API) GetSubmissionOutcome(ctx context.Context, hash common.Hash) (*mevshare.Outcome, error) {
	outcome, ok, err := a.queue.Outcome(ctx, hash)
	if err != nil {
		a.log.Warn("Failed to read outcome cache", zap.Error(err))
	} else if ok {
		return &outcome, nil
	}
	if a.store == nil {
		return nil, nil
	}
	outcome, err = a.store.GetOutcome(ctx, hash)
	if errors.Is(err, mevshare.ErrOutcomeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}
