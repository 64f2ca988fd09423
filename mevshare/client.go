package mevshare

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/mev-share-client/metrics"
	"github.com/flashbots/mev-share-client/signature"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
)

// PrivateTxMaxBlocks is how long the relay keeps a private transaction without an explicit max block.
const PrivateTxMaxBlocks uint64 = 25

var defaultRequestTimeout = 10 * time.Second

type BlockNumberSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client submits orders to the relay and returns handles that can be resolved with the inclusion tracker.
type Client struct {
	log        *zap.Logger
	network    Network
	rpc        jsonrpc.RPCClient
	httpClient *http.Client
	blocks     BlockNumberSource
}

// NewClient creates a relay client. blocks is optional, without it private transaction handles
// without an explicit max block never expire.
func NewClient(log *zap.Logger, network Network, signer *signature.Signer, blocks BlockNumberSource) *Client {
	httpClient := &http.Client{
		Timeout: defaultRequestTimeout,
		Transport: &signingTransport{
			signer: signer,
			base:   http.DefaultTransport,
		},
	}
	return &Client{
		log:     log.Named("relay").With(zap.String("network", network.Name), zap.String("signer", signer.Address().Hex())),
		network: network,
		rpc: jsonrpc.NewClientWithOpts(network.APIURL, &jsonrpc.RPCClientOpts{
			HTTPClient: httpClient,
		}),
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		blocks:     blocks,
	}
}

func (c *Client) Network() Network {
	return c.network
}

// SendPrivateTransaction sends a signed transaction with privacy preferences via eth_sendPrivateTransaction.
func (c *Client) SendPrivateTransaction(ctx context.Context, args SendPrivateTxArgs) (SubmissionHandle, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(args.Tx); err != nil {
		return SubmissionHandle{}, err
	}

	var (
		currentBlock uint64
		maxBlock     *uint64
		err          error
	)
	if c.blocks != nil {
		currentBlock, err = c.blocks.BlockNumber(ctx)
		if err != nil {
			return SubmissionHandle{}, err
		}
		defaultMax := currentBlock + PrivateTxMaxBlocks
		maxBlock = &defaultMax
	}
	if args.MaxBlockNumber != nil {
		m := uint64(*args.MaxBlockNumber)
		maxBlock = &m
		if currentBlock > m {
			currentBlock = m
		}
	}

	var hash common.Hash
	err = c.call(ctx, &hash, SendPrivateTransactionEndpointName, []SendPrivateTxArgs{args})
	if err != nil {
		return SubmissionHandle{}, err
	}
	if hash != tx.Hash() {
		c.log.Warn("Relay returned unexpected transaction hash", zap.String("expected", tx.Hash().Hex()), zap.String("got", hash.Hex()))
	}
	c.log.Debug("Private transaction accepted", zap.String("hash", hash.Hex()))
	return NewTransactionHandle(tx.Hash(), currentBlock, maxBlock), nil
}

// SendBundle sends a bundle via mev_sendBundle.
func (c *Client) SendBundle(ctx context.Context, bundle *SendMevBundleArgs) (SubmissionHandle, error) {
	items, inclusion, err := BundleItems(bundle)
	if err != nil {
		return SubmissionHandle{}, err
	}

	var res SendMevBundleResponse
	err = c.call(ctx, &res, SendBundleEndpointName, []*SendMevBundleArgs{bundle})
	if err != nil {
		return SubmissionHandle{}, err
	}
	c.log.Debug("Bundle accepted", zap.String("hash", res.BundleHash.Hex()), zap.Int("items", len(items)),
		zap.Uint64("block", uint64(inclusion.BlockNumber)), zap.Uint64("max_block", uint64(inclusion.MaxBlock)))
	return NewBundleHandle(res.BundleHash, items, inclusion), nil
}

func (c *Client) call(ctx context.Context, out any, method string, params any) error {
	startAt := time.Now()
	defer func() {
		metrics.RecordRelayRequestDuration(method, time.Since(startAt).Milliseconds())
	}()
	err := c.rpc.CallFor(ctx, out, method, params)
	if err != nil {
		metrics.IncRelayRequestErrors(method)
		c.log.Debug("Relay request failed", zap.String("method", method), zap.Error(err))
		return err
	}
	return nil
}

// signingTransport adds the X-Flashbots-Signature header to every request.
type signingTransport struct {
	signer *signature.Signer
	base   http.RoundTripper
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	header, err := t.signer.Create(body)
	if err != nil {
		return nil, err
	}

	signed := req.Clone(req.Context())
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))
	signed.Header.Set(signature.HTTPHeader, header)
	return t.base.RoundTrip(signed)
}

// PrivateTxArgs is a shortcut for a private transaction with hints and no max block.
func PrivateTxArgs(tx *types.Transaction, hints HintIntent, builders []string) (SendPrivateTxArgs, error) {
	data, err := tx.MarshalBinary()
	if err != nil {
		return SendPrivateTxArgs{}, err
	}
	return SendPrivateTxArgs{
		Tx: hexutil.Bytes(data),
		Preferences: &PrivateTxPreferences{
			Privacy: &MevBundlePrivacy{Hints: hints, Builders: builders},
		},
	}, nil
}
