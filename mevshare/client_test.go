package mevshare

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/mev-share-client/jsonrpcserver"
	"github.com/flashbots/mev-share-client/signature"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedBlocks uint64

func (b fixedBlocks) BlockNumber(ctx context.Context) (uint64, error) {
	return uint64(b), nil
}

type fakeRelay struct {
	signers     []common.Address
	privateTxs  []SendPrivateTxArgs
	bundles     []SendMevBundleArgs
	bundleHash  common.Hash
	rejectCalls bool
}

func (f *fakeRelay) server(t *testing.T) *httptest.Server {
	t.Helper()
	handler, err := jsonrpcserver.NewHandler(jsonrpcserver.Methods{
		SendPrivateTransactionEndpointName: func(ctx context.Context, args SendPrivateTxArgs) (common.Hash, error) {
			f.signers = append(f.signers, jsonrpcserver.GetSigner(ctx))
			if f.rejectCalls {
				return common.Hash{}, errors.New("rejected") //nolint:goerr113
			}
			f.privateTxs = append(f.privateTxs, args)
			var tx types.Transaction
			if err := tx.UnmarshalBinary(args.Tx); err != nil {
				return common.Hash{}, err
			}
			return tx.Hash(), nil
		},
		SendBundleEndpointName: func(ctx context.Context, args SendMevBundleArgs) (SendMevBundleResponse, error) {
			f.signers = append(f.signers, jsonrpcserver.GetSigner(ctx))
			f.bundles = append(f.bundles, args)
			return SendMevBundleResponse{BundleHash: f.bundleHash}, nil
		},
	})
	require.NoError(t, err)
	handler.RequireSignature = true
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, relay *fakeRelay, blocks BlockNumberSource) (*Client, *signature.Signer) {
	t.Helper()
	srv := relay.server(t)
	signer, err := signature.NewRandomSigner()
	require.NoError(t, err)
	network := Network{Name: "test", ChainID: 1, StreamURL: srv.URL, APIURL: srv.URL}
	return NewClient(zap.NewNop(), network, signer, blocks), signer
}

func TestClient_SendPrivateTransaction(t *testing.T) {
	raw, txHash := signedTx(t, 0)

	t.Run("default max block", func(t *testing.T) {
		relay := &fakeRelay{}
		client, signer := newTestClient(t, relay, fixedBlocks(100))

		handle, err := client.SendPrivateTransaction(context.Background(), SendPrivateTxArgs{Tx: *raw})
		require.NoError(t, err)
		require.Equal(t, SubmissionTransaction, handle.Kind)
		require.Equal(t, txHash, handle.Hash)
		require.Equal(t, []BodyItem{{Hash: txHash}}, handle.Items)
		require.Equal(t, uint64(100), handle.Window.MinBlock)
		require.NotNil(t, handle.Window.MaxBlock)
		require.Equal(t, uint64(100)+PrivateTxMaxBlocks, *handle.Window.MaxBlock)
		require.NoError(t, handle.Validate())

		require.Equal(t, []common.Address{signer.Address()}, relay.signers)
		require.Len(t, relay.privateTxs, 1)
		require.Equal(t, *raw, relay.privateTxs[0].Tx)
	})

	t.Run("explicit max block", func(t *testing.T) {
		relay := &fakeRelay{}
		client, _ := newTestClient(t, relay, fixedBlocks(100))

		maxBlock := hexutil.Uint64(110)
		handle, err := client.SendPrivateTransaction(context.Background(), SendPrivateTxArgs{Tx: *raw, MaxBlockNumber: &maxBlock})
		require.NoError(t, err)
		require.Equal(t, uint64(110), *handle.Window.MaxBlock)
		require.Equal(t, uint64(110), uint64(*relay.privateTxs[0].MaxBlockNumber))
	})

	t.Run("no block source", func(t *testing.T) {
		relay := &fakeRelay{}
		client, _ := newTestClient(t, relay, nil)

		handle, err := client.SendPrivateTransaction(context.Background(), SendPrivateTxArgs{Tx: *raw})
		require.NoError(t, err)
		require.Equal(t, uint64(0), handle.Window.MinBlock)
		require.Nil(t, handle.Window.MaxBlock)
	})

	t.Run("relay error", func(t *testing.T) {
		relay := &fakeRelay{rejectCalls: true}
		client, _ := newTestClient(t, relay, fixedBlocks(100))

		_, err := client.SendPrivateTransaction(context.Background(), SendPrivateTxArgs{Tx: *raw})
		require.ErrorContains(t, err, "rejected")
	})

	t.Run("invalid transaction", func(t *testing.T) {
		relay := &fakeRelay{}
		client, _ := newTestClient(t, relay, fixedBlocks(100))

		_, err := client.SendPrivateTransaction(context.Background(), SendPrivateTxArgs{Tx: hexutil.Bytes{0x01, 0x02}})
		require.Error(t, err)
		require.Empty(t, relay.signers)
	})
}

func TestClient_SendBundle(t *testing.T) {
	tx1, hash1 := signedTx(t, 0)
	tx2, hash2 := signedTx(t, 1)
	bundleHash := common.HexToHash("0xb0b0")

	relay := &fakeRelay{bundleHash: bundleHash}
	client, signer := newTestClient(t, relay, nil)

	bundle := &SendMevBundleArgs{
		Version:   "v0.1",
		Inclusion: MevBundleInclusion{BlockNumber: 10, MaxBlock: 12},
		Body: []MevBundleBody{
			{Tx: tx1},
			{Tx: tx2, CanRevert: true},
		},
	}
	handle, err := client.SendBundle(context.Background(), bundle)
	require.NoError(t, err)
	require.Equal(t, SubmissionBundle, handle.Kind)
	require.Equal(t, bundleHash, handle.Hash)
	require.Equal(t, []BodyItem{{Hash: hash1}, {Hash: hash2, CanRevert: true}}, handle.Items)
	require.Equal(t, uint64(10), handle.Window.MinBlock)
	require.Equal(t, uint64(12), *handle.Window.MaxBlock)

	require.Equal(t, []common.Address{signer.Address()}, relay.signers)
	require.Len(t, relay.bundles, 1)

	// invalid bundles never reach the relay
	_, err = client.SendBundle(context.Background(), &SendMevBundleArgs{Version: "v0.1"})
	require.ErrorIs(t, err, ErrInvalidBundleBodySize)
	require.Len(t, relay.bundles, 1)
}

func TestClient_EventHistory(t *testing.T) {
	var (
		gotQuery string
		fail     bool
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/history/info", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(EventHistoryInfo{MinBlock: 1, MaxBlock: 20, Count: 3, MaxLimit: 500})
	})
	mux.HandleFunc("/api/v1/history", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode([]EventHistory{
			{Block: 5, Timestamp: 1000, Hint: Hint{Hash: common.HexToHash("0x01")}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	signer, err := signature.NewRandomSigner()
	require.NoError(t, err)
	client := NewClient(zap.NewNop(), Network{Name: "test", StreamURL: srv.URL, APIURL: srv.URL}, signer, nil)

	info, err := client.GetEventHistoryInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, EventHistoryInfo{MinBlock: 1, MaxBlock: 20, Count: 3, MaxLimit: 500}, info)

	history, err := client.GetEventHistory(context.Background(), EventHistoryParams{BlockStart: 5, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, "blockStart=5&limit=10", gotQuery)
	require.Len(t, history, 1)
	require.Equal(t, uint64(5), history[0].Block)
	require.Equal(t, common.HexToHash("0x01"), history[0].Hint.Hash)

	fail = true
	_, err = client.GetEventHistory(context.Background(), EventHistoryParams{})
	require.ErrorIs(t, err, ErrHistoryRequest)
}

func TestPrivateTxArgs(t *testing.T) {
	raw, _ := signedTx(t, 3)
	var tx types.Transaction
	require.NoError(t, tx.UnmarshalBinary(*raw))

	args, err := PrivateTxArgs(&tx, HintHash|HintCallData, []string{"flashbots"})
	require.NoError(t, err)
	require.Equal(t, *raw, args.Tx)
	require.Nil(t, args.MaxBlockNumber)

	data, err := json.Marshal(args)
	require.NoError(t, err)
	require.JSONEq(t, `{"tx":"`+raw.String()+`","preferences":{"fast":false,"privacy":{"hints":["calldata","hash"],"builders":["flashbots"]}}}`, string(data))
}
