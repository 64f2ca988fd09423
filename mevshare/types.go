package mevshare

import (
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrInvalidHintIntent = errors.New("invalid hint intent")
	ErrMalformedHint     = errors.New("malformed hint")
	ErrHistoryRequest    = errors.New("event history request failed")
)

const (
	SendBundleEndpointName             = "mev_sendBundle"
	SendPrivateTransactionEndpointName = "eth_sendPrivateTransaction"
)

// HintIntent is a set of hint intents
// its marshalled as an array of strings
type HintIntent uint8

const (
	HintContractAddress HintIntent = 1 << iota
	HintFunctionSelector
	HintLogs
	HintCallData
	HintHash
	HintSpecialLogs
	HintTxHash
	HintNone = 0
)

func (b *HintIntent) SetHint(flag HintIntent) {
	*b = *b | flag
}

func (b *HintIntent) HasHint(flag HintIntent) bool {
	return *b&flag != 0
}

var hintNames = []struct {
	flag HintIntent
	name string
}{
	{HintContractAddress, "contract_address"},
	{HintFunctionSelector, "function_selector"},
	{HintLogs, "logs"},
	{HintCallData, "calldata"},
	{HintHash, "hash"},
	{HintSpecialLogs, "special_logs"},
	{HintTxHash, "tx_hash"},
}

// Names returns the wire names of the set hints in a stable order.
func (b HintIntent) Names() []string {
	arr := []string{}
	for _, h := range hintNames {
		if b.HasHint(h.flag) {
			arr = append(arr, h.name)
		}
	}
	return arr
}

func (b HintIntent) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Names())
}

func (b *HintIntent) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	for _, v := range arr {
		switch v {
		case "contract_address":
			b.SetHint(HintContractAddress)
		case "function_selector":
			b.SetHint(HintFunctionSelector)
		case "logs":
			b.SetHint(HintLogs)
		case "calldata":
			b.SetHint(HintCallData)
		case "hash":
			b.SetHint(HintHash)
		case "special_logs", "default_logs":
			b.SetHint(HintSpecialLogs)
		case "tx_hash":
			b.SetHint(HintTxHash)
		default:
			return ErrInvalidHintIntent
		}
	}
	return nil
}

// Hint is one event of the mev-share event stream.
type Hint struct {
	Hash        common.Hash     `json:"hash"`
	Logs        []CleanLog      `json:"logs"`
	Txs         []TxHint        `json:"txs"`
	MevGasPrice *hexutil.Big    `json:"mevGasPrice,omitempty"`
	GasUsed     *hexutil.Uint64 `json:"gasUsed,omitempty"`
}

type TxHint struct {
	Hash             *common.Hash    `json:"hash,omitempty"`
	To               *common.Address `json:"to,omitempty"`
	FunctionSelector *hexutil.Bytes  `json:"functionSelector,omitempty"`
	CallData         *hexutil.Bytes  `json:"callData,omitempty"`
}

type CleanLog struct {
	// address of the contract that generated the event
	Address common.Address `json:"address"`
	// list of topics provided by the contract.
	Topics []common.Hash `json:"topics"`
	// supplied by the contract, usually ABI-encoded
	Data hexutil.Bytes `json:"data"`
}

type SendMevBundleArgs struct {
	Version   string             `json:"version"`
	Inclusion MevBundleInclusion `json:"inclusion"`
	Body      []MevBundleBody    `json:"body"`
	Validity  MevBundleValidity  `json:"validity"`
	Privacy   *MevBundlePrivacy  `json:"privacy,omitempty"`
	Metadata  *MevBundleMetadata `json:"metadata,omitempty"`
}

type MevBundleInclusion struct {
	BlockNumber hexutil.Uint64 `json:"block"`
	MaxBlock    hexutil.Uint64 `json:"maxBlock"`
}

type MevBundleBody struct {
	Hash      *common.Hash       `json:"hash,omitempty"`
	Tx        *hexutil.Bytes     `json:"tx,omitempty"`
	Bundle    *SendMevBundleArgs `json:"bundle,omitempty"`
	CanRevert bool               `json:"canRevert,omitempty"`
}

type MevBundleValidity struct {
	Refund       []RefundConstraint `json:"refund,omitempty"`
	RefundConfig []RefundConfig     `json:"refundConfig,omitempty"`
}

type RefundConstraint struct {
	BodyIdx int `json:"bodyIdx"`
	Percent int `json:"percent"`
}

type RefundConfig struct {
	Address common.Address `json:"address"`
	Percent int            `json:"percent"`
}

// MevBundlePrivacy holds the privacy preferences of an order.
// HintNone discloses nothing beyond the mandatory minimum, nil Builders means relay default routing.
type MevBundlePrivacy struct {
	Hints      HintIntent `json:"hints,omitempty"`
	Builders   []string   `json:"builders,omitempty"`
	WantRefund *int       `json:"wantRefund,omitempty"`
}

type MevBundleMetadata struct {
	OriginID string `json:"originId,omitempty"`
}

type SendMevBundleResponse struct {
	BundleHash common.Hash `json:"bundleHash"`
}

type SendPrivateTxArgs struct {
	Tx             hexutil.Bytes         `json:"tx"`
	MaxBlockNumber *hexutil.Uint64       `json:"maxBlockNumber,omitempty"`
	Preferences    *PrivateTxPreferences `json:"preferences,omitempty"`
}

type PrivateTxPreferences struct {
	Fast    bool              `json:"fast"`
	Privacy *MevBundlePrivacy `json:"privacy,omitempty"`
}

type EventHistoryInfo struct {
	MinBlock     uint64 `json:"minBlock"`
	MaxBlock     uint64 `json:"maxBlock"`
	MinTimestamp uint64 `json:"minTimestamp"`
	MaxTimestamp uint64 `json:"maxTimestamp"`
	Count        uint64 `json:"count"`
	MaxLimit     uint64 `json:"maxLimit"`
}

// EventHistoryParams filters the event history, zero values are omitted from the query.
type EventHistoryParams struct {
	BlockStart     uint64
	BlockEnd       uint64
	TimestampStart uint64
	TimestampEnd   uint64
	Limit          uint64
	Offset         uint64
}

type EventHistory struct {
	Block     uint64 `json:"block"`
	Timestamp uint64 `json:"timestamp"`
	Hint      Hint   `json:"hint"`
}
