package mevshare

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type HintKind uint8

const (
	HintKindTransaction HintKind = iota
	HintKindBundle
)

func (k HintKind) String() string {
	if k == HintKindBundle {
		return "bundle"
	}
	return "transaction"
}

// DecodeHint decodes one event of the stream. Events without a hash or with a function selector that is not
// 4 bytes long are rejected.
func DecodeHint(data []byte) (Hint, error) {
	var hint Hint
	if err := json.Unmarshal(data, &hint); err != nil {
		return Hint{}, errors.Join(ErrMalformedHint, err)
	}
	if hint.Hash == (common.Hash{}) {
		return Hint{}, ErrMalformedHint
	}
	for _, tx := range hint.Txs {
		if tx.FunctionSelector != nil && len(*tx.FunctionSelector) != 4 {
			return Hint{}, fmt.Errorf("%w: function selector must be 4 bytes, got %d", ErrMalformedHint, len(*tx.FunctionSelector))
		}
	}
	return hint, nil
}

// Kind treats events with no or exactly one tx as a transaction and everything else as a bundle.
func (h *Hint) Kind() HintKind {
	if len(h.Txs) <= 1 {
		return HintKindTransaction
	}
	return HintKindBundle
}

// Disclosed returns the set of hints the event actually reveals.
func (h *Hint) Disclosed() HintIntent {
	var res HintIntent = HintHash
	if len(h.Logs) > 0 {
		res.SetHint(HintLogs)
		if len(h.SwapLogs()) == len(h.Logs) && logsStripped(h.Logs) {
			res = HintHash | HintSpecialLogs
		}
	}
	for _, tx := range h.Txs {
		if tx.Hash != nil {
			res.SetHint(HintTxHash)
		}
		if tx.To != nil {
			res.SetHint(HintContractAddress)
		}
		if tx.FunctionSelector != nil {
			res.SetHint(HintFunctionSelector)
		}
		if tx.CallData != nil {
			res.SetHint(HintCallData)
		}
	}
	return res
}

// SwapLogs returns logs emitted by known DEX swap events.
func (h *Hint) SwapLogs() (res []CleanLog) {
	for _, log := range h.Logs {
		if IsSwapLog(log) {
			res = append(res, log)
		}
	}
	return res
}

// Swap (index_topic_1 address sender, uint256 amount0In, uint256 amount1In, uint256 amount0Out, uint256 amount1Out, index_topic_2 address to)
var uni2log = common.HexToHash("0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822")

// Swap (index_topic_1 address sender, index_topic_2 address recipient, int256 amount0, int256 amount1, uint160 sqrtPriceX96, uint128 liquidity, int24 tick)
var uni3log = common.HexToHash("0xc42079f94a6350d7e6235f29174924f928cc2ac818eb64fed8004e115fbcca67")

// TokenExchange (index_topic_1 address buyer, int128 sold_id, uint256 tokens_sold, int128 bought_id, uint256 tokens_bought)
var curveLog = common.HexToHash("0x8b3e96f2b889fa771c53c981b40daf005f63f637f1869f707052d15a3dd97140")

// Swap (index_topic_1 bytes32 poolId, index_topic_2 address tokenIn, index_topic_3 address tokenOut, uint256 amountIn, uint256 amountOut)
var balancerLog = common.HexToHash("0x2170c741c41531aec20e7c107c24eecfdd15e69c9bb0a8dd37b1840b9e0b207b")

func IsSwapLog(log CleanLog) bool {
	if len(log.Topics) == 0 {
		return false
	}
	switch log.Topics[0] {
	case uni2log, uni3log, curveLog:
		return true
	case balancerLog:
		// balancer routes every pool through the vault, the pool id is the first indexed topic
		return len(log.Topics) >= 2
	}
	return false
}

// SwapPool returns the identifier of the pool where the swap happened:
// the pool id for balancer and the emitting contract for everything else.
func SwapPool(log CleanLog) (common.Hash, bool) {
	if !IsSwapLog(log) {
		return common.Hash{}, false
	}
	if log.Topics[0] == balancerLog {
		return log.Topics[1], true
	}
	return common.BytesToHash(log.Address.Bytes()), true
}

// logsStripped reports whether logs carry only what "special_logs" leaks:
// the event signature, the balancer pool id and no data.
func logsStripped(logs []CleanLog) bool {
	for _, log := range logs {
		if len(log.Data) != 0 {
			return false
		}
		for i := 1; i < len(log.Topics); i++ {
			if i == 1 && log.Topics[0] == balancerLog {
				continue
			}
			if log.Topics[i] != (common.Hash{}) {
				return false
			}
		}
	}
	return true
}
