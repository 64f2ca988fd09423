package mevshare

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidHandle = errors.New("invalid submission handle")

type SubmissionKind uint8

const (
	SubmissionTransaction SubmissionKind = iota
	SubmissionBundle
)

func (k SubmissionKind) String() string {
	switch k {
	case SubmissionTransaction:
		return "transaction"
	case SubmissionBundle:
		return "bundle"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

func (k SubmissionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *SubmissionKind) UnmarshalText(data []byte) error {
	switch string(data) {
	case "transaction":
		*k = SubmissionTransaction
	case "bundle":
		*k = SubmissionBundle
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidHandle, string(data))
	}
	return nil
}

// BodyItem is one transaction the submission expects to land on chain.
type BodyItem struct {
	Hash      common.Hash `json:"hash"`
	CanRevert bool        `json:"canRevert,omitempty"`
}

// Window is the inclusive landing window. A nil MaxBlock means the order never expires on its own.
type Window struct {
	MinBlock uint64  `json:"minBlock"`
	MaxBlock *uint64 `json:"maxBlock,omitempty"`
}

// SubmissionHandle identifies a previously submitted order. It is not modified after creation.
type SubmissionHandle struct {
	Kind   SubmissionKind `json:"kind"`
	Hash   common.Hash    `json:"hash"`
	Items  []BodyItem     `json:"items"`
	Window Window         `json:"window"`
}

func NewTransactionHandle(hash common.Hash, minBlock uint64, maxBlock *uint64) SubmissionHandle {
	return SubmissionHandle{
		Kind:   SubmissionTransaction,
		Hash:   hash,
		Items:  []BodyItem{{Hash: hash}},
		Window: Window{MinBlock: minBlock, MaxBlock: maxBlock},
	}
}

func NewBundleHandle(hash common.Hash, items []BodyItem, inclusion MevBundleInclusion) SubmissionHandle {
	maxBlock := uint64(inclusion.MaxBlock)
	if maxBlock == 0 {
		maxBlock = uint64(inclusion.BlockNumber)
	}
	return SubmissionHandle{
		Kind:   SubmissionBundle,
		Hash:   hash,
		Items:  items,
		Window: Window{MinBlock: uint64(inclusion.BlockNumber), MaxBlock: &maxBlock},
	}
}

func (h *SubmissionHandle) Validate() error {
	switch h.Kind {
	case SubmissionTransaction:
		if len(h.Items) != 1 {
			return fmt.Errorf("%w: transaction must have exactly one item", ErrInvalidHandle)
		}
	case SubmissionBundle:
		if len(h.Items) == 0 {
			return fmt.Errorf("%w: bundle has no items", ErrInvalidHandle)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidHandle, h.Kind)
	}
	seen := make(map[common.Hash]struct{}, len(h.Items))
	for _, item := range h.Items {
		if _, ok := seen[item.Hash]; ok {
			return fmt.Errorf("%w: duplicate item %s", ErrInvalidHandle, item.Hash.Hex())
		}
		seen[item.Hash] = struct{}{}
	}
	if h.Window.MaxBlock != nil && *h.Window.MaxBlock < h.Window.MinBlock {
		return fmt.Errorf("%w: max block is before min block", ErrInvalidHandle)
	}
	return nil
}

type OutcomeStatus uint8

const (
	OutcomeIncluded OutcomeStatus = iota + 1
	OutcomeReverted
	OutcomePartiallyLanded
	OutcomeTimedOut
)

var outcomeStatusNames = map[OutcomeStatus]string{
	OutcomeIncluded:        "included",
	OutcomeReverted:        "reverted",
	OutcomePartiallyLanded: "partially_landed",
	OutcomeTimedOut:        "timed_out",
}

func (s OutcomeStatus) String() string {
	if name, ok := outcomeStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

func (s OutcomeStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OutcomeStatus) UnmarshalText(data []byte) error {
	for status, name := range outcomeStatusNames {
		if name == string(data) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown outcome status %q", string(data))
}

// ItemReceipt is the first receipt observed for a body item.
type ItemReceipt struct {
	Hash        common.Hash `json:"hash"`
	BlockNumber uint64      `json:"blockNumber"`
	Success     bool        `json:"success"`
	CanRevert   bool        `json:"canRevert,omitempty"`
}

// Outcome is the terminal classification of a submission.
//
// Included and Reverted carry the receipts of every item, Reverted lists the failed items in Failed.
// PartiallyLanded splits the items into Landed and Missing. TimedOut carries nothing.
type Outcome struct {
	Status      OutcomeStatus `json:"status"`
	BlockNumber uint64        `json:"blockNumber,omitempty"`
	Receipts    []ItemReceipt `json:"receipts,omitempty"`
	Failed      []common.Hash `json:"failed,omitempty"`
	Landed      []common.Hash `json:"landed,omitempty"`
	Missing     []common.Hash `json:"missing,omitempty"`
}

func (o Outcome) String() string {
	data, err := json.Marshal(o)
	if err != nil {
		return o.Status.String()
	}
	return string(data)
}
