package mevshare

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	MaxBlockRange   uint64 = 30
	MaxBodySize            = 50
	MaxNestingLevel        = 1
)

var (
	ErrUnsupportedBundleVersion = errors.New("unsupported bundle version")
	ErrBundleTooDeep            = errors.New("bundle too deep")
	ErrInvalidInclusion         = errors.New("invalid inclusion")
	ErrInvalidBundleBody        = errors.New("invalid bundle body")
	ErrInvalidBundleBodySize    = errors.New("invalid bundle body size")
)

// MergeInclusionIntervals writes to the topLevel inclusion value of overlap between inner and topLevel
// or return error if there is no overlap
func MergeInclusionIntervals(topLevel, inner *MevBundleInclusion) error {
	if topLevel.MaxBlock < inner.BlockNumber || inner.MaxBlock < topLevel.BlockNumber {
		return ErrInvalidInclusion
	}

	if topLevel.BlockNumber < inner.BlockNumber {
		topLevel.BlockNumber = inner.BlockNumber
	}
	if topLevel.MaxBlock > inner.MaxBlock {
		topLevel.MaxBlock = inner.MaxBlock
	}
	return nil
}

// BundleItems checks the bundle the way the relay does and flattens its body into the transactions that must
// land on chain. Hash elements reference a pending mempool transaction, tx elements yield the hash of the signed
// transaction and nested bundles are expanded in place. The returned inclusion is the overlap of all nested
// inclusion windows.
func BundleItems(bundle *SendMevBundleArgs) ([]BodyItem, MevBundleInclusion, error) {
	inclusion := bundle.Inclusion
	items, err := bundleItemsInner(0, bundle, &inclusion, false)
	if err != nil {
		return nil, inclusion, err
	}
	if len(items) > MaxBodySize {
		return nil, inclusion, ErrInvalidBundleBodySize
	}
	seen := make(map[common.Hash]struct{}, len(items))
	for _, item := range items {
		if _, ok := seen[item.Hash]; ok {
			return nil, inclusion, ErrInvalidBundleBody
		}
		seen[item.Hash] = struct{}{}
	}
	return items, inclusion, nil
}

func bundleItemsInner(level int, bundle *SendMevBundleArgs, inclusion *MevBundleInclusion, canRevert bool) ([]BodyItem, error) {
	if level > MaxNestingLevel {
		return nil, ErrBundleTooDeep
	}
	if bundle.Version != "beta-1" && bundle.Version != "v0.1" {
		return nil, ErrUnsupportedBundleVersion
	}

	// validate inclusion
	inner := bundle.Inclusion
	if inner.MaxBlock == 0 {
		inner.MaxBlock = inner.BlockNumber
	}
	if inner.MaxBlock < inner.BlockNumber {
		return nil, ErrInvalidInclusion
	}
	if uint64(inner.MaxBlock-inner.BlockNumber) > MaxBlockRange {
		return nil, ErrInvalidInclusion
	}
	if level == 0 {
		*inclusion = inner
	} else if err := MergeInclusionIntervals(inclusion, &inner); err != nil {
		return nil, err
	}

	if len(bundle.Body) == 0 {
		return nil, ErrInvalidBundleBodySize
	}

	items := make([]BodyItem, 0, len(bundle.Body))
	for i, el := range bundle.Body {
		revertible := canRevert || el.CanRevert
		switch {
		case el.Hash != nil:
			// only the first element of the top level bundle can reference a pending transaction
			if level != 0 || i != 0 || len(bundle.Body) == 1 {
				return nil, ErrInvalidBundleBody
			}
			items = append(items, BodyItem{Hash: *el.Hash, CanRevert: revertible})
		case el.Tx != nil:
			var tx types.Transaction
			if err := tx.UnmarshalBinary(*el.Tx); err != nil {
				return nil, err
			}
			items = append(items, BodyItem{Hash: tx.Hash(), CanRevert: revertible})
		case el.Bundle != nil:
			innerItems, err := bundleItemsInner(level+1, el.Bundle, inclusion, revertible)
			if err != nil {
				return nil, err
			}
			items = append(items, innerItems...)
		default:
			return nil, ErrInvalidBundleBody
		}
	}
	return items, nil
}
