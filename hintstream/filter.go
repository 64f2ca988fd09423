package hintstream

import "github.com/flashbots/mev-share-client/mevshare"

// Filter selects the hints delivered to a subscription. The zero value accepts everything.
type Filter struct {
	// Kinds limits delivery to the listed event types, empty means all of them
	Kinds []mevshare.HintKind
	// Disclosed requires every listed hint to be revealed by the event
	Disclosed mevshare.HintIntent
}

var (
	FilterAll          = Filter{}
	FilterTransactions = Filter{Kinds: []mevshare.HintKind{mevshare.HintKindTransaction}}
	FilterBundles      = Filter{Kinds: []mevshare.HintKind{mevshare.HintKindBundle}}
)

func (f Filter) Match(hint *mevshare.Hint) bool {
	if len(f.Kinds) > 0 {
		kind := hint.Kind()
		found := false
		for _, k := range f.Kinds {
			if k == kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return hint.Disclosed()&f.Disclosed == f.Disclosed
}
