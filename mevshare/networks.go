package mevshare

import (
	"errors"
	"strings"
)

var ErrUnsupportedNetwork = errors.New("unsupported network")

// Network holds the public endpoints of a mev-share deployment.
type Network struct {
	Name    string
	ChainID uint64
	// StreamURL serves the SSE event stream and the event history API
	StreamURL string
	// APIURL accepts authenticated JSON-RPC submissions
	APIURL string
}

var (
	Mainnet = Network{
		Name:      "mainnet",
		ChainID:   1,
		StreamURL: "https://mev-share.flashbots.net",
		APIURL:    "https://relay.flashbots.net",
	}
	Goerli = Network{
		Name:      "goerli",
		ChainID:   5,
		StreamURL: "https://mev-share-goerli.flashbots.net",
		APIURL:    "https://relay-goerli.flashbots.net",
	}
	Sepolia = Network{
		Name:      "sepolia",
		ChainID:   11155111,
		StreamURL: "https://mev-share-sepolia.flashbots.net",
		APIURL:    "https://relay-sepolia.flashbots.net",
	}
	Holesky = Network{
		Name:      "holesky",
		ChainID:   17000,
		StreamURL: "https://mev-share-holesky.flashbots.net",
		APIURL:    "https://relay-holesky.flashbots.net",
	}

	networks = []Network{Mainnet, Goerli, Sepolia, Holesky}
)

func NetworkByChainID(chainID uint64) (Network, error) {
	for _, n := range networks {
		if n.ChainID == chainID {
			return n, nil
		}
	}
	return Network{}, ErrUnsupportedNetwork
}

func NetworkByName(name string) (Network, error) {
	for _, n := range networks {
		if strings.EqualFold(n.Name, name) {
			return n, nil
		}
	}
	return Network{}, ErrUnsupportedNetwork
}

// HistoryURL is the base of the event history REST API.
func (n Network) HistoryURL() string {
	return strings.TrimSuffix(n.StreamURL, "/") + "/api/v1"
}
