// Package signature creates and verifies the X-Flashbots-Signature header used to authenticate relay requests.
package signature

import (
	"crypto/ecdsa"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// HTTPHeader is the header name that carries the signature.
const HTTPHeader = "X-Flashbots-Signature"

var (
	ErrNoSignature      = errors.New("no signature provided")
	ErrInvalidSignature = errors.New("invalid signature provided")
)

type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func NewSigner(privateKey *ecdsa.PrivateKey) *Signer {
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// NewSignerFromHex parses a hex encoded private key, with or without the 0x prefix.
func NewSignerFromHex(hexKey string) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, err
	}
	return NewSigner(privateKey), nil
}

// NewRandomSigner generates a throwaway key. Relays only use the signer address for reputation.
func NewRandomSigner() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewSigner(privateKey), nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// Create returns the header value for the given request body:
// <address>:<EIP-191 signature of the hex encoded keccak256 of body>
func (s *Signer) Create(body []byte) (string, error) {
	sig, err := crypto.Sign(bodyDigest(body), s.privateKey)
	if err != nil {
		return "", err
	}
	return s.address.Hex() + ":" + hexutil.Encode(sig), nil
}

// Verify checks the header value against the body and returns the signing address.
func Verify(header string, body []byte) (common.Address, error) {
	if header == "" {
		return common.Address{}, ErrNoSignature
	}
	parts := strings.Split(header, ":")
	if len(parts) != 2 || !common.IsHexAddress(parts[0]) {
		return common.Address{}, ErrInvalidSignature
	}
	claimed := common.HexToAddress(parts[0])

	sig, err := hexutil.Decode(parts[1])
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	// accept both the 0/1 and the 27/28 recovery id encodings
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pubKey, err := crypto.SigToPub(bodyDigest(body), sig)
	if err != nil {
		return common.Address{}, errors.Join(ErrInvalidSignature, err)
	}
	if crypto.PubkeyToAddress(*pubKey) != claimed {
		return common.Address{}, ErrInvalidSignature
	}
	return claimed, nil
}

func bodyDigest(body []byte) []byte {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(body)
	return accounts.TextHash([]byte(hexutil.Encode(hasher.Sum(nil))))
}
