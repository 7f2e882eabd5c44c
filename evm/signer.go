package evm

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
)

// clockSkewSlack is subtracted from validAfter so an authorization
// signed by a slightly-ahead clock is still accepted by the verifier.
const clockSkewSlack = 60

// Self-nonce bookkeeping bounds. The signer re-draws on a local
// collision and trims its memory of issued nonces once it grows past
// the high-water mark.
const (
	nonceRedrawLimit   = 100
	nonceHighWater     = 10000
	nonceKeepAfterTrim = 5000
)

// Signer implements x402.Signer for EVM networks. It holds the payer
// key in-process; the key never crosses the API boundary.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	network    string
	tokens     []string
	maxAmount  *big.Int

	mu          sync.Mutex
	issuedOrder []common.Hash
	issued      map[common.Hash]struct{}
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a new EVM signer with the given options. A private
// key and network are required; with no token configured, the network's
// canonical USDC is assumed.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{
		issued: make(map[common.Hash]struct{}),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.privateKey == nil {
		return nil, x402.ErrInvalidKey
	}
	network, err := x402.GetNetwork(s.network)
	if err != nil {
		return nil, err
	}
	if len(s.tokens) == 0 {
		s.tokens = []string{network.USDCAddress}
	}

	s.address = crypto.PubkeyToAddress(s.privateKey.PublicKey)
	return s, nil
}

// WithPrivateKey sets the private key from a hex string.
func WithPrivateKey(hexKey string) SignerOption {
	return func(s *Signer) error {
		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return x402.ErrInvalidKey
		}
		s.privateKey = privateKey
		return nil
	}
}

// WithNetwork sets the blockchain network.
func WithNetwork(network string) SignerOption {
	return func(s *Signer) error {
		s.network = network
		return nil
	}
}

// WithToken adds a token contract the signer is willing to pay with.
func WithToken(address string) SignerOption {
	return func(s *Signer) error {
		s.tokens = append(s.tokens, address)
		return nil
	}
}

// WithMaxAmountPerCall sets the per-payment spending limit in atomic units.
func WithMaxAmountPerCall(amount string) SignerOption {
	return func(s *Signer) error {
		maxAmount, err := x402.ParseAmount(amount)
		if err != nil {
			return err
		}
		s.maxAmount = maxAmount
		return nil
	}
}

// Network implements x402.Signer.
func (s *Signer) Network() string {
	return s.network
}

// Address implements x402.Signer.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// MaxAmount implements x402.Signer.
func (s *Signer) MaxAmount() *big.Int {
	return s.maxAmount
}

// CanSign implements x402.Signer.
func (s *Signer) CanSign(requirements *x402.PaymentRequirements) bool {
	if requirements.Network != s.network {
		return false
	}
	if requirements.Scheme != x402.SchemeExact && requirements.Scheme != x402.SchemeUpto {
		return false
	}
	for _, token := range s.tokens {
		if x402.EqualAddress(token, requirements.Asset) {
			return true
		}
	}
	return false
}

// Sign implements x402.Signer. It draws a fresh nonce, builds the
// authorization window from the requirement's timeout, signs the
// EIP-712 struct, and wraps the result in a PaymentPayload for the
// requirement's scheme.
func (s *Signer) Sign(requirements *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if !s.CanSign(requirements) {
		return nil, fmt.Errorf("%w: signer for %s cannot satisfy %s/%s",
			x402.ErrNoValidOption, s.network, requirements.Network, requirements.Scheme)
	}

	amount, err := x402.ParseAmount(requirements.MaxAmountRequired)
	if err != nil {
		return nil, err
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, fmt.Errorf("%w: %s > limit %s", x402.ErrPriceExceedsMax,
			requirements.MaxAmountRequired, s.maxAmount.String())
	}

	nonce, err := s.drawNonce()
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	auth := &x402.Authorization{
		From:        s.address.Hex(),
		To:          common.HexToAddress(requirements.PayTo).Hex(),
		Value:       amount.String(),
		ValidAfter:  big.NewInt(now - clockSkewSlack).String(),
		ValidBefore: big.NewInt(now + int64(requirements.MaxTimeoutSeconds)).String(),
		Nonce:       nonce.Hex(),
	}

	domain, err := DomainFor(requirements)
	if err != nil {
		return nil, err
	}

	signature, err := SignTransferAuthorization(s.privateKey, domain, auth)
	if err != nil {
		return nil, err
	}

	var inner interface{}
	switch requirements.Scheme {
	case x402.SchemeUpto:
		inner = x402.UptoPayload{Signature: signature, Authorization: *auth}
	default:
		inner = x402.ExactPayload{Signature: signature, Authorization: *auth}
	}

	return x402.NewPaymentPayload(requirements.Scheme, s.network, inner)
}

// drawNonce generates a random 32-byte nonce the signer has not issued
// before. Collisions are astronomically unlikely; the re-draw loop
// guards against a broken entropy source rather than probability.
func (s *Signer) drawNonce() (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < nonceRedrawLimit; attempt++ {
		var nonce [32]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return common.Hash{}, fmt.Errorf("failed to generate nonce: %w", err)
		}
		h := common.BytesToHash(nonce[:])
		if _, dup := s.issued[h]; dup {
			continue
		}
		s.issued[h] = struct{}{}
		s.issuedOrder = append(s.issuedOrder, h)
		s.trimIssuedLocked()
		return h, nil
	}
	return common.Hash{}, fmt.Errorf("failed to generate unique nonce after %d attempts", nonceRedrawLimit)
}

func (s *Signer) trimIssuedLocked() {
	if len(s.issuedOrder) <= nonceHighWater {
		return
	}
	drop := len(s.issuedOrder) - nonceKeepAfterTrim
	for _, h := range s.issuedOrder[:drop] {
		delete(s.issued, h)
	}
	s.issuedOrder = append(s.issuedOrder[:0], s.issuedOrder[drop:]...)
}
