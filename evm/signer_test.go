package evm

import (
	"errors"
	"strconv"
	"testing"
	"time"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
)

func testRequirements() *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.BaseSepolia.ID,
		MaxAmountRequired: "10000",
		Asset:             x402.BaseSepolia.USDCAddress,
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		MaxTimeoutSeconds: 600,
	}
}

func newTestSigner(t *testing.T, opts ...SignerOption) *Signer {
	t.Helper()
	base := []SignerOption{
		WithPrivateKey(testKeyHex),
		WithNetwork(x402.BaseSepolia.ID),
	}
	s, err := NewSigner(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	return s
}

func TestNewSignerValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    []SignerOption
		wantErr error
	}{
		{"missing key", []SignerOption{WithNetwork(x402.BaseSepolia.ID)}, x402.ErrInvalidKey},
		{"bad key hex", []SignerOption{WithPrivateKey("not-a-key"), WithNetwork(x402.BaseSepolia.ID)}, x402.ErrInvalidKey},
		{"unknown network", []SignerOption{WithPrivateKey(testKeyHex), WithNetwork("moonbase")}, x402.ErrUnsupportedNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSigner(tt.opts...); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewSignerDefaultsToNetworkUSDC(t *testing.T) {
	s := newTestSigner(t)
	if !s.CanSign(testRequirements()) {
		t.Error("signer with no explicit token cannot sign for the network's USDC")
	}
}

func TestSignerAcceptsHexPrefixedKey(t *testing.T) {
	plain := newTestSigner(t)
	prefixed := newTestSigner(t, WithPrivateKey("0x"+testKeyHex))
	if plain.Address() != prefixed.Address() {
		t.Errorf("addresses differ: %s vs %s", plain.Address(), prefixed.Address())
	}
}

func TestCanSign(t *testing.T) {
	s := newTestSigner(t)

	tests := []struct {
		name   string
		mutate func(*x402.PaymentRequirements)
		want   bool
	}{
		{"matching", func(*x402.PaymentRequirements) {}, true},
		{"upto scheme", func(r *x402.PaymentRequirements) { r.Scheme = x402.SchemeUpto }, true},
		{"unknown scheme", func(r *x402.PaymentRequirements) { r.Scheme = "subscription" }, false},
		{"other network", func(r *x402.PaymentRequirements) { r.Network = x402.BaseMainnet.ID }, false},
		{"other token", func(r *x402.PaymentRequirements) {
			r.Asset = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequirements()
			tt.mutate(req)
			if got := s.CanSign(req); got != tt.want {
				t.Errorf("CanSign() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSignProducesVerifiablePayload(t *testing.T) {
	s := newTestSigner(t)
	req := testRequirements()

	before := time.Now().Unix()
	payload, err := s.Sign(req)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	after := time.Now().Unix()

	if payload.X402Version != x402.X402Version {
		t.Errorf("version = %d, want %d", payload.X402Version, x402.X402Version)
	}
	if payload.Scheme != x402.SchemeExact || payload.Network != req.Network {
		t.Errorf("scheme/network = %s/%s", payload.Scheme, payload.Network)
	}

	inner, err := payload.ExactPayload()
	if err != nil {
		t.Fatalf("ExactPayload failed: %v", err)
	}
	auth := &inner.Authorization
	if !x402.EqualAddress(auth.From, s.Address()) {
		t.Errorf("from = %s, want %s", auth.From, s.Address())
	}
	if !x402.EqualAddress(auth.To, req.PayTo) {
		t.Errorf("to = %s, want %s", auth.To, req.PayTo)
	}
	if auth.Value != "10000" {
		t.Errorf("value = %s, want 10000", auth.Value)
	}

	validAfter, _ := strconv.ParseInt(auth.ValidAfter, 10, 64)
	validBefore, _ := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if validAfter > before-clockSkewSlack+5 || validAfter < before-clockSkewSlack-5 {
		t.Errorf("validAfter = %d, want about %d", validAfter, before-clockSkewSlack)
	}
	if validBefore < before+600 || validBefore > after+600 {
		t.Errorf("validBefore = %d, outside [%d, %d]", validBefore, before+600, after+600)
	}

	domain, err := DomainFor(req)
	if err != nil {
		t.Fatalf("DomainFor failed: %v", err)
	}
	if err := VerifyTransferAuthorization(domain, auth, inner.Signature); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestSignUptoWrapsUptoPayload(t *testing.T) {
	s := newTestSigner(t)
	req := testRequirements()
	req.Scheme = x402.SchemeUpto

	payload, err := s.Sign(req)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	inner, err := payload.UptoPayload()
	if err != nil {
		t.Fatalf("UptoPayload failed: %v", err)
	}
	if inner.Authorization.Value != req.MaxAmountRequired {
		t.Errorf("signed value = %s, want the max %s", inner.Authorization.Value, req.MaxAmountRequired)
	}
}

func TestSignNoncesAreUnique(t *testing.T) {
	s := newTestSigner(t)
	req := testRequirements()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		payload, err := s.Sign(req)
		if err != nil {
			t.Fatalf("Sign %d failed: %v", i, err)
		}
		inner, err := payload.ExactPayload()
		if err != nil {
			t.Fatalf("ExactPayload failed: %v", err)
		}
		if seen[inner.Authorization.Nonce] {
			t.Fatalf("nonce %s repeated", inner.Authorization.Nonce)
		}
		seen[inner.Authorization.Nonce] = true
	}
}

func TestSignEnforcesSpendingLimit(t *testing.T) {
	s := newTestSigner(t, WithMaxAmountPerCall("5000"))
	req := testRequirements() // asks for 10000

	if _, err := s.Sign(req); !errors.Is(err, x402.ErrPriceExceedsMax) {
		t.Errorf("error = %v, want ErrPriceExceedsMax", err)
	}

	req.MaxAmountRequired = "5000"
	if _, err := s.Sign(req); err != nil {
		t.Errorf("Sign at exactly the limit failed: %v", err)
	}
}

func TestSignRejectsUnsatisfiableRequirement(t *testing.T) {
	s := newTestSigner(t)
	req := testRequirements()
	req.Network = x402.BaseMainnet.ID

	if _, err := s.Sign(req); !errors.Is(err, x402.ErrNoValidOption) {
		t.Errorf("error = %v, want ErrNoValidOption", err)
	}
}

func TestWithMnemonicDerivesKnownAddress(t *testing.T) {
	// Standard BIP-39 test vector at m/44'/60'/0'/0/0.
	mnemonic := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

	s, err := NewSigner(
		WithMnemonic(mnemonic, 0),
		WithNetwork(x402.BaseSepolia.ID),
	)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	want := "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
	if !x402.EqualAddress(s.Address(), want) {
		t.Errorf("address = %s, want %s", s.Address(), want)
	}
}

func TestWithMnemonicRejectsInvalid(t *testing.T) {
	_, err := NewSigner(
		WithMnemonic("not a real mnemonic phrase", 0),
		WithNetwork(x402.BaseSepolia.ID),
	)
	if !errors.Is(err, x402.ErrInvalidKey) {
		t.Errorf("error = %v, want ErrInvalidKey", err)
	}
}
