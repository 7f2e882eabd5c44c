package facilitator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
	"github.com/whodisturbsmyslumber187-web/x402/encoding"
	"github.com/whodisturbsmyslumber187-web/x402/events"
	"github.com/whodisturbsmyslumber187-web/x402/evm"
	"github.com/whodisturbsmyslumber187-web/x402/validation"
)

// BalanceReader is the chain access the verifier needs. *evm.Adapter
// implements it.
type BalanceReader interface {
	BalanceOf(ctx context.Context, token, holder string) (*big.Int, error)
}

// VerifyResult is the structured outcome of a verification. The
// verifier never returns an error across its boundary.
type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
	LatencyMs     int64  `json:"latencyMs"`
}

// Verifier checks signed payment authorizations against stated
// requirements without changing chain state. It owns the nonce cache.
type Verifier struct {
	chains        map[string]BalanceReader
	nonces        *NonceCache
	metrics       *Metrics
	bus           *events.Bus
	logger        *slog.Logger
	strictBalance bool
	now           func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierChain registers a chain reader for a network.
func WithVerifierChain(network string, reader BalanceReader) VerifierOption {
	return func(v *Verifier) { v.chains[network] = reader }
}

// WithVerifierEvents attaches an event bus.
func WithVerifierEvents(bus *events.Bus) VerifierOption {
	return func(v *Verifier) { v.bus = bus }
}

// WithVerifierLogger sets the logger.
func WithVerifierLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = logger }
}

// WithStrictBalance makes a failed balance read block verification
// instead of deferring to on-chain settlement.
func WithStrictBalance() VerifierOption {
	return func(v *Verifier) { v.strictBalance = true }
}

// NewVerifier creates a verifier backed by the given nonce cache and
// metrics. Both may be shared with the settler's HTTP surface.
func NewVerifier(nonces *NonceCache, metrics *Metrics, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		chains:  make(map[string]BalanceReader),
		nonces:  nonces,
		metrics: metrics,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates the X-PAYMENT header value against requirements.
// Each step fails fast with a human-readable reason.
func (v *Verifier) Verify(ctx context.Context, headerB64 string, req *x402.PaymentRequirements) VerifyResult {
	start := v.now()

	result := v.verify(ctx, headerB64, req)
	result.LatencyMs = time.Since(start).Milliseconds()

	if v.metrics != nil {
		v.metrics.recordVerification(result.IsValid, time.Since(start))
	}
	if v.bus != nil && result.IsValid {
		v.bus.Emit(events.Event{
			Type:    events.PaymentVerified,
			URL:     req.Resource,
			Amount:  req.MaxAmountRequired,
			Network: req.Network,
		})
	}
	if !result.IsValid {
		v.logger.Info("verification rejected",
			"network", req.Network,
			"scheme", string(req.Scheme),
			"reason", result.InvalidReason)
	}
	return result
}

func (v *Verifier) verify(ctx context.Context, headerB64 string, req *x402.PaymentRequirements) VerifyResult {
	invalid := func(format string, args ...interface{}) VerifyResult {
		return VerifyResult{IsValid: false, InvalidReason: fmt.Sprintf(format, args...)}
	}

	if err := validation.ValidatePaymentRequirements(*req); err != nil {
		return invalid("invalid payment requirements: %v", err)
	}

	payment, err := encoding.DecodePayment(headerB64)
	if err != nil {
		return invalid("malformed payment header: %v", err)
	}
	if err := validation.ValidatePaymentPayload(payment); err != nil {
		return invalid("invalid payment payload: %v", err)
	}
	if payment.Scheme != req.Scheme {
		return invalid("scheme mismatch: payment is %s, requirements demand %s", payment.Scheme, req.Scheme)
	}
	if payment.Network != req.Network {
		return invalid("network mismatch: payment is %s, requirements demand %s", payment.Network, req.Network)
	}

	// exact and upto share the authorization structure; the permission
	// to settle for less does not weaken any check here.
	inner, err := payment.ExactPayload()
	if err != nil {
		return invalid("malformed %s payload: %v", payment.Scheme, err)
	}
	auth := &inner.Authorization
	if err := validation.ValidateAuthorization(*auth); err != nil {
		return invalid("invalid authorization: %v", err)
	}

	// Reserving is the check-and-record in one step: concurrent
	// verifications of the same header race here and at most one wins
	// the nonce. Every failure below must release the reservation so a
	// rejected attempt does not consume it.
	if !v.nonces.Reserve(req.Network, auth.Nonce) {
		return invalid("nonce already used (replay detected)")
	}
	fail := func(format string, args ...interface{}) VerifyResult {
		v.nonces.Release(req.Network, auth.Nonce)
		return invalid(format, args...)
	}

	if !x402.EqualAddress(auth.To, req.PayTo) {
		return fail("recipient mismatch: authorization pays %s, requirements demand %s", auth.To, req.PayTo)
	}

	value, err := x402.ParseAmount(auth.Value)
	if err != nil {
		return fail("invalid authorization value: %v", err)
	}
	required, err := x402.ParseAmount(req.MaxAmountRequired)
	if err != nil {
		return fail("invalid required amount: %v", err)
	}
	if value.Cmp(required) < 0 {
		return fail("insufficient amount: authorized %s < required %s", auth.Value, req.MaxAmountRequired)
	}

	now := big.NewInt(v.now().Unix())
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	if validAfter == nil || validBefore == nil {
		return fail("invalid authorization validity window")
	}
	if now.Cmp(validAfter) < 0 {
		return fail("authorization not yet valid (validAfter %s)", auth.ValidAfter)
	}
	if now.Cmp(validBefore) > 0 {
		return fail("authorization expired (validBefore %s)", auth.ValidBefore)
	}

	domain, err := evm.DomainFor(req)
	if err != nil {
		return fail("unsupported network: %v", err)
	}
	if err := evm.VerifyTransferAuthorization(domain, auth, inner.Signature); err != nil {
		return fail("invalid signature: %v", err)
	}

	if reason := v.checkBalance(ctx, req, auth, value); reason != "" {
		return fail("%s", reason)
	}

	return VerifyResult{IsValid: true, Payer: auth.From}
}

// checkBalance reads the payer's token balance. A read failure is soft
// unless strictBalance is set: on-chain settlement is the authoritative
// balance check, and an RPC hiccup must not block a valid authorization.
func (v *Verifier) checkBalance(ctx context.Context, req *x402.PaymentRequirements, auth *x402.Authorization, value *big.Int) string {
	reader, ok := v.chains[req.Network]
	if !ok {
		return ""
	}

	balance, err := reader.BalanceOf(ctx, req.Asset, auth.From)
	if err != nil {
		if v.strictBalance {
			return fmt.Sprintf("balance check failed: %v", err)
		}
		v.logger.Warn("balance check skipped",
			"network", req.Network,
			"error", err)
		return ""
	}
	if balance.Cmp(value) < 0 {
		return fmt.Sprintf("insufficient funds: balance %s < authorized %s", balance.String(), auth.Value)
	}
	return ""
}
