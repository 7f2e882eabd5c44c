package facilitator

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
	"github.com/whodisturbsmyslumber187-web/x402/encoding"
	"github.com/whodisturbsmyslumber187-web/x402/events"
	"github.com/whodisturbsmyslumber187-web/x402/evm"
	"github.com/whodisturbsmyslumber187-web/x402/retry"
	"github.com/whodisturbsmyslumber187-web/x402/validation"
)

// ChainBackend is the chain access the settler needs. *evm.Adapter
// implements it.
type ChainBackend interface {
	PackTransfer(auth *x402.Authorization, v uint8, r, s [32]byte) ([]byte, error)
	Simulate(ctx context.Context, from, token string, callData []byte) error
	EstimateGas(ctx context.Context, from, token string, callData []byte) (uint64, error)
	Submit(ctx context.Context, operatingKey *ecdsa.PrivateKey, token string, callData []byte) (string, error)
	WaitReceipt(ctx context.Context, txHash string) (*evm.Receipt, error)
}

// SettleResult is the structured outcome of a settlement attempt.
type SettleResult struct {
	Success      bool   `json:"success"`
	TxHash       string `json:"txHash,omitempty"`
	NetworkID    string `json:"networkId,omitempty"`
	ActualAmount string `json:"actualAmount,omitempty"`
	GasUsed      uint64 `json:"gasUsed,omitempty"`
	LatencyMs    int64  `json:"latencyMs"`
	Error        string `json:"error,omitempty"`
}

// SettleOptions carries caller-side settlement parameters.
type SettleOptions struct {
	// ActualAmount overrides the charged amount for upto payments. It
	// must not exceed the signed authorization value.
	ActualAmount string
}

// Settler submits verified authorizations on-chain with the
// facilitator's operating key and reports receipts.
type Settler struct {
	chains       map[string]ChainBackend
	operatingKey *ecdsa.PrivateKey
	retryConfig  retry.Config
	metrics      *Metrics
	bus          *events.Bus
	logger       *slog.Logger
}

// SettlerOption configures a Settler.
type SettlerOption func(*Settler)

// WithSettlerChain registers a chain backend for a network.
func WithSettlerChain(network string, backend ChainBackend) SettlerOption {
	return func(s *Settler) { s.chains[network] = backend }
}

// WithSettlerEvents attaches an event bus.
func WithSettlerEvents(bus *events.Bus) SettlerOption {
	return func(s *Settler) { s.bus = bus }
}

// WithSettlerLogger sets the logger.
func WithSettlerLogger(logger *slog.Logger) SettlerOption {
	return func(s *Settler) { s.logger = logger }
}

// WithSettlerRetry overrides the submission retry policy.
func WithSettlerRetry(config retry.Config) SettlerOption {
	return func(s *Settler) { s.retryConfig = config }
}

// NewSettler creates a settler that signs submissions with operatingKey.
func NewSettler(operatingKey *ecdsa.PrivateKey, metrics *Metrics, opts ...SettlerOption) (*Settler, error) {
	if operatingKey == nil {
		return nil, x402.ErrInvalidKey
	}
	s := &Settler{
		chains:       make(map[string]ChainBackend),
		operatingKey: operatingKey,
		retryConfig: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.1,
		},
		metrics: metrics,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OperatorAddress returns the address of the operating key.
func (s *Settler) OperatorAddress() string {
	return crypto.PubkeyToAddress(s.operatingKey.PublicKey).Hex()
}

// Settle decodes the payment header, simulates the transfer, submits
// it on-chain, and waits for one confirmation. It never returns an
// error across its boundary; failures are reported in the result.
func (s *Settler) Settle(ctx context.Context, headerB64 string, req *x402.PaymentRequirements, opts SettleOptions) SettleResult {
	start := time.Now()

	result := s.settle(ctx, headerB64, req, opts)
	result.LatencyMs = time.Since(start).Milliseconds()

	var settled *big.Int
	if result.Success {
		settled, _ = new(big.Int).SetString(result.ActualAmount, 10)
	}
	if s.metrics != nil {
		s.metrics.recordSettlement(result.Success, time.Since(start), result.GasUsed, settled)
	}
	s.emit(req, result)
	return result
}

func (s *Settler) settle(ctx context.Context, headerB64 string, req *x402.PaymentRequirements, opts SettleOptions) SettleResult {
	fail := func(format string, args ...interface{}) SettleResult {
		return SettleResult{Success: false, NetworkID: req.Network, Error: fmt.Sprintf(format, args...)}
	}

	backend, ok := s.chains[req.Network]
	if !ok {
		return fail("no chain backend for network %s", req.Network)
	}

	payment, err := encoding.DecodePayment(headerB64)
	if err != nil {
		return fail("malformed payment header: %v", err)
	}
	if err := validation.ValidatePaymentPayload(payment); err != nil {
		return fail("invalid payment payload: %v", err)
	}

	inner, err := payment.ExactPayload()
	if err != nil {
		return fail("malformed %s payload: %v", payment.Scheme, err)
	}
	auth := &inner.Authorization
	if err := validation.ValidateAuthorization(*auth); err != nil {
		return fail("invalid authorization: %v", err)
	}

	actualAmount, err := s.resolveActualAmount(payment.Scheme, auth, req, opts)
	if err != nil {
		return fail("%v", err)
	}

	v, r, sigS, err := evm.SplitSignature(inner.Signature)
	if err != nil {
		return fail("invalid signature: %v", err)
	}

	callData, err := backend.PackTransfer(auth, v, r, sigS)
	if err != nil {
		return fail("failed to encode transfer: %v", err)
	}

	// The receipt wait is bounded by the requirement's timeout so a
	// stalled chain cannot hold the HTTP request open indefinitely.
	timeout := time.Duration(req.MaxTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	operator := crypto.PubkeyToAddress(s.operatingKey.PublicKey).Hex()

	// Once a transaction is broadcast its hash must survive into the
	// result even if the receipt wait is cut short.
	var lastTxHash string
	receipt, err := retry.WithRetry(ctx, s.retryConfig, retryableSubmission, func() (*evm.Receipt, error) {
		if err := backend.Simulate(ctx, operator, req.Asset, callData); err != nil {
			return nil, err
		}
		txHash, err := backend.Submit(ctx, s.operatingKey, req.Asset, callData)
		if err != nil {
			return nil, err
		}
		lastTxHash = txHash

		s.logger.Info("settlement submitted",
			"network", req.Network,
			"txHash", txHash)

		return backend.WaitReceipt(ctx, txHash)
	})
	if err != nil {
		result := fail("settlement failed: %v", err)
		result.TxHash = lastTxHash
		return result
	}

	if !receipt.Succeeded() {
		return SettleResult{
			Success:   false,
			TxHash:    receipt.TxHash,
			NetworkID: req.Network,
			GasUsed:   receipt.GasUsed,
			Error:     "transaction reverted on-chain",
		}
	}

	return SettleResult{
		Success:      true,
		TxHash:       receipt.TxHash,
		NetworkID:    req.Network,
		ActualAmount: actualAmount.String(),
		GasUsed:      receipt.GasUsed,
	}
}

// resolveActualAmount fixes the charged amount per scheme. The on-chain
// transfer always moves the signed value; for upto the lower actual
// amount is a receipt-level accounting commitment.
func (s *Settler) resolveActualAmount(scheme x402.Scheme, auth *x402.Authorization, req *x402.PaymentRequirements, opts SettleOptions) (*big.Int, error) {
	signed, err := x402.ParseAmount(auth.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization value: %w", err)
	}

	if scheme != x402.SchemeUpto {
		return signed, nil
	}

	requested := opts.ActualAmount
	if requested == "" {
		requested = req.MaxAmountRequired
	}
	actual, err := x402.ParseAmount(requested)
	if err != nil {
		return nil, fmt.Errorf("invalid actual amount: %w", err)
	}
	if actual.Cmp(signed) > 0 {
		return nil, fmt.Errorf("charge amount exceeds authorized max: %s > %s", actual.String(), auth.Value)
	}
	return actual, nil
}

// EstimateGas simulates the settlement to price it without submitting.
func (s *Settler) EstimateGas(ctx context.Context, headerB64 string, req *x402.PaymentRequirements) (uint64, error) {
	backend, ok := s.chains[req.Network]
	if !ok {
		return 0, fmt.Errorf("%w: %s", x402.ErrUnsupportedNetwork, req.Network)
	}

	payment, err := encoding.DecodePayment(headerB64)
	if err != nil {
		return 0, err
	}
	inner, err := payment.ExactPayload()
	if err != nil {
		return 0, err
	}

	v, r, sigS, err := evm.SplitSignature(inner.Signature)
	if err != nil {
		return 0, err
	}
	callData, err := backend.PackTransfer(&inner.Authorization, v, r, sigS)
	if err != nil {
		return 0, err
	}

	operator := crypto.PubkeyToAddress(s.operatingKey.PublicKey).Hex()
	return backend.EstimateGas(ctx, operator, req.Asset, callData)
}

// Networks lists the networks this settler can settle on.
func (s *Settler) Networks() []string {
	networks := make([]string, 0, len(s.chains))
	for _, id := range x402.NetworkIDs() {
		if _, ok := s.chains[id]; ok {
			networks = append(networks, id)
		}
	}
	return networks
}

func (s *Settler) emit(req *x402.PaymentRequirements, result SettleResult) {
	if s.bus == nil {
		return
	}
	if result.Success {
		s.bus.Emit(events.Event{
			Type:    events.PaymentSettled,
			URL:     req.Resource,
			Amount:  result.ActualAmount,
			Network: req.Network,
			TxHash:  result.TxHash,
		})
		return
	}
	s.bus.Emit(events.Event{
		Type:    events.PaymentFailed,
		URL:     req.Resource,
		Network: req.Network,
		TxHash:  result.TxHash,
		Error:   result.Error,
	})
}

// retryableSubmission excludes structural rejections: a nonce already
// consumed or an underfunded payer will not heal on retry.
func retryableSubmission(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "nonce") || strings.Contains(msg, "insufficient") {
		return false
	}
	return evm.IsRetryableError(err)
}
