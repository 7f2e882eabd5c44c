// Package http provides the client payment engine and the
// resource-server gateway for x402 payment gating.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
)

// Facilitator round-trip timeouts. Settlement waits on a blockchain
// transaction, so it gets far more slack than verification.
const (
	DefaultVerifyTimeout = 5 * time.Second
	DefaultSettleTimeout = 30 * time.Second
)

// FacilitatorClient talks to an x402 facilitator service.
type FacilitatorClient struct {
	BaseURL       string
	Client        *http.Client
	VerifyTimeout time.Duration
	SettleTimeout time.Duration
}

// NewFacilitatorClient creates a client with default timeouts.
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		BaseURL:       baseURL,
		Client:        &http.Client{},
		VerifyTimeout: DefaultVerifyTimeout,
		SettleTimeout: DefaultSettleTimeout,
	}
}

// facilitatorRequest is the body shape shared by /verify, /settle and
// /estimate-gas.
type facilitatorRequest struct {
	X402Version         int                       `json:"x402Version"`
	PaymentHeader       string                    `json:"paymentHeader"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
	ActualAmount        string                    `json:"actualAmount,omitempty"`
}

// VerifyResponse is the facilitator's /verify result.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's /settle result.
type SettleResponse struct {
	Success      bool   `json:"success"`
	TxHash       string `json:"txHash,omitempty"`
	NetworkID    string `json:"networkId,omitempty"`
	ActualAmount string `json:"actualAmount,omitempty"`
	GasUsed      uint64 `json:"gasUsed,omitempty"`
	Error        string `json:"error,omitempty"`
}

// SupportedKind is one (scheme, network) pair the facilitator serves.
type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// SupportedResponse is the facilitator's /supported result.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// GasEstimateResponse is the facilitator's /estimate-gas result.
type GasEstimateResponse struct {
	GasEstimate uint64  `json:"gasEstimate"`
	GasCostUsd  float64 `json:"gasCostUsd"`
	Error       string  `json:"error,omitempty"`
}

// Verify asks the facilitator to validate a payment header against
// requirements without touching the chain.
func (c *FacilitatorClient) Verify(ctx context.Context, paymentHeader string, req *x402.PaymentRequirements) (*VerifyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.verifyTimeout())
	defer cancel()

	var out VerifyResponse
	if err := c.post(ctx, "/verify", facilitatorRequest{
		X402Version:         x402.X402Version,
		PaymentHeader:       paymentHeader,
		PaymentRequirements: req,
	}, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrVerificationFailed, err)
	}
	return &out, nil
}

// Settle asks the facilitator to submit the payment on-chain.
func (c *FacilitatorClient) Settle(ctx context.Context, paymentHeader string, req *x402.PaymentRequirements, actualAmount string) (*SettleResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.settleTimeout())
	defer cancel()

	var out SettleResponse
	if err := c.post(ctx, "/settle", facilitatorRequest{
		X402Version:         x402.X402Version,
		PaymentHeader:       paymentHeader,
		PaymentRequirements: req,
		ActualAmount:        actualAmount,
	}, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrSettlementFailed, err)
	}
	return &out, nil
}

// EstimateGas asks the facilitator to price a settlement.
func (c *FacilitatorClient) EstimateGas(ctx context.Context, paymentHeader string, req *x402.PaymentRequirements) (*GasEstimateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.verifyTimeout())
	defer cancel()

	var out GasEstimateResponse
	if err := c.post(ctx, "/estimate-gas", facilitatorRequest{
		X402Version:         x402.X402Version,
		PaymentHeader:       paymentHeader,
		PaymentRequirements: req,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Supported queries the (scheme, network) pairs the facilitator serves.
func (c *FacilitatorClient) Supported(ctx context.Context) (*SupportedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.verifyTimeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supported endpoint failed: status %d", resp.StatusCode)
	}

	var out SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return &out, nil
}

// post sends a JSON body and decodes the JSON reply. The facilitator
// answers 400 with a structured body, so that status still decodes.
func (c *FacilitatorClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("facilitator returned status %d: %s", resp.StatusCode, snippet)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode facilitator response: %w", err)
	}
	return nil
}

func (c *FacilitatorClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *FacilitatorClient) verifyTimeout() time.Duration {
	if c.VerifyTimeout > 0 {
		return c.VerifyTimeout
	}
	return DefaultVerifyTimeout
}

func (c *FacilitatorClient) settleTimeout() time.Duration {
	if c.SettleTimeout > 0 {
		return c.SettleTimeout
	}
	return DefaultSettleTimeout
}
