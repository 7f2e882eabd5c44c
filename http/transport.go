package http

import (
	"bytes"
	"fmt"
	"io"
	"math/big"
	"net/http"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
	"github.com/whodisturbsmyslumber187-web/x402/encoding"
	"github.com/whodisturbsmyslumber187-web/x402/events"
)

// Transport is an http.RoundTripper that performs the x402 payment hop
// transparently: a 402 response is answered with a signed retry, so any
// stdlib *http.Client gains payment support. For retries, resilience
// and streaming use the Client engine instead.
type Transport struct {
	// Base is the underlying RoundTripper; nil means
	// http.DefaultTransport.
	Base http.RoundTripper

	// Signers are the available payment signers.
	Signers []x402.Signer

	// MaxAmount caps what any single request may pay, in atomic units.
	MaxAmount *big.Int

	// PaymentDecision, when set, is consulted before signing. A false
	// return declines the payment.
	PaymentDecision func(*x402.PaymentRequirements) bool

	// Bus receives payment lifecycle events when set.
	Bus *events.Bus
}

// NewHTTPClient returns a stdlib HTTP client that pays for 402
// responses with the given signers.
func NewHTTPClient(signers ...x402.Signer) *http.Client {
	return &http.Client{Transport: &Transport{Signers: signers}}
}

// RoundTrip implements http.RoundTripper. The request body, if any, is
// buffered so it can be replayed on the paid retry.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
	}

	resp, err := base.RoundTrip(cloneRequest(req, body))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	required, err := decode402(resp)
	if err != nil {
		return nil, err
	}
	selected, err := x402.SelectOption(required.Accepts)
	if err != nil {
		return nil, err
	}

	rawURL := req.URL.String()
	t.emit(events.Event{
		Type:    events.PaymentInitiated,
		URL:     rawURL,
		Amount:  selected.MaxAmountRequired,
		Network: selected.Network,
	})

	header, err := signPayment(rawURL, selected, t.Signers, t.MaxAmount, t.PaymentDecision)
	if err != nil {
		t.emit(events.Event{Type: events.PaymentFailed, URL: rawURL, Network: selected.Network, Error: err.Error()})
		return nil, err
	}
	t.emit(events.Event{
		Type:    events.PaymentSigned,
		URL:     rawURL,
		Amount:  selected.MaxAmountRequired,
		Network: selected.Network,
	})

	retryReq := cloneRequest(req, body)
	retryReq.Header.Set(x402.PaymentHeader, header)

	retryResp, err := base.RoundTrip(retryReq)
	if err != nil {
		t.emit(events.Event{Type: events.PaymentFailed, URL: rawURL, Network: selected.Network, Error: err.Error()})
		return nil, err
	}

	if receipt, rerr := encoding.DecodeReceipt(retryResp.Header.Get(x402.PaymentResponseHeader)); rerr == nil && receipt.Success {
		t.emit(events.Event{
			Type:    events.PaymentSettled,
			URL:     rawURL,
			Amount:  receipt.ActualAmount,
			Network: receipt.NetworkID,
			TxHash:  receipt.TxHash,
		})
	}
	return retryResp, nil
}

func (t *Transport) emit(event events.Event) {
	if t.Bus != nil {
		t.Bus.Emit(event)
	}
}

// decode402 reads and closes a 402 response body and returns its
// payment options.
func decode402(resp *http.Response) (*x402.PaymentRequiredResponse, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read 402 body: %w", err)
	}
	var required x402.PaymentRequiredResponse
	if err := decodeJSON(body, &required); err != nil || len(required.Accepts) == 0 {
		return nil, fmt.Errorf("%w: 402 without payment options", x402.ErrPaymentRequired)
	}
	return &required, nil
}

// cloneRequest copies a request with a replayable body. Bodies can only
// be read once, so both attempts get a fresh reader over the buffer.
func cloneRequest(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.ContentLength = int64(len(body))
	}
	return clone
}
