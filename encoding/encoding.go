// Package encoding provides base64 and JSON marshaling for x402 payment
// data carried in HTTP headers. Amounts and timestamps are strings on
// the wire; numeric encodings fail to decode by construction of the
// wire types.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
)

// EncodePayment converts a PaymentPayload to a base64-encoded JSON
// string for the X-PAYMENT header.
func EncodePayment(payment x402.PaymentPayload) (string, error) {
	paymentJSON, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(paymentJSON), nil
}

// DecodePayment converts a base64-encoded JSON string to a PaymentPayload.
func DecodePayment(encoded string) (x402.PaymentPayload, error) {
	var payment x402.PaymentPayload

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payment, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}

	if err := json.Unmarshal(decoded, &payment); err != nil {
		return payment, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}

	return payment, nil
}

// DecodeResult is the discriminated outcome of SafeDecodePayment.
type DecodeResult struct {
	OK      bool
	Payment x402.PaymentPayload
	Err     error
}

// SafeDecodePayment decodes a payment header without ever returning an
// error through the Go error path; malformed input yields OK=false.
func SafeDecodePayment(encoded string) DecodeResult {
	payment, err := DecodePayment(encoded)
	if err != nil {
		return DecodeResult{OK: false, Err: err}
	}
	return DecodeResult{OK: true, Payment: payment}
}

// EncodeReceipt converts a PaymentResponse to a base64-encoded JSON
// string for the X-PAYMENT-RESPONSE header.
func EncodeReceipt(receipt x402.PaymentResponse) (string, error) {
	receiptJSON, err := json.Marshal(receipt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(receiptJSON), nil
}

// DecodeReceipt converts a base64-encoded JSON string to a PaymentResponse.
func DecodeReceipt(encoded string) (x402.PaymentResponse, error) {
	var receipt x402.PaymentResponse

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return receipt, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &receipt); err != nil {
		return receipt, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	return receipt, nil
}

// EncodeRequirements converts a PaymentRequiredResponse to base64 JSON.
func EncodeRequirements(requirements x402.PaymentRequiredResponse) (string, error) {
	reqJSON, err := json.Marshal(requirements)
	if err != nil {
		return "", fmt.Errorf("failed to marshal requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(reqJSON), nil
}

// DecodeRequirements converts base64 JSON to a PaymentRequiredResponse.
func DecodeRequirements(encoded string) (x402.PaymentRequiredResponse, error) {
	var requirements x402.PaymentRequiredResponse

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return requirements, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &requirements); err != nil {
		return requirements, fmt.Errorf("failed to unmarshal requirements: %w", err)
	}

	return requirements, nil
}
