package http

import (
	"context"
	"encoding/json"
	"net/http"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
	"github.com/whodisturbsmyslumber187-web/x402/encoding"
)

// contextKey avoids collisions with other middleware context values.
type contextKey string

// PaymentContextKey stores the verified payment for handler access.
const PaymentContextKey = contextKey("x402_payment")

// PaymentInfo is what the gateway learned about a successful payment.
type PaymentInfo struct {
	Payer        string
	Amount       string
	ActualAmount string
	Network      string
	Scheme       x402.Scheme
	TxHash       string
	Resource     string
}

// PaymentFromContext returns the payment attached by the gateway, or
// nil if the request was not payment-gated.
func PaymentFromContext(ctx context.Context) *PaymentInfo {
	info, _ := ctx.Value(PaymentContextKey).(*PaymentInfo)
	return info
}

// sendPaymentRequired writes the 402 response listing every accepted
// payment option.
func sendPaymentRequired(w http.ResponseWriter, accepts []x402.PaymentRequirements) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(x402.PaymentRequiredResponse{
		X402Version: x402.X402Version,
		Accepts:     accepts,
		Error:       "Payment required",
	})
}

// sendGateError writes a 400 with the failure reason.
func sendGateError(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"x402Version": x402.X402Version,
		"error":       reason,
	})
}

// attachReceipt sets the X-PAYMENT-RESPONSE header from a settlement.
func attachReceipt(w http.ResponseWriter, settle *SettleResponse) error {
	header, err := encoding.EncodeReceipt(x402.PaymentResponse{
		Success:      settle.Success,
		TxHash:       settle.TxHash,
		NetworkID:    settle.NetworkID,
		ActualAmount: settle.ActualAmount,
	})
	if err != nil {
		return err
	}
	w.Header().Set(x402.PaymentResponseHeader, header)
	return nil
}

// matchRequirement finds the offered requirement the client signed
// for. The client's choice is fixed by the single (scheme, network)
// pair in its header; the first offer wins when none match.
func matchRequirement(payment x402.PaymentPayload, offered []x402.PaymentRequirements) *x402.PaymentRequirements {
	for i := range offered {
		if offered[i].Scheme == payment.Scheme && offered[i].Network == payment.Network {
			return &offered[i]
		}
	}
	return &offered[0]
}
