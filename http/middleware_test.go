package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
	"github.com/whodisturbsmyslumber187-web/x402/encoding"
)

// gatewayFacilitator answers /verify and /settle with fixed outcomes.
func gatewayFacilitator(t *testing.T, valid bool, reason string) *FacilitatorClient {
	t.Helper()
	return fakeFacilitator(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/verify":
			if !valid {
				w.WriteHeader(http.StatusBadRequest)
			}
			json.NewEncoder(w).Encode(VerifyResponse{IsValid: valid, InvalidReason: reason, Payer: "0xpayer"})
		case "/settle":
			if !valid {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(SettleResponse{Success: false, Error: reason})
				return
			}
			json.NewEncoder(w).Encode(SettleResponse{
				Success:      true,
				TxHash:       "0xtx",
				NetworkID:    x402.BaseSepolia.ID,
				ActualAmount: "1000",
			})
		default:
			t.Errorf("unexpected facilitator path %s", r.URL.Path)
		}
	})
}

func paymentHeaderValue(t *testing.T) string {
	t.Helper()
	payload, err := x402.NewPaymentPayload(x402.SchemeExact, x402.BaseSepolia.ID, x402.ExactPayload{
		Signature: "0x" + strings.Repeat("ab", 65),
		Authorization: x402.Authorization{
			From:        "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			To:          "0x857b06519E91e3A54538791bDbb0E22373e36b66",
			Value:       "1000",
			ValidAfter:  "1700000000",
			ValidBefore: "1700000600",
			Nonce:       "0x" + strings.Repeat("cd", 32),
		},
	})
	if err != nil {
		t.Fatalf("NewPaymentPayload failed: %v", err)
	}
	header, err := encoding.EncodePayment(*payload)
	if err != nil {
		t.Fatalf("EncodePayment failed: %v", err)
	}
	return header
}

func gatedHandler(cfg *GatewayConfig) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if info := PaymentFromContext(r.Context()); info != nil {
			w.Header().Set("X-Test-Payer", info.Payer)
		}
		w.Write([]byte("served"))
	})
	return NewGateway(cfg)(inner)
}

func TestGatewayPassthroughUnmatched(t *testing.T) {
	handler := gatedHandler(&GatewayConfig{
		Facilitator: gatewayFacilitator(t, true, ""),
		Routes:      map[string]Route{"/premium": {Requirements: []x402.PaymentRequirements{paidRequirement()}}},
	})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/free", nil))
	if w.Code != http.StatusOK || w.Body.String() != "served" {
		t.Errorf("status = %d, body %q", w.Code, w.Body.String())
	}
}

func TestGatewayDemandsPayment(t *testing.T) {
	handler := gatedHandler(&GatewayConfig{
		Facilitator: gatewayFacilitator(t, true, ""),
		Routes:      map[string]Route{"/premium": {Requirements: []x402.PaymentRequirements{paidRequirement()}}},
	})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/premium", nil))

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	var body x402.PaymentRequiredResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode 402 body: %v", err)
	}
	if body.X402Version != x402.X402Version || len(body.Accepts) != 1 {
		t.Errorf("body = %+v", body)
	}
	offered := body.Accepts[0]
	if !strings.Contains(offered.Resource, "/premium") {
		t.Errorf("resource = %q, want the request URL", offered.Resource)
	}
	if offered.Description == "" {
		t.Error("description not defaulted")
	}
}

func TestGatewayVerifyOnly(t *testing.T) {
	var routeInfo, globalInfo *PaymentInfo
	var order []string
	handler := gatedHandler(&GatewayConfig{
		Facilitator: gatewayFacilitator(t, true, ""),
		Routes: map[string]Route{"/premium": {
			Requirements: []x402.PaymentRequirements{paidRequirement()},
			OnPayment: func(info PaymentInfo) {
				routeInfo = &info
				order = append(order, "route")
			},
		}},
		OnPayment: func(info PaymentInfo) {
			globalInfo = &info
			order = append(order, "global")
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set(x402.PaymentHeader, paymentHeaderValue(t))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "served" {
		t.Fatalf("status = %d, body %q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Test-Payer") != "0xpayer" {
		t.Error("payment info not injected into the request context")
	}
	if w.Header().Get(x402.PaymentResponseHeader) != "" {
		t.Error("verify-only route attached a receipt")
	}
	if routeInfo == nil || globalInfo == nil {
		t.Fatal("payment hooks did not fire")
	}
	if len(order) != 2 || order[0] != "route" || order[1] != "global" {
		t.Errorf("hook order = %v, want route then global", order)
	}
	if routeInfo.Payer != "0xpayer" || routeInfo.Amount != "1000" {
		t.Errorf("route info = %+v", routeInfo)
	}
}

func TestGatewayRejectsInvalidPayment(t *testing.T) {
	handler := gatedHandler(&GatewayConfig{
		Facilitator: gatewayFacilitator(t, false, "insufficient amount: authorized 5 < required 1000"),
		Routes:      map[string]Route{"/premium": {Requirements: []x402.PaymentRequirements{paidRequirement()}}},
	})

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set(x402.PaymentHeader, paymentHeaderValue(t))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(body.Error, "insufficient amount") {
		t.Errorf("error = %q", body.Error)
	}
}

func TestGatewayRejectsMalformedHeader(t *testing.T) {
	handler := gatedHandler(&GatewayConfig{
		Facilitator: gatewayFacilitator(t, true, ""),
		Routes:      map[string]Route{"/premium": {Requirements: []x402.PaymentRequirements{paidRequirement()}}},
	})

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set(x402.PaymentHeader, "!!garbage!!")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGatewaySettleThenRespond(t *testing.T) {
	var info *PaymentInfo
	handler := gatedHandler(&GatewayConfig{
		Facilitator: gatewayFacilitator(t, true, ""),
		Routes: map[string]Route{"/premium": {
			Requirements:      []x402.PaymentRequirements{paidRequirement()},
			SettleThenRespond: true,
		}},
		OnPayment: func(i PaymentInfo) { info = &i },
	})

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set(x402.PaymentHeader, paymentHeaderValue(t))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", w.Code, w.Body.String())
	}

	receiptHeader := w.Header().Get(x402.PaymentResponseHeader)
	if receiptHeader == "" {
		t.Fatal("X-PAYMENT-RESPONSE header missing")
	}
	receipt, err := encoding.DecodeReceipt(receiptHeader)
	if err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if !receipt.Success || receipt.TxHash != "0xtx" || receipt.ActualAmount != "1000" {
		t.Errorf("receipt = %+v", receipt)
	}

	if info == nil {
		t.Fatal("payment hook did not fire")
	}
	if info.TxHash != "0xtx" || info.ActualAmount != "1000" {
		t.Errorf("info = %+v", info)
	}
}

func TestGatewaySettleRejection(t *testing.T) {
	handler := gatedHandler(&GatewayConfig{
		Facilitator: gatewayFacilitator(t, false, "transaction reverted on-chain"),
		Routes: map[string]Route{"/premium": {
			Requirements:      []x402.PaymentRequirements{paidRequirement()},
			SettleThenRespond: true,
		}},
	})

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set(x402.PaymentHeader, paymentHeaderValue(t))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGatewayRouteWithoutRequirements(t *testing.T) {
	handler := gatedHandler(&GatewayConfig{
		Facilitator: gatewayFacilitator(t, true, ""),
		Routes:      map[string]Route{"/premium": {}},
	})

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set(x402.PaymentHeader, paymentHeaderValue(t))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402 for a route with no payment options", w.Code)
	}
}

func TestGatewayPrefixRoute(t *testing.T) {
	handler := gatedHandler(&GatewayConfig{
		Facilitator: gatewayFacilitator(t, true, ""),
		Routes:      map[string]Route{"/api/*": {Requirements: []x402.PaymentRequirements{paidRequirement()}}},
	})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/data", nil))
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("status for /api/v1/data = %d, want 402", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/apiary", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status for /apiary = %d, want passthrough 200", w.Code)
	}
}

func TestGatewayMatchesSignedOption(t *testing.T) {
	exact := paidRequirement()
	upto := paidRequirement()
	upto.Scheme = x402.SchemeUpto
	upto.MaxAmountRequired = "5000"

	var got *x402.PaymentRequirements
	fc := fakeFacilitator(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		got = body.PaymentRequirements
		json.NewEncoder(w).Encode(VerifyResponse{IsValid: true, Payer: "0xpayer"})
	})

	handler := gatedHandler(&GatewayConfig{
		Facilitator: fc,
		Routes:      map[string]Route{"/premium": {Requirements: []x402.PaymentRequirements{upto, exact}}},
	})

	// The header is signed for the exact scheme; the gateway must send
	// the matching offer to the facilitator, not the first one.
	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set(x402.PaymentHeader, paymentHeaderValue(t))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got == nil || got.Scheme != x402.SchemeExact {
		t.Errorf("facilitator saw scheme %v, want exact", got)
	}
}
