package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
	"github.com/whodisturbsmyslumber187-web/x402/encoding"
)

// Route configures payment gating for one path. A path ending in "/*"
// matches any request under that prefix; otherwise matching is exact.
type Route struct {
	// Requirements are the payment options offered for this route. All
	// of them are listed in the 402 body.
	Requirements []x402.PaymentRequirements

	// SettleThenRespond settles the payment before serving and attaches
	// the receipt header. The default verifies only.
	SettleThenRespond bool

	// OnPayment fires once per successfully gated request.
	OnPayment func(PaymentInfo)
}

// GatewayConfig configures the resource-server gateway.
type GatewayConfig struct {
	// FacilitatorURL is the facilitator this gateway trusts.
	FacilitatorURL string

	// Routes maps paths to their payment gates. Unmatched requests
	// pass through untouched.
	Routes map[string]Route

	// OnPayment fires once per successfully gated request, after any
	// route-level hook.
	OnPayment func(PaymentInfo)

	// Facilitator overrides the default facilitator client. Used by
	// tests; FacilitatorURL is ignored when set.
	Facilitator *FacilitatorClient

	Logger *slog.Logger
}

// NewGateway returns middleware that gates the configured routes
// behind x402 payment.
func NewGateway(cfg *GatewayConfig) func(http.Handler) http.Handler {
	facilitator := cfg.Facilitator
	if facilitator == nil {
		facilitator = NewFacilitatorClient(cfg.FacilitatorURL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, ok := lookupRoute(cfg.Routes, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			offered := withResource(route.Requirements, r)
			if len(offered) == 0 {
				logger.Error("gated route offers no payment options", "path", r.URL.Path)
				sendPaymentRequired(w, offered)
				return
			}

			headerValue := r.Header.Get(x402.PaymentHeader)
			if headerValue == "" {
				logger.Info("payment required", "path", r.URL.Path)
				sendPaymentRequired(w, offered)
				return
			}

			payment, err := encoding.DecodePayment(headerValue)
			if err != nil {
				logger.Warn("malformed payment header", "path", r.URL.Path, "error", err)
				sendGateError(w, "malformed payment header")
				return
			}
			requirement := matchRequirement(payment, offered)

			info := PaymentInfo{
				Amount:   requirement.MaxAmountRequired,
				Network:  requirement.Network,
				Scheme:   requirement.Scheme,
				Resource: requirement.Resource,
			}

			if route.SettleThenRespond {
				settle, err := facilitator.Settle(r.Context(), headerValue, requirement, "")
				if err != nil {
					logger.Error("settlement call failed", "path", r.URL.Path, "error", err)
					sendGateError(w, "payment settlement failed")
					return
				}
				if !settle.Success {
					logger.Warn("settlement rejected", "path", r.URL.Path, "reason", settle.Error)
					sendGateError(w, settle.Error)
					return
				}
				if err := attachReceipt(w, settle); err != nil {
					logger.Warn("failed to attach receipt header", "error", err)
				}
				info.TxHash = settle.TxHash
				info.ActualAmount = settle.ActualAmount
			} else {
				verify, err := facilitator.Verify(r.Context(), headerValue, requirement)
				if err != nil {
					logger.Error("verification call failed", "path", r.URL.Path, "error", err)
					sendGateError(w, "payment verification failed")
					return
				}
				if !verify.IsValid {
					logger.Warn("payment rejected", "path", r.URL.Path, "reason", verify.InvalidReason)
					sendGateError(w, verify.InvalidReason)
					return
				}
				info.Payer = verify.Payer
			}

			if route.OnPayment != nil {
				route.OnPayment(info)
			}
			if cfg.OnPayment != nil {
				cfg.OnPayment(info)
			}

			ctx := context.WithValue(r.Context(), PaymentContextKey, &info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func lookupRoute(routes map[string]Route, path string) (Route, bool) {
	if route, ok := routes[path]; ok {
		return route, true
	}
	for pattern, route := range routes {
		if prefix, found := strings.CutSuffix(pattern, "/*"); found && strings.HasPrefix(path, prefix+"/") {
			return route, true
		}
	}
	return Route{}, false
}

// withResource fills each requirement's resource with the absolute
// request URL when unset.
func withResource(requirements []x402.PaymentRequirements, r *http.Request) []x402.PaymentRequirements {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	resourceURL := scheme + "://" + r.Host + r.RequestURI

	out := make([]x402.PaymentRequirements, len(requirements))
	for i, req := range requirements {
		out[i] = req
		if out[i].Resource == "" {
			out[i].Resource = resourceURL
		}
		if out[i].Description == "" {
			out[i].Description = "Payment required for " + r.URL.Path
		}
	}
	return out
}
