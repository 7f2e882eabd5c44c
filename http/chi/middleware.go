// Package chi adapts the x402 gateway to chi routers. Chi middleware
// uses the stdlib handler signature, so this is a thin wrapper that
// adds a CORS preflight bypass.
package chi

import (
	"net/http"

	httpx402 "github.com/whodisturbsmyslumber187-web/x402/http"
)

// NewMiddleware returns a chi-compatible payment gate.
//
//	r := chi.NewRouter()
//	r.Use(chix402.NewMiddleware(&httpx402.GatewayConfig{
//		FacilitatorURL: "http://localhost:4020",
//		Routes: map[string]httpx402.Route{
//			"/premium": {Requirements: requirements},
//		},
//	}))
func NewMiddleware(cfg *httpx402.GatewayConfig) func(http.Handler) http.Handler {
	gateway := httpx402.NewGateway(cfg)
	return func(next http.Handler) http.Handler {
		gated := gateway(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			gated.ServeHTTP(w, r)
		})
	}
}
