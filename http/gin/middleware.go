// Package gin adapts the x402 gateway to the gin framework.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	httpx402 "github.com/whodisturbsmyslumber187-web/x402/http"
)

// NewMiddleware returns a gin payment gate.
//
//	r := gin.New()
//	r.Use(ginx402.NewMiddleware(&httpx402.GatewayConfig{
//		FacilitatorURL: "http://localhost:4020",
//		Routes: map[string]httpx402.Route{
//			"/premium": {Requirements: requirements},
//		},
//	}))
func NewMiddleware(cfg *httpx402.GatewayConfig) gin.HandlerFunc {
	gateway := httpx402.NewGateway(cfg)
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		passed := false
		gated := gateway(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			passed = true
			c.Request = r
		}))
		gated.ServeHTTP(c.Writer, c.Request)

		if !passed {
			c.Abort()
			return
		}
		c.Next()
	}
}

// Payment returns the verified payment for the current request, or nil.
func Payment(c *gin.Context) *httpx402.PaymentInfo {
	return httpx402.PaymentFromContext(c.Request.Context())
}
