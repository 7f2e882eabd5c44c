package facilitator

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
	"github.com/whodisturbsmyslumber187-web/x402/evm"
	"github.com/whodisturbsmyslumber187-web/x402/ratelimit"
)

const serviceVersion = "1.0.0"

// gasUnitUsd approximates the dollar cost of one gas unit on Base.
// Other networks scale it by their relative gas factor. Estimates only;
// no price feed is consulted.
const gasUnitUsd = 1.25e-8

// Server exposes the facilitator over HTTP.
type Server struct {
	cfg      *Config
	verifier *Verifier
	settler  *Settler
	nonces   *NonceCache
	metrics  *Metrics
	bucket   *ratelimit.TokenBucket
	logger   *slog.Logger
	engine   *gin.Engine
}

// NewServer wires a complete facilitator from config: one chain
// adapter per configured network shared by verifier and settler.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	operatingKey, err := crypto.HexToECDSA(stripHexPrefix(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid operating key", x402.ErrInvalidKey)
	}

	nonces := NewNonceCache(cfg.NonceTTL, 0, 0)
	metrics := NewMetrics(nonces)

	verifierOpts := []VerifierOption{WithVerifierLogger(logger)}
	if cfg.StrictBalance {
		verifierOpts = append(verifierOpts, WithStrictBalance())
	}
	settlerOpts := []SettlerOption{WithSettlerLogger(logger)}

	for _, id := range cfg.Networks {
		network, err := x402.GetNetwork(id)
		if err != nil {
			return nil, err
		}
		adapter, err := evm.NewAdapter(network, cfg.RPCURLs[id])
		if err != nil {
			return nil, err
		}
		verifierOpts = append(verifierOpts, WithVerifierChain(id, adapter))
		settlerOpts = append(settlerOpts, WithSettlerChain(id, adapter))
	}

	verifier := NewVerifier(nonces, metrics, verifierOpts...)
	settler, err := NewSettler(operatingKey, metrics, settlerOpts...)
	if err != nil {
		return nil, err
	}

	return NewServerWith(cfg, verifier, settler, nonces, metrics, logger), nil
}

// NewServerWith assembles the HTTP surface around pre-built components.
func NewServerWith(cfg *Config, verifier *Verifier, settler *Settler, nonces *NonceCache, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		settler:  settler,
		nonces:   nonces,
		metrics:  metrics,
		logger:   logger,
	}
	if cfg.RateLimitEnabled {
		s.bucket = ratelimit.NewTokenBucket(float64(cfg.RateLimit), float64(cfg.RateLimit))
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(s.requestID())
	engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error("handler panicked", "error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("internal error: %v", recovered),
		})
	}))
	engine.Use(s.rateLimit())

	engine.GET("/health", s.handleHealth)
	engine.GET("/status", s.handleStatus)
	engine.GET("/supported", s.handleSupported)
	if cfg.MetricsEnabled && metrics != nil {
		engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	engine.POST("/verify", s.handleVerify)
	engine.POST("/settle", s.handleSettle)
	engine.POST("/estimate-gas", s.handleEstimateGas)

	s.engine = engine
	return s
}

// Handler returns the HTTP handler for mounting or testing.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on the configured port until the listener fails.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info("facilitator listening",
		"addr", addr,
		"networks", s.settler.Networks(),
		"operator", s.settler.OperatorAddress())
	return s.engine.Run(addr)
}

// Close releases background resources.
func (s *Server) Close() {
	if s.nonces != nil {
		s.nonces.Close()
	}
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Request-ID", uuid.NewString())
		c.Next()
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.bucket == nil || s.bucket.TryConsume(1) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "Rate limit exceeded",
		})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"version":     serviceVersion,
		"uptime":      s.metrics.Uptime().Seconds(),
		"facilitator": s.settler.OperatorAddress(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	tokens := -1.0
	if s.bucket != nil {
		tokens = s.bucket.AvailableTokens()
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":           s.metrics.Snapshot(s.nonces),
		"networks":        s.settler.Networks(),
		"rateLimitTokens": tokens,
	})
}

func (s *Server) handleSupported(c *gin.Context) {
	type kind struct {
		Scheme  string `json:"scheme"`
		Network string `json:"network"`
	}
	kinds := make([]kind, 0, 2*len(s.settler.Networks()))
	for _, network := range s.settler.Networks() {
		kinds = append(kinds,
			kind{Scheme: string(x402.SchemeExact), Network: network},
			kind{Scheme: string(x402.SchemeUpto), Network: network})
	}
	c.JSON(http.StatusOK, gin.H{"kinds": kinds})
}

// verifyRequest is the shared body shape of /verify, /settle and
// /estimate-gas.
type verifyRequest struct {
	X402Version         int                       `json:"x402Version"`
	PaymentHeader       string                    `json:"paymentHeader"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
	ActualAmount        string                    `json:"actualAmount,omitempty"`
}

func (r *verifyRequest) check() string {
	if r.X402Version != x402.X402Version {
		return fmt.Sprintf("unsupported x402 version %d", r.X402Version)
	}
	if r.PaymentHeader == "" {
		return "paymentHeader is required"
	}
	if r.PaymentRequirements == nil {
		return "paymentRequirements is required"
	}
	return ""
}

func (s *Server) handleVerify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"isValid": false, "invalidReason": "invalid request body"})
		return
	}
	if reason := req.check(); reason != "" {
		c.JSON(http.StatusBadRequest, gin.H{"isValid": false, "invalidReason": reason})
		return
	}

	result := s.verifier.Verify(c.Request.Context(), req.PaymentHeader, req.PaymentRequirements)
	if !result.IsValid {
		c.JSON(http.StatusBadRequest, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSettle(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	if reason := req.check(); reason != "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": reason})
		return
	}

	result := s.settler.Settle(c.Request.Context(), req.PaymentHeader, req.PaymentRequirements,
		SettleOptions{ActualAmount: req.ActualAmount})
	if !result.Success {
		c.JSON(http.StatusBadRequest, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleEstimateGas(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if reason := req.check(); reason != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": reason})
		return
	}

	gas, err := s.settler.EstimateGas(c.Request.Context(), req.PaymentHeader, req.PaymentRequirements)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	factor := 1.0
	if network, nerr := x402.GetNetwork(req.PaymentRequirements.Network); nerr == nil {
		factor = network.GasFactor
	}
	c.JSON(http.StatusOK, gin.H{
		"gasEstimate": gas,
		"gasCostUsd":  float64(gas) * gasUnitUsd * factor,
	})
}

func stripHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
