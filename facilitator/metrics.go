package facilitator

import (
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
)

// Metrics aggregates facilitator counters for Prometheus scraping and
// the /status endpoint.
type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	verificationsTotal  *prometheus.CounterVec
	verificationLatency prometheus.Histogram
	settlementsTotal    *prometheus.CounterVec
	settlementLatency   prometheus.Histogram
	gasUsedTotal        prometheus.Counter

	mu                 sync.Mutex
	verifications      uint64
	verifyFailures     uint64
	verifyLatencySum   time.Duration
	settlements        uint64
	settlementFailures uint64
	settleLatencySum   time.Duration
	settledAtomic      *big.Int
}

// NewMetrics creates a metrics set backed by its own registry. The
// cache supplies the gauge values for nonce bookkeeping.
func NewMetrics(cache *NonceCache) *Metrics {
	m := &Metrics{
		registry:      prometheus.NewRegistry(),
		started:       time.Now(),
		settledAtomic: new(big.Int),
		verificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "x402_verifications_total",
			Help: "Payment verifications processed, by result.",
		}, []string{"result"}),
		verificationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "x402_verification_latency_ms",
			Help:    "Verification latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		settlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "x402_settlements_total",
			Help: "Settlement attempts, by result.",
		}, []string{"result"}),
		settlementLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "x402_settlement_latency_ms",
			Help:    "Settlement latency in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}),
		gasUsedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "x402_gas_used_total",
			Help: "Cumulative gas consumed by settlement transactions.",
		}),
	}

	m.registry.MustRegister(
		m.verificationsTotal,
		m.verificationLatency,
		m.settlementsTotal,
		m.settlementLatency,
		m.gasUsedTotal,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "x402_uptime_seconds",
			Help: "Seconds since the facilitator started.",
		}, func() float64 {
			return time.Since(m.started).Seconds()
		}),
	)

	if cache != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "x402_nonce_cache_size",
				Help: "Live entries in the nonce replay cache.",
			}, func() float64 {
				return float64(cache.Size())
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "x402_replay_attacks_blocked",
				Help: "Replayed nonces rejected by the cache.",
			}, func() float64 {
				return float64(cache.ReplayBlocked())
			}),
		)
	}

	return m
}

// Handler exposes the registry for a /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Uptime returns how long the facilitator has been running.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.started)
}

func (m *Metrics) recordVerification(valid bool, latency time.Duration) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	m.verificationsTotal.WithLabelValues(result).Inc()
	m.verificationLatency.Observe(float64(latency.Milliseconds()))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications++
	m.verifyLatencySum += latency
	if !valid {
		m.verifyFailures++
	}
}

func (m *Metrics) recordSettlement(success bool, latency time.Duration, gasUsed uint64, amount *big.Int) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.settlementsTotal.WithLabelValues(result).Inc()
	m.settlementLatency.Observe(float64(latency.Milliseconds()))
	if gasUsed > 0 {
		m.gasUsedTotal.Add(float64(gasUsed))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements++
	m.settleLatencySum += latency
	if !success {
		m.settlementFailures++
	}
	if success && amount != nil {
		m.settledAtomic.Add(m.settledAtomic, amount)
	}
}

// Stats is the /status snapshot of counter state.
type Stats struct {
	Verifications        uint64  `json:"verifications"`
	VerifyFailures       uint64  `json:"verifyFailures"`
	AvgVerifyLatencyMs   float64 `json:"avgVerifyLatencyMs"`
	Settlements          uint64  `json:"settlements"`
	SettlementFailures   uint64  `json:"settlementFailures"`
	AvgSettleLatencyMs   float64 `json:"avgSettleLatencyMs"`
	SettledAmount        string  `json:"settledAmount"`
	SettledUSDC          string  `json:"settledUsdc"`
	UptimeSeconds        float64 `json:"uptimeSeconds"`
	NonceCacheSize       int     `json:"nonceCacheSize"`
	ReplayAttemptBlocked uint64  `json:"replayAttemptsBlocked"`
}

// Snapshot returns current counter values for /status.
func (m *Metrics) Snapshot(cache *NonceCache) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Verifications:      m.verifications,
		VerifyFailures:     m.verifyFailures,
		Settlements:        m.settlements,
		SettlementFailures: m.settlementFailures,
		SettledAmount:      m.settledAtomic.String(),
		SettledUSDC:        x402.FormatUSDC(new(big.Int).Set(m.settledAtomic)),
		UptimeSeconds:      time.Since(m.started).Seconds(),
	}
	if m.verifications > 0 {
		stats.AvgVerifyLatencyMs = float64(m.verifyLatencySum.Milliseconds()) / float64(m.verifications)
	}
	if m.settlements > 0 {
		stats.AvgSettleLatencyMs = float64(m.settleLatencySum.Milliseconds()) / float64(m.settlements)
	}
	if cache != nil {
		stats.NonceCacheSize = cache.Size()
		stats.ReplayAttemptBlocked = cache.ReplayBlocked()
	}
	return stats
}
