package facilitator

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
)

// DefaultPort is the facilitator's listen port.
const DefaultPort = 4020

// DefaultRateLimit is requests per second before 429s.
const DefaultRateLimit = 50

// Config holds facilitator process configuration.
type Config struct {
	// PrivateKey is the hex-encoded operating key used to submit
	// settlement transactions.
	PrivateKey string

	Port             int
	RateLimit        int
	RateLimitEnabled bool
	MetricsEnabled   bool
	StrictBalance    bool

	// Networks the facilitator serves. Defaults to every supported
	// network.
	Networks []string

	// RPCURLs maps network id to RPC endpoint. Missing entries fall
	// back to the network's default RPC.
	RPCURLs map[string]string

	NonceTTL time.Duration
}

// FromEnv builds a Config from the process environment. The operating
// key is the only required setting.
func FromEnv() (*Config, error) {
	cfg := &Config{
		PrivateKey:       os.Getenv("FACILITATOR_PRIVATE_KEY"),
		Port:             DefaultPort,
		RateLimit:        DefaultRateLimit,
		RateLimitEnabled: envBool("RATE_LIMIT_ENABLED", true),
		MetricsEnabled:   envBool("METRICS_ENABLED", true),
		StrictBalance:    envBool("STRICT_BALANCE", false),
		Networks:         x402.NetworkIDs(),
		RPCURLs:          make(map[string]string),
		NonceTTL:         DefaultNonceTTL,
	}

	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("FACILITATOR_PRIVATE_KEY is required")
	}

	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", port)
		}
		cfg.Port = n
	}

	if limit := os.Getenv("RATE_LIMIT"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT %q", limit)
		}
		cfg.RateLimit = n
	}

	if networks := os.Getenv("NETWORKS"); networks != "" {
		cfg.Networks = cfg.Networks[:0]
		for _, id := range strings.Split(networks, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if !x402.IsSupportedNetwork(id) {
				return nil, fmt.Errorf("%w: %s", x402.ErrUnsupportedNetwork, id)
			}
			cfg.Networks = append(cfg.Networks, id)
		}
	}

	for _, id := range cfg.Networks {
		if url := os.Getenv(x402.RPCEnvVar(id)); url != "" {
			cfg.RPCURLs[id] = url
		}
	}

	return cfg, nil
}

func envBool(key string, fallback bool) bool {
	value := strings.ToLower(os.Getenv(key))
	switch value {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
