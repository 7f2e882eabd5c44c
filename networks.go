// Package x402 implements the x402 HTTP micropayment protocol core:
// wire types, network registry, signing and verification of EIP-3009
// transfer authorizations, and selection of payment options. The
// facilitator, client engine, and resource-server gateway live in the
// subpackages.
package x402

import (
	"fmt"
	"math/big"
	"strings"
)

// NetworkConfig contains chain-specific configuration for a supported
// network and its canonical USD-pegged stablecoin.
type NetworkConfig struct {
	// ID is the x402 protocol network identifier (e.g., "base-mainnet").
	ID string

	// ChainID is the EVM chain id.
	ChainID int64

	// USDCAddress is the canonical USDC contract address on this network.
	USDCAddress string

	// DefaultRPC is the public RPC endpoint used when none is configured.
	DefaultRPC string

	// ExplorerURL is the block-explorer root for transaction links.
	ExplorerURL string

	// BlockSeconds is the average block time.
	BlockSeconds float64

	// GasFactor is a relative gas-cost multiplier used only for
	// cross-chain comparisons (Base = 1.0).
	GasFactor float64

	// L2 marks layer-2 networks, preferred by option selection ties.
	L2 bool

	// EIP712Name and EIP712Version are the token's EIP-712 domain
	// parameters as deployed on this network.
	EIP712Name    string
	EIP712Version string
}

// Supported networks. USDC addresses are the official Circle deployments.
var (
	BaseMainnet = NetworkConfig{
		ID:            "base-mainnet",
		ChainID:       8453,
		USDCAddress:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		DefaultRPC:    "https://mainnet.base.org",
		ExplorerURL:   "https://basescan.org",
		BlockSeconds:  2,
		GasFactor:     1.0,
		L2:            true,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	}

	BaseSepolia = NetworkConfig{
		ID:            "base-sepolia",
		ChainID:       84532,
		USDCAddress:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		DefaultRPC:    "https://sepolia.base.org",
		ExplorerURL:   "https://sepolia.basescan.org",
		BlockSeconds:  2,
		GasFactor:     1.0,
		L2:            true,
		EIP712Name:    "USDC",
		EIP712Version: "2",
	}

	EthereumMainnet = NetworkConfig{
		ID:            "ethereum-mainnet",
		ChainID:       1,
		USDCAddress:   "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		DefaultRPC:    "https://ethereum-rpc.publicnode.com",
		ExplorerURL:   "https://etherscan.io",
		BlockSeconds:  12,
		GasFactor:     50.0,
		L2:            false,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	}

	ArbitrumOne = NetworkConfig{
		ID:            "arbitrum-one",
		ChainID:       42161,
		USDCAddress:   "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
		DefaultRPC:    "https://arb1.arbitrum.io/rpc",
		ExplorerURL:   "https://arbiscan.io",
		BlockSeconds:  0.25,
		GasFactor:     1.5,
		L2:            true,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	}

	OptimismMainnet = NetworkConfig{
		ID:            "optimism-mainnet",
		ChainID:       10,
		USDCAddress:   "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85",
		DefaultRPC:    "https://mainnet.optimism.io",
		ExplorerURL:   "https://optimistic.etherscan.io",
		BlockSeconds:  2,
		GasFactor:     1.0,
		L2:            true,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	}
)

var networks = map[string]NetworkConfig{
	BaseMainnet.ID:     BaseMainnet,
	BaseSepolia.ID:     BaseSepolia,
	EthereumMainnet.ID: EthereumMainnet,
	ArbitrumOne.ID:     ArbitrumOne,
	OptimismMainnet.ID: OptimismMainnet,
}

// networkOrder fixes the enumeration order for /supported and tests.
var networkOrder = []string{
	BaseMainnet.ID,
	BaseSepolia.ID,
	EthereumMainnet.ID,
	ArbitrumOne.ID,
	OptimismMainnet.ID,
}

// GetNetwork looks up a network by its identifier.
func GetNetwork(id string) (NetworkConfig, error) {
	cfg, ok := networks[id]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, id)
	}
	return cfg, nil
}

// IsSupportedNetwork reports whether id names a supported network.
func IsSupportedNetwork(id string) bool {
	_, ok := networks[id]
	return ok
}

// NetworkIDs returns the supported network identifiers in a stable order.
func NetworkIDs() []string {
	ids := make([]string, len(networkOrder))
	copy(ids, networkOrder)
	return ids
}

// IsL2Network reports whether id names a layer-2 network. Unknown
// networks are treated as L1.
func IsL2Network(id string) bool {
	cfg, ok := networks[id]
	return ok && cfg.L2
}

// ChainID returns the EVM chain id for a network, or nil if unknown.
func ChainID(id string) *big.Int {
	cfg, ok := networks[id]
	if !ok {
		return nil
	}
	return big.NewInt(cfg.ChainID)
}

// RPCEnvVar returns the environment variable consulted for this
// network's RPC endpoint: RPC_URL_<NETWORK_ID> with dashes replaced by
// underscores, uppercased.
func RPCEnvVar(id string) string {
	return "RPC_URL_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
}
