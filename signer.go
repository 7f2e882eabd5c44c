package x402

import "math/big"

// Signer creates signed payment payloads for a specific network with a
// locally held key. The holder key never leaves the implementation.
type Signer interface {
	// Network returns the blockchain network identifier this signer serves.
	Network() string

	// Address returns the holder address payments are drawn from.
	Address() string

	// CanSign checks if this signer can satisfy the given payment
	// requirements (network, scheme, and asset match).
	CanSign(requirements *PaymentRequirements) bool

	// Sign creates a signed payment payload for the given requirements.
	Sign(requirements *PaymentRequirements) (*PaymentPayload, error)

	// MaxAmount returns the per-call spending limit in atomic units,
	// or nil if no limit is set.
	MaxAmount() *big.Int
}
