// Package validation provides shape, regex and range checks for x402
// wire types before they reach the signer, verifier, or settler.
package validation

import (
	"fmt"
	"net/url"
	"regexp"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// nonceRegex matches a 32-byte hex nonce with 0x prefix
	nonceRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

	// decimalRegex matches a non-negative decimal integer string
	decimalRegex = regexp.MustCompile(`^[0-9]+$`)
)

// ValidateAmount validates that an amount string is a non-negative
// decimal integer.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}
	if !decimalRegex.MatchString(amount) {
		return fmt.Errorf("invalid amount format: %s", amount)
	}
	return nil
}

// ValidateAddress validates an EVM address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !evmAddressRegex.MatchString(address) {
		return fmt.Errorf("invalid address format: %s (expected 0x followed by 40 hex characters)", address)
	}
	return nil
}

// ValidateNonce validates a 32-byte hex nonce.
func ValidateNonce(nonce string) error {
	if !nonceRegex.MatchString(nonce) {
		return fmt.Errorf("invalid nonce format: expected 0x-prefixed 32-byte hex")
	}
	return nil
}

// ValidatePaymentRequirements performs comprehensive validation of a
// payment requirement: scheme, network, amount, addresses, resource
// URL, timeout, and the EIP-712 domain bag.
func ValidatePaymentRequirements(req x402.PaymentRequirements) error {
	switch req.Scheme {
	case x402.SchemeExact, x402.SchemeUpto:
	case "":
		return fmt.Errorf("invalid requirement: scheme cannot be empty")
	default:
		return fmt.Errorf("invalid requirement: unsupported scheme %s", req.Scheme)
	}

	if !x402.IsSupportedNetwork(req.Network) {
		return fmt.Errorf("invalid requirement: unsupported network %q", req.Network)
	}

	if err := ValidateAmount(req.MaxAmountRequired); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if err := ValidateAddress(req.PayTo); err != nil {
		return fmt.Errorf("invalid requirement: payTo %w", err)
	}

	if err := ValidateAddress(req.Asset); err != nil {
		return fmt.Errorf("invalid requirement: asset %w", err)
	}

	if req.Resource != "" {
		u, err := url.Parse(req.Resource)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("invalid requirement: resource must be an absolute URL: %s", req.Resource)
		}
	}

	if req.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("invalid requirement: maxTimeoutSeconds must be positive: %d", req.MaxTimeoutSeconds)
	}

	if req.Extra != nil {
		if name, ok := req.Extra["name"].(string); ok && name == "" {
			return fmt.Errorf("invalid requirement: EIP-712 domain name cannot be empty")
		}
		if version, ok := req.Extra["version"].(string); ok && version == "" {
			return fmt.Errorf("invalid requirement: EIP-712 domain version cannot be empty")
		}
	}

	return nil
}

// ValidateAuthorization validates the inner authorization object:
// addresses, nonce shape, and the decimal string fields. Value must be
// strictly positive and validAfter must not exceed validBefore.
func ValidateAuthorization(auth x402.Authorization) error {
	if err := ValidateAddress(auth.From); err != nil {
		return fmt.Errorf("invalid authorization: from %w", err)
	}
	if err := ValidateAddress(auth.To); err != nil {
		return fmt.Errorf("invalid authorization: to %w", err)
	}
	if err := ValidateAmount(auth.Value); err != nil {
		return fmt.Errorf("invalid authorization: value %w", err)
	}
	value, err := x402.ParseAmount(auth.Value)
	if err != nil || value.Sign() <= 0 {
		return fmt.Errorf("invalid authorization: value must be greater than 0")
	}
	if !decimalRegex.MatchString(auth.ValidAfter) {
		return fmt.Errorf("invalid authorization: validAfter must be a decimal string")
	}
	if !decimalRegex.MatchString(auth.ValidBefore) {
		return fmt.Errorf("invalid authorization: validBefore must be a decimal string")
	}
	validAfter, _ := x402.ParseAmount(auth.ValidAfter)
	validBefore, _ := x402.ParseAmount(auth.ValidBefore)
	if validAfter.Cmp(validBefore) > 0 {
		return fmt.Errorf("invalid authorization: validAfter exceeds validBefore")
	}
	if err := ValidateNonce(auth.Nonce); err != nil {
		return fmt.Errorf("invalid authorization: %w", err)
	}
	return nil
}

// ValidatePaymentPayload validates the outer payment payload structure.
func ValidatePaymentPayload(payment x402.PaymentPayload) error {
	if payment.X402Version != x402.X402Version {
		return fmt.Errorf("%w: %d", x402.ErrUnsupportedVersion, payment.X402Version)
	}

	switch payment.Scheme {
	case x402.SchemeExact, x402.SchemeUpto:
	default:
		return fmt.Errorf("%w: %s", x402.ErrUnsupportedScheme, payment.Scheme)
	}

	if !x402.IsSupportedNetwork(payment.Network) {
		return fmt.Errorf("%w: %s", x402.ErrUnsupportedNetwork, payment.Network)
	}

	if len(payment.Payload) == 0 {
		return fmt.Errorf("payload cannot be empty")
	}

	return nil
}
