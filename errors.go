package x402

import "errors"

// Standard x402 error definitions

var (
	// ErrPaymentRequired indicates that payment is required to access the resource.
	ErrPaymentRequired = errors.New("payment required")

	// ErrPaymentDeclined indicates the client's payment decision callback refused.
	ErrPaymentDeclined = errors.New("payment declined")

	// ErrPriceExceedsMax indicates the offered price is above the client's cap.
	ErrPriceExceedsMax = errors.New("price exceeds max willing to pay")

	// ErrMalformedHeader indicates that the X-PAYMENT header is malformed.
	ErrMalformedHeader = errors.New("malformed payment header")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("unsupported x402 version")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("unsupported payment scheme")

	// ErrUnsupportedNetwork indicates an unsupported blockchain network.
	ErrUnsupportedNetwork = errors.New("unsupported network")

	// ErrInvalidSignature indicates an invalid cryptographic signature.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrSignerMismatch indicates the recovered signer does not match the authorizer.
	ErrSignerMismatch = errors.New("signature/authorizer mismatch")

	// ErrInvalidAmount indicates a malformed or out-of-range amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidKey indicates a malformed private key.
	ErrInvalidKey = errors.New("invalid private key")

	// ErrInvalidKeystore indicates a keystore file could not be loaded.
	ErrInvalidKeystore = errors.New("invalid keystore")

	// ErrNonceReplayed indicates a nonce was already accepted within the TTL window.
	ErrNonceReplayed = errors.New("nonce already used (replay detected)")

	// ErrNoValidOption indicates no offered payment option can be satisfied.
	ErrNoValidOption = errors.New("no acceptable payment option")

	// ErrInsufficientFunds indicates the payer has insufficient funds.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrFacilitatorUnavailable indicates the facilitator service is unavailable.
	ErrFacilitatorUnavailable = errors.New("facilitator unavailable")

	// ErrSettlementFailed indicates on-chain settlement failed.
	ErrSettlementFailed = errors.New("settlement failed")

	// ErrVerificationFailed indicates payment verification failed.
	ErrVerificationFailed = errors.New("verification failed")
)
