package x402

import (
	"encoding/json"
	"math/big"
	"strings"
)

// X402Version is the protocol version understood by this implementation.
const X402Version = 1

// Protocol header names. Both carry base64-encoded JSON.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// Scheme identifies how the signed amount relates to the charged amount.
type Scheme string

const (
	// SchemeExact charges exactly the signed value.
	SchemeExact Scheme = "exact"

	// SchemeUpto signs a maximum; the server may settle for any amount
	// up to it.
	SchemeUpto Scheme = "upto"
)

// PaymentRequirements represents a single payment option from a 402 response.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier ("exact" or "upto").
	Scheme Scheme `json:"scheme"`

	// Network is the blockchain network identifier (e.g., "base-mainnet").
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount in atomic units, carried
	// as a decimal string to preserve precision beyond 53 bits.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Resource is the absolute URL of the protected resource.
	Resource string `json:"resource"`

	// Description is an optional human-readable payment description.
	Description string `json:"description"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType"`

	// OutputSchema optionally describes the response shape.
	OutputSchema map[string]interface{} `json:"outputSchema,omitempty"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// MaxTimeoutSeconds is the validity period for the payment authorization.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Asset is the token contract address.
	Asset string `json:"asset"`

	// Extra carries the EIP-712 domain parameters under "name" and
	// "version". Missing values fall back to DefaultEIP712Name and
	// DefaultEIP712Version.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// EIP-712 domain defaults used when requirements carry no extra bag.
const (
	DefaultEIP712Name    = "USD Coin"
	DefaultEIP712Version = "2"
)

// DomainName returns the EIP-712 domain name for these requirements.
func (r *PaymentRequirements) DomainName() string {
	if r.Extra != nil {
		if name, ok := r.Extra["name"].(string); ok && name != "" {
			return name
		}
	}
	return DefaultEIP712Name
}

// DomainVersion returns the EIP-712 domain version for these requirements.
func (r *PaymentRequirements) DomainVersion() string {
	if r.Extra != nil {
		if version, ok := r.Extra["version"].(string); ok && version != "" {
			return version
		}
	}
	return DefaultEIP712Version
}

// Authorization represents EIP-3009 transferWithAuthorization parameters.
// All numeric fields are decimal strings on the wire.
type Authorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the payment amount in atomic units.
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is a unique 32-byte hex string to prevent replay attacks.
	Nonce string `json:"nonce"`
}

// Metering describes usage-based pricing attached to an upto payment.
type Metering struct {
	// Unit names what is being metered (e.g., "token", "request").
	Unit string `json:"unit"`

	// PricePerUnit is the atomic-unit price per metered unit.
	PricePerUnit string `json:"pricePerUnit"`

	// MaxUnits is the most units the signed maximum covers.
	MaxUnits string `json:"maxUnits"`
}

// ExactPayload is the scheme-specific payload for "exact" payments.
type ExactPayload struct {
	// Signature is the hex-encoded 65-byte ECDSA signature.
	Signature string `json:"signature"`

	// Authorization contains the signed transferWithAuthorization parameters.
	Authorization Authorization `json:"authorization"`
}

// UptoPayload is the scheme-specific payload for "upto" payments. The
// authorization's value is the maximum the server may charge.
type UptoPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
	Metering      *Metering     `json:"metering,omitempty"`
}

// PaymentPayload represents a signed payment carried in the X-PAYMENT header.
type PaymentPayload struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier.
	Scheme Scheme `json:"scheme"`

	// Network is the blockchain network identifier.
	Network string `json:"network"`

	// Payload contains the scheme-specific signed payment data.
	Payload json.RawMessage `json:"payload"`
}

// ExactPayload decodes the scheme-specific payload. Both schemes share
// the signature/authorization structure, so upto payloads decode here too.
func (p *PaymentPayload) ExactPayload() (*ExactPayload, error) {
	var inner ExactPayload
	if err := json.Unmarshal(p.Payload, &inner); err != nil {
		return nil, err
	}
	return &inner, nil
}

// UptoPayload decodes the payload including the metering descriptor.
func (p *PaymentPayload) UptoPayload() (*UptoPayload, error) {
	var inner UptoPayload
	if err := json.Unmarshal(p.Payload, &inner); err != nil {
		return nil, err
	}
	return &inner, nil
}

// NewPaymentPayload builds a PaymentPayload around a scheme-specific inner
// payload.
func NewPaymentPayload(scheme Scheme, network string, inner interface{}) (*PaymentPayload, error) {
	raw, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return &PaymentPayload{
		X402Version: X402Version,
		Scheme:      scheme,
		Network:     network,
		Payload:     raw,
	}, nil
}

// PaymentRequiredResponse represents the complete 402 response body.
type PaymentRequiredResponse struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Accepts is an array of payment options the server will accept.
	Accepts []PaymentRequirements `json:"accepts"`

	// Error is a human-readable error message.
	Error string `json:"error"`
}

// PaymentResponse is the settlement receipt carried in X-PAYMENT-RESPONSE.
type PaymentResponse struct {
	// Success indicates whether the payment was settled.
	Success bool `json:"success"`

	// TxHash is the settlement transaction hash.
	TxHash string `json:"txHash,omitempty"`

	// NetworkID is the network the payment was settled on.
	NetworkID string `json:"networkId,omitempty"`

	// ActualAmount is the amount charged, in atomic units.
	ActualAmount string `json:"actualAmount,omitempty"`

	// Error provides details if the payment failed.
	Error string `json:"error,omitempty"`
}

// ParseAmount parses an atomic-unit decimal string into a big.Int.
// Negative values and non-decimal input are rejected.
func ParseAmount(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, ErrInvalidAmount
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok || value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return value, nil
}

// FormatUSDC renders an atomic-unit amount as a 6-decimal fixed-point
// string (USDC scale). For example, 1500000 becomes "1.500000".
func FormatUSDC(value *big.Int) string {
	if value == nil {
		return "0.000000"
	}
	neg := value.Sign() < 0
	abs := new(big.Int).Abs(value)
	scale := big.NewInt(1_000_000)
	whole, frac := new(big.Int).QuoRem(abs, scale, new(big.Int))
	fracStr := frac.String()
	if len(fracStr) < 6 {
		fracStr = strings.Repeat("0", 6-len(fracStr)) + fracStr
	}
	out := whole.String() + "." + fracStr
	if neg {
		out = "-" + out
	}
	return out
}

// EqualAddress compares two hex addresses case-insensitively.
func EqualAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
