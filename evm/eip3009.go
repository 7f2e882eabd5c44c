// Package evm implements the EVM side of the x402 protocol: EIP-712
// typed-data signing and verification of EIP-3009 transfer
// authorizations, holder-key signers, and the per-network chain
// adapter used by the facilitator.
package evm

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
)

// Domain carries the EIP-712 domain parameters for a token deployment.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DomainFor builds the signing domain for a payment requirement: the
// verifying contract is the asset, name/version come from the extra bag
// or the protocol defaults.
func DomainFor(req *x402.PaymentRequirements) (Domain, error) {
	chainID := x402.ChainID(req.Network)
	if chainID == nil {
		return Domain{}, fmt.Errorf("%w: %s", x402.ErrUnsupportedNetwork, req.Network)
	}
	return Domain{
		Name:              req.DomainName(),
		Version:           req.DomainVersion(),
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(req.Asset),
	}, nil
}

// typedData builds the EIP-712 structure for transferWithAuthorization.
// Field order matters: it is part of the type hash.
func typedData(domain Domain, auth *x402.Authorization) (apitypes.TypedData, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("%w: value %q", x402.ErrInvalidAmount, auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("invalid validAfter: %q", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("invalid validBefore: %q", auth.ValidBefore)
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(validAfter),
			"validBefore": (*math.HexOrDecimal256)(validBefore),
			"nonce":       auth.Nonce,
		},
	}, nil
}

// HashTransferAuthorization computes the EIP-712 digest:
// keccak256("\x19\x01" || domainSeparator || structHash).
func HashTransferAuthorization(domain Domain, auth *x402.Authorization) ([]byte, error) {
	td, err := typedData(domain, auth)
	if err != nil {
		return nil, err
	}

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := td.HashStruct("TransferWithAuthorization", td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// SignTransferAuthorization signs an authorization with the holder key
// and returns a hex-encoded 65-byte r||s||v signature with v in {27,28}.
func SignTransferAuthorization(privateKey *ecdsa.PrivateKey, domain Domain, auth *x402.Authorization) (string, error) {
	digest, err := HashTransferAuthorization(domain, auth)
	if err != nil {
		return "", err
	}

	signature, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization: %w", err)
	}

	// crypto.Sign yields v in {0,1}; Ethereum tooling expects {27,28}.
	signature[64] += 27

	return "0x" + hex.EncodeToString(signature), nil
}

// RecoverSigner recovers the address that signed the authorization.
func RecoverSigner(domain Domain, auth *x402.Authorization, signatureHex string) (common.Address, error) {
	digest, err := HashTransferAuthorization(domain, auth)
	if err != nil {
		return common.Address{}, err
	}

	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return common.Address{}, err
	}

	// SigToPub wants the recovery id in {0,1}.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", x402.ErrInvalidSignature, err)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}

// VerifyTransferAuthorization checks that signatureHex was produced by
// authorization.from over the typed data for the given domain.
func VerifyTransferAuthorization(domain Domain, auth *x402.Authorization, signatureHex string) error {
	recovered, err := RecoverSigner(domain, auth, signatureHex)
	if err != nil {
		return err
	}
	if !x402.EqualAddress(recovered.Hex(), auth.From) {
		return x402.ErrSignerMismatch
	}
	return nil
}

// SplitSignature splits a 65-byte hex signature into (v, r, s) for
// on-chain submission, normalizing v to {27,28}. v values in {0,1} are
// tolerated on input.
func SplitSignature(signatureHex string) (v uint8, r [32]byte, s [32]byte, err error) {
	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return 0, r, s, err
	}

	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return 0, r, s, fmt.Errorf("%w: recovery id %d", x402.ErrInvalidSignature, sig[64])
	}
	return v, r, s, nil
}

func decodeSignature(signatureHex string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidSignature, err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("%w: length %d, want 65", x402.ErrInvalidSignature, len(sig))
	}
	return sig, nil
}
