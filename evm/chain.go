package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
)

// Minimal ABI covering the ERC-20 and EIP-3009 surface the protocol
// touches.
const tokenABI = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],"name":"authorizationState","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"inputs":[
		{"name":"from","type":"address"},{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},
		{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},
		{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],
	 "name":"transferWithAuthorization","outputs":[],"type":"function"}
]`

// submitGasLimit bounds a transferWithAuthorization submission.
const submitGasLimit = 300000

// Receipt is the settlement outcome of a submitted transaction.
type Receipt struct {
	TxHash      string
	Status      uint64
	GasUsed     uint64
	BlockNumber uint64
}

// Succeeded reports whether the transaction executed without revert.
func (r *Receipt) Succeeded() bool {
	return r.Status == types.ReceiptStatusSuccessful
}

// Adapter provides per-network chain access: balance reads, call
// simulation, authorization submission, and receipt polling. The RPC
// connection is dialed lazily on first use and then reused.
type Adapter struct {
	network x402.NetworkConfig
	rpcURL  string

	mu     sync.Mutex
	client *ethclient.Client

	parsedABI abi.ABI
}

// NewAdapter creates an adapter for the network. An empty rpcURL uses
// the network's default endpoint.
func NewAdapter(network x402.NetworkConfig, rpcURL string) (*Adapter, error) {
	if rpcURL == "" {
		rpcURL = network.DefaultRPC
	}
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}
	return &Adapter{network: network, rpcURL: rpcURL, parsedABI: parsed}, nil
}

// Network returns the network this adapter serves.
func (a *Adapter) Network() x402.NetworkConfig {
	return a.network
}

func (a *Adapter) dial(ctx context.Context) (*ethclient.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	client, err := ethclient.DialContext(ctx, a.rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC %s: %w", a.rpcURL, err)
	}
	a.client = client
	return client, nil
}

// Close releases the RPC connection.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
}

// BalanceOf reads the token balance of holder.
func (a *Adapter) BalanceOf(ctx context.Context, token, holder string) (*big.Int, error) {
	client, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}

	data, err := a.parsedABI.Pack("balanceOf", common.HexToAddress(holder))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}

	to := common.HexToAddress(token)
	result, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}
	if len(result) == 0 {
		return big.NewInt(0), nil
	}

	out, err := a.parsedABI.Unpack("balanceOf", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", out[0])
	}
	return balance, nil
}

// AuthorizationState reports whether the token contract has already
// consumed the nonce for authorizer.
func (a *Adapter) AuthorizationState(ctx context.Context, token, authorizer, nonce string) (bool, error) {
	client, err := a.dial(ctx)
	if err != nil {
		return false, err
	}

	nonce32, err := nonceTo32(nonce)
	if err != nil {
		return false, err
	}

	data, err := a.parsedABI.Pack("authorizationState", common.HexToAddress(authorizer), nonce32)
	if err != nil {
		return false, fmt.Errorf("failed to pack authorizationState: %w", err)
	}

	to := common.HexToAddress(token)
	result, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("authorizationState call failed: %w", err)
	}
	// An empty result means the contract has no record: nonce unused.
	if len(result) == 0 {
		return false, nil
	}

	out, err := a.parsedABI.Unpack("authorizationState", result)
	if err != nil {
		return false, fmt.Errorf("failed to unpack authorizationState: %w", err)
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState result type %T", out[0])
	}
	return used, nil
}

// PackTransfer encodes a transferWithAuthorization call for the signed
// authorization and its split signature.
func (a *Adapter) PackTransfer(auth *x402.Authorization, v uint8, r, s [32]byte) ([]byte, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("%w: value %q", x402.ErrInvalidAmount, auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %q", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %q", auth.ValidBefore)
	}
	nonce32, err := nonceTo32(auth.Nonce)
	if err != nil {
		return nil, err
	}

	return a.parsedABI.Pack("transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value, validAfter, validBefore, nonce32, v, r, s)
}

// Simulate executes the call without submitting a transaction,
// surfacing revert reasons before any gas is spent.
func (a *Adapter) Simulate(ctx context.Context, from, token string, callData []byte) error {
	client, err := a.dial(ctx)
	if err != nil {
		return err
	}

	to := common.HexToAddress(token)
	sender := common.HexToAddress(from)
	_, err = client.CallContract(ctx, ethereum.CallMsg{From: sender, To: &to, Data: callData}, nil)
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}
	return nil
}

// EstimateGas estimates the gas a submission would use.
func (a *Adapter) EstimateGas(ctx context.Context, from, token string, callData []byte) (uint64, error) {
	client, err := a.dial(ctx)
	if err != nil {
		return 0, err
	}

	to := common.HexToAddress(token)
	sender := common.HexToAddress(from)
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: sender, To: &to, Data: callData})
	if err != nil {
		return 0, fmt.Errorf("gas estimation failed: %w", err)
	}
	return gas, nil
}

// Submit signs and broadcasts the call with the operating key and
// returns the transaction hash.
func (a *Adapter) Submit(ctx context.Context, operatingKey *ecdsa.PrivateKey, token string, callData []byte) (string, error) {
	client, err := a.dial(ctx)
	if err != nil {
		return "", err
	}

	from := crypto.PubkeyToAddress(operatingKey.PublicKey)
	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("failed to get account nonce: %w", err)
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	to := common.HexToAddress(token)
	tx := types.NewTransaction(nonce, to, big.NewInt(0), submitGasLimit, gasPrice, callData)

	chainID := big.NewInt(a.network.ChainID)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), operatingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	return signedTx.Hash().Hex(), nil
}

// WaitReceipt polls for the transaction receipt until the context
// expires. The poll interval tracks the network's block time.
func (a *Adapter) WaitReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	client, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}

	interval := time.Duration(a.network.BlockSeconds*float64(time.Second)) / 2
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}

	hash := common.HexToHash(txHash)
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return &Receipt{
				TxHash:      receipt.TxHash.Hex(),
				Status:      receipt.Status,
				GasUsed:     receipt.GasUsed,
				BlockNumber: receipt.BlockNumber.Uint64(),
			}, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && !IsRetryableError(err) {
			return nil, fmt.Errorf("receipt lookup failed: %w", err)
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for receipt of %s: %w", txHash, ctx.Err())
		}
	}
}

// IsRetryableError classifies RPC failures. Timeouts and transport
// errors are transient; reverts and token-contract rejections are
// structural and must not be retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, structural := range []string{
		"revert",
		"invalid opcode",
		"nonce",
		"insufficient",
		"authorization is used",
	} {
		if strings.Contains(msg, structural) {
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, transient := range []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"temporarily unavailable",
		"network is unreachable",
		"too many requests",
		"502", "503", "504",
		"eof",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

func nonceTo32(nonce string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(nonce, "0x"))
	if err != nil {
		return out, fmt.Errorf("failed to decode nonce hex: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("nonce must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
