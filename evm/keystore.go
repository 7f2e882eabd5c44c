package evm

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
)

// WithKeystore loads the holder key from an encrypted go-ethereum
// keystore file.
func WithKeystore(keystorePath, password string) SignerOption {
	return func(s *Signer) error {
		data, err := os.ReadFile(keystorePath)
		if err != nil {
			return fmt.Errorf("%w: %v", x402.ErrInvalidKeystore, err)
		}

		var keyJSON struct {
			Crypto keystore.CryptoJSON `json:"crypto"`
		}
		if err := json.Unmarshal(data, &keyJSON); err != nil {
			return fmt.Errorf("%w: invalid JSON format", x402.ErrInvalidKeystore)
		}

		privateKeyBytes, err := keystore.DecryptDataV3(keyJSON.Crypto, password)
		if err != nil {
			return fmt.Errorf("%w: decryption failed", x402.ErrInvalidKeystore)
		}

		privateKey, err := crypto.ToECDSA(privateKeyBytes)
		if err != nil {
			return fmt.Errorf("%w: invalid private key", x402.ErrInvalidKeystore)
		}

		s.privateKey = privateKey
		return nil
	}
}

// WithMnemonic derives the holder key from a BIP-39 mnemonic at the
// standard Ethereum path m/44'/60'/0'/0/index.
func WithMnemonic(mnemonic string, index uint32) SignerOption {
	return func(s *Signer) error {
		if !bip39.IsMnemonicValid(mnemonic) {
			return fmt.Errorf("%w: invalid mnemonic", x402.ErrInvalidKey)
		}

		seed := bip39.NewSeed(mnemonic, "")
		masterKey, err := bip32.NewMasterKey(seed)
		if err != nil {
			return fmt.Errorf("%w: %v", x402.ErrInvalidKey, err)
		}

		path := []uint32{
			bip32.FirstHardenedChild + 44,
			bip32.FirstHardenedChild + 60,
			bip32.FirstHardenedChild + 0,
			0,
			index,
		}

		key := masterKey
		for _, segment := range path {
			key, err = key.NewChildKey(segment)
			if err != nil {
				return fmt.Errorf("%w: derivation failed: %v", x402.ErrInvalidKey, err)
			}
		}

		privateKey, err := crypto.ToECDSA(key.Key)
		if err != nil {
			return fmt.Errorf("%w: %v", x402.ErrInvalidKey, err)
		}

		s.privateKey = privateKey
		return nil
	}
}
