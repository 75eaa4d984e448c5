// Package wallet manages the merchant's onchain hot wallet: its secp256k1
// key material, the derived 16-byte account address and outbound transfers
// through the chain client.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"merchantvasp/chain"
	"merchantvasp/identifier"
)

// Wallet is the merchant VASP's onchain account.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address []byte
	hrp     string
	client  chain.Client
}

// New derives a wallet from a hex-encoded secp256k1 private key.
func New(privateKeyHex, hrp string, client chain.Client) (*Wallet, error) {
	key, err := ethcrypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("wallet: parse private key: %w", err)
	}
	return fromKey(key, hrp, client), nil
}

// Generate creates a wallet with a fresh random key. Intended for tests and
// local development.
func Generate(hrp string, client chain.Client) (*Wallet, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: generate key: %w", err)
	}
	return fromKey(key, hrp, client), nil
}

func fromKey(key *ecdsa.PrivateKey, hrp string, client chain.Client) *Wallet {
	// The account address is the first 16 bytes of the keccak hash of the
	// uncompressed public key.
	digest := ethcrypto.Keccak256(ethcrypto.FromECDSAPub(&key.PublicKey)[1:])
	return &Wallet{
		key:     key,
		address: digest[:identifier.AccountAddressLength],
		hrp:     hrp,
		client:  client,
	}
}

// AddressHex returns the wallet's account address as lowercase hex, the form
// incoming events carry in their receiver field.
func (w *Wallet) AddressHex() string {
	return hex.EncodeToString(w.address)
}

// EncodedAddress renders the wallet address, optionally with a subaddress,
// as a bech32 account identifier.
func (w *Wallet) EncodedAddress(subaddressHex string) (string, error) {
	return identifier.EncodeAccount(w.AddressHex(), subaddressHex, w.hrp)
}

// Send submits an onchain transfer from this wallet.
func (w *Wallet) Send(ctx context.Context, currencyCode string, amount int64, destAddress, destSubaddress string) (chain.SendResult, error) {
	if w.client == nil {
		return chain.SendResult{}, fmt.Errorf("wallet: chain client not configured")
	}
	result, err := w.client.SendTransaction(ctx, currencyCode, amount, destAddress, destSubaddress)
	if err != nil {
		return chain.SendResult{}, fmt.Errorf("wallet: send %s %d to %s: %w", currencyCode, amount, destAddress, err)
	}
	return result, nil
}
