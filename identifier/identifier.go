// Package identifier implements the versioned bech32 account identifier
// format used to route incoming payments: a 16-byte onchain account address
// optionally followed by an 8-byte subaddress, tagged with a human-readable
// network prefix.
package identifier

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

const (
	// AccountAddressLength is the byte length of an onchain account address.
	AccountAddressLength = 16
	// SubaddressLength is the byte length of a payment routing subaddress.
	SubaddressLength = 8

	// MainnetHRP tags identifiers that belong to the main network.
	MainnetHRP = "lbr"
	// TestnetHRP tags identifiers that belong to the test network.
	TestnetHRP = "tlb"

	// versionAddress encodes a bare account address.
	versionAddress = 0
	// versionSubaddress encodes an account address plus subaddress.
	versionSubaddress = 1
)

// ErrInvalidIdentifier is the base error for every decode failure. Decoding
// never returns a partial result alongside it.
var ErrInvalidIdentifier = errors.New("identifier: invalid account identifier")

// EncodeAccount renders an account address, optionally concatenated with a
// subaddress, as a checksummed bech32 string under the supplied network
// prefix. Both arguments are lowercase hex.
func EncodeAccount(addressHex, subaddressHex, hrp string) (string, error) {
	address, err := hex.DecodeString(addressHex)
	if err != nil {
		return "", fmt.Errorf("identifier: decode address hex: %w", err)
	}
	if len(address) != AccountAddressLength {
		return "", fmt.Errorf("identifier: account address must be %d bytes, got %d", AccountAddressLength, len(address))
	}
	version := byte(versionAddress)
	raw := address
	if subaddressHex != "" {
		subaddress, err := hex.DecodeString(subaddressHex)
		if err != nil {
			return "", fmt.Errorf("identifier: decode subaddress hex: %w", err)
		}
		if len(subaddress) != SubaddressLength {
			return "", fmt.Errorf("identifier: subaddress must be %d bytes, got %d", SubaddressLength, len(subaddress))
		}
		version = versionSubaddress
		raw = append(append([]byte{}, address...), subaddress...)
	}
	converted, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("identifier: convert bits: %w", err)
	}
	encoded, err := bech32.Encode(hrp, append([]byte{version}, converted...))
	if err != nil {
		return "", fmt.Errorf("identifier: bech32 encode: %w", err)
	}
	return encoded, nil
}

// DecodeAccount parses a bech32 account identifier, validating the network
// prefix, version and payload length. It returns the account address and the
// subaddress as lowercase hex; the subaddress is empty for version 0
// identifiers.
func DecodeAccount(encoded, hrp string) (string, string, error) {
	decodedHRP, data, err := bech32.Decode(encoded)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	if decodedHRP != hrp {
		return "", "", fmt.Errorf("%w: prefix %q does not match network %q", ErrInvalidIdentifier, decodedHRP, hrp)
	}
	if len(data) == 0 {
		return "", "", fmt.Errorf("%w: empty payload", ErrInvalidIdentifier)
	}
	version := data[0]
	raw, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	switch version {
	case versionAddress:
		if len(raw) != AccountAddressLength {
			return "", "", fmt.Errorf("%w: version 0 payload must be %d bytes, got %d", ErrInvalidIdentifier, AccountAddressLength, len(raw))
		}
		return hex.EncodeToString(raw), "", nil
	case versionSubaddress:
		if len(raw) < AccountAddressLength+SubaddressLength {
			return "", "", fmt.Errorf("%w: version 1 payload must be at least %d bytes, got %d", ErrInvalidIdentifier, AccountAddressLength+SubaddressLength, len(raw))
		}
		return hex.EncodeToString(raw[:AccountAddressLength]), hex.EncodeToString(raw[AccountAddressLength:]), nil
	default:
		return "", "", fmt.Errorf("%w: unknown version %d", ErrInvalidIdentifier, version)
	}
}

// GenSubaddress returns a fresh random subaddress as lowercase hex.
func GenSubaddress() (string, error) {
	buf := make([]byte, SubaddressLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("identifier: generate subaddress: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// PaymentLink renders the deep link a payer follows to settle one payment
// option against the encoded account identifier.
func PaymentLink(encodedAccount, currency string, amount int64) string {
	return fmt.Sprintf("lbr://%s?c=%s&am=%d", encodedAccount, currency, amount)
}
