package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ParseAddress converts a hex string into common.Address.
func ParseAddress(name, input string) (common.Address, error) {
	input = strings.TrimSpace(input)
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("%w: invalid %s: %q", ErrConfiguration, name, input)
	}
	return common.HexToAddress(input), nil
}

// ParsePrivateKey decodes a hex secp256k1 key, with or without 0x prefix.
func ParsePrivateKey(input string) (*ecdsa.PrivateKey, error) {
	input = strings.TrimPrefix(strings.TrimSpace(input), "0x")
	if input == "" {
		return nil, fmt.Errorf("%w: private key is empty", ErrConfiguration)
	}
	key, err := crypto.HexToECDSA(input)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key", ErrConfiguration)
	}
	return key, nil
}

// ParseIPID converts a 32-byte hex identifier into common.Hash.
// Shorter values are left-padded like an ABI bytes32 of a number.
func ParseIPID(input string) (common.Hash, error) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "0x") && !strings.HasPrefix(input, "0X") {
		input = "0x" + input
	}
	data, err := hexutil.Decode(input)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid ip id: %s", input)
	}
	if len(data) == 0 || len(data) > common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid ip id length: %s", input)
	}
	return common.BytesToHash(data), nil
}

// ParseAmount parses a non-negative base-10 integer in smallest units.
func ParseAmount(input string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(input), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %q", input)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative: %s", input)
	}
	return value, nil
}
