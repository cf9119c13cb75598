package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CVSRecord is a point-in-time read of an IP asset's on-chain CVS.
type CVSRecord struct {
	IPID         common.Hash `json:"ip_id"`
	CurrentValue *big.Int    `json:"current_value"`
}
