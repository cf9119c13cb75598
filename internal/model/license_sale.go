package model

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LicenseSaleEvent is a decoded LicenseSold log from the vault contract.
type LicenseSaleEvent struct {
	VaultAddress common.Address
	IPID         common.Hash
	Licensee     common.Address
	SaleAmount   *big.Int
	LicenseType  string
	BlockNumber  uint64
	TxHash       common.Hash
	LogIndex     uint
}

// Key identifies the event by the log that produced it.
func (e LicenseSaleEvent) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// SaleBatch is one delivery from the watcher, covering blocks [From, To].
// Checkpoint is the last block known to be complete once the batch is handled.
type SaleBatch struct {
	From       uint64
	To         uint64
	Checkpoint uint64
	Events     []LicenseSaleEvent
}
