package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"atlasProtocol/internal/model"
)

// SaleDecoder turns raw vault logs into LicenseSaleEvents.
type SaleDecoder struct {
	event abi.Event
}

// NewSaleDecoder builds a decoder for the LicenseSold event.
func NewSaleDecoder() (*SaleDecoder, error) {
	vault, err := VaultABI()
	if err != nil {
		return nil, fmt.Errorf("parse vault abi: %w", err)
	}
	event, ok := vault.Events[EventLicenseSold]
	if !ok {
		return nil, fmt.Errorf("vault abi missing %s", EventLicenseSold)
	}
	return &SaleDecoder{event: event}, nil
}

// Topic0 is the LicenseSold event signature hash.
func (d *SaleDecoder) Topic0() common.Hash {
	return d.event.ID
}

// CanDecode checks the log carries the LicenseSold signature.
func (d *SaleDecoder) CanDecode(log types.Log) bool {
	return len(log.Topics) > 0 && log.Topics[0] == d.event.ID
}

// Decode converts a LicenseSold log into a LicenseSaleEvent.
func (d *SaleDecoder) Decode(log types.Log) (model.LicenseSaleEvent, error) {
	if !d.CanDecode(log) {
		return model.LicenseSaleEvent{}, fmt.Errorf("unsupported log at %s:%d", log.TxHash.Hex(), log.Index)
	}

	indexedArgs := indexedArguments(d.event.Inputs)
	if len(log.Topics) != len(indexedArgs)+1 {
		return model.LicenseSaleEvent{}, fmt.Errorf("expected %d topics, got %d", len(indexedArgs)+1, len(log.Topics))
	}

	var indexed struct {
		VaultAddress common.Address
		IpId         [32]byte
		Licensee     common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArgs, log.Topics[1:]); err != nil {
		return model.LicenseSaleEvent{}, fmt.Errorf("parse topics: %w", err)
	}

	values, err := d.event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return model.LicenseSaleEvent{}, fmt.Errorf("unpack %s: %w", d.event.Name, err)
	}
	if len(values) != 2 {
		return model.LicenseSaleEvent{}, fmt.Errorf("unexpected %s values: %d", d.event.Name, len(values))
	}

	amount, err := asBigInt(values[0])
	if err != nil {
		return model.LicenseSaleEvent{}, fmt.Errorf("amount: %w", err)
	}
	licenseType, ok := values[1].(string)
	if !ok {
		return model.LicenseSaleEvent{}, fmt.Errorf("license type: unsupported type %T", values[1])
	}

	return model.LicenseSaleEvent{
		VaultAddress: indexed.VaultAddress,
		IPID:         common.Hash(indexed.IpId),
		Licensee:     indexed.Licensee,
		SaleAmount:   amount,
		LicenseType:  licenseType,
		BlockNumber:  log.BlockNumber,
		TxHash:       log.TxHash,
		LogIndex:     log.Index,
	}, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}
