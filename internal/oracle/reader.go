package oracle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"atlasProtocol/internal/contracts"
	"atlasProtocol/internal/model"
)

// ContractCaller performs read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Reader reads CVS values from the oracle contract.
type Reader struct {
	caller ContractCaller
	oracle common.Address
	abi    abi.ABI
}

// NewReader builds a Reader for the oracle at the given address.
func NewReader(caller ContractCaller, oracleAddress common.Address) (*Reader, error) {
	if caller == nil {
		return nil, fmt.Errorf("contract caller is nil")
	}
	parsed, err := contracts.OracleABI()
	if err != nil {
		return nil, fmt.Errorf("parse oracle abi: %w", err)
	}
	return &Reader{caller: caller, oracle: oracleAddress, abi: parsed}, nil
}

// GetCVS returns the current CVS stored for ipID at the latest block.
func (r *Reader) GetCVS(ctx context.Context, ipID common.Hash) (*big.Int, error) {
	data, err := r.abi.Pack(contracts.MethodGetCVS, ipID)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", contracts.MethodGetCVS, err)
	}

	oracle := r.oracle
	resp, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &oracle, Data: data}, nil)
	if err != nil {
		return nil, classifyRPC("call "+contracts.MethodGetCVS, err)
	}

	values, err := r.abi.Unpack(contracts.MethodGetCVS, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", contracts.MethodGetCVS, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected %s values: %d", contracts.MethodGetCVS, len(values))
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unsupported %s type %T", contracts.MethodGetCVS, values[0])
	}
	return new(big.Int).Set(value), nil
}

// Record reads the CVS for ipID as a CVSRecord.
func (r *Reader) Record(ctx context.Context, ipID common.Hash) (model.CVSRecord, error) {
	value, err := r.GetCVS(ctx, ipID)
	if err != nil {
		return model.CVSRecord{}, err
	}
	return model.CVSRecord{IPID: ipID, CurrentValue: value}, nil
}
