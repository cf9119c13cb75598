package oracle

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"atlasProtocol/internal/contracts"
)

const (
	// DefaultConfirmTimeout bounds how long AwaitConfirmation waits for a receipt.
	DefaultConfirmTimeout = 60 * time.Second
	// DefaultReceiptInterval is the receipt polling period.
	DefaultReceiptInterval = 2 * time.Second

	gasBufferPercent = 20
)

// Backend is the subset of RPC calls the writer needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WriterConfig configures the CVS writer.
type WriterConfig struct {
	OracleAddress   common.Address
	PrivateKey      *ecdsa.PrivateKey
	ReceiptInterval time.Duration
}

// Writer signs and submits CVS updates and waits for them to be mined.
type Writer struct {
	backend  Backend
	oracle   common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	interval time.Duration
	abi      abi.ABI
	logger   *zap.Logger
}

// NewWriter builds a Writer signing with cfg.PrivateKey.
func NewWriter(backend Backend, cfg WriterConfig, logger *zap.Logger) (*Writer, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is nil")
	}
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	parsed, err := contracts.OracleABI()
	if err != nil {
		return nil, fmt.Errorf("parse oracle abi: %w", err)
	}
	interval := cfg.ReceiptInterval
	if interval <= 0 {
		interval = DefaultReceiptInterval
	}

	return &Writer{
		backend:  backend,
		oracle:   cfg.OracleAddress,
		key:      cfg.PrivateKey,
		from:     crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey),
		interval: interval,
		abi:      parsed,
		logger:   logger,
	}, nil
}

// From returns the signer address.
func (w *Writer) From() common.Address {
	return w.from
}

// SubmitCVSUpdate signs and sends updateCVS(ipID, newValue) and returns the tx hash.
func (w *Writer) SubmitCVSUpdate(ctx context.Context, ipID common.Hash, newValue *big.Int) (common.Hash, error) {
	if newValue == nil || newValue.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("invalid cvs value: %v", newValue)
	}

	data, err := w.abi.Pack(contracts.MethodUpdateCVS, ipID, newValue)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", contracts.MethodUpdateCVS, err)
	}

	chainID, err := w.backend.ChainID(ctx)
	if err != nil {
		return common.Hash{}, classifyRPC("chain id", err)
	}
	nonce, err := w.backend.PendingNonceAt(ctx, w.from)
	if err != nil {
		return common.Hash{}, classifyRPC("pending nonce", err)
	}

	oracle := w.oracle
	gas, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{From: w.from, To: &oracle, Data: data})
	if err != nil {
		return common.Hash{}, classifyRPC("estimate gas", err)
	}
	gas += gas * gasBufferPercent / 100

	tx, err := w.buildTx(ctx, chainID, nonce, gas, data)
	if err != nil {
		return common.Hash{}, err
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, classifyRPC("send tx", err)
	}

	w.logger.Info("cvs update submitted",
		zap.String("ip_id", ipID.Hex()),
		zap.String("new_cvs", newValue.String()),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas),
	)
	return signed.Hash(), nil
}

func (w *Writer) buildTx(ctx context.Context, chainID *big.Int, nonce, gas uint64, data []byte) (*types.Transaction, error) {
	head, err := w.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classifyRPC("latest header", err)
	}

	oracle := w.oracle
	if head.BaseFee == nil {
		gasPrice, err := w.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, classifyRPC("gas price", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       &oracle,
			Data:     data,
		}), nil
	}

	tip, err := w.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, classifyRPC("gas tip cap", err)
	}
	feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &oracle,
		Data:      data,
	}), nil
}

// AwaitConfirmation polls for the receipt of txHash until it is mined or timeout elapses.
// A mined but failed transaction returns ErrTransactionReverted along with its receipt.
func (w *Writer) AwaitConfirmation(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := w.backend.TransactionReceipt(waitCtx, txHash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("tx %s in block %s: %w", txHash.Hex(), receipt.BlockNumber, ErrTransactionReverted)
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			lastErr = err
			w.logger.Debug("receipt fetch failed", zap.String("tx_hash", txHash.Hex()), zap.Error(err))
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, fmt.Errorf("await %s: %w: %v", txHash.Hex(), ErrTransientChain, ctx.Err())
			}
			if lastErr != nil {
				return nil, fmt.Errorf("tx %s not mined within %s (last error: %v): %w", txHash.Hex(), timeout, lastErr, ErrConfirmationTimeout)
			}
			return nil, fmt.Errorf("tx %s not mined within %s: %w", txHash.Hex(), timeout, ErrConfirmationTimeout)
		case <-ticker.C:
		}
	}
}
