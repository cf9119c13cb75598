package pipeline

import (
	"errors"
	"fmt"
	"math/big"

	"atlasProtocol/internal/config"
	"atlasProtocol/internal/oracle"
)

// ErrVerificationMismatch marks a confirmed update whose on-chain value differs from the value written.
var ErrVerificationMismatch = errors.New("verification mismatch")

// MismatchError carries both values of a failed verification.
type MismatchError struct {
	Expected *big.Int
	Actual   *big.Int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("cvs after update is %s, expected %s", e.Actual, e.Expected)
}

func (e *MismatchError) Unwrap() error {
	return ErrVerificationMismatch
}

// Error kinds recorded in logs, metrics and outcomes.
const (
	KindConfiguration        = "ConfigurationError"
	KindTransientChain       = "TransientChainError"
	KindTransactionReverted  = "TransactionRevertedError"
	KindConfirmationTimeout  = "ConfirmationTimeoutError"
	KindVerificationMismatch = "VerificationMismatchError"
	KindInternal             = "InternalError"
)

// ErrorKind maps err onto the error taxonomy. It returns "" for nil.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, config.ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrVerificationMismatch):
		return KindVerificationMismatch
	case errors.Is(err, oracle.ErrTransactionReverted):
		return KindTransactionReverted
	case errors.Is(err, oracle.ErrConfirmationTimeout):
		return KindConfirmationTimeout
	case errors.Is(err, oracle.ErrTransientChain):
		return KindTransientChain
	default:
		return KindInternal
	}
}
