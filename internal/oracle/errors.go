package oracle

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransientChain marks RPC failures such as timeouts or dropped connections.
	ErrTransientChain = errors.New("transient chain error")
	// ErrTransactionReverted marks a CVS update the contract rejected.
	ErrTransactionReverted = errors.New("transaction reverted")
	// ErrConfirmationTimeout marks an update that was not mined within the bound.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
)

// classifyRPC wraps an RPC error with the matching sentinel.
func classifyRPC(op string, err error) error {
	if err == nil {
		return nil
	}
	if isRevert(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrTransactionReverted, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrTransientChain, err)
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
