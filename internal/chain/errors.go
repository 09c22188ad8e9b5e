package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/x402lab/facilitator/internal/x402"
)

// ErrTxReverted marks a transaction that was mined but reverted.
var ErrTxReverted = errors.New("tx reverted")

// ClassifyError maps a chain-layer error onto the settlement error taxonomy.
// Raw go-ethereum error types never cross this package's boundary.
func ClassifyError(err error) x402.ErrorReason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return x402.ErrorReasonTimeout
	case errors.Is(err, ErrTxReverted),
		strings.Contains(err.Error(), "execution reverted"):
		return x402.ErrorReasonTxReverted
	default:
		return x402.ErrorReasonChainError
	}
}
