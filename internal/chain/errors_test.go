package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/x402lab/facilitator/internal/x402"
)

func TestClassifyError(t *testing.T) {
	cases := map[string]struct {
		err  error
		want x402.ErrorReason
	}{
		"nil":              {nil, ""},
		"deadline":         {context.DeadlineExceeded, x402.ErrorReasonTimeout},
		"wrapped deadline": {fmt.Errorf("wait mined: %w", context.DeadlineExceeded), x402.ErrorReasonTimeout},
		"reverted":         {ErrTxReverted, x402.ErrorReasonTxReverted},
		"wrapped reverted": {fmt.Errorf("claim: %w", ErrTxReverted), x402.ErrorReasonTxReverted},
		"rpc revert text":  {errors.New("execution reverted: thaw not elapsed"), x402.ErrorReasonTxReverted},
		"anything else":    {errors.New("connection refused"), x402.ErrorReasonChainError},
	}
	for name, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Errorf("%s: got %q, want %q", name, got, tc.want)
		}
	}
}
