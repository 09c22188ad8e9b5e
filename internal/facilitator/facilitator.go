package facilitator

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/x402lab/facilitator/internal/exact"
	"github.com/x402lab/facilitator/internal/ledger"
	"github.com/x402lab/facilitator/internal/network"
	"github.com/x402lab/facilitator/internal/voucher"
	"github.com/x402lab/facilitator/internal/x402"
)

// Facilitator dispatches verify/settle requests to the scheme registered
// for the request's (scheme, network) pair. The scheme set is closed:
// {exact, deferred} × configured networks, built once at startup.
type Facilitator struct {
	registry *network.Registry
	exact    map[string]*exact.Scheme
	ledgers  map[string]*ledger.Ledger
	log      *zap.Logger
}

func New(
	registry *network.Registry,
	exactSchemes map[string]*exact.Scheme,
	ledgers map[string]*ledger.Ledger,
	log *zap.Logger,
) *Facilitator {
	return &Facilitator{
		registry: registry,
		exact:    exactSchemes,
		ledgers:  ledgers,
		log:      log,
	}
}

// Ledger returns the deferred-voucher ledger for a network.
func (f *Facilitator) Ledger(networkName string) (*ledger.Ledger, bool) {
	l, ok := f.ledgers[networkName]
	return l, ok
}

// Kinds returns every supported (scheme, network) pair.
func (f *Facilitator) Kinds() []x402.Kind {
	return f.registry.Kinds()
}

// Verify validates the payment payload against the requirements. Structural
// problems (unknown scheme/network, malformed payload) are rejected before
// any cryptographic or chain work.
func (f *Facilitator) Verify(ctx context.Context, req x402.VerifyRequest) (x402.VerifyResult, error) {
	if reason := f.checkStructure(req); reason != "" {
		return x402.VerifyResult{IsValid: false, InvalidReason: reason}, nil
	}
	payload := req.PaymentPayload

	switch payload.Scheme {
	case x402.SchemeExact:
		return f.exact[payload.Network].Verify(ctx, payload, req.PaymentRequirements)
	case x402.SchemeDeferred:
		if reason := deferredMismatch(payload, req.PaymentRequirements); reason != "" {
			return x402.VerifyResult{IsValid: false, InvalidReason: reason}, nil
		}
		v, reason := f.parseVoucher(payload)
		if reason != "" {
			return x402.VerifyResult{IsValid: false, InvalidReason: reason}, nil
		}
		return f.ledgers[payload.Network].Verify(ctx, v)
	default:
		return x402.VerifyResult{IsValid: false, InvalidReason: x402.InvalidReasonSchemeNotSupported}, nil
	}
}

// Settle executes the payment. For the exact scheme this submits the
// authorization on-chain; for the deferred scheme it commits the voucher
// version to the ledger (the on-chain transfer happens later, via claim).
func (f *Facilitator) Settle(ctx context.Context, req x402.VerifyRequest) (x402.SettleResult, error) {
	payload := req.PaymentPayload
	if reason := f.checkStructure(req); reason != "" {
		return x402.SettleResult{
			Success:     false,
			ErrorReason: x402.ErrorReason(reason),
			Network:     payload.Network,
		}, nil
	}

	switch payload.Scheme {
	case x402.SchemeExact:
		return f.exact[payload.Network].Settle(ctx, payload, req.PaymentRequirements)
	case x402.SchemeDeferred:
		if reason := deferredMismatch(payload, req.PaymentRequirements); reason != "" {
			return x402.SettleResult{
				Success:     false,
				ErrorReason: x402.ErrorReason(reason),
				Network:     payload.Network,
			}, nil
		}
		v, reason := f.parseVoucher(payload)
		if reason != "" {
			return x402.SettleResult{
				Success:     false,
				ErrorReason: x402.ErrorReason(reason),
				Network:     payload.Network,
			}, nil
		}
		res, err := f.ledgers[payload.Network].Submit(ctx, v)
		if err != nil {
			return x402.SettleResult{}, err
		}
		if !res.IsValid {
			return x402.SettleResult{
				Success:     false,
				ErrorReason: x402.ErrorReason(res.InvalidReason),
				Network:     payload.Network,
			}, nil
		}
		return x402.SettleResult{
			Success: true,
			Payer:   res.Payer,
			Network: payload.Network,
		}, nil
	default:
		return x402.SettleResult{
			Success:     false,
			ErrorReason: x402.ErrorReasonSchemeNotSupported,
			Network:     payload.Network,
		}, nil
	}
}

// checkStructure rejects requests no scheme logic should ever see.
func (f *Facilitator) checkStructure(req x402.VerifyRequest) x402.InvalidReason {
	if req.X402Version != x402.Version {
		return x402.InvalidReasonUnsupportedVersion
	}
	payload := req.PaymentPayload
	if payload.Scheme != x402.SchemeExact && payload.Scheme != x402.SchemeDeferred {
		return x402.InvalidReasonSchemeNotSupported
	}
	if _, ok := f.registry.Lookup(payload.Network); !ok {
		return x402.InvalidReasonSchemeNotSupported
	}
	if payload.Scheme == x402.SchemeExact {
		if _, ok := f.exact[payload.Network]; !ok {
			return x402.InvalidReasonSchemeNotSupported
		}
	}
	if payload.Scheme == x402.SchemeDeferred {
		if _, ok := f.ledgers[payload.Network]; !ok {
			return x402.InvalidReasonSchemeNotSupported
		}
	}
	return ""
}

// deferredMismatch cross-checks the requirements against the payload, the
// same way the exact scheme does before touching its payload.
func deferredMismatch(payload x402.PaymentPayload, req x402.PaymentRequirements) x402.InvalidReason {
	if req.Scheme != x402.SchemeDeferred {
		return x402.InvalidReasonSchemeMismatch
	}
	if req.Network != payload.Network {
		return x402.InvalidReasonNetworkMismatch
	}
	return ""
}

func (f *Facilitator) parseVoucher(payload x402.PaymentPayload) (*voucher.Voucher, x402.InvalidReason) {
	var vp x402.VoucherPayload
	if err := json.Unmarshal(payload.Payload, &vp); err != nil {
		return nil, x402.InvalidReasonMalformedPayload
	}
	v, err := voucher.FromPayload(vp)
	if err != nil {
		return nil, x402.InvalidReasonMalformedPayload
	}
	return v, ""
}
