package exact

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/x402lab/facilitator/internal/chain"
	"github.com/x402lab/facilitator/internal/network"
	"github.com/x402lab/facilitator/internal/x402"
)

// ChainClient is the chain surface the exact scheme needs. Satisfied by
// *chain.Client; narrowed here so tests can stub settlement.
type ChainClient interface {
	BalanceOf(ctx context.Context, asset, account common.Address) (*big.Int, error)
	TransferWithAuthorization(ctx context.Context, asset common.Address, auth x402.ExactAuthorization, sig []byte) (string, error)
}

// Scheme implements the single-shot "exact" payment scheme on one network:
// an EIP-3009 authorization verified now and settled in full.
type Scheme struct {
	net   network.Network
	chain ChainClient
	log   *zap.Logger
}

func NewScheme(net network.Network, cc ChainClient, log *zap.Logger) *Scheme {
	return &Scheme{net: net, chain: cc, log: log}
}

// Verify checks the authorization against the requirements without touching
// chain state beyond a balance read. A nil error with IsValid=false is a
// normal rejection; a non-nil error is an infrastructure failure.
func (s *Scheme) Verify(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (x402.VerifyResult, error) {
	if payload.Scheme != x402.SchemeExact || req.Scheme != x402.SchemeExact {
		return invalid(x402.InvalidReasonSchemeMismatch), nil
	}
	if payload.Network != req.Network || payload.Network != s.net.Name {
		return invalid(x402.InvalidReasonNetworkMismatch), nil
	}

	var p x402.ExactPayload
	if err := json.Unmarshal(payload.Payload, &p); err != nil {
		return invalid(x402.InvalidReasonMalformedPayload), nil
	}
	auth := p.Authorization

	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) ||
		!common.IsHexAddress(req.PayTo) || !common.IsHexAddress(req.Asset) {
		return invalid(x402.InvalidReasonMalformedPayload), nil
	}

	// Time window
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return invalid(x402.InvalidReasonMalformedPayload), nil
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return invalid(x402.InvalidReasonMalformedPayload), nil
	}
	now := time.Now().Unix()
	if now < validAfter {
		return invalid(x402.InvalidReasonNotYetValid), nil
	}
	if now >= validBefore {
		return invalid(x402.InvalidReasonExpired), nil
	}

	// Recipient must be the required payee
	if common.HexToAddress(auth.To) != common.HexToAddress(req.PayTo) {
		return invalid(x402.InvalidReasonRecipientMismatch), nil
	}

	// Amount policy: the authorization must cover the requirement exactly.
	// Over- and under-payment are both rejected.
	value, ok := x402.ParseAmount(auth.Value)
	if !ok {
		return invalid(x402.InvalidReasonMalformedPayload), nil
	}
	required, ok := x402.ParseAmount(req.MaxAmountRequired)
	if !ok {
		return invalid(x402.InvalidReasonMalformedPayload), nil
	}
	if value.Cmp(required) != 0 {
		return invalid(x402.InvalidReasonAmountMismatch), nil
	}

	// Signature
	name, version := tokenDomain(req)
	signer, err := recoverAuthSigner(auth, p.Signature, s.net.ChainID, common.HexToAddress(req.Asset), name, version)
	if err != nil {
		return invalid(x402.InvalidReasonInvalidSignature), nil
	}
	from := common.HexToAddress(auth.From)
	if signer != from {
		return invalid(x402.InvalidReasonInvalidSignature), nil
	}

	// Payer must be able to fund the transfer
	balance, err := s.chain.BalanceOf(ctx, common.HexToAddress(req.Asset), from)
	if err != nil {
		return x402.VerifyResult{}, fmt.Errorf("balanceOf: %w", err)
	}
	if balance.Cmp(value) < 0 {
		return invalid(x402.InvalidReasonInsufficientFunds), nil
	}

	return x402.VerifyResult{IsValid: true, Payer: from.Hex()}, nil
}

// Settle re-validates and then submits the authorization to the asset
// contract, bounded by the requirement's timeout. No automatic retry: the
// nonce is single-use and a blind resubmission risks a double spend.
func (s *Scheme) Settle(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (x402.SettleResult, error) {
	// Never trust a stale verify
	res, err := s.Verify(ctx, payload, req)
	if err != nil {
		return x402.SettleResult{}, err
	}
	if !res.IsValid {
		return x402.SettleResult{
			Success:     false,
			ErrorReason: x402.ErrorReason(res.InvalidReason),
			Network:     s.net.Name,
		}, nil
	}

	var p x402.ExactPayload
	if err := json.Unmarshal(payload.Payload, &p); err != nil {
		return x402.SettleResult{Success: false, ErrorReason: x402.ErrorReasonMalformedPayload, Network: s.net.Name}, nil
	}
	sig, err := hexutil.Decode(p.Signature)
	if err != nil {
		return x402.SettleResult{Success: false, ErrorReason: x402.ErrorReasonMalformedPayload, Network: s.net.Name}, nil
	}

	timeout := time.Duration(req.MaxTimeoutSeconds) * time.Second
	settleCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	txHash, err := s.chain.TransferWithAuthorization(settleCtx, common.HexToAddress(req.Asset), p.Authorization, sig)
	if err != nil {
		s.log.Warn("exact settle failed",
			zap.String("network", s.net.Name),
			zap.String("payer", res.Payer),
			zap.Error(err),
		)
		return x402.SettleResult{
			Success:     false,
			ErrorReason: chain.ClassifyError(err),
			Payer:       res.Payer,
			Network:     s.net.Name,
		}, nil
	}

	s.log.Info("exact payment settled",
		zap.String("network", s.net.Name),
		zap.String("payer", res.Payer),
		zap.String("tx", txHash),
	)
	return x402.SettleResult{
		Success:     true,
		Transaction: txHash,
		Payer:       res.Payer,
		Network:     s.net.Name,
	}, nil
}

func invalid(reason x402.InvalidReason) x402.VerifyResult {
	return x402.VerifyResult{IsValid: false, InvalidReason: reason}
}

// tokenDomain returns the asset's EIP-712 domain name/version, falling back
// to the USDC deployment values when the requirements omit them.
func tokenDomain(req x402.PaymentRequirements) (string, string) {
	if req.Extra != nil && req.Extra.Name != "" && req.Extra.Version != "" {
		return req.Extra.Name, req.Extra.Version
	}
	return defaultTokenName, defaultTokenVersion
}
