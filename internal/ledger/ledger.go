package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/x402lab/facilitator/internal/chain"
	"github.com/x402lab/facilitator/internal/network"
	"github.com/x402lab/facilitator/internal/voucher"
	"github.com/x402lab/facilitator/internal/x402"
)

// submitLockTTL bounds how long a submit may hold the per-id lock;
// claimLockTTL additionally covers the on-chain round trip.
// claimChainTimeout caps that round trip and must stay well below
// claimLockTTL, so the lock never expires under a live claim.
const (
	submitLockTTL     = 5 * time.Second
	claimLockTTL      = 2 * time.Minute
	claimChainTimeout = 90 * time.Second
)

// EscrowClient is the escrow surface the ledger needs. Satisfied by
// *chain.Client; narrowed here so tests can stub the chain.
type EscrowClient interface {
	ClaimVoucher(ctx context.Context, v *voucher.Voucher) (string, error)
	GetEscrowConfig(ctx context.Context) (*chain.EscrowConfig, error)
}

// Filter selects vouchers in GetVouchers. Nil fields match everything.
type Filter struct {
	Buyer   *common.Address
	Seller  *common.Address
	Asset   *common.Address
	Settled *bool
}

// ClaimResult is the outcome of a claim attempt.
type ClaimResult struct {
	Success     bool             `json:"success"`
	Payer       string           `json:"payer,omitempty"`
	Transaction string           `json:"transaction,omitempty"`
	ErrorReason x402.ErrorReason `json:"errorReason,omitempty"`
}

// Ledger owns the deferred-scheme vouchers of one network. Each voucher id
// moves Unversioned → Active(n, v) → Active(n' > n, v' ≥ v) → … → Settled,
// and Settled is terminal.
type Ledger struct {
	net    network.Network
	store  *Store
	escrow EscrowClient
	log    *zap.Logger
}

func New(net network.Network, rdb *redis.Client, escrow EscrowClient, log *zap.Logger) *Ledger {
	return &Ledger{
		net:    net,
		store:  NewStore(rdb, net.Name),
		escrow: escrow,
		log:    log,
	}
}

// Verify validates a voucher version against the current ledger state
// without persisting it.
func (l *Ledger) Verify(ctx context.Context, v *voucher.Voucher) (x402.VerifyResult, error) {
	if reason := l.validateIdentity(v); reason != "" {
		return invalid(reason), nil
	}
	if reason := l.validateSignature(v); reason != "" {
		return invalid(reason), nil
	}
	prior, err := l.store.Get(ctx, v.ID)
	if err != nil {
		return x402.VerifyResult{}, err
	}
	if reason := validateAgainstPrior(v, prior); reason != "" {
		return invalid(reason), nil
	}
	if reason, err := l.validateDepositCap(ctx, v); err != nil {
		return x402.VerifyResult{}, err
	} else if reason != "" {
		return invalid(reason), nil
	}
	return x402.VerifyResult{IsValid: true, Payer: v.Buyer.Hex()}, nil
}

// Submit accepts a new voucher version: verify, then persist, atomically
// per id. On acceptance the stored nonce/valueAggregate/timestamp/signature
// are overwritten in place.
func (l *Ledger) Submit(ctx context.Context, v *voucher.Voucher) (x402.VerifyResult, error) {
	if reason := l.validateIdentity(v); reason != "" {
		return invalid(reason), nil
	}
	if reason := l.validateSignature(v); reason != "" {
		return invalid(reason), nil
	}
	if reason, err := l.validateDepositCap(ctx, v); err != nil {
		return x402.VerifyResult{}, err
	} else if reason != "" {
		return invalid(reason), nil
	}

	var result x402.VerifyResult
	err := l.store.withIDLock(ctx, v.ID, submitLockTTL, func() error {
		prior, err := l.store.Get(ctx, v.ID)
		if err != nil {
			return err
		}
		if reason := validateAgainstPrior(v, prior); reason != "" {
			result = invalid(reason)
			return nil
		}

		now := time.Now().Unix()
		v.Settled = false
		v.SettledTxHash = ""
		v.UpdatedAt = now
		if prior != nil {
			v.CreatedAt = prior.CreatedAt
		} else {
			v.CreatedAt = now
		}
		if err := l.store.Put(ctx, v); err != nil {
			return err
		}

		l.log.Info("voucher accepted",
			zap.String("network", l.net.Name),
			zap.String("id", v.ID.Hex()),
			zap.String("nonce", v.Nonce.String()),
			zap.String("value_aggregate", v.ValueAggregate.String()),
		)
		result = x402.VerifyResult{IsValid: true, Payer: v.Buyer.Hex()}
		return nil
	})
	if err != nil {
		return x402.VerifyResult{}, err
	}
	return result, nil
}

// GetVouchers returns vouchers matching the filter, ordered by id.
func (l *Ledger) GetVouchers(ctx context.Context, f Filter) ([]*voucher.Voucher, error) {
	all, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]*voucher.Voucher, 0, len(all))
	for _, v := range all {
		if f.Buyer != nil && v.Buyer != *f.Buyer {
			continue
		}
		if f.Seller != nil && v.Seller != *f.Seller {
			continue
		}
		if f.Asset != nil && v.Asset != *f.Asset {
			continue
		}
		if f.Settled != nil && v.Settled != *f.Settled {
			continue
		}
		matched = append(matched, v)
	}
	return matched, nil
}

// ClaimVoucher settles the voucher on-chain once the thaw period has
// elapsed. A failed claim leaves the voucher unsettled, so retrying the
// same (id, nonce) later is always safe; a second claim after success
// returns already_settled without touching the chain.
func (l *Ledger) ClaimVoucher(ctx context.Context, id common.Hash, nonce *big.Int) (ClaimResult, error) {
	var result ClaimResult
	err := l.store.withIDLock(ctx, id, claimLockTTL, func() error {
		v, err := l.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if v == nil {
			result = ClaimResult{ErrorReason: x402.ErrorReasonNotFound}
			return nil
		}
		if v.Nonce.Cmp(nonce) != 0 {
			result = ClaimResult{ErrorReason: x402.ErrorReasonNonceMismatch}
			return nil
		}
		if v.Settled {
			result = ClaimResult{ErrorReason: x402.ErrorReasonAlreadySettled}
			return nil
		}

		cfg, err := l.escrow.GetEscrowConfig(ctx)
		if err != nil {
			return fmt.Errorf("escrow config: %w", err)
		}
		if time.Now().Unix()-v.Timestamp <= cfg.ThawPeriodSeconds {
			result = ClaimResult{ErrorReason: x402.ErrorReasonThawPeriodActive}
			return nil
		}

		chainCtx, cancel := context.WithTimeout(ctx, claimChainTimeout)
		defer cancel()
		txHash, err := l.escrow.ClaimVoucher(chainCtx, v)
		if err != nil {
			l.log.Warn("voucher claim failed",
				zap.String("network", l.net.Name),
				zap.String("id", id.Hex()),
				zap.Error(err),
			)
			result = ClaimResult{
				Payer:       v.Buyer.Hex(),
				ErrorReason: chain.ClassifyError(err),
			}
			return nil
		}

		v.Settled = true
		v.SettledTxHash = txHash
		v.UpdatedAt = time.Now().Unix()
		if err := l.store.Put(ctx, v); err != nil {
			// The on-chain claim succeeded; surface the store failure
			// rather than reporting an unsettled voucher as settled.
			return fmt.Errorf("mark settled (tx %s): %w", txHash, err)
		}

		l.log.Info("voucher settled",
			zap.String("network", l.net.Name),
			zap.String("id", id.Hex()),
			zap.String("nonce", v.Nonce.String()),
			zap.String("tx", txHash),
		)
		result = ClaimResult{
			Success:     true,
			Payer:       v.Buyer.Hex(),
			Transaction: txHash,
		}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return result, nil
}

// validateIdentity checks the voucher belongs on this network and that its
// id really derives from its identity fields. The id is never trusted as
// caller input.
func (l *Ledger) validateIdentity(v *voucher.Voucher) x402.InvalidReason {
	if v.ChainID != l.net.ChainID || v.Escrow != l.net.Escrow {
		return x402.InvalidReasonNetworkMismatch
	}
	derived := voucher.DeriveID(v.Buyer, v.Seller, v.Asset, v.Escrow, v.ChainID)
	if derived != v.ID {
		return x402.InvalidReasonVoucherIDMismatch
	}
	return ""
}

func (l *Ledger) validateSignature(v *voucher.Voucher) x402.InvalidReason {
	signer, err := voucher.RecoverSigner(v)
	if err != nil || signer != v.Buyer {
		return x402.InvalidReasonInvalidSignature
	}
	return ""
}

// validateDepositCap rejects vouchers the escrow could never pay out.
func (l *Ledger) validateDepositCap(ctx context.Context, v *voucher.Voucher) (x402.InvalidReason, error) {
	cfg, err := l.escrow.GetEscrowConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("escrow config: %w", err)
	}
	if cfg.MaxDeposit != nil && cfg.MaxDeposit.Sign() > 0 && v.ValueAggregate.Cmp(cfg.MaxDeposit) > 0 {
		return x402.InvalidReasonExceedsMaxDeposit, nil
	}
	return "", nil
}

// validateAgainstPrior enforces the per-id ordering invariants.
func validateAgainstPrior(v, prior *voucher.Voucher) x402.InvalidReason {
	if prior == nil {
		// First version: any non-negative nonce seeds the sequence.
		return ""
	}
	if prior.Settled {
		return x402.InvalidReasonAlreadySettled
	}
	if v.Nonce.Cmp(prior.Nonce) <= 0 {
		return x402.InvalidReasonStaleNonce
	}
	if v.ValueAggregate.Cmp(prior.ValueAggregate) < 0 {
		return x402.InvalidReasonValueRegression
	}
	return ""
}

func invalid(reason x402.InvalidReason) x402.VerifyResult {
	return x402.VerifyResult{IsValid: false, InvalidReason: reason}
}
