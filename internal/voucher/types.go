package voucher

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402lab/facilitator/internal/x402"
)

// Voucher is one version of the cumulative amount a buyer owes a seller in
// one asset, claimable against the escrow contract. Identity fields (ID,
// Buyer, Seller, Asset, Escrow, ChainID) never change across versions;
// Nonce, ValueAggregate, Timestamp and Signature are overwritten by each
// accepted submission until the voucher is settled.
type Voucher struct {
	ID             common.Hash    `json:"id"`
	Buyer          common.Address `json:"buyer"`
	Seller         common.Address `json:"seller"`
	Asset          common.Address `json:"asset"`
	Escrow         common.Address `json:"escrow"`
	ChainID        int64          `json:"chain_id"`
	Nonce          *big.Int       `json:"nonce"`
	ValueAggregate *big.Int       `json:"value_aggregate"`
	Timestamp      int64          `json:"timestamp"`
	Signature      []byte         `json:"signature"`
	Settled        bool           `json:"settled"`
	SettledTxHash  string         `json:"settled_tx_hash,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// FromPayload parses the wire form into a Voucher. Amounts must be
// non-negative decimal strings; id and signature are 0x-prefixed hex.
func FromPayload(p x402.VoucherPayload) (*Voucher, error) {
	if !common.IsHexAddress(p.Buyer) {
		return nil, fmt.Errorf("invalid buyer address %q", p.Buyer)
	}
	if !common.IsHexAddress(p.Seller) {
		return nil, fmt.Errorf("invalid seller address %q", p.Seller)
	}
	if !common.IsHexAddress(p.Asset) {
		return nil, fmt.Errorf("invalid asset address %q", p.Asset)
	}
	if !common.IsHexAddress(p.Escrow) {
		return nil, fmt.Errorf("invalid escrow address %q", p.Escrow)
	}
	nonce, ok := x402.ParseAmount(p.Nonce)
	if !ok {
		return nil, fmt.Errorf("invalid nonce %q", p.Nonce)
	}
	value, ok := x402.ParseAmount(p.ValueAggregate)
	if !ok {
		return nil, fmt.Errorf("invalid valueAggregate %q", p.ValueAggregate)
	}
	idBytes, err := hex.DecodeString(strings.TrimPrefix(p.ID, "0x"))
	if err != nil || len(idBytes) != 32 {
		return nil, fmt.Errorf("invalid voucher id %q", p.ID)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex")
	}

	return &Voucher{
		ID:             common.BytesToHash(idBytes),
		Buyer:          common.HexToAddress(p.Buyer),
		Seller:         common.HexToAddress(p.Seller),
		Asset:          common.HexToAddress(p.Asset),
		Escrow:         common.HexToAddress(p.Escrow),
		ChainID:        p.ChainID,
		Nonce:          nonce,
		ValueAggregate: value,
		Timestamp:      p.Timestamp,
		Signature:      sig,
	}, nil
}

// ToPayload renders the voucher in wire form (decimal-string amounts).
func (v *Voucher) ToPayload() x402.VoucherPayload {
	return x402.VoucherPayload{
		ID:             v.ID.Hex(),
		Buyer:          v.Buyer.Hex(),
		Seller:         v.Seller.Hex(),
		Asset:          v.Asset.Hex(),
		Escrow:         v.Escrow.Hex(),
		ChainID:        v.ChainID,
		Nonce:          v.Nonce.String(),
		ValueAggregate: v.ValueAggregate.String(),
		Timestamp:      v.Timestamp,
		Signature:      "0x" + hex.EncodeToString(v.Signature),
	}
}
