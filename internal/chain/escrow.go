package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402lab/facilitator/internal/voucher"
)

// Escrow contract surface used by the facilitator. The contract validates
// the buyer's EIP-712 signature and the running total on-chain; claiming
// transfers the not-yet-settled delta to the seller.
var escrowABI = mustABI(`[
	{
		"type": "function",
		"name": "claimVoucher",
		"inputs": [{
			"name": "v",
			"type": "tuple",
			"components": [
				{"name": "id", "type": "bytes32"},
				{"name": "buyer", "type": "address"},
				{"name": "seller", "type": "address"},
				{"name": "asset", "type": "address"},
				{"name": "valueAggregate", "type": "uint256"},
				{"name": "nonce", "type": "uint256"},
				{"name": "timestamp", "type": "uint256"},
				{"name": "signature", "type": "bytes"}
			]
		}],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "thawPeriod",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "maxDeposit",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	}
]`)

// escrowVoucher is the ABI tuple passed to claimVoucher.
type escrowVoucher struct {
	Id             [32]byte
	Buyer          common.Address
	Seller         common.Address
	Asset          common.Address
	ValueAggregate *big.Int
	Nonce          *big.Int
	Timestamp      *big.Int
	Signature      []byte
}

func toEscrowVoucher(v *voucher.Voucher) escrowVoucher {
	return escrowVoucher{
		Id:             v.ID,
		Buyer:          v.Buyer,
		Seller:         v.Seller,
		Asset:          v.Asset,
		ValueAggregate: v.ValueAggregate,
		Nonce:          v.Nonce,
		Timestamp:      big.NewInt(v.Timestamp),
		Signature:      v.Signature,
	}
}

// ClaimVoucher submits the voucher to the escrow contract and waits for
// inclusion. The caller bounds ctx; on timeout or revert no state is
// committed on our side and the claim may be retried.
func (c *Client) ClaimVoucher(ctx context.Context, v *voucher.Voucher) (string, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return "", fmt.Errorf("build tx opts: %w", err)
	}
	tx, err := c.escrow.Transact(opts, "claimVoucher", toEscrowVoucher(v))
	if err != nil {
		return "", fmt.Errorf("claimVoucher tx: %w", err)
	}
	return c.waitMined(ctx, tx)
}
