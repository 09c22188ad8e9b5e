package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402lab/facilitator/internal/x402"
)

// Minimal ERC-20 surface: EIP-3009 authorized transfer plus balance reads.
var erc20ABI = mustABI(`[
	{
		"type": "function",
		"name": "transferWithAuthorization",
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "balanceOf",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	}
]`)

// TransferWithAuthorization submits an EIP-3009 authorization to the asset
// contract and waits for inclusion. sig must be the payer's 65-byte
// signature over the authorization.
func (c *Client) TransferWithAuthorization(
	ctx context.Context,
	asset common.Address,
	auth x402.ExactAuthorization,
	sig []byte,
) (string, error) {
	value, ok := x402.ParseAmount(auth.Value)
	if !ok {
		return "", fmt.Errorf("invalid authorization value %q", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return "", fmt.Errorf("invalid validAfter %q", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return "", fmt.Errorf("invalid validBefore %q", auth.ValidBefore)
	}
	nonce, err := parseBytes32(auth.Nonce)
	if err != nil {
		return "", fmt.Errorf("invalid authorization nonce: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("invalid signature length %d", len(sig))
	}

	var sigR, sigS [32]byte
	copy(sigR[:], sig[0:32])
	copy(sigS[:], sig[32:64])
	sigV := sig[64]
	// The token contract's ecrecover expects 27/28
	if sigV == 0 || sigV == 1 {
		sigV += 27
	}

	opts, err := c.transactOpts(ctx)
	if err != nil {
		return "", fmt.Errorf("build tx opts: %w", err)
	}
	contract := boundERC20(asset, c.eth)
	tx, err := contract.Transact(opts, "transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		nonce,
		sigV,
		sigR,
		sigS,
	)
	if err != nil {
		return "", fmt.Errorf("transferWithAuthorization tx: %w", err)
	}
	return c.waitMined(ctx, tx)
}
