package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/x402lab/facilitator/internal/network"
)

// escrowConfigTTL bounds how long thawPeriod/maxDeposit reads are reused.
// The contract stays the source of truth; this only avoids a view call on
// every submit/claim.
const escrowConfigTTL = 5 * time.Minute

// EscrowConfig is the on-chain escrow configuration.
type EscrowConfig struct {
	EscrowAddress     common.Address
	ThawPeriodSeconds int64
	MaxDeposit        *big.Int
}

// Client wraps one network's RPC endpoint, its escrow contract, and the
// facilitator's settlement key.
type Client struct {
	net       network.Network
	eth       *ethclient.Client
	escrow    *bind.BoundContract
	signerKey *ecdsa.PrivateKey

	mu         sync.Mutex
	escrowCfg  *EscrowConfig
	cfgFetched time.Time
}

func NewClient(net network.Network, privKeyHex string) (*Client, error) {
	eth, err := ethclient.Dial(net.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", net.Name, err)
	}
	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(privKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	escrow := bind.NewBoundContract(net.Escrow, escrowABI, eth, eth, eth)

	return &Client{
		net:       net,
		eth:       eth,
		escrow:    escrow,
		signerKey: privKey,
	}, nil
}

// Network returns the network this client settles on.
func (c *Client) Network() network.Network { return c.net }

// transactOpts builds a *bind.TransactOpts signed by the facilitator key.
func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.signerKey, big.NewInt(c.net.ChainID))
	if err != nil {
		return nil, err
	}
	auth.Context = ctx
	return auth, nil
}

// GetEscrowConfig reads thawPeriod and maxDeposit from the escrow contract,
// caching the result for escrowConfigTTL.
func (c *Client) GetEscrowConfig(ctx context.Context) (*EscrowConfig, error) {
	c.mu.Lock()
	if c.escrowCfg != nil && time.Since(c.cfgFetched) < escrowConfigTTL {
		cfg := c.escrowCfg
		c.mu.Unlock()
		return cfg, nil
	}
	c.mu.Unlock()

	opts := &bind.CallOpts{Context: ctx}

	var thawOut []interface{}
	if err := c.escrow.Call(opts, &thawOut, "thawPeriod"); err != nil {
		return nil, fmt.Errorf("thawPeriod: %w", err)
	}
	thaw, ok := thawOut[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("thawPeriod: unexpected return type %T", thawOut[0])
	}

	var depositOut []interface{}
	if err := c.escrow.Call(opts, &depositOut, "maxDeposit"); err != nil {
		return nil, fmt.Errorf("maxDeposit: %w", err)
	}
	maxDeposit, ok := depositOut[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("maxDeposit: unexpected return type %T", depositOut[0])
	}

	cfg := &EscrowConfig{
		EscrowAddress:     c.net.Escrow,
		ThawPeriodSeconds: thaw.Int64(),
		MaxDeposit:        maxDeposit,
	}

	c.mu.Lock()
	c.escrowCfg = cfg
	c.cfgFetched = time.Now()
	c.mu.Unlock()
	return cfg, nil
}

// BalanceOf reads an ERC-20 balance on this network.
func (c *Client) BalanceOf(ctx context.Context, asset, account common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	raw, err := c.eth.CallContract(ctx, callMsg(asset, data), nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("balanceOf: unexpected result length %d", len(raw))
	}
	return new(big.Int).SetBytes(raw), nil
}

// waitMined waits for the receipt and rejects reverted transactions.
func (c *Client) waitMined(ctx context.Context, tx *ethtypes.Transaction) (string, error) {
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return "", fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status == 0 {
		return "", fmt.Errorf("%w: %s", ErrTxReverted, tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}

func callMsg(to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{To: &to, Data: data}
}

// mustABI parses a static ABI string; the inputs are compile-time constants.
func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// boundERC20 binds the minimal ERC-20 surface at the given address.
func boundERC20(addr common.Address, eth *ethclient.Client) *bind.BoundContract {
	return bind.NewBoundContract(addr, erc20ABI, eth, eth, eth)
}

// parseBytes32 decodes a 0x-prefixed 32-byte hex string.
func parseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hexutil.Decode(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
