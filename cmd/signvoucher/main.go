package main

// Dev tool: sign a deferred voucher and print the wire payload.
//
//	signvoucher <privkey-hex> <seller> <asset> <escrow> <chain-id> <nonce> <value>

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402lab/facilitator/internal/voucher"
)

func main() {
	if len(os.Args) != 8 {
		fmt.Fprintln(os.Stderr, "usage: signvoucher <privkey-hex> <seller> <asset> <escrow> <chain-id> <nonce> <value>")
		os.Exit(1)
	}
	privKey, err := crypto.HexToECDSA(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad private key:", err)
		os.Exit(1)
	}
	buyer := crypto.PubkeyToAddress(privKey.PublicKey)
	seller := common.HexToAddress(os.Args[2])
	asset := common.HexToAddress(os.Args[3])
	escrow := common.HexToAddress(os.Args[4])
	chainID, _ := strconv.ParseInt(os.Args[5], 10, 64)
	nonce, _ := new(big.Int).SetString(os.Args[6], 10)
	value, _ := new(big.Int).SetString(os.Args[7], 10)

	v := &voucher.Voucher{
		ID:             voucher.DeriveID(buyer, seller, asset, escrow, chainID),
		Buyer:          buyer,
		Seller:         seller,
		Asset:          asset,
		Escrow:         escrow,
		ChainID:        chainID,
		Nonce:          nonce,
		ValueAggregate: value,
		Timestamp:      time.Now().Unix(),
	}
	if err := voucher.Sign(v, privKey); err != nil {
		fmt.Fprintln(os.Stderr, "sign:", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(v.ToPayload(), "", "  ")
	fmt.Println(string(out))
}
