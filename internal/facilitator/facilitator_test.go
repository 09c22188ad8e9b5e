package facilitator

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/x402lab/facilitator/internal/chain"
	"github.com/x402lab/facilitator/internal/config"
	"github.com/x402lab/facilitator/internal/exact"
	"github.com/x402lab/facilitator/internal/ledger"
	"github.com/x402lab/facilitator/internal/network"
	"github.com/x402lab/facilitator/internal/voucher"
	"github.com/x402lab/facilitator/internal/x402"
)

const (
	testNetName   = "testnet"
	testChainID   = int64(12345)
	testEscrowHex = "0xDeAdBeEfDeAdBeEfDeAdBeEfDeAdBeEfDeAdBeEf"
)

// stubChain satisfies both exact.ChainClient and ledger.EscrowClient with
// benign answers; dispatch tests never reach the chain.
type stubChain struct{}

func (stubChain) BalanceOf(ctx context.Context, asset, account common.Address) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (stubChain) TransferWithAuthorization(ctx context.Context, asset common.Address, auth x402.ExactAuthorization, sig []byte) (string, error) {
	return "0xtx", nil
}

func (stubChain) ClaimVoucher(ctx context.Context, v *voucher.Voucher) (string, error) {
	return "0xtx", nil
}

func (stubChain) GetEscrowConfig(ctx context.Context) (*chain.EscrowConfig, error) {
	return &chain.EscrowConfig{
		EscrowAddress:     common.HexToAddress(testEscrowHex),
		ThawPeriodSeconds: 0,
		MaxDeposit:        big.NewInt(0),
	}, nil
}

func newTestFacilitator(t *testing.T) *Facilitator {
	t.Helper()
	registry, err := network.NewRegistry(map[string]config.Network{
		testNetName: {
			ChainID:       testChainID,
			RPCURL:        "http://localhost:8545",
			EscrowAddress: testEscrowHex,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	net, _ := registry.Lookup(testNetName)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := zap.NewNop()

	return New(
		registry,
		map[string]*exact.Scheme{testNetName: exact.NewScheme(net, stubChain{}, log)},
		map[string]*ledger.Ledger{testNetName: ledger.New(net, rdb, stubChain{}, log)},
		log,
	)
}

func deferredRequest(t *testing.T, nonce, value int64) x402.VerifyRequest {
	t.Helper()
	privKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	buyer := crypto.PubkeyToAddress(privKey.PublicKey)
	seller := common.HexToAddress("0x2222222222222222222222222222222222222222")
	asset := common.HexToAddress("0x3333333333333333333333333333333333333333")
	escrow := common.HexToAddress(testEscrowHex)

	v := &voucher.Voucher{
		ID:             voucher.DeriveID(buyer, seller, asset, escrow, testChainID),
		Buyer:          buyer,
		Seller:         seller,
		Asset:          asset,
		Escrow:         escrow,
		ChainID:        testChainID,
		Nonce:          big.NewInt(nonce),
		ValueAggregate: big.NewInt(value),
		Timestamp:      time.Now().Unix(),
	}
	if err := voucher.Sign(v, privKey); err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(v.ToPayload())
	if err != nil {
		t.Fatal(err)
	}
	return x402.VerifyRequest{
		X402Version: x402.Version,
		PaymentPayload: x402.PaymentPayload{
			X402Version: x402.Version,
			Scheme:      x402.SchemeDeferred,
			Network:     testNetName,
			Payload:     raw,
		},
		PaymentRequirements: x402.PaymentRequirements{
			Scheme:  x402.SchemeDeferred,
			Network: testNetName,
		},
	}
}

func TestVerify_RejectsUnsupportedVersion(t *testing.T) {
	f := newTestFacilitator(t)
	req := deferredRequest(t, 1, 100)
	req.X402Version = 2

	res, err := f.Verify(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsValid || res.InvalidReason != x402.InvalidReasonUnsupportedVersion {
		t.Errorf("got %v/%s, want unsupported_x402_version", res.IsValid, res.InvalidReason)
	}
}

func TestVerify_RejectsUnknownSchemeAndNetwork(t *testing.T) {
	f := newTestFacilitator(t)

	req := deferredRequest(t, 1, 100)
	req.PaymentPayload.Scheme = "streaming"
	res, err := f.Verify(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.InvalidReason != x402.InvalidReasonSchemeNotSupported {
		t.Errorf("unknown scheme: got %s", res.InvalidReason)
	}

	req = deferredRequest(t, 1, 100)
	req.PaymentPayload.Network = "nonet"
	res, err = f.Verify(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.InvalidReason != x402.InvalidReasonSchemeNotSupported {
		t.Errorf("unknown network: got %s", res.InvalidReason)
	}
}

func TestVerify_DeferredDispatch(t *testing.T) {
	f := newTestFacilitator(t)
	req := deferredRequest(t, 1, 100)

	res, err := f.Verify(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsValid {
		t.Fatalf("valid voucher rejected: %s", res.InvalidReason)
	}
	if res.Payer == "" {
		t.Error("payer missing")
	}
}

// Requirements naming a different scheme or network than the payload must be
// rejected before the ledger sees the voucher.
func TestVerify_DeferredRequirementsMismatch(t *testing.T) {
	f := newTestFacilitator(t)

	req := deferredRequest(t, 1, 100)
	req.PaymentRequirements.Scheme = x402.SchemeExact
	res, err := f.Verify(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsValid || res.InvalidReason != x402.InvalidReasonSchemeMismatch {
		t.Errorf("scheme: got %v/%s, want scheme_mismatch", res.IsValid, res.InvalidReason)
	}

	req = deferredRequest(t, 1, 100)
	req.PaymentRequirements.Network = "othernet"
	res, err = f.Verify(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsValid || res.InvalidReason != x402.InvalidReasonNetworkMismatch {
		t.Errorf("network: got %v/%s, want network_mismatch", res.IsValid, res.InvalidReason)
	}
}

func TestSettle_DeferredRequirementsMismatch(t *testing.T) {
	f := newTestFacilitator(t)

	req := deferredRequest(t, 1, 100)
	req.PaymentRequirements.Scheme = x402.SchemeExact
	res, err := f.Settle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ErrorReason != x402.ErrorReason(x402.InvalidReasonSchemeMismatch) {
		t.Errorf("scheme: got %v/%s, want scheme_mismatch", res.Success, res.ErrorReason)
	}

	req = deferredRequest(t, 1, 100)
	req.PaymentRequirements.Network = "othernet"
	res, err = f.Settle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ErrorReason != x402.ErrorReason(x402.InvalidReasonNetworkMismatch) {
		t.Errorf("network: got %v/%s, want network_mismatch", res.Success, res.ErrorReason)
	}
}

func TestVerify_DeferredMalformedPayload(t *testing.T) {
	f := newTestFacilitator(t)
	req := deferredRequest(t, 1, 100)
	req.PaymentPayload.Payload = json.RawMessage(`{"buyer": "not-an-address"}`)

	res, err := f.Verify(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.InvalidReason != x402.InvalidReasonMalformedPayload {
		t.Errorf("got %s, want malformed_payload", res.InvalidReason)
	}
}

func TestSettle_DeferredCommitsVoucher(t *testing.T) {
	f := newTestFacilitator(t)
	req := deferredRequest(t, 1, 100)

	res, err := f.Settle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("settle failed: %s", res.ErrorReason)
	}
	if res.Network != testNetName {
		t.Errorf("network = %s", res.Network)
	}

	// Replaying the same nonce fails with the ledger's reason
	res, err = f.Settle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ErrorReason != x402.ErrorReason(x402.InvalidReasonStaleNonce) {
		t.Errorf("replay: got %v/%s", res.Success, res.ErrorReason)
	}
}

func TestSettle_UnknownSchemeReason(t *testing.T) {
	f := newTestFacilitator(t)
	req := deferredRequest(t, 1, 100)
	req.PaymentPayload.Scheme = "streaming"

	res, err := f.Settle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ErrorReason != x402.ErrorReasonSchemeNotSupported {
		t.Errorf("got %v/%s", res.Success, res.ErrorReason)
	}
}

func TestKinds(t *testing.T) {
	f := newTestFacilitator(t)
	kinds := f.Kinds()
	if len(kinds) != 2 {
		t.Fatalf("expected 2 kinds, got %d", len(kinds))
	}
	schemes := map[string]bool{}
	for _, k := range kinds {
		if k.Network != testNetName || k.X402Version != x402.Version {
			t.Errorf("unexpected kind %+v", k)
		}
		schemes[k.Scheme] = true
	}
	if !schemes[x402.SchemeExact] || !schemes[x402.SchemeDeferred] {
		t.Errorf("kinds missing a scheme: %+v", kinds)
	}
}
