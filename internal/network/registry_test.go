package network

import (
	"testing"

	"github.com/x402lab/facilitator/internal/config"
	"github.com/x402lab/facilitator/internal/x402"
)

func testConfigs() map[string]config.Network {
	return map[string]config.Network{
		"alpha": {
			ChainID:       1,
			RPCURL:        "http://alpha:8545",
			EscrowAddress: "0x1111111111111111111111111111111111111111",
			StableAsset:   "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		},
		"beta": {
			ChainID:       2,
			RPCURL:        "http://beta:8545",
			EscrowAddress: "0x2222222222222222222222222222222222222222",
		},
	}
}

func TestNewRegistry_RejectsBadAddresses(t *testing.T) {
	cfgs := testConfigs()
	bad := cfgs["alpha"]
	bad.EscrowAddress = "not-hex"
	cfgs["alpha"] = bad
	if _, err := NewRegistry(cfgs); err == nil {
		t.Fatal("invalid escrow address must fail at startup")
	}

	cfgs = testConfigs()
	bad = cfgs["alpha"]
	bad.StableAsset = "0x123"
	cfgs["alpha"] = bad
	if _, err := NewRegistry(cfgs); err == nil {
		t.Fatal("invalid stable asset must fail at startup")
	}
}

func TestLookupAndNames(t *testing.T) {
	r, err := NewRegistry(testConfigs())
	if err != nil {
		t.Fatal(err)
	}

	n, ok := r.Lookup("alpha")
	if !ok || n.ChainID != 1 || n.Name != "alpha" {
		t.Errorf("Lookup(alpha) = %+v, %v", n, ok)
	}
	if _, ok := r.Lookup("gamma"); ok {
		t.Error("unknown network should not resolve")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("Names() = %v, want sorted [alpha beta]", names)
	}
}

func TestKinds_CoversBothSchemesPerNetwork(t *testing.T) {
	r, err := NewRegistry(testConfigs())
	if err != nil {
		t.Fatal(err)
	}
	kinds := r.Kinds()
	if len(kinds) != 4 {
		t.Fatalf("expected 4 kinds, got %d", len(kinds))
	}
	seen := map[string]map[string]bool{}
	for _, k := range kinds {
		if k.X402Version != x402.Version {
			t.Errorf("kind %+v has wrong version", k)
		}
		if seen[k.Network] == nil {
			seen[k.Network] = map[string]bool{}
		}
		seen[k.Network][k.Scheme] = true
	}
	for _, name := range []string{"alpha", "beta"} {
		if !seen[name][x402.SchemeExact] || !seen[name][x402.SchemeDeferred] {
			t.Errorf("network %s missing a scheme: %v", name, seen[name])
		}
	}
}
