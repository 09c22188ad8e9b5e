package network

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402lab/facilitator/internal/config"
	"github.com/x402lab/facilitator/internal/x402"
)

// Network is the resolved, immutable view of one configured EVM network.
type Network struct {
	Name        string
	ChainID     int64
	RPCURL      string
	Escrow      common.Address
	StableAsset common.Address
}

// Registry maps network names to their chain parameters. Built once at
// startup from config; read-only afterwards.
type Registry struct {
	networks map[string]Network
}

func NewRegistry(cfgs map[string]config.Network) (*Registry, error) {
	networks := make(map[string]Network, len(cfgs))
	for name, c := range cfgs {
		if !common.IsHexAddress(c.EscrowAddress) {
			return nil, fmt.Errorf("network %s: invalid escrow address %q", name, c.EscrowAddress)
		}
		n := Network{
			Name:    name,
			ChainID: c.ChainID,
			RPCURL:  c.RPCURL,
			Escrow:  common.HexToAddress(c.EscrowAddress),
		}
		if c.StableAsset != "" {
			if !common.IsHexAddress(c.StableAsset) {
				return nil, fmt.Errorf("network %s: invalid stable asset %q", name, c.StableAsset)
			}
			n.StableAsset = common.HexToAddress(c.StableAsset)
		}
		networks[name] = n
	}
	return &Registry{networks: networks}, nil
}

// Lookup returns the network by name.
func (r *Registry) Lookup(name string) (Network, bool) {
	n, ok := r.networks[name]
	return n, ok
}

// Names returns all configured network names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.networks))
	for name := range r.networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Kinds returns every supported (scheme, network) pair.
func (r *Registry) Kinds() []x402.Kind {
	kinds := make([]x402.Kind, 0, 2*len(r.networks))
	for _, name := range r.Names() {
		for _, scheme := range []string{x402.SchemeExact, x402.SchemeDeferred} {
			kinds = append(kinds, x402.Kind{
				X402Version: x402.Version,
				Scheme:      scheme,
				Network:     name,
			})
		}
	}
	return kinds
}
