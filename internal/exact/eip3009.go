package exact

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/x402lab/facilitator/internal/x402"
)

// EIP-712 domain defaults for assets that do not state their own
// (USDC's deployed name/version).
const (
	defaultTokenName    = "USD Coin"
	defaultTokenVersion = "2"
)

// authDigest rebuilds the EIP-712 digest of an EIP-3009
// TransferWithAuthorization, domain-separated by the asset contract.
func authDigest(
	auth x402.ExactAuthorization,
	chainID int64,
	asset common.Address,
	tokenName, tokenVersion string,
) ([]byte, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid value %q", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter %q", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore %q", auth.ValidBefore)
	}
	nonceBytes, err := hexutil.Decode(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return nil, errors.New("nonce must be 32 bytes of hex")
	}

	hexChainID := math.HexOrDecimal256(*big.NewInt(chainID))
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              tokenName,
			Version:           tokenVersion,
			ChainId:           &hexChainID,
			VerifyingContract: asset.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       value,
			"validAfter":  validAfter,
			"validBefore": validBefore,
			"nonce":       hexutil.Bytes(nonceBytes),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}

	rawData := append(append([]byte("\x19\x01"), domainSeparator...), structHash...)
	return crypto.Keccak256(rawData), nil
}

// recoverAuthSigner recovers the address that signed the authorization.
// Fails closed on any malformed input.
func recoverAuthSigner(
	auth x402.ExactAuthorization,
	sigHex string,
	chainID int64,
	asset common.Address,
	tokenName, tokenVersion string,
) (common.Address, error) {
	digest, err := authDigest(auth, chainID, asset, tokenName, tokenVersion)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, errors.New("invalid signature hex")
	}
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
