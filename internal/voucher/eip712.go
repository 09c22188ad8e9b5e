package voucher

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var voucherTypeHash = crypto.Keccak256Hash([]byte(
	"DeferredVoucher(bytes32 id,address buyer,address seller,address asset,uint256 valueAggregate,uint256 nonce,uint256 timestamp)",
))

// domainSeparator computes the EIP-712 domain separator. The escrow contract
// is the verifying contract, so a voucher signed for one escrow (or chain)
// cannot be replayed against another.
func domainSeparator(chainID *big.Int, escrow common.Address) [32]byte {
	domainTypeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	nameHash := crypto.Keccak256Hash([]byte("X402 Deferred Escrow"))
	versionHash := crypto.Keccak256Hash([]byte("1"))

	// ABI-encode: (bytes32, bytes32, bytes32, uint256, address)
	// Each element occupies a 32-byte slot; addresses are right-aligned.
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], escrow.Bytes())

	return crypto.Keccak256Hash(encoded)
}

// DeriveID computes the deterministic voucher id for a
// (buyer, seller, asset, escrow, chainId) tuple.
func DeriveID(buyer, seller, asset, escrow common.Address, chainID int64) common.Hash {
	encoded := make([]byte, 5*32)
	copy(encoded[12:32], buyer.Bytes())
	copy(encoded[44:64], seller.Bytes())
	copy(encoded[76:96], asset.Bytes())
	copy(encoded[108:128], escrow.Bytes())
	big.NewInt(chainID).FillBytes(encoded[128:160])
	return crypto.Keccak256Hash(encoded)
}

// Digest returns the EIP-712 digest the buyer signs for this voucher version.
func Digest(v *Voucher) [32]byte {
	// structHash = keccak256(typeHash || abi.encode(fields))
	encoded := make([]byte, 8*32)
	copy(encoded[0:32], voucherTypeHash[:])
	copy(encoded[32:64], v.ID[:])
	copy(encoded[76:96], v.Buyer.Bytes())
	copy(encoded[108:128], v.Seller.Bytes())
	copy(encoded[140:160], v.Asset.Bytes())
	v.ValueAggregate.FillBytes(encoded[160:192])
	v.Nonce.FillBytes(encoded[192:224])
	big.NewInt(v.Timestamp).FillBytes(encoded[224:256])

	structHash := crypto.Keccak256Hash(encoded)
	sep := domainSeparator(big.NewInt(v.ChainID), v.Escrow)

	// Final digest: keccak256(0x1901 || domainSeparator || structHash)
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// fitsUint256 reports whether n fits the uint256 slots the digest encodes.
// FillBytes panics on wider values, so digest callers must check first.
func fitsUint256(n *big.Int) bool {
	return n != nil && n.Sign() >= 0 && n.BitLen() <= 256
}

// RecoverSigner recovers the address that signed this voucher version.
// Any malformed signature yields an error, never a panic.
func RecoverSigner(v *Voucher) (common.Address, error) {
	if len(v.Signature) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	if !fitsUint256(v.Nonce) || !fitsUint256(v.ValueAggregate) {
		return common.Address{}, errors.New("nonce or valueAggregate exceeds uint256")
	}
	digest := Digest(v)
	sig := make([]byte, 65)
	copy(sig, v.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign signs the voucher in-place with the given key using EIP-712.
func Sign(v *Voucher, privKey *ecdsa.PrivateKey) error {
	if !fitsUint256(v.Nonce) || !fitsUint256(v.ValueAggregate) {
		return errors.New("nonce or valueAggregate exceeds uint256")
	}
	digest := Digest(v)
	sig, err := crypto.Sign(digest[:], privKey)
	if err != nil {
		return err
	}
	// Convert V from 0/1 to 27/28 for Solidity ecrecover
	sig[64] += 27
	v.Signature = sig
	return nil
}
