package x402

import (
	"encoding/json"
	"math/big"
)

// Scheme names understood by the facilitator. The set is closed: adding a
// scheme means adding a constant here and a branch in the dispatcher.
const (
	SchemeExact    = "exact"
	SchemeDeferred = "deferred"
)

// Version is the supported x402 protocol version.
const Version = 1

// PaymentRequirements is what the resource server demands for access.
// Amounts are decimal strings in atomic asset units.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int64  `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
	Extra             *Extra `json:"extra,omitempty"`
}

// Extra carries the EIP-712 domain name/version of the asset contract
// (e.g. "USD Coin" / "2"), needed to rebuild the exact-scheme digest.
type Extra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PaymentPayload is the payer's side of a verify/settle request. Payload is
// scheme-specific: ExactPayload for "exact", VoucherPayload for "deferred".
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// ExactPayload is the "exact" scheme payload: one EIP-3009 authorization
// plus the payer's signature over it.
type ExactPayload struct {
	Signature     string             `json:"signature"`
	Authorization ExactAuthorization `json:"authorization"`
}

// ExactAuthorization mirrors EIP-3009 TransferWithAuthorization. Value and
// the validity bounds are decimal strings; Nonce is a 32-byte hex string.
type ExactAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// VoucherPayload is the "deferred" scheme payload: one version of a
// running-total voucher. Nonce and ValueAggregate are decimal strings.
type VoucherPayload struct {
	ID             string `json:"id"`
	Buyer          string `json:"buyer"`
	Seller         string `json:"seller"`
	Asset          string `json:"asset"`
	Escrow         string `json:"escrow"`
	ChainID        int64  `json:"chainId"`
	Nonce          string `json:"nonce"`
	ValueAggregate string `json:"valueAggregate"`
	Timestamp      int64  `json:"timestamp"`
	Signature      string `json:"signature"`
}

// VerifyRequest is the body of POST /verify and POST /settle.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResult is the uniform verification outcome across schemes.
type VerifyResult struct {
	IsValid       bool          `json:"isValid"`
	InvalidReason InvalidReason `json:"invalidReason,omitempty"`
	Payer         string        `json:"payer,omitempty"`
}

// SettleResult is the uniform settlement outcome across schemes.
type SettleResult struct {
	Success     bool        `json:"success"`
	Transaction string      `json:"transaction,omitempty"`
	ErrorReason ErrorReason `json:"errorReason,omitempty"`
	Payer       string      `json:"payer,omitempty"`
	Network     string      `json:"network"`
}

// Kind is one supported (scheme, network) pair.
type Kind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// ParseAmount parses a decimal-string atomic amount. Negative values,
// non-decimal input, and values wider than uint256 are rejected.
func ParseAmount(s string) (*big.Int, bool) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 || n.BitLen() > 256 {
		return nil, false
	}
	return n, true
}
