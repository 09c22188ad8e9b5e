package x402

// InvalidReason is the closed set of verification rejections. Structural and
// cryptographic reasons are permanent for a given submission; temporal ones
// may clear on their own.
type InvalidReason string

const (
	// Structural
	InvalidReasonUnsupportedVersion InvalidReason = "unsupported_x402_version"
	InvalidReasonSchemeNotSupported InvalidReason = "scheme_not_supported"
	InvalidReasonMalformedPayload   InvalidReason = "malformed_payload"
	InvalidReasonSchemeMismatch     InvalidReason = "scheme_mismatch"
	InvalidReasonNetworkMismatch    InvalidReason = "network_mismatch"
	InvalidReasonRecipientMismatch  InvalidReason = "recipient_mismatch"
	InvalidReasonAmountMismatch     InvalidReason = "amount_mismatch"
	InvalidReasonVoucherIDMismatch  InvalidReason = "voucher_id_mismatch"

	// Cryptographic
	InvalidReasonInvalidSignature InvalidReason = "invalid_signature"

	// Ordering / replay
	InvalidReasonStaleNonce      InvalidReason = "stale_nonce"
	InvalidReasonValueRegression InvalidReason = "value_regression"
	InvalidReasonAlreadySettled  InvalidReason = "already_settled"

	// Temporal
	InvalidReasonNotYetValid InvalidReason = "authorization_not_yet_valid"
	InvalidReasonExpired     InvalidReason = "authorization_expired"

	// Chain
	InvalidReasonInsufficientFunds InvalidReason = "insufficient_funds"
	InvalidReasonExceedsMaxDeposit InvalidReason = "exceeds_max_deposit"
)

// ErrorReason is the closed set of settlement failures.
type ErrorReason string

const (
	ErrorReasonSchemeNotSupported ErrorReason = "scheme_not_supported"
	ErrorReasonMalformedPayload   ErrorReason = "malformed_payload"
	ErrorReasonVerifyFailed       ErrorReason = "verification_failed"
	ErrorReasonNotFound           ErrorReason = "voucher_not_found"
	ErrorReasonNonceMismatch      ErrorReason = "nonce_mismatch"
	ErrorReasonAlreadySettled     ErrorReason = "already_settled"
	ErrorReasonThawPeriodActive   ErrorReason = "thaw_period_active"
	ErrorReasonChainError         ErrorReason = "chain_error"
	ErrorReasonTxReverted         ErrorReason = "tx_reverted"
	ErrorReasonTimeout            ErrorReason = "settlement_timeout"
)
