package wire

// Error codes carried in the VerificationResult ErrorCode field.
// Codes are grouped by concern: 10xx request shape, 11xx freshness and
// replay, 12xx paymaster layer, 13xx passkey layer, 14xx account store,
// 15xx key material and signing. Codes carry no secret state.
const (
	CodeOK uint32 = 0

	CodeMalformedRequest uint32 = 1001

	CodeRequestExpired uint32 = 1101
	CodeNonceReplayed  uint32 = 1102

	CodePaymasterSignatureInvalid uint32 = 1201
	CodePaymasterNotAuthorized    uint32 = 1202

	CodeUserSignatureInvalid uint32 = 1301

	CodeAccountNotFound  uint32 = 1401
	CodeDuplicateAccount uint32 = 1402

	CodeEntropyUnavailable    uint32 = 1501
	CodeKeyDerivationFailed   uint32 = 1502
	CodeInvalidDerivationPath uint32 = 1503
	CodeSigningFailed         uint32 = 1504

	CodeInternal uint32 = 1999
)

// CodeString returns a short diagnostic name for an error code.
func CodeString(code uint32) string {
	switch code {
	case CodeOK:
		return "ok"
	case CodeMalformedRequest:
		return "malformed_request"
	case CodeRequestExpired:
		return "request_expired"
	case CodeNonceReplayed:
		return "nonce_replayed"
	case CodePaymasterSignatureInvalid:
		return "paymaster_signature_invalid"
	case CodePaymasterNotAuthorized:
		return "paymaster_not_authorized"
	case CodeUserSignatureInvalid:
		return "user_signature_invalid"
	case CodeAccountNotFound:
		return "account_not_found"
	case CodeDuplicateAccount:
		return "duplicate_account"
	case CodeEntropyUnavailable:
		return "entropy_unavailable"
	case CodeKeyDerivationFailed:
		return "key_derivation_failed"
	case CodeInvalidDerivationPath:
		return "invalid_derivation_path"
	case CodeSigningFailed:
		return "signing_failed"
	case CodeInternal:
		return "internal"
	default:
		return "unknown"
	}
}
