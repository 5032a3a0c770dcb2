package authz

import (
	"errors"

	"signetd/internal/derivation"
	"signetd/internal/entropy"
	"signetd/internal/keystore"
	"signetd/pkg/wire"
)

// CodeFor maps an error from the verification or account pipeline to
// its wire error code. Unrecognized errors map to the internal code so
// no implementation detail crosses the boundary.
func CodeFor(err error) uint32 {
	switch {
	case err == nil:
		return wire.CodeOK
	case errors.Is(err, wire.ErrMalformedRequest):
		return wire.CodeMalformedRequest
	case errors.Is(err, ErrRequestExpired):
		return wire.CodeRequestExpired
	case errors.Is(err, ErrNonceReplayed):
		return wire.CodeNonceReplayed
	case errors.Is(err, ErrPaymasterSignature):
		return wire.CodePaymasterSignatureInvalid
	case errors.Is(err, ErrPaymasterNotAuthorized):
		return wire.CodePaymasterNotAuthorized
	case errors.Is(err, ErrUserSignature):
		return wire.CodeUserSignatureInvalid
	case errors.Is(err, keystore.ErrAccountNotFound):
		return wire.CodeAccountNotFound
	case errors.Is(err, keystore.ErrDuplicateAccount):
		return wire.CodeDuplicateAccount
	case errors.Is(err, entropy.ErrUnavailable),
		errors.Is(err, entropy.ErrHealthFailed),
		errors.Is(err, entropy.ErrSourceFailed),
		errors.Is(err, entropy.ErrSeedUnavailable):
		return wire.CodeEntropyUnavailable
	case errors.Is(err, derivation.ErrInvalidPath):
		return wire.CodeInvalidDerivationPath
	case errors.Is(err, derivation.ErrDerivationFailed):
		return wire.CodeKeyDerivationFailed
	case errors.Is(err, keystore.ErrSigningFailed):
		return wire.CodeSigningFailed
	default:
		return wire.CodeInternal
	}
}
