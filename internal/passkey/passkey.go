// Package passkey verifies user signatures against stored COSE
// credential public keys.
//
// Credential keys arrive as COSE bytes at account registration and are
// persisted untouched. At verification time the wire carries the user
// signature as ASN.1 DER padded with NUL bytes to a fixed field width;
// the DER element carries its own length, so the padding is stripped
// before verification.
package passkey

import (
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

// Passkey errors.
var (
	ErrCredentialInvalid = errors.New("passkey: credential key invalid")
	ErrSignatureInvalid  = errors.New("passkey: signature verification failed")
)

// Verifier checks signatures against COSE credential keys. It is
// stateless and safe for concurrent use.
type Verifier struct{}

// NewVerifier returns a credential verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify checks a DER-encoded signature over message against the
// COSE-encoded credential public key. The signature may carry trailing
// NUL padding.
func (v *Verifier) Verify(credentialPublicKey, message, signature []byte) error {
	key, err := webauthncose.ParsePublicKey(credentialPublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}

	sig, err := TrimDER(signature)
	if err != nil {
		return err
	}

	ok, err := webauthncose.VerifySignature(key, message, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !ok {
		return ErrSignatureInvalid
	}
	return nil
}

// ValidateKey parses a COSE credential public key, rejecting material
// the verifier could never check a signature against. Called at account
// registration so bad keys fail there instead of at first verification.
func (v *Verifier) ValidateKey(credentialPublicKey []byte) error {
	if len(credentialPublicKey) == 0 {
		return fmt.Errorf("%w: empty key", ErrCredentialInvalid)
	}
	if _, err := webauthncose.ParsePublicKey(credentialPublicKey); err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	return nil
}

// TrimDER returns the leading DER element of buf, dropping any trailing
// padding.
func TrimDER(buf []byte) ([]byte, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: signature too short", ErrSignatureInvalid)
	}
	if buf[0] != 0x30 {
		return nil, fmt.Errorf("%w: signature is not a DER sequence", ErrSignatureInvalid)
	}

	var contentLen, headerLen int
	switch b := buf[1]; {
	case b < 0x80:
		contentLen = int(b)
		headerLen = 2
	case b == 0x81:
		if len(buf) < 3 {
			return nil, fmt.Errorf("%w: truncated DER length", ErrSignatureInvalid)
		}
		contentLen = int(buf[2])
		headerLen = 3
	case b == 0x82:
		if len(buf) < 4 {
			return nil, fmt.Errorf("%w: truncated DER length", ErrSignatureInvalid)
		}
		contentLen = int(buf[2])<<8 | int(buf[3])
		headerLen = 4
	default:
		return nil, fmt.Errorf("%w: unsupported DER length form", ErrSignatureInvalid)
	}

	total := headerLen + contentLen
	if total > len(buf) {
		return nil, fmt.Errorf("%w: DER length exceeds field", ErrSignatureInvalid)
	}
	return buf[:total], nil
}
