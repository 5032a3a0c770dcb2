// Package wire defines the fixed binary layouts that cross the signetd
// trust boundary.
//
// The layouts are position-exact and big-endian so that host integrators
// in any language can produce and consume them. Encoding and decoding are
// pure functions over byte buffers: a buffer of any length other than the
// fixed layout size is rejected outright, never partially parsed.
package wire

import (
	"encoding/binary"
	"errors"
	"strings"
)

// Layout sizes in bytes.
const (
	UserOpHashSize    = 32
	AddressSize       = 20
	SignatureSize     = 65
	AccountIDSize     = 64
	UserSignatureSize = 256

	// RequestSize is the exact size of an encoded VerificationRequest.
	RequestSize = UserOpHashSize + AddressSize + SignatureSize +
		AccountIDSize + UserSignatureSize + 8 + 8 // 453

	// ResultSize is the exact size of an encoded VerificationResult.
	ResultSize = 3 + SignatureSize + 8 + 4 // 80
)

// ErrMalformedRequest is returned when a buffer does not match the fixed
// layout size. The codec never attempts partial parsing.
var ErrMalformedRequest = errors.New("wire: malformed request")

// VerificationRequest is the 453-byte authorization request submitted to
// the boundary.
//
// Layout (big-endian):
//
//	offset   0, size  32: UserOpHash
//	offset  32, size  20: PaymasterAddress
//	offset  52, size  65: PaymasterSignature (r||s||v)
//	offset 117, size  64: AccountID (zero-padded UTF-8)
//	offset 181, size 256: UserSignature (zero-padded)
//	offset 437, size   8: Nonce (u64)
//	offset 445, size   8: Timestamp (u64, Unix seconds)
type VerificationRequest struct {
	UserOpHash         [UserOpHashSize]byte
	PaymasterAddress   [AddressSize]byte
	PaymasterSignature [SignatureSize]byte
	AccountID          [AccountIDSize]byte
	UserSignature      [UserSignatureSize]byte
	Nonce              uint64
	Timestamp          uint64
}

// Encode serializes the request into its fixed 453-byte layout.
func (r *VerificationRequest) Encode() []byte {
	buf := make([]byte, RequestSize)
	off := 0
	off += copy(buf[off:], r.UserOpHash[:])
	off += copy(buf[off:], r.PaymasterAddress[:])
	off += copy(buf[off:], r.PaymasterSignature[:])
	off += copy(buf[off:], r.AccountID[:])
	off += copy(buf[off:], r.UserSignature[:])
	binary.BigEndian.PutUint64(buf[off:], r.Nonce)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], r.Timestamp)
	return buf
}

// DecodeRequest parses a 453-byte buffer into a VerificationRequest.
// Any other buffer length fails with ErrMalformedRequest.
func DecodeRequest(buf []byte) (*VerificationRequest, error) {
	if len(buf) != RequestSize {
		return nil, ErrMalformedRequest
	}

	var r VerificationRequest
	off := 0
	off += copy(r.UserOpHash[:], buf[off:])
	off += copy(r.PaymasterAddress[:], buf[off:])
	off += copy(r.PaymasterSignature[:], buf[off:])
	off += copy(r.AccountID[:], buf[off:])
	off += copy(r.UserSignature[:], buf[off:])
	r.Nonce = binary.BigEndian.Uint64(buf[off:])
	off += 8
	r.Timestamp = binary.BigEndian.Uint64(buf[off:])

	return &r, nil
}

// AccountIDString returns the account identifier with trailing zero
// padding removed.
func (r *VerificationRequest) AccountIDString() string {
	return strings.TrimRight(string(r.AccountID[:]), "\x00")
}

// SetAccountID writes a zero-padded account identifier into the request.
// Identifiers longer than 64 bytes are rejected.
func (r *VerificationRequest) SetAccountID(id string) error {
	if len(id) > AccountIDSize {
		return ErrMalformedRequest
	}
	r.AccountID = [AccountIDSize]byte{}
	copy(r.AccountID[:], id)
	return nil
}

// SetUserSignature writes a zero-padded user signature into the request.
// Signatures longer than 256 bytes are rejected.
func (r *VerificationRequest) SetUserSignature(sig []byte) error {
	if len(sig) > UserSignatureSize {
		return ErrMalformedRequest
	}
	r.UserSignature = [UserSignatureSize]byte{}
	copy(r.UserSignature[:], sig)
	return nil
}

// VerificationResult is the 80-byte authorization outcome returned from
// the boundary.
//
// Layout (big-endian):
//
//	offset  0, size  1: Success (0/1)
//	offset  1, size  1: PaymasterVerified (0/1)
//	offset  2, size  1: PasskeyVerified (0/1)
//	offset  3, size 65: FinalSignature (all-zero on rejection)
//	offset 68, size  8: VerificationTimeMicros (u64)
//	offset 76, size  4: ErrorCode (u32)
type VerificationResult struct {
	Success                bool
	PaymasterVerified      bool
	PasskeyVerified        bool
	FinalSignature         [SignatureSize]byte
	VerificationTimeMicros uint64
	ErrorCode              uint32
}

// Encode serializes the result into its fixed 80-byte layout.
func (v *VerificationResult) Encode() []byte {
	buf := make([]byte, ResultSize)
	buf[0] = encodeBool(v.Success)
	buf[1] = encodeBool(v.PaymasterVerified)
	buf[2] = encodeBool(v.PasskeyVerified)
	copy(buf[3:], v.FinalSignature[:])
	binary.BigEndian.PutUint64(buf[68:], v.VerificationTimeMicros)
	binary.BigEndian.PutUint32(buf[76:], v.ErrorCode)
	return buf
}

// DecodeResult parses an 80-byte buffer into a VerificationResult.
// Any other buffer length fails with ErrMalformedRequest.
func DecodeResult(buf []byte) (*VerificationResult, error) {
	if len(buf) != ResultSize {
		return nil, ErrMalformedRequest
	}

	var v VerificationResult
	v.Success = buf[0] != 0
	v.PaymasterVerified = buf[1] != 0
	v.PasskeyVerified = buf[2] != 0
	copy(v.FinalSignature[:], buf[3:])
	v.VerificationTimeMicros = binary.BigEndian.Uint64(buf[68:])
	v.ErrorCode = binary.BigEndian.Uint32(buf[76:])

	return &v, nil
}

func encodeBool(b bool) byte {
	if b {
		return 1
	}
	return 0
}
