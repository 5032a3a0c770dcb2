package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func sampleRequest() *VerificationRequest {
	var r VerificationRequest
	for i := range r.UserOpHash {
		r.UserOpHash[i] = byte(i)
	}
	for i := range r.PaymasterAddress {
		r.PaymasterAddress[i] = byte(0xA0 + i)
	}
	for i := range r.PaymasterSignature {
		r.PaymasterSignature[i] = byte(0x10 ^ i)
	}
	copy(r.AccountID[:], "3f2a9b1c"+"deadbeef")
	for i := range r.UserSignature {
		r.UserSignature[i] = byte(i * 3)
	}
	r.Nonce = 0x1122334455667788
	r.Timestamp = 1730000000
	return &r
}

func TestRequestRoundTrip(t *testing.T) {
	orig := sampleRequest()

	buf := orig.Encode()
	if len(buf) != RequestSize {
		t.Fatalf("encoded length = %d, want %d", len(buf), RequestSize)
	}

	decoded, err := DecodeRequest(buf)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}

	if *decoded != *orig {
		t.Error("decoded request does not match original")
	}
}

func TestRequestFieldOffsets(t *testing.T) {
	r := sampleRequest()
	buf := r.Encode()

	if !bytes.Equal(buf[0:32], r.UserOpHash[:]) {
		t.Error("UserOpHash not at offset 0")
	}
	if !bytes.Equal(buf[32:52], r.PaymasterAddress[:]) {
		t.Error("PaymasterAddress not at offset 32")
	}
	if !bytes.Equal(buf[52:117], r.PaymasterSignature[:]) {
		t.Error("PaymasterSignature not at offset 52")
	}
	if !bytes.Equal(buf[117:181], r.AccountID[:]) {
		t.Error("AccountID not at offset 117")
	}
	if !bytes.Equal(buf[181:437], r.UserSignature[:]) {
		t.Error("UserSignature not at offset 181")
	}
	if binary.BigEndian.Uint64(buf[437:445]) != r.Nonce {
		t.Error("Nonce not big-endian at offset 437")
	}
	if binary.BigEndian.Uint64(buf[445:453]) != r.Timestamp {
		t.Error("Timestamp not big-endian at offset 445")
	}
}

func TestDecodeRequestRejectsWrongLength(t *testing.T) {
	for _, n := range []int{0, 1, RequestSize - 1, RequestSize + 1, ResultSize, 1024} {
		_, err := DecodeRequest(make([]byte, n))
		if !errors.Is(err, ErrMalformedRequest) {
			t.Errorf("length %d: got %v, want ErrMalformedRequest", n, err)
		}
	}
}

func TestResultRoundTrip(t *testing.T) {
	orig := &VerificationResult{
		Success:                true,
		PaymasterVerified:      true,
		PasskeyVerified:        true,
		VerificationTimeMicros: 4521,
		ErrorCode:              CodeOK,
	}
	for i := range orig.FinalSignature {
		orig.FinalSignature[i] = byte(0xFF - i)
	}

	buf := orig.Encode()
	if len(buf) != ResultSize {
		t.Fatalf("encoded length = %d, want %d", len(buf), ResultSize)
	}

	decoded, err := DecodeResult(buf)
	if err != nil {
		t.Fatalf("DecodeResult failed: %v", err)
	}

	if *decoded != *orig {
		t.Error("decoded result does not match original")
	}
}

func TestResultRejectionShape(t *testing.T) {
	res := &VerificationResult{
		Success:           false,
		PaymasterVerified: true,
		ErrorCode:         CodePaymasterNotAuthorized,
	}

	buf := res.Encode()
	decoded, err := DecodeResult(buf)
	if err != nil {
		t.Fatalf("DecodeResult failed: %v", err)
	}

	if decoded.Success {
		t.Error("Success should be false")
	}
	if !decoded.PaymasterVerified {
		t.Error("PaymasterVerified should survive the round trip")
	}
	if decoded.PasskeyVerified {
		t.Error("PasskeyVerified should be false")
	}
	if decoded.FinalSignature != [SignatureSize]byte{} {
		t.Error("FinalSignature should be all-zero on rejection")
	}
}

func TestDecodeResultRejectsWrongLength(t *testing.T) {
	for _, n := range []int{0, ResultSize - 1, ResultSize + 1, RequestSize} {
		_, err := DecodeResult(make([]byte, n))
		if !errors.Is(err, ErrMalformedRequest) {
			t.Errorf("length %d: got %v, want ErrMalformedRequest", n, err)
		}
	}
}

func TestAccountIDPadding(t *testing.T) {
	var r VerificationRequest
	if err := r.SetAccountID("alice-account"); err != nil {
		t.Fatalf("SetAccountID failed: %v", err)
	}

	if got := r.AccountIDString(); got != "alice-account" {
		t.Errorf("AccountIDString = %q, want %q", got, "alice-account")
	}

	// The padding must be zeros.
	for i := len("alice-account"); i < AccountIDSize; i++ {
		if r.AccountID[i] != 0 {
			t.Fatalf("padding byte %d is %#x, want 0", i, r.AccountID[i])
		}
	}
}

func TestSetAccountIDTooLong(t *testing.T) {
	var r VerificationRequest
	long := make([]byte, AccountIDSize+1)
	for i := range long {
		long[i] = 'a'
	}

	if err := r.SetAccountID(string(long)); !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("got %v, want ErrMalformedRequest", err)
	}
}

func TestSetUserSignature(t *testing.T) {
	var r VerificationRequest

	sig := []byte{0x30, 0x44, 0x02, 0x20}
	if err := r.SetUserSignature(sig); err != nil {
		t.Fatalf("SetUserSignature failed: %v", err)
	}
	if !bytes.Equal(r.UserSignature[:4], sig) {
		t.Error("signature prefix mismatch")
	}

	if err := r.SetUserSignature(make([]byte, UserSignatureSize+1)); !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("oversized signature: got %v, want ErrMalformedRequest", err)
	}
}

func TestCodeString(t *testing.T) {
	cases := map[uint32]string{
		CodeOK:                     "ok",
		CodeNonceReplayed:          "nonce_replayed",
		CodePaymasterNotAuthorized: "paymaster_not_authorized",
		CodeSigningFailed:          "signing_failed",
		77777:                      "unknown",
	}
	for code, want := range cases {
		if got := CodeString(code); got != want {
			t.Errorf("CodeString(%d) = %q, want %q", code, got, want)
		}
	}
}
