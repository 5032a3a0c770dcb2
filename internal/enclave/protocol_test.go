package enclave

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"signetd/pkg/wire"
)

func TestMessageRoundTrip(t *testing.T) {
	payload := []byte("hello boundary")
	msg := NewMessage(MsgStatus, 42, payload)

	var buf bytes.Buffer
	if err := msg.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(payload) {
		t.Fatalf("frame length = %d, want %d", buf.Len(), HeaderSize+len(payload))
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if got.Header.Type != MsgStatus {
		t.Errorf("type = %s, want status", got.Header.Type)
	}
	if got.Header.RequestID != 42 {
		t.Errorf("request ID = %d, want 42", got.Header.RequestID)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("payload = %q, want %q", got.Payload, payload)
	}
}

func TestMessageRoundTripEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := NewMessage(MsgPing, 7, nil).WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(got.Payload))
	}
}

func frameBytes(magic uint32, version uint8, msgType MessageType, length uint32) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], magic)
	buf[4] = version
	binary.BigEndian.PutUint16(buf[6:8], uint16(msgType))
	binary.BigEndian.PutUint32(buf[8:12], 1)
	binary.BigEndian.PutUint32(buf[12:16], length)
	return buf
}

func TestReadMessageRejectsBadMagic(t *testing.T) {
	buf := frameBytes(0x57495043, ProtocolVersion, MsgPing, 0)
	if _, err := ReadMessage(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestReadMessageRejectsBadVersion(t *testing.T) {
	buf := frameBytes(ProtocolMagic, 9, MsgPing, 0)
	if _, err := ReadMessage(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	buf := frameBytes(ProtocolMagic, ProtocolVersion, MsgVerify, MaxPayloadSize+1)
	if _, err := ReadMessage(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	buf := frameBytes(ProtocolMagic, ProtocolVersion, MsgVerify, 100)
	buf = append(buf, make([]byte, 40)...)
	_, err := ReadMessage(bytes.NewReader(buf))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	payload := EncodeError(wire.CodeNonceReplayed, "nonce replayed")
	code, message, err := DecodeError(payload)
	if err != nil {
		t.Fatalf("DecodeError failed: %v", err)
	}
	if code != wire.CodeNonceReplayed {
		t.Errorf("code = %d, want %d", code, wire.CodeNonceReplayed)
	}
	if message != "nonce replayed" {
		t.Errorf("message = %q", message)
	}

	if _, _, err := DecodeError([]byte{0, 0}); err == nil {
		t.Error("expected error for short payload")
	}
}

func TestCreateAccountPayloadRoundTrip(t *testing.T) {
	req := &CreateAccountRequest{
		Email:               "alice@test.io",
		CredentialID:        bytes.Repeat([]byte{0xAA}, 16),
		CredentialPublicKey: []byte{0xA5, 0x01, 0x02, 0x03, 0x04},
	}
	for i := range req.DeviceID {
		req.DeviceID[i] = byte(i)
	}

	payload, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeCreateAccount(payload)
	if err != nil {
		t.Fatalf("DecodeCreateAccount failed: %v", err)
	}
	if got.Email != req.Email {
		t.Errorf("email = %q, want %q", got.Email, req.Email)
	}
	if !bytes.Equal(got.CredentialID, req.CredentialID) {
		t.Errorf("credential ID mismatch")
	}
	if got.DeviceID != req.DeviceID {
		t.Errorf("device ID mismatch")
	}
	if !bytes.Equal(got.CredentialPublicKey, req.CredentialPublicKey) {
		t.Errorf("credential key mismatch")
	}
}

func TestDecodeCreateAccountRejects(t *testing.T) {
	valid, err := (&CreateAccountRequest{
		Email:               "a@b.c",
		CredentialID:        []byte{1},
		CredentialPublicKey: []byte{2},
	}).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	cases := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"one byte", []byte{0}},
		{"truncated before device id", valid[:10]},
		{"truncated device id", valid[:len(valid)-8]},
		{"trailing garbage", append(append([]byte{}, valid...), 0xFF)},
	}
	for _, tc := range cases {
		if _, err := DecodeCreateAccount(tc.payload); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestEncodeCreateAccountLimits(t *testing.T) {
	long := make([]byte, 300)
	cases := []CreateAccountRequest{
		{Email: string(long), CredentialID: []byte{1}, CredentialPublicKey: []byte{2}},
		{Email: "a@b.c", CredentialID: nil, CredentialPublicKey: []byte{2}},
		{Email: "a@b.c", CredentialID: []byte{1}, CredentialPublicKey: nil},
	}
	for i, req := range cases {
		if _, err := req.Encode(); err == nil {
			t.Errorf("case %d: expected encode error", i)
		}
	}
}

func TestRegisterPaymasterPayload(t *testing.T) {
	var addr [wire.AddressSize]byte
	for i := range addr {
		addr[i] = byte(0x40 + i)
	}
	payload, err := EncodeRegisterPaymaster(addr, "pimlico")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	gotAddr, gotName, err := DecodeRegisterPaymaster(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if gotAddr != addr {
		t.Errorf("address mismatch")
	}
	if gotName != "pimlico" {
		t.Errorf("name = %q, want pimlico", gotName)
	}

	if _, _, err := DecodeRegisterPaymaster(payload[:10]); err == nil {
		t.Error("expected error for short payload")
	}
}

func TestCreateAccountResponseRoundTrip(t *testing.T) {
	var resp CreateAccountResponse
	copy(resp.AccountID[:], "4f2a")
	resp.Address[0] = 0xDE
	resp.Address[19] = 0xAD

	got, err := DecodeCreateAccountResponse(resp.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.AccountIDString() != "4f2a" {
		t.Errorf("account ID = %q, want 4f2a", got.AccountIDString())
	}
	if got.Address != resp.Address {
		t.Errorf("address mismatch")
	}

	if _, err := DecodeCreateAccountResponse([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short payload")
	}
}
