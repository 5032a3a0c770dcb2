// Package enclave implements the framed command protocol spoken over
// the signetd Unix socket.
//
// Every frame is a fixed 16-byte header followed by a payload. The
// protocol is synchronous per connection: a client sends one command
// and reads one response. Authorization requests and results cross the
// boundary in the exact binary layouts defined by pkg/wire; protocol
// error frames carry an error code and a static diagnostic string,
// never request contents.
package enclave

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"signetd/pkg/wire"
)

// Framing constants.
const (
	// ProtocolMagic opens every frame: "SGNT".
	ProtocolMagic = 0x53474E54

	// ProtocolVersion is the frame format this daemon speaks.
	ProtocolVersion = 1

	// HeaderSize is the fixed frame header length in bytes.
	HeaderSize = 16

	// MaxPayloadSize bounds a single frame payload. Every defined
	// command fits well inside it; anything larger is a broken or
	// hostile peer.
	MaxPayloadSize = 64 * 1024
)

// MessageType identifies a frame. Types are grouped by range: control
// 0x000x, verification 0x01xx, accounts 0x02xx, paymasters 0x03xx,
// errors 0x0F00.
type MessageType uint16

const (
	MsgPing           MessageType = 0x0001
	MsgPong           MessageType = 0x0002
	MsgStatus         MessageType = 0x0003
	MsgStatusResponse MessageType = 0x0004

	MsgVerify       MessageType = 0x0100
	MsgVerifyResult MessageType = 0x0101

	MsgCreateAccount     MessageType = 0x0200
	MsgCreateAccountResp MessageType = 0x0201

	MsgRegisterPaymaster     MessageType = 0x0300
	MsgRegisterPaymasterResp MessageType = 0x0301

	MsgError MessageType = 0x0F00
)

// String names a message type for logs and metrics labels.
func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgStatus:
		return "status"
	case MsgStatusResponse:
		return "status_response"
	case MsgVerify:
		return "verify"
	case MsgVerifyResult:
		return "verify_result"
	case MsgCreateAccount:
		return "create_account"
	case MsgCreateAccountResp:
		return "create_account_response"
	case MsgRegisterPaymaster:
		return "register_paymaster"
	case MsgRegisterPaymasterResp:
		return "register_paymaster_response"
	case MsgError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(t))
	}
}

// Header is the fixed frame header.
//
// Layout (big-endian):
//
//	offset  0, size 4: Magic
//	offset  4, size 1: Version
//	offset  5, size 1: Flags (reserved, zero)
//	offset  6, size 2: Type
//	offset  8, size 4: RequestID
//	offset 12, size 4: Length (payload bytes following the header)
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// Message is one framed command or response.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a frame of the given type.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// WriteTo writes the frame.
func (m *Message) WriteTo(w io.Writer) error {
	buf := make([]byte, HeaderSize+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], m.Header.Magic)
	buf[4] = m.Header.Version
	buf[5] = m.Header.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(m.Header.Type))
	binary.BigEndian.PutUint32(buf[8:12], m.Header.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(m.Payload)))
	copy(buf[HeaderSize:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads one complete frame. A frame with a bad magic, an
// unsupported version, or an oversized payload is rejected before any
// payload byte is read.
func ReadMessage(r io.Reader) (*Message, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}

	h := Header{
		Magic:     binary.BigEndian.Uint32(hdr[0:4]),
		Version:   hdr[4],
		Flags:     hdr[5],
		Type:      MessageType(binary.BigEndian.Uint16(hdr[6:8])),
		RequestID: binary.BigEndian.Uint32(hdr[8:12]),
		Length:    binary.BigEndian.Uint32(hdr[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("enclave: bad frame magic 0x%08x", h.Magic)
	}
	if h.Version != ProtocolVersion {
		return nil, fmt.Errorf("enclave: unsupported protocol version %d", h.Version)
	}
	if h.Length > MaxPayloadSize {
		return nil, fmt.Errorf("enclave: payload of %d bytes exceeds limit", h.Length)
	}

	m := &Message{Header: h}
	if h.Length > 0 {
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Error frames carry a wire error code and a short static message.

// EncodeError builds an error frame payload.
func EncodeError(code uint32, message string) []byte {
	buf := make([]byte, 4+len(message))
	binary.BigEndian.PutUint32(buf, code)
	copy(buf[4:], message)
	return buf
}

// DecodeError parses an error frame payload.
func DecodeError(payload []byte) (uint32, string, error) {
	if len(payload) < 4 {
		return 0, "", wire.ErrMalformedRequest
	}
	return binary.BigEndian.Uint32(payload), string(payload[4:]), nil
}

// CommandError is a protocol-level rejection returned to clients.
type CommandError struct {
	Code    uint32
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("enclave: command rejected: %s (code %d)", e.Message, e.Code)
}

// CreateAccount payload:
//
//	u16 email length  | email bytes
//	u16 credential length | credential ID bytes
//	32-byte device ID
//	u16 key length | COSE credential public key bytes
//
// Response payload: 64-byte account ID (hex text) followed by the
// 20-byte Ethereum address.

// DeviceIDSize is the fixed device identifier length.
const DeviceIDSize = 32

// CreateAccountRequest is the decoded account creation command.
type CreateAccountRequest struct {
	Email               string
	CredentialID        []byte
	DeviceID            [DeviceIDSize]byte
	CredentialPublicKey []byte
}

// Encode serializes the creation command.
func (r *CreateAccountRequest) Encode() ([]byte, error) {
	if len(r.Email) > 255 {
		return nil, fmt.Errorf("enclave: email exceeds 255 bytes")
	}
	if len(r.CredentialID) == 0 || len(r.CredentialID) > 1024 {
		return nil, fmt.Errorf("enclave: credential ID must be 1..1024 bytes")
	}
	if len(r.CredentialPublicKey) == 0 || len(r.CredentialPublicKey) > 4096 {
		return nil, fmt.Errorf("enclave: credential public key must be 1..4096 bytes")
	}

	size := 2 + len(r.Email) + 2 + len(r.CredentialID) + DeviceIDSize + 2 + len(r.CredentialPublicKey)
	buf := make([]byte, 0, size)
	buf = appendLenPrefixed(buf, []byte(r.Email))
	buf = appendLenPrefixed(buf, r.CredentialID)
	buf = append(buf, r.DeviceID[:]...)
	buf = appendLenPrefixed(buf, r.CredentialPublicKey)
	return buf, nil
}

// DecodeCreateAccount parses a creation command payload.
func DecodeCreateAccount(payload []byte) (*CreateAccountRequest, error) {
	email, rest, err := readLenPrefixed(payload)
	if err != nil {
		return nil, err
	}
	credID, rest, err := readLenPrefixed(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) < DeviceIDSize {
		return nil, wire.ErrMalformedRequest
	}
	var req CreateAccountRequest
	copy(req.DeviceID[:], rest[:DeviceIDSize])
	rest = rest[DeviceIDSize:]

	key, rest, err := readLenPrefixed(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, wire.ErrMalformedRequest
	}
	if len(credID) == 0 || len(key) == 0 {
		return nil, wire.ErrMalformedRequest
	}

	req.Email = string(email)
	req.CredentialID = credID
	req.CredentialPublicKey = key
	return &req, nil
}

// CreateAccountResponse is the decoded account creation result.
type CreateAccountResponse struct {
	AccountID [wire.AccountIDSize]byte
	Address   [wire.AddressSize]byte
}

// Encode serializes the creation response.
func (r *CreateAccountResponse) Encode() []byte {
	buf := make([]byte, wire.AccountIDSize+wire.AddressSize)
	copy(buf, r.AccountID[:])
	copy(buf[wire.AccountIDSize:], r.Address[:])
	return buf
}

// DecodeCreateAccountResponse parses a creation response payload.
func DecodeCreateAccountResponse(payload []byte) (*CreateAccountResponse, error) {
	if len(payload) != wire.AccountIDSize+wire.AddressSize {
		return nil, wire.ErrMalformedRequest
	}
	var r CreateAccountResponse
	copy(r.AccountID[:], payload)
	copy(r.Address[:], payload[wire.AccountIDSize:])
	return &r, nil
}

// AccountIDString returns the account ID as text.
func (r *CreateAccountResponse) AccountIDString() string {
	return strings.TrimRight(string(r.AccountID[:]), "\x00")
}

// RegisterPaymaster payload: 20-byte address followed by the name
// bytes (NUL-trimmed). Response payload: one acknowledgement byte.

// EncodeRegisterPaymaster serializes a registration command.
func EncodeRegisterPaymaster(address [wire.AddressSize]byte, name string) ([]byte, error) {
	if len(name) > 128 {
		return nil, fmt.Errorf("enclave: paymaster name exceeds 128 bytes")
	}
	buf := make([]byte, wire.AddressSize+len(name))
	copy(buf, address[:])
	copy(buf[wire.AddressSize:], name)
	return buf, nil
}

// DecodeRegisterPaymaster parses a registration command payload.
func DecodeRegisterPaymaster(payload []byte) ([wire.AddressSize]byte, string, error) {
	var addr [wire.AddressSize]byte
	if len(payload) < wire.AddressSize {
		return addr, "", wire.ErrMalformedRequest
	}
	copy(addr[:], payload)
	name := strings.TrimRight(string(payload[wire.AddressSize:]), "\x00")
	return addr, name, nil
}

func appendLenPrefixed(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(b)))
	return append(buf, b...)
}

func readLenPrefixed(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, wire.ErrMalformedRequest
	}
	n := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n {
		return nil, nil, wire.ErrMalformedRequest
	}
	return buf[:n], buf[n:], nil
}
