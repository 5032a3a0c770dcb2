package enclave

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"signetd/pkg/wire"
)

// Client speaks the boundary protocol from the host side. Commands are
// synchronous: each call writes one frame and blocks for its response.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
	nextID  atomic.Uint32
}

// Dial connects to the daemon socket.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("enclave: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends one command and reads its response, rejecting
// responses whose request ID does not match.
func (c *Client) roundTrip(msgType MessageType, payload []byte) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID.Add(1)
	msg := NewMessage(msgType, id, payload)

	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := msg.WriteTo(c.conn); err != nil {
		return nil, fmt.Errorf("enclave: send %s: %w", msgType, err)
	}

	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	resp, err := ReadMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("enclave: read %s response: %w", msgType, err)
	}
	if resp.Header.RequestID != id {
		return nil, fmt.Errorf("enclave: response ID %d does not match request %d",
			resp.Header.RequestID, id)
	}
	if resp.Header.Type == MsgError {
		code, message, derr := DecodeError(resp.Payload)
		if derr != nil {
			return nil, fmt.Errorf("enclave: undecodable error frame: %w", derr)
		}
		return nil, &CommandError{Code: code, Message: message}
	}
	return resp, nil
}

// Ping checks the daemon answers.
func (c *Client) Ping() error {
	resp, err := c.roundTrip(MsgPing, nil)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return fmt.Errorf("enclave: unexpected reply %s to ping", resp.Header.Type)
	}
	return nil
}

// Status fetches the daemon status report.
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.roundTrip(MsgStatus, nil)
	if err != nil {
		return nil, err
	}
	if resp.Header.Type != MsgStatusResponse {
		return nil, fmt.Errorf("enclave: unexpected reply %s to status", resp.Header.Type)
	}
	var status StatusResponse
	if err := json.Unmarshal(resp.Payload, &status); err != nil {
		return nil, fmt.Errorf("enclave: decode status: %w", err)
	}
	return &status, nil
}

// Verify submits an authorization request and returns the boundary's
// result. Rejections are carried inside the result, not as errors.
func (c *Client) Verify(req *wire.VerificationRequest) (*wire.VerificationResult, error) {
	resp, err := c.roundTrip(MsgVerify, req.Encode())
	if err != nil {
		return nil, err
	}
	if resp.Header.Type != MsgVerifyResult {
		return nil, fmt.Errorf("enclave: unexpected reply %s to verify", resp.Header.Type)
	}
	return wire.DecodeResult(resp.Payload)
}

// CreateAccount registers an identity and returns the derived account.
func (c *Client) CreateAccount(req *CreateAccountRequest) (*CreateAccountResponse, error) {
	payload, err := req.Encode()
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(MsgCreateAccount, payload)
	if err != nil {
		return nil, err
	}
	if resp.Header.Type != MsgCreateAccountResp {
		return nil, fmt.Errorf("enclave: unexpected reply %s to create-account", resp.Header.Type)
	}
	return DecodeCreateAccountResponse(resp.Payload)
}

// RegisterPaymaster adds a paymaster to the allow list.
func (c *Client) RegisterPaymaster(address [wire.AddressSize]byte, name string) error {
	payload, err := EncodeRegisterPaymaster(address, name)
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(MsgRegisterPaymaster, payload)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgRegisterPaymasterResp {
		return fmt.Errorf("enclave: unexpected reply %s to register-paymaster", resp.Header.Type)
	}
	return nil
}
