package enclave

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"signetd/internal/authz"
	"signetd/internal/entropy"
	"signetd/internal/keystore"
	"signetd/internal/metrics"
	"signetd/internal/passkey"
	"signetd/pkg/wire"
)

// Handler dispatches one decoded frame to a response frame. A handler
// must always return a frame; transport-level failures are the
// server's concern.
type Handler interface {
	Handle(ctx context.Context, msg *Message) *Message
}

// CoreHandler wires the protocol to the authorization engine and the
// account store.
type CoreHandler struct {
	engine   *authz.Engine
	store    *keystore.Keystore
	verifier *passkey.Verifier
	pool     *entropy.Pool

	version   string
	startedAt time.Time

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// CoreHandlerConfig assembles a CoreHandler.
type CoreHandlerConfig struct {
	Engine   *authz.Engine
	Store    *keystore.Keystore
	Verifier *passkey.Verifier
	Pool     *entropy.Pool
	Version  string
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// NewCoreHandler builds the daemon-side handler.
func NewCoreHandler(cfg CoreHandlerConfig) *CoreHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CoreHandler{
		engine:    cfg.Engine,
		store:     cfg.Store,
		verifier:  cfg.Verifier,
		pool:      cfg.Pool,
		version:   cfg.Version,
		startedAt: time.Now(),
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

// StatusResponse is the JSON body answering MsgStatus.
type StatusResponse struct {
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Accounts       int64  `json:"accounts"`
	Paymasters     int    `json:"paymasters"`
	NoncesRetained int    `json:"nonces_retained"`
	EntropyHealth  string `json:"entropy_health"`
	EntropySources int    `json:"entropy_sources"`
	HealthySources int    `json:"healthy_sources"`
}

// Handle answers one command frame.
func (h *CoreHandler) Handle(ctx context.Context, msg *Message) *Message {
	if h.metrics != nil {
		h.metrics.RequestsTotal.WithLabelValues(msg.Header.Type.String()).Inc()
	}

	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil)

	case MsgStatus:
		return h.handleStatus(msg)

	case MsgVerify:
		return h.handleVerify(msg)

	case MsgCreateAccount:
		return h.handleCreateAccount(msg)

	case MsgRegisterPaymaster:
		return h.handleRegisterPaymaster(msg)

	default:
		return h.errorFrame(msg, wire.CodeMalformedRequest, "unknown message type")
	}
}

func (h *CoreHandler) handleStatus(msg *Message) *Message {
	accounts, err := h.store.AccountCount()
	if err != nil {
		h.logger.Warn("status account count failed", slog.String("error", err.Error()))
		accounts = -1
	}

	resp := StatusResponse{
		Version:        h.version,
		UptimeSeconds:  int64(time.Since(h.startedAt).Seconds()),
		Accounts:       accounts,
		Paymasters:     h.engine.Paymasters().Len(),
		NoncesRetained: h.engine.NoncesRetained(),
	}
	if h.pool != nil {
		report := h.pool.Report()
		resp.EntropyHealth = report.OverallHealth.String()
		resp.EntropySources = report.TotalSources
		resp.HealthySources = report.HealthySources
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return h.errorFrame(msg, wire.CodeInternal, "status encoding failed")
	}
	return NewMessage(MsgStatusResponse, msg.Header.RequestID, payload)
}

func (h *CoreHandler) handleVerify(msg *Message) *Message {
	req, err := wire.DecodeRequest(msg.Payload)
	if err != nil {
		return h.errorFrame(msg, wire.CodeMalformedRequest, "verification request must be exactly 453 bytes")
	}
	result := h.engine.Verify(req)
	return NewMessage(MsgVerifyResult, msg.Header.RequestID, result.Encode())
}

func (h *CoreHandler) handleCreateAccount(msg *Message) *Message {
	req, err := DecodeCreateAccount(msg.Payload)
	if err != nil {
		return h.errorFrame(msg, wire.CodeMalformedRequest, "malformed create-account payload")
	}
	if err := h.verifier.ValidateKey(req.CredentialPublicKey); err != nil {
		return h.errorFrame(msg, wire.CodeMalformedRequest, "credential public key is not a usable COSE key")
	}

	identity := keystore.Identity{
		Email:               req.Email,
		CredentialID:        req.CredentialID,
		DeviceID:            req.DeviceID,
		CredentialPublicKey: req.CredentialPublicKey,
	}
	id, address, err := h.store.CreateAccount(identity)
	if err != nil {
		code := authz.CodeFor(err)
		if h.metrics != nil && code == wire.CodeEntropyUnavailable {
			h.metrics.EntropyFailures.Inc()
		}
		h.logger.Warn("account creation rejected",
			slog.String("outcome", wire.CodeString(code)))
		return h.errorFrame(msg, code, wire.CodeString(code))
	}

	if h.metrics != nil {
		h.metrics.AccountsCreated.Inc()
	}
	h.logger.Info("account created",
		slog.String("account", id.String()),
		slog.String("address", address.Hex()))

	resp := CreateAccountResponse{Address: address}
	copy(resp.AccountID[:], id.String())
	return NewMessage(MsgCreateAccountResp, msg.Header.RequestID, resp.Encode())
}

func (h *CoreHandler) handleRegisterPaymaster(msg *Message) *Message {
	addr, name, err := DecodeRegisterPaymaster(msg.Payload)
	if err != nil {
		return h.errorFrame(msg, wire.CodeMalformedRequest, "malformed register-paymaster payload")
	}

	address := common.Address(addr)
	if err := h.store.RegisterPaymaster(address, name); err != nil {
		h.logger.Warn("paymaster registration failed",
			slog.String("address", address.Hex()),
			slog.String("error", err.Error()))
		return h.errorFrame(msg, wire.CodeInternal, "paymaster registration failed")
	}
	h.engine.Paymasters().Add(address)
	if h.metrics != nil {
		h.metrics.PaymastersAuthorized.Set(float64(h.engine.Paymasters().Len()))
	}
	h.logger.Info("paymaster registered",
		slog.String("address", address.Hex()),
		slog.String("name", name))

	return NewMessage(MsgRegisterPaymasterResp, msg.Header.RequestID, []byte{1})
}

// errorFrame builds an error response. Messages are static strings:
// nothing derived from request contents crosses back on the error
// path.
func (h *CoreHandler) errorFrame(msg *Message, code uint32, text string) *Message {
	return NewMessage(MsgError, msg.Header.RequestID, EncodeError(code, text))
}
