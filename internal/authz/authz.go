// Package authz runs the authorization pipeline that gates user
// operation signing.
//
// Every request passes five layers in order: timestamp freshness, nonce
// replay, paymaster signature and allow list, passkey signature, and
// finally signing. The first failing layer rejects the request; the
// nonce is consumed at layer two regardless of what later layers decide,
// so a rejected request cannot be replayed with fixes applied.
package authz

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"signetd/internal/keystore"
	"signetd/internal/metrics"
	"signetd/pkg/wire"
)

// Authorization errors, one per rejecting layer.
var (
	ErrRequestExpired         = errors.New("authz: request timestamp outside freshness window")
	ErrNonceReplayed          = errors.New("authz: nonce already consumed")
	ErrPaymasterSignature     = errors.New("authz: paymaster signature invalid")
	ErrPaymasterNotAuthorized = errors.New("authz: paymaster not authorized")
	ErrUserSignature          = errors.New("authz: user signature invalid")
)

// Pipeline defaults.
const (
	DefaultMaxClockSkew   = 300 * time.Second
	DefaultNonceRetention = 600 * time.Second
)

// AccountStore supplies stored account records.
type AccountStore interface {
	LoadRecord(id keystore.AccountID) (*keystore.AccountRecord, error)
}

// Signer produces the final user operation signature.
type Signer interface {
	SignUserOperation(id keystore.AccountID, userOpHash [32]byte) ([65]byte, error)
}

// CredentialVerifier checks a user signature against a stored COSE
// credential public key.
type CredentialVerifier interface {
	Verify(credentialPublicKey, message, signature []byte) error
}

// Config tunes the engine.
type Config struct {
	// MaxClockSkew bounds |now - request timestamp|. Zero means the
	// default 300s window.
	MaxClockSkew time.Duration

	// NonceRetention is how long consumed nonces are remembered. Zero
	// means the default 600s window.
	NonceRetention time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine executes the authorization pipeline. Safe for concurrent use.
type Engine struct {
	accounts   AccountStore
	signer     Signer
	verifier   CredentialVerifier
	nonces     *NonceLedger
	paymasters *PaymasterSet

	maxSkew time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	now func() time.Time
}

// NewEngine builds an engine over the given stores and verifier.
func NewEngine(accounts AccountStore, signer Signer, verifier CredentialVerifier, cfg Config) *Engine {
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}
	if cfg.NonceRetention <= 0 {
		cfg.NonceRetention = DefaultNonceRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Engine{
		accounts:   accounts,
		signer:     signer,
		verifier:   verifier,
		nonces:     NewNonceLedger(cfg.NonceRetention),
		paymasters: NewPaymasterSet(),
		maxSkew:    cfg.MaxClockSkew,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}
}

// Paymasters returns the engine's allow list for registration and
// manifest reloads.
func (e *Engine) Paymasters() *PaymasterSet {
	return e.paymasters
}

// NoncesRetained reports how many consumed nonces are currently held
// against replay.
func (e *Engine) NoncesRetained() int {
	return e.nonces.Len()
}

// Verify runs the pipeline over a decoded request. It always returns a
// complete result; rejections carry an error code and an all-zero final
// signature.
func (e *Engine) Verify(req *wire.VerificationRequest) *wire.VerificationResult {
	start := e.now()
	res := &wire.VerificationResult{}

	err := e.run(req, res)

	elapsed := e.now().Sub(start)
	res.VerificationTimeMicros = uint64(elapsed.Microseconds())
	if err != nil {
		res.Success = false
		res.FinalSignature = [65]byte{}
		res.ErrorCode = CodeFor(err)
	} else {
		res.Success = true
		res.ErrorCode = wire.CodeOK
	}

	e.audit(req, res, err, elapsed)
	return res
}

func (e *Engine) run(req *wire.VerificationRequest, res *wire.VerificationResult) error {
	now := e.now()

	// Layer 1: freshness.
	ts := time.Unix(int64(req.Timestamp), 0)
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > e.maxSkew {
		return fmt.Errorf("%w: skew %s exceeds %s", ErrRequestExpired, skew, e.maxSkew)
	}

	// Layer 2: replay. The nonce is spent here even if a later layer
	// rejects the request.
	if !e.nonces.Consume(req.Nonce, now) {
		return fmt.Errorf("%w: nonce %d", ErrNonceReplayed, req.Nonce)
	}
	if e.metrics != nil {
		e.metrics.NoncesRetained.Set(float64(e.nonces.Len()))
	}

	// Layer 3: paymaster signature, then allow list.
	digest := PaymasterDigest(req)
	recovered, err := RecoverSigner(digest, req.PaymasterSignature)
	if err != nil {
		return err
	}
	if recovered != common.Address(req.PaymasterAddress) {
		return fmt.Errorf("%w: recovered %s", ErrPaymasterSignature, recovered.Hex())
	}
	if !e.paymasters.Contains(recovered) {
		return fmt.Errorf("%w: %s", ErrPaymasterNotAuthorized, recovered.Hex())
	}
	res.PaymasterVerified = true

	// Layer 4: passkey signature against the account's credential.
	id, err := keystore.ParseAccountID(req.AccountIDString())
	if err != nil {
		return fmt.Errorf("%w: %v", wire.ErrMalformedRequest, err)
	}
	rec, err := e.accounts.LoadRecord(id)
	if err != nil {
		return err
	}
	if err := e.verifier.Verify(rec.CredentialPublicKey, UserMessage(req), req.UserSignature[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrUserSignature, err)
	}
	res.PasskeyVerified = true

	// Layer 5: sign.
	sig, err := e.signer.SignUserOperation(id, req.UserOpHash)
	if err != nil {
		return err
	}
	res.FinalSignature = sig
	return nil
}

func (e *Engine) audit(req *wire.VerificationRequest, res *wire.VerificationResult, err error, elapsed time.Duration) {
	outcome := wire.CodeString(res.ErrorCode)

	if e.metrics != nil {
		e.metrics.VerificationsTotal.WithLabelValues(outcome).Inc()
		e.metrics.VerificationDuration.Observe(elapsed.Seconds())
	}

	attrs := []any{
		slog.String("account", req.AccountIDString()),
		slog.String("outcome", outcome),
		slog.Uint64("nonce", req.Nonce),
		slog.Duration("elapsed", elapsed),
	}
	if err != nil {
		e.logger.Warn("verification rejected", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	e.logger.Info("verification complete", attrs...)
}
