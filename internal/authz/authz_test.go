package authz

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signetd/internal/entropy"
	"signetd/internal/keystore"
	"signetd/internal/passkey"
	"signetd/pkg/wire"
)

// rig wires a real keystore, passkey verifier, and engine around
// generated user and paymaster keys.
type rig struct {
	engine    *Engine
	ks        *keystore.Keystore
	accountID keystore.AccountID
	address   common.Address
	userKey   *ecdsa.PrivateKey
	payKey    *ecdsa.PrivateKey
	payAddr   common.Address
}

type rigEntropy struct{}

func (rigEntropy) Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func rigSeed() *entropy.FactoryRootSeed {
	var ent [entropy.SeedSize]byte
	for i := range ent {
		ent[i] = byte(0xE0 ^ i)
	}
	return entropy.NewFactoryRootSeed(ent, 0x1050, time.Unix(1700000000, 0))
}

func coseKeyFor(t *testing.T, pub *ecdsa.PublicKey) []byte {
	t.Helper()

	key := webauthncose.EC2PublicKeyData{
		PublicKeyData: webauthncose.PublicKeyData{
			KeyType:   int64(webauthncose.EC2Key),
			Algorithm: int64(webauthncose.AlgES256),
		},
		Curve:  int64(webauthncose.P256),
		XCoord: pub.X.FillBytes(make([]byte, 32)),
		YCoord: pub.Y.FillBytes(make([]byte, 32)),
	}
	blob, err := cbor.Marshal(key)
	require.NoError(t, err)
	return blob
}

func newRig(t *testing.T) *rig {
	t.Helper()

	userKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	ks, err := keystore.Open(keystore.Config{
		Path:    filepath.Join(t.TempDir(), "accounts.db"),
		Seed:    rigSeed(),
		Entropy: rigEntropy{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() })

	var deviceID [32]byte
	deviceID[0] = 0x01
	id, address, err := ks.CreateAccount(keystore.Identity{
		Email:               "alice@test.io",
		CredentialID:        []byte{0xAA, 0xBB},
		DeviceID:            deviceID,
		CredentialPublicKey: coseKeyFor(t, &userKey.PublicKey),
	})
	require.NoError(t, err)

	payKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	payAddr := ethcrypto.PubkeyToAddress(payKey.PublicKey)

	engine := NewEngine(ks, ks, passkey.NewVerifier(), Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	engine.Paymasters().Add(payAddr)

	return &rig{
		engine:    engine,
		ks:        ks,
		accountID: id,
		address:   address,
		userKey:   userKey,
		payKey:    payKey,
		payAddr:   payAddr,
	}
}

// buildRequest assembles a fully signed request: the user passkey signs
// first, then the paymaster signs over the padded user signature field.
func (r *rig) buildRequest(t *testing.T, nonce uint64, ts time.Time) *wire.VerificationRequest {
	t.Helper()

	req := &wire.VerificationRequest{
		Nonce:     nonce,
		Timestamp: uint64(ts.Unix()),
	}
	for i := range req.UserOpHash {
		req.UserOpHash[i] = 0x5A
	}
	req.PaymasterAddress = r.payAddr
	require.NoError(t, req.SetAccountID(r.accountID.String()))

	userDigest := sha256.Sum256(UserMessage(req))
	userSig, err := ecdsa.SignASN1(rand.Reader, r.userKey, userDigest[:])
	require.NoError(t, err)
	require.NoError(t, req.SetUserSignature(userSig))

	r.signAsPaymaster(t, req, r.payKey)
	return req
}

func (r *rig) signAsPaymaster(t *testing.T, req *wire.VerificationRequest, key *ecdsa.PrivateKey) {
	t.Helper()

	digest := PaymasterDigest(req)
	sig, err := ethcrypto.Sign(digest[:], key)
	require.NoError(t, err)
	copy(req.PaymasterSignature[:], sig)
}

// --- Unit Tests for Engine.Verify ---

func TestVerify_Success(t *testing.T) {
	r := newRig(t)
	req := r.buildRequest(t, 1, time.Now())

	res := r.engine.Verify(req)

	require.Equal(t, wire.CodeOK, res.ErrorCode)
	assert.True(t, res.Success)
	assert.True(t, res.PaymasterVerified)
	assert.True(t, res.PasskeyVerified)

	rec := make([]byte, 65)
	copy(rec, res.FinalSignature[:])
	require.Contains(t, []byte{27, 28}, rec[64])
	rec[64] -= 27
	pub, err := ethcrypto.SigToPub(req.UserOpHash[:], rec)
	require.NoError(t, err)
	assert.Equal(t, r.address, ethcrypto.PubkeyToAddress(*pub))
}

func TestVerify_EthereumRecoveryByte(t *testing.T) {
	r := newRig(t)
	req := r.buildRequest(t, 2, time.Now())

	// Shift the paymaster recovery byte to the 27/28 convention.
	req.PaymasterSignature[64] += 27

	res := r.engine.Verify(req)
	assert.True(t, res.Success)
	assert.Equal(t, wire.CodeOK, res.ErrorCode)
}

func TestVerify_ExpiredTimestamp(t *testing.T) {
	r := newRig(t)

	past := r.buildRequest(t, 3, time.Now().Add(-301*time.Second))
	res := r.engine.Verify(past)
	assert.False(t, res.Success)
	assert.Equal(t, wire.CodeRequestExpired, res.ErrorCode)
	assert.False(t, res.PaymasterVerified)
	assert.False(t, res.PasskeyVerified)

	future := r.buildRequest(t, 4, time.Now().Add(301*time.Second))
	res = r.engine.Verify(future)
	assert.Equal(t, wire.CodeRequestExpired, res.ErrorCode)

	// Inside the window on both sides.
	res = r.engine.Verify(r.buildRequest(t, 5, time.Now().Add(-299*time.Second)))
	assert.True(t, res.Success)
	res = r.engine.Verify(r.buildRequest(t, 6, time.Now().Add(299*time.Second)))
	assert.True(t, res.Success)
}

func TestVerify_NonceReplay(t *testing.T) {
	r := newRig(t)
	req := r.buildRequest(t, 7, time.Now())

	res := r.engine.Verify(req)
	require.True(t, res.Success)

	res = r.engine.Verify(req)
	assert.False(t, res.Success)
	assert.Equal(t, wire.CodeNonceReplayed, res.ErrorCode)
	assert.Zero(t, res.FinalSignature)
}

func TestVerify_RejectedRequestStillConsumesNonce(t *testing.T) {
	r := newRig(t)

	// First attempt fails at the paymaster layer.
	bad := r.buildRequest(t, 8, time.Now())
	intruder, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	r.signAsPaymaster(t, bad, intruder)

	res := r.engine.Verify(bad)
	require.Equal(t, wire.CodePaymasterSignatureInvalid, res.ErrorCode)

	// A corrected request with the same nonce is already burned.
	good := r.buildRequest(t, 8, time.Now())
	res = r.engine.Verify(good)
	assert.Equal(t, wire.CodeNonceReplayed, res.ErrorCode)
}

func TestVerify_ExpiredRequestDoesNotConsumeNonce(t *testing.T) {
	r := newRig(t)

	expired := r.buildRequest(t, 9, time.Now().Add(-time.Hour))
	res := r.engine.Verify(expired)
	require.Equal(t, wire.CodeRequestExpired, res.ErrorCode)

	fresh := r.buildRequest(t, 9, time.Now())
	res = r.engine.Verify(fresh)
	assert.True(t, res.Success)
}

func TestVerify_PaymasterWrongSigner(t *testing.T) {
	r := newRig(t)
	req := r.buildRequest(t, 10, time.Now())

	intruder, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	r.signAsPaymaster(t, req, intruder)

	res := r.engine.Verify(req)
	assert.False(t, res.Success)
	assert.Equal(t, wire.CodePaymasterSignatureInvalid, res.ErrorCode)
	assert.False(t, res.PaymasterVerified)
}

func TestVerify_PaymasterNotAuthorized(t *testing.T) {
	r := newRig(t)
	req := r.buildRequest(t, 11, time.Now())

	r.engine.Paymasters().Remove(r.payAddr)

	res := r.engine.Verify(req)
	assert.False(t, res.Success)
	assert.Equal(t, wire.CodePaymasterNotAuthorized, res.ErrorCode)
}

func TestVerify_TamperedUserOpHash(t *testing.T) {
	r := newRig(t)
	req := r.buildRequest(t, 12, time.Now())

	// Altering the hash after signing breaks the paymaster digest.
	req.UserOpHash[0] ^= 0xFF

	res := r.engine.Verify(req)
	assert.False(t, res.Success)
	assert.Equal(t, wire.CodePaymasterSignatureInvalid, res.ErrorCode)
}

func TestVerify_UserSignatureInvalid(t *testing.T) {
	r := newRig(t)

	// Sign the user layer with the wrong key, then sponsor the result so
	// the paymaster layer passes and the passkey layer is what rejects.
	req := &wire.VerificationRequest{
		Nonce:     13,
		Timestamp: uint64(time.Now().Unix()),
	}
	for i := range req.UserOpHash {
		req.UserOpHash[i] = 0x5A
	}
	req.PaymasterAddress = r.payAddr
	require.NoError(t, req.SetAccountID(r.accountID.String()))

	wrongKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	digest := sha256.Sum256(UserMessage(req))
	sig, err := ecdsa.SignASN1(rand.Reader, wrongKey, digest[:])
	require.NoError(t, err)
	require.NoError(t, req.SetUserSignature(sig))

	r.signAsPaymaster(t, req, r.payKey)

	res := r.engine.Verify(req)
	assert.False(t, res.Success)
	assert.Equal(t, wire.CodeUserSignatureInvalid, res.ErrorCode)
	assert.True(t, res.PaymasterVerified)
	assert.False(t, res.PasskeyVerified)
	assert.Zero(t, res.FinalSignature)
}

func TestVerify_AccountNotFound(t *testing.T) {
	r := newRig(t)

	req := r.buildRequest(t, 14, time.Now())
	var ghost keystore.AccountID
	ghost[0] = 0x99
	require.NoError(t, req.SetAccountID(ghost.String()))

	// Re-sign both layers over the new account id.
	userDigest := sha256.Sum256(UserMessage(req))
	sig, err := ecdsa.SignASN1(rand.Reader, r.userKey, userDigest[:])
	require.NoError(t, err)
	require.NoError(t, req.SetUserSignature(sig))
	r.signAsPaymaster(t, req, r.payKey)

	res := r.engine.Verify(req)
	assert.False(t, res.Success)
	assert.Equal(t, wire.CodeAccountNotFound, res.ErrorCode)
}

func TestVerify_ReportsElapsedTime(t *testing.T) {
	r := newRig(t)

	res := r.engine.Verify(r.buildRequest(t, 15, time.Now()))
	require.True(t, res.Success)
	// Full pipeline includes two ECDSA operations and a key derivation.
	assert.Greater(t, res.VerificationTimeMicros, uint64(0))
}

func TestVerify_ConcurrentRequests(t *testing.T) {
	r := newRig(t)

	const workers = 8
	reqs := make([]*wire.VerificationRequest, workers)
	for i := range reqs {
		reqs[i] = r.buildRequest(t, uint64(100+i), time.Now())
	}

	results := make(chan *wire.VerificationResult, workers)
	for _, req := range reqs {
		go func(req *wire.VerificationRequest) {
			results <- r.engine.Verify(req)
		}(req)
	}

	for i := 0; i < workers; i++ {
		res := <-results
		assert.True(t, res.Success)
	}
}
