//go:build integration

// Package integration provides end-to-end tests for signetd.
//
// These tests run the full daemon stack: entropy pool, factory seed,
// keystore, authorization engine, and the boundary socket, exercised
// through the client the host tooling uses.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration

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

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"

	"signetd/internal/authz"
	"signetd/internal/enclave"
	"signetd/internal/entropy"
	"signetd/internal/keystore"
	"signetd/internal/metrics"
	"signetd/internal/passkey"
	"signetd/pkg/wire"
)

// TestEnv holds the daemon stack for one test.
type TestEnv struct {
	T *testing.T

	Dir        string
	SocketPath string
	StorePath  string

	Pool   *entropy.Pool
	Seed   *entropy.FactoryRootSeed
	Store  *keystore.Keystore
	Engine *authz.Engine
	Server *enclave.Server
	Client *enclave.Client
}

type osSource struct{}

func (osSource) Name() string    { return "os" }
func (osSource) Available() bool { return true }
func (osSource) Random(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func factorySeed() *entropy.FactoryRootSeed {
	var ent [entropy.SeedSize]byte
	for i := range ent {
		ent[i] = byte(0xA5 ^ i)
	}
	return entropy.NewFactoryRootSeed(ent, 0x1050, time.Unix(1700000000, 0))
}

// NewTestEnv boots the full stack on a fresh temp directory.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	dir := t.TempDir()
	env := &TestEnv{
		T:          t,
		Dir:        dir,
		SocketPath: filepath.Join(dir, "signetd.sock"),
		StorePath:  filepath.Join(dir, "accounts.db"),
	}

	env.Pool = entropy.NewPool(1)
	env.Pool.AddSource(osSource{})
	env.Seed = factorySeed()

	env.openStore()
	env.startServer()
	return env
}

// openStore opens the keystore and engine over the current StorePath.
func (env *TestEnv) openStore() {
	env.T.Helper()

	ks, err := keystore.Open(keystore.Config{
		Path:    env.StorePath,
		Seed:    env.Seed,
		Entropy: env.Pool,
	})
	if err != nil {
		env.T.Fatalf("open keystore: %v", err)
	}
	env.Store = ks

	env.Engine = authz.NewEngine(ks, ks, passkey.NewVerifier(), authz.Config{
		Logger:  quietLogger(),
		Metrics: metrics.New(),
	})
}

// startServer starts the boundary socket and connects the client.
func (env *TestEnv) startServer() {
	env.T.Helper()

	handler := enclave.NewCoreHandler(enclave.CoreHandlerConfig{
		Engine:   env.Engine,
		Store:    env.Store,
		Verifier: passkey.NewVerifier(),
		Pool:     env.Pool,
		Version:  "integration",
		Logger:   quietLogger(),
		Metrics:  metrics.New(),
	})

	srv, err := enclave.NewServer(enclave.ServerConfig{
		SocketPath: env.SocketPath,
		Logger:     quietLogger(),
	}, handler)
	if err != nil {
		env.T.Fatalf("create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		env.T.Fatalf("start server: %v", err)
	}
	env.Server = srv

	client, err := enclave.Dial(env.SocketPath, 5*time.Second)
	if err != nil {
		env.T.Fatalf("dial: %v", err)
	}
	env.Client = client

	env.T.Cleanup(func() {
		client.Close()
		srv.Stop()
		env.Store.Close()
	})
}

// Restart tears down the socket and store and reopens both over the
// same database file, simulating a daemon restart.
func (env *TestEnv) Restart() {
	env.T.Helper()

	env.Client.Close()
	if err := env.Server.Stop(); err != nil {
		env.T.Fatalf("stop server: %v", err)
	}
	if err := env.Store.Close(); err != nil {
		env.T.Fatalf("close store: %v", err)
	}

	env.openStore()
	env.startServer()
}

// Passkey is a generated user credential.
type Passkey struct {
	Key  *ecdsa.PrivateKey
	COSE []byte
}

// NewPasskey generates a P-256 credential and its COSE encoding.
func NewPasskey(t *testing.T) *Passkey {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate P-256 key: %v", err)
	}
	cose := webauthncose.EC2PublicKeyData{
		PublicKeyData: webauthncose.PublicKeyData{
			KeyType:   int64(webauthncose.EC2Key),
			Algorithm: int64(webauthncose.AlgES256),
		},
		Curve:  int64(webauthncose.P256),
		XCoord: priv.X.FillBytes(make([]byte, 32)),
		YCoord: priv.Y.FillBytes(make([]byte, 32)),
	}
	blob, err := cbor.Marshal(cose)
	if err != nil {
		t.Fatalf("marshal COSE key: %v", err)
	}
	return &Passkey{Key: priv, COSE: blob}
}

// CreateAccount registers a passkey-backed account over the socket.
func (env *TestEnv) CreateAccount(email string, pk *Passkey) *enclave.CreateAccountResponse {
	env.T.Helper()

	req := &enclave.CreateAccountRequest{
		Email:               email,
		CredentialID:        []byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA},
		CredentialPublicKey: pk.COSE,
	}
	req.DeviceID[0] = 0x01

	resp, err := env.Client.CreateAccount(req)
	if err != nil {
		env.T.Fatalf("create account: %v", err)
	}
	return resp
}

// Paymaster is a generated sponsor key.
type Paymaster struct {
	Key *ecdsa.PrivateKey
}

// NewPaymaster generates a secp256k1 sponsor key and registers its
// address over the socket.
func (env *TestEnv) NewPaymaster(name string) *Paymaster {
	env.T.Helper()

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		env.T.Fatalf("generate paymaster key: %v", err)
	}
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	if err := env.Client.RegisterPaymaster(addr, name); err != nil {
		env.T.Fatalf("register paymaster: %v", err)
	}
	return &Paymaster{Key: key}
}

// SignedRequest builds a fully signed verification request.
func (env *TestEnv) SignedRequest(accountID string, pk *Passkey, pm *Paymaster, nonce, ts uint64) *wire.VerificationRequest {
	env.T.Helper()

	var req wire.VerificationRequest
	for i := range req.UserOpHash {
		req.UserOpHash[i] = byte(nonce)
	}
	req.PaymasterAddress = ethcrypto.PubkeyToAddress(pm.Key.PublicKey)
	if err := req.SetAccountID(accountID); err != nil {
		env.T.Fatalf("set account id: %v", err)
	}
	req.Nonce = nonce
	req.Timestamp = ts

	userDigest := sha256.Sum256(authz.UserMessage(&req))
	userSig, err := ecdsa.SignASN1(rand.Reader, pk.Key, userDigest[:])
	if err != nil {
		env.T.Fatalf("sign user message: %v", err)
	}
	if err := req.SetUserSignature(userSig); err != nil {
		env.T.Fatalf("set user signature: %v", err)
	}

	digest := authz.PaymasterDigest(&req)
	paySig, err := ethcrypto.Sign(digest[:], pm.Key)
	if err != nil {
		env.T.Fatalf("sign paymaster digest: %v", err)
	}
	copy(req.PaymasterSignature[:], paySig)
	return &req
}

// nowUnix returns the current time as a request timestamp.
func nowUnix() uint64 {
	return uint64(time.Now().Unix())
}
