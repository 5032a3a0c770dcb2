//go:build integration

package integration

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"signetd/pkg/wire"
)

// TestFullSigningFlow walks the complete path a sponsored user
// operation takes: account creation, paymaster registration, and a
// five-layer verification ending in a signature that recovers to the
// account address.
func TestFullSigningFlow(t *testing.T) {
	env := NewTestEnv(t)

	pk := NewPasskey(t)
	account := env.CreateAccount("alice@example.com", pk)
	pm := env.NewPaymaster("pimlico")

	req := env.SignedRequest(account.AccountIDString(), pk, pm, 1, nowUnix())
	result, err := env.Client.Verify(req)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if !result.Success {
		t.Fatalf("rejected with code %d (%s)", result.ErrorCode, wire.CodeString(result.ErrorCode))
	}
	if !result.PaymasterVerified {
		t.Error("paymaster layer flag not set")
	}
	if !result.PasskeyVerified {
		t.Error("passkey layer flag not set")
	}
	if result.ErrorCode != wire.CodeOK {
		t.Errorf("error code = %d, want 0", result.ErrorCode)
	}

	sig := make([]byte, 65)
	copy(sig, result.FinalSignature[:])
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(req.UserOpHash[:], sig)
	if err != nil {
		t.Fatalf("recover signature: %v", err)
	}
	got := ethcrypto.PubkeyToAddress(*pub)
	want := common.BytesToAddress(account.Address[:])
	if got != want {
		t.Errorf("signature recovers to %s, want %s", got.Hex(), want.Hex())
	}
}

// TestReplayRejected verifies a consumed nonce cannot be spent twice,
// even with fresh signatures.
func TestReplayRejected(t *testing.T) {
	env := NewTestEnv(t)

	pk := NewPasskey(t)
	account := env.CreateAccount("alice@example.com", pk)
	pm := env.NewPaymaster("pimlico")

	first := env.SignedRequest(account.AccountIDString(), pk, pm, 7, nowUnix())
	result, err := env.Client.Verify(first)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Success {
		t.Fatalf("first request rejected with code %d", result.ErrorCode)
	}

	replay := env.SignedRequest(account.AccountIDString(), pk, pm, 7, nowUnix())
	result, err = env.Client.Verify(replay)
	if err != nil {
		t.Fatalf("verify replay: %v", err)
	}
	if result.Success {
		t.Fatal("replayed nonce accepted")
	}
	if result.ErrorCode != wire.CodeNonceReplayed {
		t.Errorf("error code = %d, want %d", result.ErrorCode, wire.CodeNonceReplayed)
	}
}

// TestLayerRejections exercises each authorization layer's failure
// mode through the socket.
func TestLayerRejections(t *testing.T) {
	env := NewTestEnv(t)

	pk := NewPasskey(t)
	account := env.CreateAccount("alice@example.com", pk)
	pm := env.NewPaymaster("pimlico")
	id := account.AccountIDString()

	t.Run("stale timestamp", func(t *testing.T) {
		req := env.SignedRequest(id, pk, pm, 10, nowUnix()-301)
		result, err := env.Client.Verify(req)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if result.Success || result.ErrorCode != wire.CodeRequestExpired {
			t.Errorf("success=%v code=%d, want expired", result.Success, result.ErrorCode)
		}
	})

	t.Run("stale nonce not consumed", func(t *testing.T) {
		// The stale request above carried nonce 10; a fresh request
		// with the same nonce must still pass.
		req := env.SignedRequest(id, pk, pm, 10, nowUnix())
		result, err := env.Client.Verify(req)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if !result.Success {
			t.Errorf("nonce from expired request was consumed, code=%d", result.ErrorCode)
		}
	})

	t.Run("unknown paymaster", func(t *testing.T) {
		intruder, err := ethcrypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		req := env.SignedRequest(id, pk, &Paymaster{Key: intruder}, 11, nowUnix())
		result, err := env.Client.Verify(req)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if result.Success || result.ErrorCode != wire.CodePaymasterNotAuthorized {
			t.Errorf("success=%v code=%d, want unauthorized paymaster", result.Success, result.ErrorCode)
		}
		if result.PaymasterVerified {
			t.Error("paymaster flag set for unknown sponsor")
		}
	})

	t.Run("wrong passkey", func(t *testing.T) {
		wrong := NewPasskey(t)
		req := env.SignedRequest(id, wrong, pm, 12, nowUnix())
		result, err := env.Client.Verify(req)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if result.Success || result.ErrorCode != wire.CodeUserSignatureInvalid {
			t.Errorf("success=%v code=%d, want invalid user signature", result.Success, result.ErrorCode)
		}
		if !result.PaymasterVerified {
			t.Error("paymaster flag should be set before the passkey layer rejects")
		}
	})

	t.Run("unknown account", func(t *testing.T) {
		ghost := "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
		req := env.SignedRequest(ghost, pk, pm, 13, nowUnix())
		result, err := env.Client.Verify(req)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if result.Success || result.ErrorCode != wire.CodeAccountNotFound {
			t.Errorf("success=%v code=%d, want unknown account", result.Success, result.ErrorCode)
		}
	})
}

// TestDistinctAccountsDistinctKeys verifies two accounts never share an
// address even with identical passkeys, because each account captures
// its own hardware entropy.
func TestDistinctAccountsDistinctKeys(t *testing.T) {
	env := NewTestEnv(t)

	pk := NewPasskey(t)
	a := env.CreateAccount("alice@example.com", pk)

	pk2 := NewPasskey(t)
	b := env.CreateAccount("bob@example.com", pk2)

	if a.AccountIDString() == b.AccountIDString() {
		t.Error("distinct identities produced the same account ID")
	}
	if a.Address == b.Address {
		t.Error("distinct accounts produced the same address")
	}
}
