package keystore

import (
	"strings"
	"testing"
	"time"
)

func TestComputeAccountIDDeterministic(t *testing.T) {
	a := ComputeAccountID(testIdentity())
	b := ComputeAccountID(testIdentity())
	if a != b {
		t.Error("same identity produced different account ids")
	}
}

func TestComputeAccountIDFieldSeparation(t *testing.T) {
	base := ComputeAccountID(testIdentity())

	email := testIdentity()
	email.Email = "bob@test.io"
	if ComputeAccountID(email) == base {
		t.Error("email change did not change account id")
	}

	cred := testIdentity()
	cred.CredentialID = append([]byte{}, cred.CredentialID...)
	cred.CredentialID[0] ^= 0xFF
	if ComputeAccountID(cred) == base {
		t.Error("credential change did not change account id")
	}

	dev := testIdentity()
	dev.DeviceID[31] ^= 0xFF
	if ComputeAccountID(dev) == base {
		t.Error("device change did not change account id")
	}
}

func TestComputeAccountIDBoundaries(t *testing.T) {
	// Length prefixes keep "ab"+"c" distinct from "a"+"bc".
	a := Identity{Email: "ab", CredentialID: []byte("c")}
	b := Identity{Email: "a", CredentialID: []byte("bc")}
	if ComputeAccountID(a) == ComputeAccountID(b) {
		t.Error("boundary shift produced colliding account ids")
	}
}

func TestAccountIDStringRoundTrip(t *testing.T) {
	id := ComputeAccountID(testIdentity())

	s := id.String()
	if len(s) != 64 {
		t.Fatalf("expected 64 chars, got %d", len(s))
	}
	if s != strings.ToLower(s) {
		t.Error("expected lowercase hex")
	}

	parsed, err := ParseAccountID(s)
	if err != nil {
		t.Fatalf("ParseAccountID failed: %v", err)
	}
	if parsed != id {
		t.Error("round trip mismatch")
	}
}

func TestParseAccountIDRejectsBadInput(t *testing.T) {
	if _, err := ParseAccountID("abc123"); err == nil {
		t.Error("expected error for short input")
	}
	if _, err := ParseAccountID(strings.Repeat("zz", 32)); err == nil {
		t.Error("expected error for non-hex input")
	}
}

func TestComputeContextDigest(t *testing.T) {
	createdAt := time.Unix(1700000000, 0)
	base := ComputeContextDigest(testIdentity(), 1, createdAt)

	if ComputeContextDigest(testIdentity(), 1, createdAt) != base {
		t.Error("same inputs produced different digests")
	}
	if ComputeContextDigest(testIdentity(), 2, createdAt) == base {
		t.Error("key version change did not change digest")
	}
	if ComputeContextDigest(testIdentity(), 1, createdAt.Add(time.Second)) == base {
		t.Error("creation time change did not change digest")
	}

	other := testIdentity()
	other.Email = "bob@test.io"
	if ComputeContextDigest(other, 1, createdAt) == base {
		t.Error("identity change did not change digest")
	}
}
