package keystore

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"time"
)

// AccountID is the SHA-256 digest of the identity tuple. Its canonical
// rendering is 64 lowercase hex characters, which exactly fills the
// accountId field of the verification request.
type AccountID [32]byte

// String renders the canonical 64-character hex form.
func (id AccountID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseAccountID decodes the canonical hex form.
func ParseAccountID(s string) (AccountID, error) {
	var id AccountID
	if len(s) != 64 {
		return id, fmt.Errorf("keystore: account id must be 64 hex chars, got %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("keystore: account id not hex: %w", err)
	}
	copy(id[:], raw)
	return id, nil
}

// Identity is the user tuple bound to an account at creation.
type Identity struct {
	Email        string
	CredentialID []byte
	DeviceID     [32]byte

	// CredentialPublicKey is the COSE-encoded passkey public key the
	// authorization engine verifies user signatures against.
	CredentialPublicKey []byte
}

// ComputeAccountID hashes the identity tuple. Fields are length-prefixed
// so no two tuples can collide by boundary shifting.
func ComputeAccountID(identity Identity) AccountID {
	h := sha256.New()
	writeLengthPrefixed(h, []byte(identity.Email))
	writeLengthPrefixed(h, identity.CredentialID)
	writeLengthPrefixed(h, identity.DeviceID[:])

	var id AccountID
	copy(id[:], h.Sum(nil))
	return id
}

// ComputeContextDigest hashes the identity tuple together with the key
// version and creation time. The digest feeds key derivation, so it is
// persisted with the record rather than recomputed.
func ComputeContextDigest(identity Identity, keyVersion uint32, createdAt time.Time) [32]byte {
	h := sha256.New()
	writeLengthPrefixed(h, []byte(identity.Email))
	writeLengthPrefixed(h, identity.CredentialID)
	writeLengthPrefixed(h, identity.DeviceID[:])
	binary.Write(h, binary.BigEndian, keyVersion)
	binary.Write(h, binary.BigEndian, uint64(createdAt.Unix()))

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

func writeLengthPrefixed(h hash.Hash, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}
