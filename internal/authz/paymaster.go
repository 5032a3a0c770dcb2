package authz

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"signetd/pkg/wire"
)

// PaymasterDigest computes the digest a paymaster signs to sponsor a
// request: keccak256 over the packed userOpHash, account id bytes,
// keccak256 of the full padded user signature field, nonce, and
// timestamp. The account id enters NUL-trimmed; the user signature
// enters as the whole 256-byte field.
func PaymasterDigest(req *wire.VerificationRequest) [32]byte {
	var nonce, ts [8]byte
	binary.BigEndian.PutUint64(nonce[:], req.Nonce)
	binary.BigEndian.PutUint64(ts[:], req.Timestamp)

	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(
		req.UserOpHash[:],
		[]byte(req.AccountIDString()),
		ethcrypto.Keccak256(req.UserSignature[:]),
		nonce[:],
		ts[:],
	))
	return digest
}

// UserMessage computes the digest the user's passkey signed:
// keccak256(userOpHash || account id bytes).
func UserMessage(req *wire.VerificationRequest) []byte {
	return ethcrypto.Keccak256(req.UserOpHash[:], []byte(req.AccountIDString()))
}

// RecoverSigner returns the address that produced sig over digest. The
// recovery byte is accepted in both the raw (0/1) and Ethereum (27/28)
// conventions.
func RecoverSigner(digest [32]byte, sig [65]byte) (common.Address, error) {
	rs := make([]byte, 65)
	copy(rs, sig[:])
	switch {
	case rs[64] == 27 || rs[64] == 28:
		rs[64] -= 27
	case rs[64] <= 1:
	default:
		return common.Address{}, fmt.Errorf("%w: recovery byte %d", ErrPaymasterSignature, sig[64])
	}

	pub, err := ethcrypto.SigToPub(digest[:], rs)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrPaymasterSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// PaymasterSet is the authorized sponsor allow list.
type PaymasterSet struct {
	mu    sync.RWMutex
	addrs map[common.Address]struct{}
}

// NewPaymasterSet creates an empty allow list.
func NewPaymasterSet() *PaymasterSet {
	return &PaymasterSet{addrs: make(map[common.Address]struct{})}
}

// Add authorizes an address.
func (s *PaymasterSet) Add(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[addr] = struct{}{}
}

// Remove revokes an address.
func (s *PaymasterSet) Remove(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.addrs, addr)
}

// Replace swaps the whole allow list, for manifest reloads.
func (s *PaymasterSet) Replace(addrs []common.Address) {
	next := make(map[common.Address]struct{}, len(addrs))
	for _, a := range addrs {
		next[a] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs = next
}

// Contains reports whether an address is authorized.
func (s *PaymasterSet) Contains(addr common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.addrs[addr]
	return ok
}

// Len returns the allow list size.
func (s *PaymasterSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.addrs)
}

// Addresses returns a copy of the allow list.
func (s *PaymasterSet) Addresses() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Address, 0, len(s.addrs))
	for a := range s.addrs {
		out = append(out, a)
	}
	return out
}
