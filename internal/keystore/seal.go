package keystore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"signetd/internal/entropy"
	"signetd/internal/security"
)

// Seal domain constants. The store key is derived from the factory
// seed, never stored; records only open on the device that sealed them.
const (
	sealDomain  = "signetd-keystore-seal-v1"
	sealKeyInfo = "xchacha20poly1305-store-key"
)

// sealer encrypts per-account entropy at rest with XChaCha20-Poly1305.
// Sealed form is nonce || ciphertext; the account id binds the record
// as additional authenticated data.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(seed *entropy.FactoryRootSeed) (*sealer, error) {
	if seed == nil {
		return nil, fmt.Errorf("%w: nil factory seed", ErrSealFailed)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, seed.Entropy[:], []byte(sealDomain), []byte(sealKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		security.Wipe(key)
		return nil, fmt.Errorf("%w: derive store key: %v", ErrSealFailed, err)
	}
	defer security.Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailed, err)
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrSealFailed, err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (s *sealer) open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: sealed record too short", ErrSealFailed)
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	ciphertext := sealed[chacha20poly1305.NonceSizeX:]

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrSealFailed, err)
	}
	return plaintext, nil
}
