// Package derivation implements signetd's hybrid-entropy key derivation.
//
// Account keys come from three inputs: the factory root seed installed
// at manufacture, hardware entropy captured once when the account is
// created, and a digest of the user's identity context. The inputs are
// combined with HKDF-SHA256 under fixed domain strings, then walked
// down the BIP32 path m/44'/60'/{accountIndex}'/0/0 to the secp256k1
// account key whose keccak-derived address the host registers on chain.
//
// Private key material only ever exists transiently inside this
// package's callers; every intermediate buffer is wiped on all exit
// paths, including errors.
package derivation

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"

	"signetd/internal/entropy"
	"signetd/internal/security"
)

// Domain constants. Changing any of these re-keys every account.
const (
	Version             = 1
	HybridEntropyDomain = "signetd-hybrid-entropy-v1"
	AccountInfoPrefix   = "signetd-account-v1:"

	// MasterKeySize is the HKDF output length in bytes.
	MasterKeySize = 32

	purposeBIP44  = 44
	coinTypeEther = 60
)

// Errors
var (
	ErrDerivationFailed = errors.New("derivation: key derivation failed")
	ErrInvalidPath      = errors.New("derivation: invalid derivation path")
	ErrKeyWiped         = errors.New("derivation: account key has been wiped")
)

// AccountKey is a derived secp256k1 account key. Callers must Wipe it
// as soon as the signature or address has been produced.
type AccountKey struct {
	priv  *btcec.PrivateKey
	wiped bool
}

// DeriveMasterKey combines the factory seed, the account's captured
// hardware entropy, and the user context digest into the 32-byte master
// key for one account. Deterministic for fixed inputs.
func DeriveMasterKey(seed *entropy.FactoryRootSeed, accountEntropy, contextDigest [32]byte, accountID string) ([MasterKeySize]byte, error) {
	var master [MasterKeySize]byte

	if seed == nil {
		return master, fmt.Errorf("%w: nil factory seed", ErrDerivationFailed)
	}
	if accountID == "" {
		return master, fmt.Errorf("%w: empty account id", ErrDerivationFailed)
	}

	ikm := make([]byte, 0, entropy.SeedSize+64)
	ikm = append(ikm, seed.Entropy[:]...)
	ikm = append(ikm, accountEntropy[:]...)
	ikm = append(ikm, contextDigest[:]...)
	defer security.Wipe(ikm)

	r := hkdf.New(sha256.New, ikm, []byte(HybridEntropyDomain), []byte(AccountInfoPrefix+accountID))
	if _, err := io.ReadFull(r, master[:]); err != nil {
		security.Wipe(master[:])
		return master, fmt.Errorf("%w: HKDF expand: %v", ErrDerivationFailed, err)
	}
	return master, nil
}

// DeriveAccountKey walks m/44'/60'/{accountIndex}'/0/0 from the master
// key. accountIndex must be below the hardened marker (2^31).
func DeriveAccountKey(masterKey [MasterKeySize]byte, accountIndex uint32) (*AccountKey, error) {
	if accountIndex >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: account index %d exceeds 2^31-1", ErrInvalidPath, accountIndex)
	}

	master, err := hdkeychain.NewMaster(masterKey[:], &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("%w: BIP32 master: %v", ErrDerivationFailed, err)
	}
	defer master.Zero()

	steps := []uint32{
		purposeBIP44 + hdkeychain.HardenedKeyStart,
		coinTypeEther + hdkeychain.HardenedKeyStart,
		accountIndex + hdkeychain.HardenedKeyStart,
		0,
		0,
	}

	node := master
	for _, step := range steps {
		child, err := node.Derive(step)
		if node != master {
			node.Zero()
		}
		if err != nil {
			return nil, fmt.Errorf("%w: child step %d: %v", ErrDerivationFailed, step, err)
		}
		node = child
	}

	priv, err := node.ECPrivKey()
	node.Zero()
	if err != nil {
		return nil, fmt.Errorf("%w: extract private key: %v", ErrDerivationFailed, err)
	}

	return &AccountKey{priv: priv}, nil
}

// Derive runs the full pipeline from provisioned inputs to the account
// key, wiping the intermediate master key.
func Derive(seed *entropy.FactoryRootSeed, accountEntropy, contextDigest [32]byte, accountID string, accountIndex uint32) (*AccountKey, error) {
	masterKey, err := DeriveMasterKey(seed, accountEntropy, contextDigest, accountID)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(masterKey[:])

	return DeriveAccountKey(masterKey, accountIndex)
}

// Address returns the Ethereum address of the account key: the last 20
// bytes of keccak256 over the uncompressed public key tail. Hex() on
// the result renders the EIP-55 checksum form.
func (k *AccountKey) Address() common.Address {
	if k.wiped || k.priv == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(*k.priv.PubKey().ToECDSA())
}

// PublicKeyUncompressed returns the 65-byte 0x04-prefixed public key.
func (k *AccountKey) PublicKeyUncompressed() []byte {
	if k.wiped || k.priv == nil {
		return nil
	}
	return k.priv.PubKey().SerializeUncompressed()
}

// SignHash produces the 65-byte r || s || v recoverable signature over
// a 32-byte digest, v in {27, 28}.
func (k *AccountKey) SignHash(digest [32]byte) ([65]byte, error) {
	var out [65]byte
	if k.wiped || k.priv == nil {
		return out, ErrKeyWiped
	}

	ecdsaPriv := k.priv.ToECDSA()
	defer wipeBigInt(ecdsaPriv.D)

	sig, err := crypto.Sign(digest[:], ecdsaPriv)
	if err != nil {
		return out, fmt.Errorf("derivation: sign: %w", err)
	}
	copy(out[:], sig)
	out[64] = sig[64] + 27
	return out, nil
}

// Wipe destroys the key material. The key is unusable afterwards.
func (k *AccountKey) Wipe() {
	if k.priv != nil {
		k.priv.Zero()
	}
	k.wiped = true
}

func wipeBigInt(x *big.Int) {
	if x == nil {
		return
	}
	bits := x.Bits()
	for i := range bits {
		bits[i] = 0
	}
	x.SetInt64(0)
}
