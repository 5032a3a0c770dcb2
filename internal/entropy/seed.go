package entropy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"signetd/internal/security"
)

// Factory seed blob layout: magic(8) version(1) manufacturerId(4)
// issuedAt(8) entropy(32), big-endian integers, 53 bytes total.
const (
	seedMagic    = "SGNTSEED"
	SeedVersion  = 1
	SeedSize     = 32
	seedBlobSize = 8 + 1 + 4 + 8 + SeedSize

	// DefaultSeedNVIndex is the TPM NV index used when provisioning
	// appliances without a seed file.
	DefaultSeedNVIndex = 0x01500002
)

// Factory seed errors.
var (
	ErrSeedUnavailable = errors.New("entropy: factory seed unavailable")
	ErrSeedInvalid     = errors.New("entropy: factory seed blob invalid")
)

// FactoryRootSeed is the per-device secret installed at manufacture.
// It never leaves the trust boundary after provisioning.
type FactoryRootSeed struct {
	Entropy        [SeedSize]byte
	Version        uint8
	ManufacturerID uint32
	IssuedAt       time.Time
}

// NewFactoryRootSeed builds a seed from fresh entropy for provisioning.
func NewFactoryRootSeed(entropy [SeedSize]byte, manufacturerID uint32, issuedAt time.Time) *FactoryRootSeed {
	return &FactoryRootSeed{
		Entropy:        entropy,
		Version:        SeedVersion,
		ManufacturerID: manufacturerID,
		IssuedAt:       issuedAt.UTC().Truncate(time.Second),
	}
}

// Encode serializes the seed into the fixed blob layout.
func (s *FactoryRootSeed) Encode() []byte {
	buf := make([]byte, seedBlobSize)
	copy(buf[0:8], seedMagic)
	buf[8] = s.Version
	binary.BigEndian.PutUint32(buf[9:13], s.ManufacturerID)
	binary.BigEndian.PutUint64(buf[13:21], uint64(s.IssuedAt.Unix()))
	copy(buf[21:], s.Entropy[:])
	return buf
}

// Wipe clears the seed material in place.
func (s *FactoryRootSeed) Wipe() {
	security.Wipe(s.Entropy[:])
}

// ParseFactoryRootSeed decodes and validates a seed blob.
func ParseFactoryRootSeed(blob []byte) (*FactoryRootSeed, error) {
	if len(blob) != seedBlobSize {
		return nil, fmt.Errorf("%w: blob is %d bytes, want %d", ErrSeedInvalid, len(blob), seedBlobSize)
	}
	if string(blob[0:8]) != seedMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrSeedInvalid)
	}
	if blob[8] != SeedVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSeedInvalid, blob[8])
	}

	seed := &FactoryRootSeed{
		Version:        blob[8],
		ManufacturerID: binary.BigEndian.Uint32(blob[9:13]),
		IssuedAt:       time.Unix(int64(binary.BigEndian.Uint64(blob[13:21])), 0).UTC(),
	}
	copy(seed.Entropy[:], blob[21:])

	if bytes.Equal(seed.Entropy[:], make([]byte, SeedSize)) {
		return nil, fmt.Errorf("%w: zero entropy", ErrSeedInvalid)
	}
	return seed, nil
}

// SeedProvider loads the factory root seed from provisioned storage.
type SeedProvider interface {
	FactorySeed() (*FactoryRootSeed, error)
}

// FileSeedProvider loads the seed from a sealed file.
type FileSeedProvider struct {
	path string
}

// NewFileSeedProvider creates a provider over the seed file at path.
func NewFileSeedProvider(path string) *FileSeedProvider {
	return &FileSeedProvider{path: path}
}

// FactorySeed reads, permission-checks, and parses the seed file.
func (p *FileSeedProvider) FactorySeed() (*FactoryRootSeed, error) {
	fi, err := os.Stat(p.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSeedUnavailable, err)
	}
	if runtime.GOOS != "windows" && fi.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s permissions %04o too open, want 0600",
			ErrSeedUnavailable, p.path, fi.Mode().Perm())
	}

	blob, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSeedUnavailable, err)
	}
	defer security.Wipe(blob)

	return ParseFactoryRootSeed(blob)
}

// WriteSeedFile writes an encoded seed to path with owner-only
// permissions. It refuses to overwrite an existing file.
func WriteSeedFile(path string, seed *FactoryRootSeed) error {
	blob := seed.Encode()
	defer security.Wipe(blob)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("entropy: create seed file: %w", err)
	}
	if _, err := f.Write(blob); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("entropy: write seed file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("entropy: close seed file: %w", err)
	}
	return nil
}

// NVDevice is the slice of the TPM device seed loading consumes.
type NVDevice interface {
	ReadNV(index uint32, size uint16) ([]byte, error)
}

// TPMSeedProvider loads the seed from a TPM NV index.
type TPMSeedProvider struct {
	dev   NVDevice
	index uint32
}

// NewTPMSeedProvider creates a provider over an opened TPM device.
// index 0 selects DefaultSeedNVIndex.
func NewTPMSeedProvider(dev NVDevice, index uint32) *TPMSeedProvider {
	if index == 0 {
		index = DefaultSeedNVIndex
	}
	return &TPMSeedProvider{dev: dev, index: index}
}

// FactorySeed reads and parses the seed blob from NV storage.
func (p *TPMSeedProvider) FactorySeed() (*FactoryRootSeed, error) {
	blob, err := p.dev.ReadNV(p.index, seedBlobSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSeedUnavailable, err)
	}
	defer security.Wipe(blob)

	return ParseFactoryRootSeed(blob)
}
