package entropy

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"sync"
)

// DefaultHWRNGPath is the kernel hardware RNG character device.
const DefaultHWRNGPath = "/dev/hwrng"

// SystemSource reads from the operating system CSPRNG. It is always
// available and serves as the floor under the hardware sources.
type SystemSource struct{}

// NewSystemSource creates the OS randomness source.
func NewSystemSource() *SystemSource { return &SystemSource{} }

func (s *SystemSource) Name() string    { return "system" }
func (s *SystemSource) Available() bool { return true }

func (s *SystemSource) Random(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("%w: system: %v", ErrSourceFailed, err)
	}
	return buf, nil
}

// HWRNGSource reads the kernel hardware RNG device. The file handle is
// opened lazily and dropped on read errors so a hot-unplugged device
// recovers on the next attempt.
type HWRNGSource struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewHWRNGSource creates a source over the device at path, or
// DefaultHWRNGPath when path is empty.
func NewHWRNGSource(path string) *HWRNGSource {
	if path == "" {
		path = DefaultHWRNGPath
	}
	return &HWRNGSource{path: path}
}

func (s *HWRNGSource) Name() string { return "hwrng:" + s.path }

func (s *HWRNGSource) Available() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *HWRNGSource) Random(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		f, err := os.Open(s.path)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrSourceFailed, s.path, err)
		}
		s.f = f
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(s.f, buf); err != nil {
		s.f.Close()
		s.f = nil
		return nil, fmt.Errorf("%w: read %s: %v", ErrSourceFailed, s.path, err)
	}
	return buf, nil
}

// Close releases the device handle.
func (s *HWRNGSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		err := s.f.Close()
		s.f = nil
		return err
	}
	return nil
}

// RandomDevice is the slice of the TPM device this package consumes.
type RandomDevice interface {
	Random(n int) ([]byte, error)
	Path() string
}

// TPMSource draws from an opened TPM device's random number generator.
type TPMSource struct {
	dev RandomDevice
}

// NewTPMSource creates a source over an already-opened TPM device.
func NewTPMSource(dev RandomDevice) *TPMSource {
	return &TPMSource{dev: dev}
}

func (s *TPMSource) Name() string    { return "tpm:" + s.dev.Path() }
func (s *TPMSource) Available() bool { return s.dev != nil }

func (s *TPMSource) Random(n int) ([]byte, error) {
	buf, err := s.dev.Random(n)
	if err != nil {
		return nil, fmt.Errorf("%w: tpm: %v", ErrSourceFailed, err)
	}
	return buf, nil
}
