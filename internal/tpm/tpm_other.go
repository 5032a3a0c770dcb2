//go:build !linux

package tpm

// Device is a placeholder on platforms without TPM support. signetd
// deployments target Linux appliances; elsewhere every operation
// reports ErrNotAvailable.
type Device struct{}

// NewDevice always fails on non-Linux platforms.
func NewDevice(path string) (*Device, error) {
	return nil, ErrNotAvailable
}

// Available reports false on non-Linux platforms.
func Available() bool { return false }

func (d *Device) Path() string { return "" }
func (d *Device) Open() error  { return ErrNotAvailable }
func (d *Device) Close() error { return nil }

func (d *Device) Random(n int) ([]byte, error) {
	return nil, ErrNotAvailable
}

func (d *Device) ReadNV(index uint32, size uint16) ([]byte, error) {
	return nil, ErrNotAvailable
}

func (d *Device) DefineNV(index uint32, size uint16) error {
	return ErrNotAvailable
}

func (d *Device) WriteNV(index uint32, data []byte) error {
	return ErrNotAvailable
}

func (d *Device) Properties() (Info, error) {
	return Info{}, ErrNotAvailable
}
