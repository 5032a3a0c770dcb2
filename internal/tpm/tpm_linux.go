//go:build linux

package tpm

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// TPM device paths in order of preference.
var devicePaths = []string{
	"/dev/tpmrm0", // kernel resource manager (preferred)
	"/dev/tpm0",   // direct access (fallback)
}

// Device is a handle to a Linux TPM 2.0 character device.
type Device struct {
	mu         sync.Mutex
	devicePath string
	transport  transport.TPMCloser
	isOpen     bool
}

// NewDevice returns a Device bound to path. If path is empty the
// standard device paths are probed in order.
func NewDevice(path string) (*Device, error) {
	if path == "" {
		path = detectDevicePath()
		if path == "" {
			return nil, ErrNotAvailable
		}
	}
	return &Device{devicePath: path}, nil
}

// Available reports whether any TPM 2.0 device can be opened on this system.
func Available() bool {
	return detectDevicePath() != ""
}

func detectDevicePath() string {
	for _, path := range devicePaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			continue
		}
		f.Close()
		return path
	}
	return ""
}

// Path returns the device path this Device is bound to.
func (d *Device) Path() string {
	return d.devicePath
}

// Open establishes the TPM connection. It is safe to call on an
// already-open device.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isOpen {
		return nil
	}

	t, err := transport.OpenTPM(d.devicePath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrNotAvailable, d.devicePath, err)
	}
	d.transport = t
	d.isOpen = true
	return nil
}

// Close releases the TPM connection.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isOpen && d.transport != nil {
		err := d.transport.Close()
		d.isOpen = false
		d.transport = nil
		return err
	}
	return nil
}

// Random reads n bytes from the TPM's random number generator. The TPM
// returns at most one digest worth of bytes per command, so large
// requests loop.
func (d *Device) Random(n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isOpen {
		return nil, ErrNotOpen
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		remaining := n - len(out)
		if remaining > 32 {
			remaining = 32
		}
		cmd := tpm2.GetRandom{BytesRequested: uint16(remaining)}
		rsp, err := cmd.Execute(d.transport)
		if err != nil {
			return nil, fmt.Errorf("%w: GetRandom: %v", ErrOperation, err)
		}
		if len(rsp.RandomBytes.Buffer) == 0 {
			return nil, fmt.Errorf("%w: GetRandom returned no bytes", ErrOperation)
		}
		out = append(out, rsp.RandomBytes.Buffer...)
	}
	return out[:n], nil
}

// ReadNV reads size bytes from the NV index at offset 0.
func (d *Device) ReadNV(index uint32, size uint16) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isOpen {
		return nil, ErrNotOpen
	}

	readCmd := tpm2.NVRead{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(index),
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.TPMHandle(index),
		Size:    size,
		Offset:  0,
	}

	rsp, err := readCmd.Execute(d.transport)
	if err != nil {
		return nil, fmt.Errorf("%w: NVRead index 0x%08x: %v", ErrOperation, index, err)
	}
	return rsp.Data.Buffer, nil
}

// DefineNV allocates an ordinary NV index of the given size, owner-writable
// and password-readable. Returns nil if the index already exists.
func (d *Device) DefineNV(index uint32, size uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isOpen {
		return ErrNotOpen
	}

	readPubCmd := tpm2.NVReadPublic{
		NVIndex: tpm2.TPMHandle(index),
	}
	if _, err := readPubCmd.Execute(d.transport); err == nil {
		return nil // index exists
	}

	defineCmd := tpm2.NVDefineSpace{
		AuthHandle: tpm2.TPMRHOwner,
		Auth: tpm2.TPM2BAuth{
			Buffer: nil,
		},
		PublicInfo: tpm2.New2B(tpm2.TPMSNVPublic{
			NVIndex: tpm2.TPMHandle(index),
			NameAlg: tpm2.TPMAlgSHA256,
			Attributes: tpm2.TPMANV{
				OwnerWrite: true,
				OwnerRead:  true,
				AuthRead:   true,
				NoDA:       true,
			},
			DataSize: size,
		}),
	}

	if _, err := defineCmd.Execute(d.transport); err != nil {
		return fmt.Errorf("%w: NVDefineSpace index 0x%08x: %v", ErrOperation, index, err)
	}
	return nil
}

// WriteNV writes data to the NV index at offset 0 using owner authorization.
func (d *Device) WriteNV(index uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isOpen {
		return ErrNotOpen
	}

	writeCmd := tpm2.NVWrite{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHOwner,
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.TPMHandle(index),
		Data:    tpm2.TPM2BMaxNVBuffer{Buffer: data},
		Offset:  0,
	}

	if _, err := writeCmd.Execute(d.transport); err != nil {
		return fmt.Errorf("%w: NVWrite index 0x%08x: %v", ErrOperation, index, err)
	}
	return nil
}

// Properties reads the manufacturer and firmware version from the TPM.
func (d *Device) Properties() (Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isOpen {
		return Info{}, ErrNotOpen
	}

	manufacturer, err := d.readProperty(tpm2.TPMPTManufacturer)
	if err != nil {
		return Info{}, fmt.Errorf("%w: read manufacturer: %v", ErrOperation, err)
	}

	fw1, err := d.readProperty(tpm2.TPMPTFirmwareVersion1)
	if err != nil {
		return Info{}, fmt.Errorf("%w: read firmware version: %v", ErrOperation, err)
	}

	info := Info{
		Manufacturer: propertyString(manufacturer),
		Firmware:     fmt.Sprintf("%d.%d", fw1>>16, fw1&0xFFFF),
	}
	return info, nil
}

func (d *Device) readProperty(prop tpm2.TPMPT) (uint32, error) {
	getCmd := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(prop),
		PropertyCount: 1,
	}

	rsp, err := getCmd.Execute(d.transport)
	if err != nil {
		return 0, err
	}

	props, err := rsp.CapabilityData.Data.TPMProperties()
	if err != nil {
		return 0, err
	}
	if len(props.TPMProperty) == 0 {
		return 0, fmt.Errorf("property 0x%x not reported", prop)
	}
	return props.TPMProperty[0].Value, nil
}

// propertyString renders a packed four-character property value,
// dropping NUL padding.
func propertyString(v uint32) string {
	b := []byte{
		byte(v >> 24),
		byte(v >> 16),
		byte(v >> 8),
		byte(v),
	}
	out := make([]byte, 0, 4)
	for _, c := range b {
		if c != 0 {
			out = append(out, c)
		}
	}
	return string(out)
}
