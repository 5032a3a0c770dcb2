// Package tpm provides minimal TPM 2.0 access for signetd.
//
// The daemon uses the TPM for two things only: hardware random bytes
// for the per-request entropy mix, and non-volatile storage for the
// factory root seed on appliances provisioned without a seed file.
// Attestation, sealing, and PCR policy are out of scope here.
package tpm

import "errors"

// Errors returned by TPM operations.
var (
	ErrNotAvailable = errors.New("tpm: no TPM 2.0 device available")
	ErrNotOpen      = errors.New("tpm: device not open")
	ErrOperation    = errors.New("tpm: operation failed")
)

// Info describes the TPM hardware, read during provisioning.
type Info struct {
	Manufacturer string
	Firmware     string
}
