// Command signetd-provision installs the factory root seed.
//
// Provisioning runs once per device, at manufacture or first boot. The
// tool draws seed entropy from the hardware pool and writes the sealed
// blob to a file or a TPM NV index, where signetd loads it from. An
// optional BIP-39 mnemonic escrows the seed entropy for offline
// recovery.
//
// Usage:
//
//	signetd-provision [flags]
//
// Flags:
//
//	-out string
//	    Seed file destination (default /var/lib/signetd/factory.seed)
//	-tpm
//	    Provision into TPM NV storage instead of a file
//	-tpm-device string
//	    TPM device path (default: auto-detect)
//	-nv-index uint
//	    TPM NV index (default: the standard signetd index)
//	-manufacturer-id uint
//	    Manufacturer identifier embedded in the seed blob
//	-hwrng string
//	    Hardware RNG device to draw from (default /dev/hwrng)
//	-escrow
//	    Print a BIP-39 escrow mnemonic for the new seed
//	-restore string
//	    Rebuild the seed from an escrow mnemonic instead of
//	    drawing fresh entropy
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tyler-smith/go-bip39"

	"signetd/internal/config"
	"signetd/internal/entropy"
	"signetd/internal/security"
	"signetd/internal/tpm"
)

var (
	outPath        = flag.String("out", "", "seed file destination")
	useTPM         = flag.Bool("tpm", false, "provision into TPM NV storage")
	tpmDevice      = flag.String("tpm-device", "", "TPM device path (auto-detect if empty)")
	nvIndex        = flag.Uint("nv-index", 0, "TPM NV index (0 selects the default)")
	manufacturerID = flag.Uint("manufacturer-id", 0, "manufacturer identifier")
	hwrngPath      = flag.String("hwrng", entropy.DefaultHWRNGPath, "hardware RNG device")
	escrow         = flag.Bool("escrow", false, "print a BIP-39 escrow mnemonic")
	restore        = flag.String("restore", "", "rebuild the seed from an escrow mnemonic")
)

func main() {
	flag.Parse()

	log.SetFlags(0)
	log.SetPrefix("signetd-provision: ")

	ent, err := seedEntropy()
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer security.Wipe(ent[:])

	seed := entropy.NewFactoryRootSeed(ent, uint32(*manufacturerID), time.Now())
	defer seed.Wipe()

	if *escrow && *restore == "" {
		mnemonic, err := bip39.NewMnemonic(ent[:])
		if err != nil {
			log.Fatalf("escrow mnemonic: %v", err)
		}
		fmt.Println("Escrow mnemonic (write down and store offline, then clear your terminal):")
		fmt.Println()
		fmt.Printf("  %s\n", mnemonic)
		fmt.Println()
	}

	if *useTPM {
		if err := provisionTPM(seed); err != nil {
			log.Fatalf("%v", err)
		}
	} else {
		if err := provisionFile(seed); err != nil {
			log.Fatalf("%v", err)
		}
	}

	fmt.Println("Provisioning complete. The seed never leaves this device;")
	fmt.Println("only the escrow mnemonic, if printed, can reconstruct it.")
}

// seedEntropy produces the 32 seed bytes, either restored from an
// escrow mnemonic or drawn fresh from the hardware pool.
func seedEntropy() ([entropy.SeedSize]byte, error) {
	var ent [entropy.SeedSize]byte

	if *restore != "" {
		mnemonic := strings.TrimSpace(*restore)
		if !bip39.IsMnemonicValid(mnemonic) {
			return ent, fmt.Errorf("restore: not a valid BIP-39 mnemonic")
		}
		raw, err := bip39.EntropyFromMnemonic(mnemonic)
		if err != nil {
			return ent, fmt.Errorf("restore: %w", err)
		}
		defer security.Wipe(raw)
		if len(raw) != entropy.SeedSize {
			return ent, fmt.Errorf("restore: mnemonic encodes %d bytes, want %d (24 words)",
				len(raw), entropy.SeedSize)
		}
		copy(ent[:], raw)
		log.Println("seed entropy restored from escrow mnemonic")
		return ent, nil
	}

	pool := entropy.NewPool(1)
	hw := entropy.NewHWRNGSource(*hwrngPath)
	if hw.Available() {
		pool.AddSource(hw)
		log.Printf("drawing from %s", hw.Name())
	} else {
		log.Printf("warning: %s not present, seed entropy is OS-only", *hwrngPath)
	}
	pool.AddSource(entropy.NewSystemSource())

	raw, err := pool.Random(entropy.SeedSize)
	if err != nil {
		return ent, fmt.Errorf("draw seed entropy: %w", err)
	}
	defer security.Wipe(raw)
	copy(ent[:], raw)
	return ent, nil
}

func provisionFile(seed *entropy.FactoryRootSeed) error {
	path := *outPath
	if path == "" {
		path = filepath.Join(config.DataDir(), "factory.seed")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create seed directory: %w", err)
	}
	if err := entropy.WriteSeedFile(path, seed); err != nil {
		return err
	}
	log.Printf("seed written to %s", path)
	return nil
}

func provisionTPM(seed *entropy.FactoryRootSeed) error {
	dev, err := tpm.NewDevice(*tpmDevice)
	if err != nil {
		return fmt.Errorf("open TPM: %w", err)
	}
	if err := dev.Open(); err != nil {
		return fmt.Errorf("open TPM: %w", err)
	}
	defer dev.Close()

	index := uint32(*nvIndex)
	if index == 0 {
		index = entropy.DefaultSeedNVIndex
	}

	blob := seed.Encode()
	defer security.Wipe(blob)

	if err := dev.DefineNV(index, uint16(len(blob))); err != nil {
		return fmt.Errorf("define NV index 0x%08x: %w", index, err)
	}
	if err := dev.WriteNV(index, blob); err != nil {
		return fmt.Errorf("write NV index 0x%08x: %w", index, err)
	}
	log.Printf("seed written to TPM NV index 0x%08x on %s", index, dev.Path())
	return nil
}
