// signetctl is the control CLI for signetd.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"signetd/internal/config"
	"signetd/internal/enclave"
	"signetd/pkg/wire"
)

// Version is injected at build time via -ldflags "-X main.Version=...".
var Version = "0.3.0-dev"

var (
	configPath = flag.String("config", "", "path to config file")
	socketFlag = flag.String("socket", "", "override the boundary socket path")
	deviceID   = flag.String("device-id", "", "device identifier for create-account (64 hex chars)")
	jsonOut    = flag.Bool("json", false, "print raw JSON where applicable")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "ping":
		cmdPing()
	case "status":
		cmdStatus()
	case "create-account":
		if flag.NArg() < 4 {
			fmt.Fprintln(os.Stderr, "Usage: signetctl create-account <email> <credential-id-hex> <cose-key-file>")
			os.Exit(1)
		}
		cmdCreateAccount(flag.Arg(1), flag.Arg(2), flag.Arg(3))
	case "register-paymaster":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: signetctl register-paymaster <address> [name]")
			os.Exit(1)
		}
		name := ""
		if flag.NArg() >= 3 {
			name = flag.Arg(2)
		}
		cmdRegisterPaymaster(flag.Arg(1), name)
	case "verify":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: signetctl verify <request-file>")
			os.Exit(1)
		}
		cmdVerify(flag.Arg(1))
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", flag.Arg(0))
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `signetctl - Control utility for signetd

Usage: signetctl [options] <command> [args]

Commands:
  ping                                  Check daemon connectivity
  status                                Show daemon status
  create-account <email> <cred-id> <key-file>
                                        Create an account from a passkey
                                        registration (credential id in hex,
                                        COSE public key as a CBOR file)
  register-paymaster <address> [name]   Add a paymaster to the allow list
  verify <request-file>                 Submit a binary verification request
  help                                  Show this help message

Options:
  -config <path>      Path to config file (default /etc/signetd/config.toml)
  -socket <path>      Override the boundary socket path
  -device-id <hex>    Device identifier for create-account (64 hex chars)
  -json               Print raw JSON where applicable`)
}

func socketPath() string {
	if *socketFlag != "" {
		return *socketFlag
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg.Daemon.SocketPath
}

func connect() *enclave.Client {
	client, err := enclave.Dial(socketPath(), 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot connect to signetd: %v\n", err)
		fmt.Fprintln(os.Stderr, "Is the daemon running?")
		os.Exit(1)
	}
	return client
}

func cmdPing() {
	client := connect()
	defer client.Close()

	start := time.Now()
	if err := client.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "Ping failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("signetd alive (%s)\n", time.Since(start).Round(time.Microsecond))
}

func cmdStatus() {
	client := connect()
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get status: %v\n", err)
		os.Exit(1)
	}

	if *jsonOut {
		out, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Println("=== signetd Status ===")
	fmt.Printf("%-18s %s\n", "Version:", status.Version)
	fmt.Printf("%-18s %s\n", "Uptime:", (time.Duration(status.UptimeSeconds) * time.Second).String())
	fmt.Printf("%-18s %d\n", "Accounts:", status.Accounts)
	fmt.Printf("%-18s %d\n", "Paymasters:", status.Paymasters)
	fmt.Printf("%-18s %d\n", "Nonces retained:", status.NoncesRetained)
	fmt.Printf("%-18s %s (%d/%d sources)\n", "Entropy:",
		status.EntropyHealth, status.HealthySources, status.EntropySources)
}

func cmdCreateAccount(email, credHex, keyFile string) {
	credentialID, err := hex.DecodeString(strings.TrimPrefix(credHex, "0x"))
	if err != nil || len(credentialID) == 0 {
		fmt.Fprintln(os.Stderr, "credential id must be non-empty hex")
		os.Exit(1)
	}

	key, err := os.ReadFile(keyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading COSE key file: %v\n", err)
		os.Exit(1)
	}

	req := &enclave.CreateAccountRequest{
		Email:               email,
		CredentialID:        credentialID,
		CredentialPublicKey: key,
	}
	if *deviceID != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(*deviceID, "0x"))
		if err != nil || len(raw) != enclave.DeviceIDSize {
			fmt.Fprintf(os.Stderr, "device id must be %d hex chars\n", enclave.DeviceIDSize*2)
			os.Exit(1)
		}
		copy(req.DeviceID[:], raw)
	}

	client := connect()
	defer client.Close()

	resp, err := client.CreateAccount(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Account creation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== Account Created ===")
	fmt.Printf("%-12s %s\n", "Account ID:", resp.AccountIDString())
	fmt.Printf("%-12s %s\n", "Address:", common.BytesToAddress(resp.Address[:]).Hex())
}

func cmdRegisterPaymaster(addrStr, name string) {
	if !common.IsHexAddress(addrStr) {
		fmt.Fprintf(os.Stderr, "%q is not a valid Ethereum address\n", addrStr)
		os.Exit(1)
	}
	addr := common.HexToAddress(addrStr)

	client := connect()
	defer client.Close()

	if err := client.RegisterPaymaster(addr, name); err != nil {
		fmt.Fprintf(os.Stderr, "Registration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Paymaster %s registered\n", addr.Hex())
}

func cmdVerify(requestFile string) {
	data, err := os.ReadFile(requestFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading request file: %v\n", err)
		os.Exit(1)
	}
	req, err := wire.DecodeRequest(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid request file: %v\n", err)
		os.Exit(1)
	}

	client := connect()
	defer client.Close()

	result, err := client.Verify(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Verification request failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== Verification Result ===")
	fmt.Printf("%-20s %v\n", "Success:", result.Success)
	fmt.Printf("%-20s %v\n", "Paymaster layer:", result.PaymasterVerified)
	fmt.Printf("%-20s %v\n", "Passkey layer:", result.PasskeyVerified)
	fmt.Printf("%-20s %dus\n", "Time:", result.VerificationTimeMicros)
	if result.Success {
		fmt.Printf("%-20s %s\n", "Signature:", hex.EncodeToString(result.FinalSignature[:]))
	} else {
		fmt.Printf("%-20s %d (%s)\n", "Error:", result.ErrorCode, wire.CodeString(result.ErrorCode))
		os.Exit(1)
	}
}
