// Package config handles configuration loading and validation for signetd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version"`

	// Daemon configures the boundary socket server.
	Daemon DaemonConfig `toml:"daemon"`

	// Entropy configures the hardware randomness pool.
	Entropy EntropyConfig `toml:"entropy"`

	// FactorySeed configures where the factory root seed is loaded from.
	FactorySeed FactorySeedConfig `toml:"factory_seed"`

	// Store configures account persistence.
	Store StoreConfig `toml:"store"`

	// Authorization configures the verification pipeline.
	Authorization AuthorizationConfig `toml:"authorization"`

	// Manifest configures the optional paymaster allow-list file.
	Manifest ManifestConfig `toml:"manifest"`

	// Metrics configures the scrape endpoint.
	Metrics MetricsConfig `toml:"metrics"`

	// Logging configures structured log output.
	Logging LoggingConfig `toml:"logging"`
}

// DaemonConfig holds socket server settings.
type DaemonConfig struct {
	// SocketPath is the Unix domain socket the daemon listens on.
	SocketPath string `toml:"socket_path"`

	// MaxConnections caps concurrently served host connections.
	MaxConnections int `toml:"max_connections"`

	// RequestsPerSecond is the per-connection rate limit.
	RequestsPerSecond float64 `toml:"requests_per_second"`

	// RequestBurst is the per-connection burst allowance.
	RequestBurst int `toml:"request_burst"`

	// ReadTimeoutSec bounds how long a connection may sit idle
	// mid-request before it is dropped.
	ReadTimeoutSec int `toml:"read_timeout_sec"`

	// ShutdownTimeoutSec bounds graceful shutdown.
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec"`
}

// EntropyConfig holds hardware randomness settings.
type EntropyConfig struct {
	// HWRNGPath is the hardware RNG character device. Empty disables
	// that source.
	HWRNGPath string `toml:"hwrng_path"`

	// UseTPM enables the TPM random source.
	UseTPM bool `toml:"use_tpm"`

	// TPMDevicePath overrides TPM device autodetection.
	TPMDevicePath string `toml:"tpm_device_path"`

	// MinHealthySources is the minimum number of healthy sources the
	// pool needs before it serves randomness.
	MinHealthySources int `toml:"min_healthy_sources"`
}

// FactorySeedConfig holds factory root seed settings.
type FactorySeedConfig struct {
	// Source selects the provider: "file" or "tpm".
	Source string `toml:"source"`

	// Path is the sealed seed file, for the file source.
	Path string `toml:"path"`

	// NVIndex is the TPM NV index holding the seed blob, for the tpm
	// source. Zero selects the default index.
	NVIndex uint32 `toml:"nv_index"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path"`
}

// AuthorizationConfig holds verification pipeline settings.
type AuthorizationConfig struct {
	// MaxClockSkewSec bounds |now - request timestamp|.
	MaxClockSkewSec int `toml:"max_clock_skew_sec"`

	// NonceRetentionSec is how long consumed nonces are remembered.
	NonceRetentionSec int `toml:"nonce_retention_sec"`
}

// ManifestConfig holds paymaster manifest settings.
type ManifestConfig struct {
	// Path is the JSON allow-list file. Empty disables the manifest.
	Path string `toml:"path"`

	// Watch hot-reloads the manifest when the file changes.
	Watch bool `toml:"watch"`
}

// MetricsConfig holds scrape endpoint settings.
type MetricsConfig struct {
	// Enabled starts the HTTP endpoint.
	Enabled bool `toml:"enabled"`

	// ListenAddr is the endpoint bind address.
	ListenAddr string `toml:"listen_addr"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `toml:"level"`

	// Format is the output format: text or json.
	Format string `toml:"format"`

	// Output is the destination: stdout, stderr, or file.
	Output string `toml:"output"`

	// FilePath is the log file when Output is "file".
	FilePath string `toml:"file_path"`
}

// DataDir returns the base signetd data directory, overridable with
// SIGNETD_DATA_DIR for sandboxed and test runs.
func DataDir() string {
	if dir := os.Getenv("SIGNETD_DATA_DIR"); dir != "" {
		return dir
	}
	return "/var/lib/signetd"
}

// RuntimeDir returns the socket directory, overridable with
// SIGNETD_RUNTIME_DIR.
func RuntimeDir() string {
	if dir := os.Getenv("SIGNETD_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return "/run/signetd"
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join("/etc/signetd", "config.toml")
}

// Default returns the default configuration.
func Default() *Config {
	dataDir := DataDir()

	return &Config{
		Version: Version,
		Daemon: DaemonConfig{
			SocketPath:         filepath.Join(RuntimeDir(), "signetd.sock"),
			MaxConnections:     16,
			RequestsPerSecond:  50,
			RequestBurst:       10,
			ReadTimeoutSec:     30,
			ShutdownTimeoutSec: 10,
		},
		Entropy: EntropyConfig{
			HWRNGPath:         "/dev/hwrng",
			UseTPM:            true,
			TPMDevicePath:     "",
			MinHealthySources: 1,
		},
		FactorySeed: FactorySeedConfig{
			Source:  "file",
			Path:    filepath.Join(dataDir, "factory.seed"),
			NVIndex: 0,
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "accounts.db"),
		},
		Authorization: AuthorizationConfig{
			MaxClockSkewSec:   300,
			NonceRetentionSec: 600,
		},
		Manifest: ManifestConfig{
			Path:  "",
			Watch: true,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9109",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "stderr",
			FilePath: filepath.Join(dataDir, "signetd.log"),
		},
	}
}

// Load reads configuration from path. A missing file yields defaults;
// a present file is decoded over them. Environment overrides apply
// either way.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides applies SIGNETD_-prefixed environment variables
// over the loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SIGNETD_SOCKET_PATH"); v != "" {
		c.Daemon.SocketPath = v
	}
	if v := os.Getenv("SIGNETD_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("SIGNETD_SEED_PATH"); v != "" {
		c.FactorySeed.Path = v
	}
	if v := os.Getenv("SIGNETD_MANIFEST_PATH"); v != "" {
		c.Manifest.Path = v
	}
	if v := os.Getenv("SIGNETD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SIGNETD_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
		c.Metrics.Enabled = true
	}
	if v := os.Getenv("SIGNETD_MAX_CLOCK_SKEW_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Authorization.MaxClockSkewSec = n
		}
	}
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Daemon.SocketPath),
		filepath.Dir(c.Store.Path),
	}
	if c.Logging.Output == "file" && c.Logging.FilePath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Save writes the configuration as commented TOML with 0600 permissions.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(generateTOML(cfg)), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// generateTOML renders a commented configuration file.
func generateTOML(cfg *Config) string {
	return fmt.Sprintf(`# signetd configuration
# Schema version %d

version = %d

[daemon]
# Unix domain socket the daemon listens on.
socket_path = %q
# Maximum concurrently served host connections.
max_connections = %d
# Per-connection rate limit and burst.
requests_per_second = %.1f
request_burst = %d
read_timeout_sec = %d
shutdown_timeout_sec = %d

[entropy]
# Hardware RNG character device; empty disables that source.
hwrng_path = %q
# Use the TPM as a random source.
use_tpm = %t
# TPM device path; empty autodetects /dev/tpmrm0 then /dev/tpm0.
tpm_device_path = %q
# Sources that must be healthy before the pool serves randomness.
min_healthy_sources = %d

[factory_seed]
# Seed provider: "file" or "tpm".
source = %q
# Sealed seed file (file source).
path = %q
# TPM NV index (tpm source); 0 selects the default.
nv_index = %d

[store]
# Account database.
path = %q

[authorization]
# Freshness window around the request timestamp, in seconds.
max_clock_skew_sec = %d
# Replay protection retention, in seconds.
nonce_retention_sec = %d

[manifest]
# Paymaster allow-list JSON; empty disables.
path = %q
# Reload the manifest when the file changes.
watch = %t

[metrics]
enabled = %t
listen_addr = %q

[logging]
# debug, info, warn, error
level = %q
# text or json
format = %q
# stdout, stderr, or file
output = %q
file_path = %q
`,
		Version, cfg.Version,
		cfg.Daemon.SocketPath, cfg.Daemon.MaxConnections,
		cfg.Daemon.RequestsPerSecond, cfg.Daemon.RequestBurst,
		cfg.Daemon.ReadTimeoutSec, cfg.Daemon.ShutdownTimeoutSec,
		cfg.Entropy.HWRNGPath, cfg.Entropy.UseTPM,
		cfg.Entropy.TPMDevicePath, cfg.Entropy.MinHealthySources,
		cfg.FactorySeed.Source, cfg.FactorySeed.Path, cfg.FactorySeed.NVIndex,
		cfg.Store.Path,
		cfg.Authorization.MaxClockSkewSec, cfg.Authorization.NonceRetentionSec,
		cfg.Manifest.Path, cfg.Manifest.Watch,
		cfg.Metrics.Enabled, cfg.Metrics.ListenAddr,
		cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output,
		cfg.Logging.FilePath,
	)
}
