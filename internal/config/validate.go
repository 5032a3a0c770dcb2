package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates all invalid fields found in one pass.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d validation error(s): %s", len(e), strings.Join(msgs, "; "))
}

// Validate checks the configuration, reporting every invalid field.
func (c *Config) Validate() error {
	var errs ValidationErrors

	add := func(field, message string) {
		errs = append(errs, &ValidationError{Field: field, Message: message})
	}

	if c.Version <= 0 || c.Version > Version {
		add("version", fmt.Sprintf("must be between 1 and %d", Version))
	}

	if c.Daemon.SocketPath == "" {
		add("daemon.socket_path", "must not be empty")
	}
	if c.Daemon.MaxConnections <= 0 {
		add("daemon.max_connections", "must be positive")
	}
	if c.Daemon.RequestsPerSecond <= 0 {
		add("daemon.requests_per_second", "must be positive")
	}
	if c.Daemon.RequestBurst <= 0 {
		add("daemon.request_burst", "must be positive")
	}
	if c.Daemon.ReadTimeoutSec <= 0 {
		add("daemon.read_timeout_sec", "must be positive")
	}

	if c.Entropy.MinHealthySources < 1 {
		add("entropy.min_healthy_sources", "must be at least 1")
	}
	if c.Entropy.HWRNGPath == "" && !c.Entropy.UseTPM {
		add("entropy", "at least one hardware source (hwrng_path or use_tpm) should be configured")
	}

	switch c.FactorySeed.Source {
	case "file":
		if c.FactorySeed.Path == "" {
			add("factory_seed.path", "required for the file source")
		}
	case "tpm":
	default:
		add("factory_seed.source", `must be "file" or "tpm"`)
	}

	if c.Store.Path == "" {
		add("store.path", "must not be empty")
	}

	if c.Authorization.MaxClockSkewSec <= 0 {
		add("authorization.max_clock_skew_sec", "must be positive")
	}
	if c.Authorization.NonceRetentionSec < c.Authorization.MaxClockSkewSec {
		add("authorization.nonce_retention_sec", "must cover the clock skew window")
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.ListenAddr); err != nil {
			add("metrics.listen_addr", fmt.Sprintf("invalid address: %v", err))
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "must be debug, info, warn, or error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		add("logging.format", "must be text or json")
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	case "file":
		if c.Logging.FilePath == "" {
			add("logging.file_path", "required when output is file")
		}
	default:
		add("logging.output", "must be stdout, stderr, or file")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
