// signetd is the trusted-boundary signing daemon.
//
// It owns the factory root seed, captures per-account hardware entropy,
// and exposes the verification pipeline over a Unix domain socket:
//
//	signetd [flags]
//
// Flags:
//
//	-config string
//	    Path to config file (default /etc/signetd/config.toml)
//	-socket string
//	    Override the boundary socket path
//	-version
//	    Print version and exit
//
// The daemon refuses to start without a provisioned factory seed; see
// signetd-provision.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"signetd/internal/authz"
	"signetd/internal/config"
	"signetd/internal/enclave"
	"signetd/internal/entropy"
	"signetd/internal/health"
	"signetd/internal/keystore"
	"signetd/internal/logging"
	"signetd/internal/manifest"
	"signetd/internal/metrics"
	"signetd/internal/passkey"
	"signetd/internal/tpm"
)

// Version is injected at build time via -ldflags "-X main.Version=...".
var Version = "0.3.0-dev"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "override the boundary socket path")
	printVer   = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *printVer {
		fmt.Printf("signetd %s\n", Version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "signetd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *socketPath != "" {
		cfg.Daemon.SocketPath = *socketPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		Output:   cfg.Logging.Output,
		FilePath: cfg.Logging.FilePath,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logging.SetDefault(logger)
	defer logger.Close()

	log := logger.WithComponent("signetd")
	log.Info("starting", "version", Version, "socket", cfg.Daemon.SocketPath)

	m := metrics.New()

	// The TPM device is shared between the entropy pool and the seed
	// provider when both are configured.
	var tpmDev *tpm.Device
	needTPM := cfg.Entropy.UseTPM || cfg.FactorySeed.Source == "tpm"
	if needTPM {
		tpmDev, err = openTPM(cfg.Entropy.TPMDevicePath)
		if err != nil {
			if cfg.FactorySeed.Source == "tpm" {
				return fmt.Errorf("open TPM: %w", err)
			}
			log.Warn("TPM unavailable, continuing without it", "error", err)
			tpmDev = nil
		} else {
			defer tpmDev.Close()
		}
	}

	pool := buildEntropyPool(cfg, tpmDev, logger)

	seed, err := loadFactorySeed(cfg, tpmDev)
	if err != nil {
		return err
	}
	defer seed.Wipe()

	ks, err := keystore.Open(keystore.Config{
		Path:    cfg.Store.Path,
		Seed:    seed,
		Entropy: pool,
	})
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	defer ks.Close()

	engine := authz.NewEngine(ks, ks, passkey.NewVerifier(), authz.Config{
		MaxClockSkew:   time.Duration(cfg.Authorization.MaxClockSkewSec) * time.Second,
		NonceRetention: time.Duration(cfg.Authorization.NonceRetentionSec) * time.Second,
		Logger:         logger.WithComponent("authz"),
		Metrics:        m,
	})

	// The allow list is the union of keystore registrations and the
	// manifest file; recomputing on reload keeps socket-registered
	// paymasters across manifest edits.
	applyManifest := func(man *manifest.Manifest) {
		addrs, err := allowList(ks, man)
		if err != nil {
			log.Error("refresh allow list", "error", err)
			return
		}
		engine.Paymasters().Replace(addrs)
		m.PaymastersAuthorized.Set(float64(len(addrs)))
	}

	var watcher *manifest.Watcher
	switch {
	case cfg.Manifest.Path != "" && cfg.Manifest.Watch:
		watcher, err = manifest.NewWatcher(manifest.WatcherConfig{
			Path:   cfg.Manifest.Path,
			Apply:  applyManifest,
			Logger: logger.WithComponent("manifest"),
		})
		if err != nil {
			return fmt.Errorf("manifest watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("manifest watcher: %w", err)
		}
		defer watcher.Stop()
	case cfg.Manifest.Path != "":
		man, err := manifest.Load(cfg.Manifest.Path)
		if err != nil {
			return fmt.Errorf("load manifest: %w", err)
		}
		applyManifest(man)
	default:
		applyManifest(nil)
	}

	handler := enclave.NewCoreHandler(enclave.CoreHandlerConfig{
		Engine:   engine,
		Store:    ks,
		Verifier: passkey.NewVerifier(),
		Pool:     pool,
		Version:  Version,
		Logger:   logger.WithComponent("enclave"),
		Metrics:  m,
	})

	server, err := enclave.NewServer(enclave.ServerConfig{
		SocketPath:        cfg.Daemon.SocketPath,
		MaxConnections:    cfg.Daemon.MaxConnections,
		RequestsPerSecond: cfg.Daemon.RequestsPerSecond,
		RequestBurst:      cfg.Daemon.RequestBurst,
		ReadTimeout:       time.Duration(cfg.Daemon.ReadTimeoutSec) * time.Second,
		Logger:            logger.WithComponent("enclave"),
		Metrics:           m,
	}, handler)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	checker := health.NewChecker()
	checker.Register(&health.Component{
		Name:     "entropy",
		Critical: true,
		Check:    health.EntropyCheck(pool),
	})
	checker.RegisterFunc("store", true, health.StoreCheck(ks.Ping))
	checker.RegisterFunc("paymasters", false, health.PaymasterCheck(engine.Paymasters().Len))

	var ops *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.Handle("/healthz", checker.HealthHandler())
		mux.Handle("/livez", checker.LivenessHandler())
		mux.Handle("/readyz", checker.ReadinessHandler())

		ops = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("ops endpoint listening", "addr", cfg.Metrics.ListenAddr)
			if err := ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("ops endpoint failed", "error", err)
			}
		}()
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker.Check(ctx)
	checker.SetReady(true)
	refreshGauges(m, pool, engine, server)

	log.Info("ready", "accounts_db", cfg.Store.Path)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			log.Info("shutting down", "signal", sig.String())
			return shutdown(cfg, server, ops, log)

		case <-ticker.C:
			checker.Check(ctx)
			refreshGauges(m, pool, engine, server)
		}
	}
}

// openTPM opens the configured or autodetected TPM device.
func openTPM(path string) (*tpm.Device, error) {
	dev, err := tpm.NewDevice(path)
	if err != nil {
		return nil, err
	}
	if err := dev.Open(); err != nil {
		return nil, err
	}
	return dev, nil
}

// buildEntropyPool assembles the pool from the configured sources. The
// system source always joins; the pool's health floor decides whether
// that alone is enough to serve.
func buildEntropyPool(cfg *config.Config, tpmDev *tpm.Device, logger *logging.Logger) *entropy.Pool {
	log := logger.WithComponent("entropy")
	pool := entropy.NewPool(cfg.Entropy.MinHealthySources)

	if cfg.Entropy.HWRNGPath != "" {
		src := entropy.NewHWRNGSource(cfg.Entropy.HWRNGPath)
		if src.Available() {
			pool.AddSource(src)
			log.Info("entropy source added", "source", src.Name())
		} else {
			log.Warn("hardware RNG not present", "path", cfg.Entropy.HWRNGPath)
		}
	}

	if tpmDev != nil && cfg.Entropy.UseTPM {
		src := entropy.NewTPMSource(tpmDev)
		pool.AddSource(src)
		log.Info("entropy source added", "source", src.Name())
	}

	sys := entropy.NewSystemSource()
	pool.AddSource(sys)
	log.Info("entropy source added", "source", sys.Name())

	return pool
}

// loadFactorySeed loads the seed from the configured provider.
func loadFactorySeed(cfg *config.Config, tpmDev *tpm.Device) (*entropy.FactoryRootSeed, error) {
	var provider entropy.SeedProvider
	switch cfg.FactorySeed.Source {
	case "file":
		provider = entropy.NewFileSeedProvider(cfg.FactorySeed.Path)
	case "tpm":
		if tpmDev == nil {
			return nil, fmt.Errorf("factory seed source is tpm but no TPM device is open")
		}
		provider = entropy.NewTPMSeedProvider(tpmDev, cfg.FactorySeed.NVIndex)
	default:
		return nil, fmt.Errorf("unknown factory seed source %q", cfg.FactorySeed.Source)
	}

	seed, err := provider.FactorySeed()
	if err != nil {
		return nil, fmt.Errorf("load factory seed: %w (run signetd-provision first)", err)
	}
	return seed, nil
}

// allowList is the union of keystore-registered paymasters and the
// manifest entries. man may be nil.
func allowList(ks *keystore.Keystore, man *manifest.Manifest) ([]common.Address, error) {
	persisted, err := ks.ListPaymasters()
	if err != nil {
		return nil, fmt.Errorf("list paymasters: %w", err)
	}

	seen := make(map[common.Address]struct{}, len(persisted))
	addrs := make([]common.Address, 0, len(persisted))
	for _, p := range persisted {
		if _, dup := seen[p.Address]; dup {
			continue
		}
		seen[p.Address] = struct{}{}
		addrs = append(addrs, p.Address)
	}
	if man != nil {
		for _, e := range man.Paymasters {
			if _, dup := seen[e.Address]; dup {
				continue
			}
			seen[e.Address] = struct{}{}
			addrs = append(addrs, e.Address)
		}
	}
	return addrs, nil
}

// refreshGauges updates the gauges that sample daemon state rather than
// counting events.
func refreshGauges(m *metrics.Metrics, pool *entropy.Pool, engine *authz.Engine, server *enclave.Server) {
	m.NoncesRetained.Set(float64(engine.NoncesRetained()))
	m.PaymastersAuthorized.Set(float64(engine.Paymasters().Len()))
	m.ConnectionsActive.Set(float64(server.ConnectionCount()))

	report := pool.Report()
	for _, src := range report.Sources {
		v := 0.0
		if src.Available && src.Status != entropy.HealthFailed {
			v = 1.0
		}
		m.EntropySourceHealthy.WithLabelValues(src.Name).Set(v)
	}
}

// shutdown stops the boundary socket and the ops endpoint, bounded by
// the configured timeout.
func shutdown(cfg *config.Config, server *enclave.Server, ops *http.Server, log *slog.Logger) error {
	if err := server.Stop(); err != nil {
		log.Warn("server stop", "error", err)
	}
	if ops != nil {
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Daemon.ShutdownTimeoutSec)*time.Second)
		defer cancel()
		if err := ops.Shutdown(ctx); err != nil {
			log.Warn("ops endpoint shutdown", "error", err)
		}
	}
	return nil
}
