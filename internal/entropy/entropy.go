// Package entropy provides the hardware entropy layer for signetd.
//
// Account keys are derived from a factory-provisioned root seed mixed
// with true random bytes captured at account creation. This package
// supplies both halves: SeedBlob loading (file or TPM NV) and a
// health-monitored pool of hardware random sources.
//
// Every source is continuously checked with the NIST SP 800-90B
// repetition count and adaptive proportion tests. A source that fails
// a test is quarantined with exponential backoff; the pool keeps
// serving as long as the configured minimum of healthy sources remains.
package entropy

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Entropy errors.
var (
	ErrUnavailable  = errors.New("entropy: no healthy entropy source available")
	ErrHealthFailed = errors.New("entropy: source failed health test")
	ErrSourceFailed = errors.New("entropy: entropy source failed")
)

// blendDomain separates the pool's hash blend from other SHA-256 uses.
const blendDomain = "signetd-entropy-blend-v1"

// Source produces raw random bytes from one physical or OS generator.
type Source interface {
	// Name identifies the source in health reports and logs.
	Name() string

	// Available reports whether the source can currently be read.
	Available() bool

	// Random returns n random bytes.
	Random(n int) ([]byte, error)
}

// SourceStats is a point-in-time snapshot of one monitored source.
type SourceStats struct {
	Name               string
	Available          bool
	Status             HealthStatus
	BytesProduced      uint64
	FailureCount       uint64
	RepetitionFailures uint64
	ProportionFailures uint64
	QuarantinedUntil   time.Time
}

// PoolHealth is the aggregate health report for a Pool.
type PoolHealth struct {
	TotalSources   int
	HealthySources int
	OverallHealth  HealthStatus
	TotalRequests  uint64
	FailedRequests uint64
	Sources        []SourceStats
}

// Pool blends several monitored sources into one output stream.
//
// Output remains unpredictable to an attacker who controls fewer than
// all contributing sources: contributions are combined by XOR and by a
// domain-separated hash, then folded through a persistent accumulator.
type Pool struct {
	mu sync.Mutex

	sources    []*monitoredSource
	minHealthy int

	accumulator [32]byte

	totalRequests  uint64
	failedRequests uint64
}

// NewPool creates a pool requiring at least minHealthy contributing
// sources per request. Values below 1 are raised to 1.
func NewPool(minHealthy int) *Pool {
	if minHealthy < 1 {
		minHealthy = 1
	}
	return &Pool{minHealthy: minHealthy}
}

// AddSource registers a source and places it under health monitoring.
func (p *Pool) AddSource(s Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources = append(p.sources, newMonitoredSource(s))
}

// SourceCount returns the number of registered sources.
func (p *Pool) SourceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sources)
}

// Random returns n blended random bytes. It fails with ErrUnavailable
// if fewer than the minimum number of sources contribute.
func (p *Pool) Random(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	atomic.AddUint64(&p.totalRequests, 1)

	var contributions [][]byte
	for _, src := range p.sources {
		chunk, err := src.random(32)
		if err != nil {
			continue
		}
		contributions = append(contributions, chunk)
	}

	if len(contributions) < p.minHealthy {
		atomic.AddUint64(&p.failedRequests, 1)
		return nil, ErrUnavailable
	}

	// XOR blend: secure if any single contribution is unpredictable.
	var xorBlend [32]byte
	for _, contrib := range contributions {
		for i := 0; i < 32 && i < len(contrib); i++ {
			xorBlend[i] ^= contrib[i]
		}
	}

	// Hash blend over the ordered contributions.
	h := sha256.New()
	h.Write([]byte(blendDomain))
	for _, contrib := range contributions {
		h.Write(contrib)
	}
	hashBlend := h.Sum(nil)

	// Fold both blends through the accumulator so past requests
	// influence future output.
	h.Reset()
	h.Write(p.accumulator[:])
	h.Write(xorBlend[:])
	h.Write(hashBlend)
	binary.Write(h, binary.BigEndian, time.Now().UnixNano())
	copy(p.accumulator[:], h.Sum(nil))

	h.Reset()
	h.Write(xorBlend[:])
	h.Write(hashBlend)
	h.Write(p.accumulator[:])
	block := h.Sum(nil)

	out := make([]byte, n)
	for i := 0; i < n; i += 32 {
		if i > 0 {
			h.Reset()
			h.Write(block)
			binary.Write(h, binary.BigEndian, uint64(i))
			block = h.Sum(nil)
		}
		copy(out[i:], block)
	}
	return out, nil
}

// Healthy reports whether the pool can currently serve requests.
func (p *Pool) Healthy() bool {
	return p.Report().OverallHealth != HealthFailed
}

// Report returns the aggregate health of the pool and all sources.
func (p *Pool) Report() PoolHealth {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := PoolHealth{
		TotalSources:   len(p.sources),
		TotalRequests:  atomic.LoadUint64(&p.totalRequests),
		FailedRequests: atomic.LoadUint64(&p.failedRequests),
		Sources:        make([]SourceStats, 0, len(p.sources)),
	}

	for _, src := range p.sources {
		stats := src.stats()
		report.Sources = append(report.Sources, stats)
		if stats.Available && stats.Status != HealthFailed {
			report.HealthySources++
		}
	}

	switch {
	case report.HealthySources < p.minHealthy:
		report.OverallHealth = HealthFailed
	case report.HealthySources < report.TotalSources:
		report.OverallHealth = HealthDegraded
	default:
		report.OverallHealth = HealthHealthy
	}
	return report
}
