package entropy

import (
	"sync"
	"sync/atomic"
	"time"
)

// HealthStatus is the health state of an entropy source.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthDegraded
	HealthFailed
	HealthRecovering // was failed, now passing again
)

func (h HealthStatus) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthFailed:
		return "failed"
	case HealthRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// healthTest is the common surface of the SP 800-90B continuous tests.
type healthTest interface {
	Name() string
	Feed(b byte)
	Status() HealthStatus
	Reset()
	FailureCount() uint64
}

// RepetitionCountTest implements NIST SP 800-90B section 4.4.1. It
// detects stuck-at faults: the same sample value repeating at least
// cutoff times in a row marks the source failed.
type RepetitionCountTest struct {
	mu sync.Mutex

	cutoff int

	lastValue   byte
	repeatCount int
	failures    uint64
	status      HealthStatus
}

// NewRepetitionCountTest creates the test. The cutoff follows
// 1 + ceil(-log2(alpha)/H); for alpha=2^-20 and a conservative H=1
// that gives 21, used when cutoff is not positive.
func NewRepetitionCountTest(cutoff int) *RepetitionCountTest {
	if cutoff <= 0 {
		cutoff = 21
	}
	return &RepetitionCountTest{
		cutoff: cutoff,
		status: HealthUnknown,
	}
}

func (t *RepetitionCountTest) Name() string { return "repetition_count" }

func (t *RepetitionCountTest) Feed(b byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b == t.lastValue {
		t.repeatCount++
		if t.repeatCount >= t.cutoff {
			t.failures++
			t.status = HealthFailed
		}
		return
	}

	t.lastValue = b
	t.repeatCount = 1
	if t.status == HealthFailed {
		t.status = HealthRecovering
	} else if t.status != HealthRecovering {
		t.status = HealthHealthy
	}
}

func (t *RepetitionCountTest) Status() HealthStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *RepetitionCountTest) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.repeatCount = 0
	t.failures = 0
	t.status = HealthUnknown
}

func (t *RepetitionCountTest) FailureCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// AdaptiveProportionTest implements NIST SP 800-90B section 4.4.2. It
// detects bias: any sample value occupying at least cutoff slots of a
// sliding window of windowSize samples marks the source failed.
type AdaptiveProportionTest struct {
	mu sync.Mutex

	windowSize int
	cutoff     int

	window     []byte
	windowPos  int
	windowFull bool
	counts     [256]int
	failures   uint64
	status     HealthStatus
}

// NewAdaptiveProportionTest creates the test. Defaults of W=512 and
// C=325 correspond to 8-bit samples with H=1 and alpha=2^-20, used
// when the arguments are not positive.
func NewAdaptiveProportionTest(windowSize, cutoff int) *AdaptiveProportionTest {
	if windowSize <= 0 {
		windowSize = 512
	}
	if cutoff <= 0 {
		cutoff = 325
	}
	return &AdaptiveProportionTest{
		windowSize: windowSize,
		cutoff:     cutoff,
		window:     make([]byte, windowSize),
		status:     HealthUnknown,
	}
}

func (t *AdaptiveProportionTest) Name() string { return "adaptive_proportion" }

func (t *AdaptiveProportionTest) Feed(b byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.windowFull {
		old := t.window[t.windowPos]
		t.counts[old]--
	}

	t.window[t.windowPos] = b
	t.counts[b]++
	t.windowPos = (t.windowPos + 1) % t.windowSize
	if t.windowPos == 0 {
		t.windowFull = true
	}

	if !t.windowFull {
		return
	}

	maxCount := 0
	for _, c := range t.counts {
		if c > maxCount {
			maxCount = c
		}
	}

	if maxCount >= t.cutoff {
		t.failures++
		t.status = HealthFailed
	} else if t.status == HealthFailed {
		t.status = HealthRecovering
	} else {
		t.status = HealthHealthy
	}
}

func (t *AdaptiveProportionTest) Status() HealthStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *AdaptiveProportionTest) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window = make([]byte, t.windowSize)
	t.windowPos = 0
	t.windowFull = false
	t.counts = [256]int{}
	t.failures = 0
	t.status = HealthUnknown
}

func (t *AdaptiveProportionTest) FailureCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// monitoredSource gates a Source behind the continuous health tests.
// A failing source is quarantined with exponential backoff so a
// recovering generator is retried but a dead one stops burning reads.
type monitoredSource struct {
	mu sync.Mutex

	source Source
	rct    *RepetitionCountTest
	apt    *AdaptiveProportionTest

	bytesProduced   uint64
	failureCount    uint64
	lastStatus      HealthStatus
	quarantineUntil time.Time
}

func newMonitoredSource(s Source) *monitoredSource {
	return &monitoredSource{
		source:     s,
		rct:        NewRepetitionCountTest(0),
		apt:        NewAdaptiveProportionTest(0, 0),
		lastStatus: HealthUnknown,
	}
}

func (m *monitoredSource) random(n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Now().Before(m.quarantineUntil) {
		return nil, ErrHealthFailed
	}
	if !m.source.Available() {
		return nil, ErrSourceFailed
	}

	raw, err := m.source.Random(n)
	if err != nil {
		return nil, err
	}

	tests := []healthTest{m.rct, m.apt}
	for _, b := range raw {
		for _, t := range tests {
			t.Feed(b)
		}
	}

	// Failed dominates; otherwise the numerically worst state wins.
	status := HealthUnknown
	for _, t := range tests {
		s := t.Status()
		if s == HealthFailed {
			status = HealthFailed
			break
		}
		if s > status {
			status = s
		}
	}
	m.lastStatus = status

	if status == HealthFailed {
		m.failureCount++
		backoff := m.failureCount
		if backoff > 10 {
			backoff = 10
		}
		m.quarantineUntil = time.Now().Add(time.Second * time.Duration(1<<backoff))
		return nil, ErrHealthFailed
	}

	atomic.AddUint64(&m.bytesProduced, uint64(len(raw)))
	return raw, nil
}

func (m *monitoredSource) stats() SourceStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return SourceStats{
		Name:               m.source.Name(),
		Available:          m.source.Available(),
		Status:             m.lastStatus,
		BytesProduced:      atomic.LoadUint64(&m.bytesProduced),
		FailureCount:       m.failureCount,
		RepetitionFailures: m.rct.FailureCount(),
		ProportionFailures: m.apt.FailureCount(),
		QuarantinedUntil:   m.quarantineUntil,
	}
}
