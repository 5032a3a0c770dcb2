package authz

import (
	"sync"
	"time"
)

// NonceLedger remembers consumed nonces for the retention window.
// Consumption is atomic with the replay check.
type NonceLedger struct {
	mu        sync.Mutex
	consumed  map[uint64]time.Time
	retention time.Duration
}

// NewNonceLedger creates a ledger with the given retention window.
func NewNonceLedger(retention time.Duration) *NonceLedger {
	if retention <= 0 {
		retention = DefaultNonceRetention
	}
	return &NonceLedger{
		consumed:  make(map[uint64]time.Time),
		retention: retention,
	}
}

// Consume records the nonce and reports whether it was fresh. Entries
// past the retention window are pruned on the way in, so a nonce may be
// reused once its original request could no longer pass the freshness
// layer anyway.
func (l *NonceLedger) Consume(nonce uint64, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.retention)
	for n, at := range l.consumed {
		if at.Before(cutoff) {
			delete(l.consumed, n)
		}
	}

	if _, dup := l.consumed[nonce]; dup {
		return false
	}
	l.consumed[nonce] = now
	return true
}

// Len returns how many nonces are currently retained.
func (l *NonceLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.consumed)
}
