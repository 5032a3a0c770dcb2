//go:build unix

// Package security provides handling primitives for key material held in
// working memory: guaranteed zeroing on release, swap-resistant buffers,
// and constant-time comparison.
package security

import (
	"crypto/subtle"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// KeyBuffer holds secret bytes that are zeroed on Destroy. The backing
// memory is locked against swapping when privileges allow; failure to
// lock is not fatal.
type KeyBuffer struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// NewKeyBuffer allocates a KeyBuffer of the given size.
func NewKeyBuffer(size int) *KeyBuffer {
	kb := &KeyBuffer{data: make([]byte, size)}
	if len(kb.data) > 0 {
		if err := unix.Mlock(kb.data); err == nil {
			kb.locked = true
		}
	}

	runtime.SetFinalizer(kb, func(b *KeyBuffer) {
		b.Destroy()
	})

	return kb
}

// HoldBytes moves existing secret data into a KeyBuffer. The source slice
// is zeroed after the copy.
func HoldBytes(data []byte) *KeyBuffer {
	kb := NewKeyBuffer(len(data))
	copy(kb.data, data)
	Wipe(data)
	return kb
}

// Bytes exposes the underlying slice. Use it in place; do not retain it
// past the buffer's lifetime.
func (b *KeyBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Len returns the buffer length.
func (b *KeyBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Destroy zeroes the buffer and releases the memory lock. Safe to call
// more than once.
func (b *KeyBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.data == nil {
		return
	}

	wipeBytes(b.data)
	if b.locked {
		unix.Munlock(b.data)
		b.locked = false
	}
	b.data = nil
}

// Wipe overwrites a byte slice with zeros.
func Wipe(data []byte) {
	wipeBytes(data)
}

func wipeBytes(data []byte) {
	if len(data) == 0 {
		return
	}

	for i := range data {
		data[i] = 0
	}

	// Keep the slice reachable until the writes have happened.
	runtime.KeepAlive(data)
}

// ConstantTimeCompare reports whether a and b are equal without leaking
// the position of the first difference.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// GuardedExec runs fn over the key and wipes the key afterwards,
// regardless of the outcome.
func GuardedExec(key []byte, fn func([]byte) error) error {
	defer Wipe(key)
	return fn(key)
}
