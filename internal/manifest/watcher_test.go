package manifest

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func writeFileAtomic(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp manifest: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename manifest: %v", err)
	}
}

func manifestWith(addrs ...string) string {
	body := `{"version": 1, "paymasters": [`
	for i, a := range addrs {
		if i > 0 {
			body += ","
		}
		body += `{"address": "` + a + `"}`
	}
	return body + `]}`
}

func newTestWatcher(t *testing.T, path string) (*Watcher, chan *Manifest) {
	t.Helper()
	applied := make(chan *Manifest, 8)
	w, err := NewWatcher(WatcherConfig{
		Path:     path,
		Debounce: 50 * time.Millisecond,
		Apply:    func(m *Manifest) { applied <- m },
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	return w, applied
}

func waitApplied(t *testing.T, applied chan *Manifest) *Manifest {
	t.Helper()
	select {
	case m := <-applied:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for manifest apply")
		return nil
	}
}

func TestNewWatcherValidation(t *testing.T) {
	if _, err := NewWatcher(WatcherConfig{Apply: func(*Manifest) {}}); err == nil {
		t.Error("expected error for missing path")
	}
	if _, err := NewWatcher(WatcherConfig{Path: "/tmp/m.json"}); err == nil {
		t.Error("expected error for missing apply callback")
	}
}

func TestWatcherInitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paymasters.json")
	writeFileAtomic(t, path, manifestWith("0x1111111111111111111111111111111111111111"))

	w, applied := newTestWatcher(t, path)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	m := waitApplied(t, applied)
	if len(m.Paymasters) != 1 {
		t.Fatalf("expected 1 paymaster from initial load, got %d", len(m.Paymasters))
	}
}

func TestWatcherStartFailsOnInvalidManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paymasters.json")
	writeFileAtomic(t, path, `{"version": 9}`)

	w, _ := newTestWatcher(t, path)
	err := w.Start()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid from Start, got %v", err)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paymasters.json")
	writeFileAtomic(t, path, manifestWith("0x1111111111111111111111111111111111111111"))

	w, applied := newTestWatcher(t, path)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()
	waitApplied(t, applied)

	writeFileAtomic(t, path, manifestWith(
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222",
	))

	m := waitApplied(t, applied)
	if len(m.Paymasters) != 2 {
		t.Fatalf("expected 2 paymasters after reload, got %d", len(m.Paymasters))
	}
	want := common.HexToAddress("0x2222222222222222222222222222222222222222")
	if m.Paymasters[1].Address != want {
		t.Errorf("unexpected second address %s", m.Paymasters[1].Address.Hex())
	}
}

func TestWatcherKeepsAllowListOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paymasters.json")
	writeFileAtomic(t, path, manifestWith("0x1111111111111111111111111111111111111111"))

	w, applied := newTestWatcher(t, path)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()
	waitApplied(t, applied)

	// Break the file. The watcher must reject the reload and apply
	// nothing.
	writeFileAtomic(t, path, `{"version": "broken"`)
	time.Sleep(400 * time.Millisecond)
	select {
	case m := <-applied:
		t.Fatalf("invalid manifest was applied: %+v", m)
	default:
	}

	// Fix the file. The watcher must recover without a restart.
	writeFileAtomic(t, path, manifestWith("0x3333333333333333333333333333333333333333"))
	m := waitApplied(t, applied)
	if len(m.Paymasters) != 1 {
		t.Fatalf("expected recovery reload with 1 paymaster, got %d", len(m.Paymasters))
	}
	want := common.HexToAddress("0x3333333333333333333333333333333333333333")
	if m.Paymasters[0].Address != want {
		t.Errorf("unexpected address after recovery: %s", m.Paymasters[0].Address.Hex())
	}
}

func TestWatcherCollapsesWriteBursts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paymasters.json")
	writeFileAtomic(t, path, manifestWith("0x1111111111111111111111111111111111111111"))

	w, applied := newTestWatcher(t, path)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()
	waitApplied(t, applied)

	// Burst of rewrites inside the debounce window.
	for i := 0; i < 5; i++ {
		writeFileAtomic(t, path, manifestWith(
			"0x1111111111111111111111111111111111111111",
			"0x2222222222222222222222222222222222222222",
		))
		time.Sleep(5 * time.Millisecond)
	}

	waitApplied(t, applied)
	time.Sleep(400 * time.Millisecond)
	select {
	case <-applied:
		t.Error("expected burst to collapse into one reload")
	default:
	}
}
