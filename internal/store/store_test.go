package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemory_GetSetDelete(t *testing.T) {
	m := NewMemory()

	if _, err := m.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() on empty store error = %v, want ErrNotFound", err)
	}

	val := []byte("value")
	if err := m.Set("k", val); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	val[0] = 'X'

	got, err := m.Get("k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "value" {
		t.Errorf("Get() = %q, want value (store must copy input)", got)
	}

	got[0] = 'Y'
	again, _ := m.Get("k")
	if string(again) != "value" {
		t.Errorf("Get() = %q after caller mutation, want value", again)
	}

	if err := m.Delete("k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := m.Delete("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func testFileOptions() FileOptions {
	return FileOptions{WorkFactor: 10}
}

func TestFile_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds", "store.age")

	f, err := OpenFile(path, "hunter2", testFileOptions())
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if err := f.Set("token", []byte("abc")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := f.Set("other", []byte("def")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := f.Delete("other"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("store file mode = %v, want 0600", info.Mode().Perm())
	}

	raw, _ := os.ReadFile(path)
	if bytes.Contains(raw, []byte("abc")) {
		t.Error("store file contains plaintext value")
	}

	reopened, err := OpenFile(path, "hunter2", testFileOptions())
	if err != nil {
		t.Fatalf("OpenFile() reopen error = %v", err)
	}
	got, err := reopened.Get("token")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "abc" {
		t.Errorf("Get() = %q, want abc", got)
	}
	if _, err := reopened.Get("other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted key Get() error = %v, want ErrNotFound", err)
	}
}

func TestFile_WrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.age")

	f, err := OpenFile(path, "right", testFileOptions())
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if err := f.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if _, err := OpenFile(path, "wrong", testFileOptions()); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("OpenFile() with wrong passphrase error = %v, want ErrWrongPassphrase", err)
	}
}

func TestFile_RequiresPassphrase(t *testing.T) {
	if _, err := OpenFile(filepath.Join(t.TempDir(), "s"), "", testFileOptions()); err == nil {
		t.Error("OpenFile() with empty passphrase should fail")
	}
}

type countingKV struct {
	*Memory
	batches atomic.Int32
}

func (c *countingKV) WriteBatch(changes []Change) error {
	c.batches.Add(1)
	return c.Memory.WriteBatch(changes)
}

func TestCoalescing_BatchesWrites(t *testing.T) {
	backend := &countingKV{Memory: NewMemory()}
	backend.Memory.Set("gone", []byte("x"))

	c := NewCoalescing(backend, time.Hour, nil)

	c.Set("a", []byte("1"))
	c.Set("a", []byte("2"))
	c.Set("b", []byte("3"))
	c.Delete("gone")

	if got, _ := c.Get("a"); string(got) != "2" {
		t.Errorf("Get(a) before flush = %q, want 2", got)
	}
	if _, err := c.Get("gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(gone) before flush error = %v, want ErrNotFound", err)
	}
	if _, err := backend.Memory.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Error("backend written before flush")
	}
	if c.Pending() != 3 {
		t.Errorf("Pending() = %d, want 3", c.Pending())
	}

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if backend.batches.Load() != 1 {
		t.Errorf("backend batches = %d, want 1", backend.batches.Load())
	}
	if got, _ := backend.Memory.Get("a"); string(got) != "2" {
		t.Errorf("backend a = %q, want 2", got)
	}
	if _, err := backend.Memory.Get("gone"); !errors.Is(err, ErrNotFound) {
		t.Error("deleted key still in backend")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() after flush = %d, want 0", c.Pending())
	}
}

func TestCoalescing_FlushesAfterDelay(t *testing.T) {
	backend := NewMemory()
	c := NewCoalescing(backend, 10*time.Millisecond, nil)
	defer c.Close()

	c.Set("k", []byte("v"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := backend.Get("k"); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("deferred flush never reached the backend")
}

// flakyKV fails the first few batch writes.
type flakyKV struct {
	*Memory
	failures atomic.Int32
	attempts atomic.Int32
}

func (f *flakyKV) WriteBatch(changes []Change) error {
	f.attempts.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return f.Memory.WriteBatch(changes)
}

func TestCoalescing_RetriesFailedFlush(t *testing.T) {
	backend := &flakyKV{Memory: NewMemory()}
	backend.failures.Store(2)
	c := NewCoalescing(backend, 10*time.Millisecond, nil)
	defer c.Close()

	c.Delete("session")
	c.Set("token", []byte("abc"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Pending() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := c.Pending(); n != 0 {
		t.Fatalf("Pending() = %d after %d attempts, want retried flush", n, backend.attempts.Load())
	}
	if got, err := backend.Memory.Get("token"); err != nil || string(got) != "abc" {
		t.Errorf("backend Get(token) = %q, %v", got, err)
	}
	if n := backend.attempts.Load(); n < 3 {
		t.Errorf("flush attempts = %d, want at least 3", n)
	}
}

func TestCoalescing_ZeroDelayWritesThrough(t *testing.T) {
	backend := NewMemory()
	c := NewCoalescing(backend, 0, nil)

	if err := c.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := backend.Get("k"); err != nil {
		t.Errorf("backend Get() error = %v, want write-through", err)
	}
	if err := c.Delete("missing"); err != nil {
		t.Errorf("Delete(missing) error = %v, want nil", err)
	}
}

func TestCoalescing_CloseFlushes(t *testing.T) {
	backend := NewMemory()
	c := NewCoalescing(backend, time.Hour, nil)

	c.Set("k", []byte("v"))
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := backend.Get("k"); err != nil {
		t.Errorf("backend Get() after Close error = %v", err)
	}

	c.Set("after", []byte("x"))
	if _, err := backend.Get("after"); err != nil {
		t.Errorf("write after Close should go straight to backend, error = %v", err)
	}
}
