package gateway

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestAcquireInstanceLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireInstanceLock(LockOptions{StateDir: dir, Key: "file:parley.db"})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	if _, err := os.Stat(lock.Path); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(lock.Path); !os.IsNotExist(err) {
		t.Error("lock file should be removed after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestAcquireInstanceLock_HeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	path := lockPath(dir, "postgres://db/parley")
	payload := fmt.Sprintf(`{"pid": %d, "created_at": "2026-01-01T00:00:00Z", "key": "x"}`, os.Getpid())
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := AcquireInstanceLock(LockOptions{
		StateDir:     dir,
		Key:          "postgres://db/parley",
		Timeout:      150 * time.Millisecond,
		PollInterval: 25 * time.Millisecond,
	})
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}
}

func TestAcquireInstanceLock_RemovesDeadOwner(t *testing.T) {
	dir := t.TempDir()
	path := lockPath(dir, "file:parley.db")
	if err := os.WriteFile(path, []byte(`{"pid": 999999999, "created_at": "2020-01-01T00:00:00Z"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireInstanceLock(LockOptions{StateDir: dir, Key: "file:parley.db"})
	if err != nil {
		t.Fatalf("expected the dead owner's lock to be replaced, got %v", err)
	}
	defer lock.Release()
}

func TestAcquireInstanceLock_KeysAreIndependent(t *testing.T) {
	dir := t.TempDir()
	a, err := AcquireInstanceLock(LockOptions{StateDir: dir, Key: "file:a.db"})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release()
	b, err := AcquireInstanceLock(LockOptions{StateDir: dir, Key: "file:b.db"})
	if err != nil {
		t.Fatalf("second key should not contend: %v", err)
	}
	defer b.Release()
	if a.Path == b.Path {
		t.Error("different keys share a lock path")
	}
}
