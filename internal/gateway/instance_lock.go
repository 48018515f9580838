package gateway

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const (
	// DefaultLockTimeout is the maximum time to wait for the lock.
	DefaultLockTimeout = 5 * time.Second
	// DefaultLockPollInterval is how often a held lock is re-checked.
	DefaultLockPollInterval = 100 * time.Millisecond
	// DefaultLockStaleTimeout is how old an unreadable lock file must be
	// before it is taken over.
	DefaultLockStaleTimeout = 30 * time.Second
)

// ErrLockHeld is returned when another live process owns the lock.
var ErrLockHeld = errors.New("another parley instance is using this database")

// LockOptions configures instance lock acquisition.
type LockOptions struct {
	// StateDir holds the lock file. Defaults to the system temp dir.
	StateDir string
	// Key scopes the lock, usually the database DSN. Two processes with
	// the same key would abort each other's running turns at startup.
	Key          string
	Timeout      time.Duration
	PollInterval time.Duration
	StaleTimeout time.Duration
}

// InstanceLock is an acquired lock. Release removes the lock file.
type InstanceLock struct {
	Path     string
	file     *os.File
	released bool
}

type lockPayload struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Key       string `json:"key"`
}

// AcquireInstanceLock creates the lock file for opts.Key, waiting up to
// opts.Timeout for a live owner to exit. Locks left by dead processes are
// removed.
func AcquireInstanceLock(opts LockOptions) (*InstanceLock, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLockTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultLockPollInterval
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = DefaultLockStaleTimeout
	}

	path := lockPath(opts.StateDir, opts.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	deadline := time.Now().Add(opts.Timeout)
	var owner *lockPayload
	for {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			data, err := json.Marshal(lockPayload{
				PID:       os.Getpid(),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
				Key:       opts.Key,
			})
			if err == nil {
				_, err = file.Write(data)
			}
			if err != nil {
				_ = file.Close()
				_ = os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file: %w", err)
			}
			return &InstanceLock{Path: path, file: file}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire lock at %s: %w", path, err)
		}

		owner = readLockPayload(path)
		if owner != nil && !processAlive(owner.PID) {
			_ = os.Remove(path)
			continue
		}
		if owner == nil && lockFileStale(path, opts.StaleTimeout) {
			_ = os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			break
		}
		time.Sleep(opts.PollInterval)
	}

	if owner != nil {
		return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrLockHeld, owner.PID, path)
	}
	return nil, fmt.Errorf("%w (lock %s)", ErrLockHeld, path)
}

// Release removes the lock. It is safe to call more than once.
func (l *InstanceLock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if l.file != nil {
		_ = l.file.Close()
	}
	if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func lockPath(stateDir, key string) string {
	if stateDir == "" {
		stateDir = os.TempDir()
	}
	sum := sha1.Sum([]byte(key))
	return filepath.Join(stateDir, fmt.Sprintf("parley.%s.lock", hex.EncodeToString(sum[:])[:8]))
}

func readLockPayload(path string) *lockPayload {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var payload lockPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.PID <= 0 {
		return nil
	}
	return &payload
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func lockFileStale(path string, staleTimeout time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > staleTimeout
}
