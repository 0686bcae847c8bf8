package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// LockFileName is the advisory lock file inside a tenant's state dir.
	LockFileName = ".lock"

	// LockTimeout is how long a lock is considered valid before it may be
	// treated as stale and reclaimed.
	LockTimeout = 30 * time.Minute

	// LockPollInterval is how often AcquireWithWait rechecks the lock.
	LockPollInterval = time.Second

	// MaxLockWait bounds how long AcquireWithWait blocks.
	MaxLockWait = 5 * time.Minute
)

// LockInfo describes the holder of a tenant state lock.
type LockInfo struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"` // deploy, rollback, snapshot, ...
	Who       string    `json:"who"`       // user@hostname
	Created   time.Time `json:"created"`
	PID       int       `json:"pid"`
}

// StateLock serializes orchestrator invocations against one tenant's
// state directory. Exclusion is per host only; two machines pointed at
// the same tenant are not coordinated.
type StateLock struct {
	baseDir  string
	lockFile *os.File // kept open while the lock is held
}

// NewStateLock creates a lock scoped to a tenant state directory.
func NewStateLock(baseDir string) *StateLock {
	return &StateLock{baseDir: baseDir}
}

func (l *StateLock) lockFilePath() string {
	return filepath.Join(l.baseDir, LockFileName)
}

func (l *StateLock) createLockInfo(operation string) *LockInfo {
	hostname, _ := os.Hostname()
	username := os.Getenv("USER")
	if username == "" {
		username = os.Getenv("USERNAME")
	}
	if username == "" {
		username = "unknown"
	}

	return &LockInfo{
		ID:        fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixNano()),
		Operation: operation,
		Who:       fmt.Sprintf("%s@%s", username, hostname),
		Created:   time.Now(),
		PID:       os.Getpid(),
	}
}

// forceAcquire removes a stale lock file and retries acquisition.
func (l *StateLock) forceAcquire(operation string) (*LockInfo, error) {
	if err := os.Remove(l.lockFilePath()); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale lock: %w", err)
	}
	return l.Acquire(operation)
}

// AcquireWithWait acquires the lock, polling until MaxLockWait elapses.
func (l *StateLock) AcquireWithWait(operation string) (*LockInfo, error) {
	deadline := time.Now().Add(MaxLockWait)
	for time.Now().Before(deadline) {
		info, err := l.Acquire(operation)
		if err == nil {
			return info, nil
		}
		time.Sleep(LockPollInterval)
	}
	return nil, fmt.Errorf("timed out waiting for tenant lock after %s", MaxLockWait)
}

// IsLocked reports whether another process currently holds a live lock.
func (l *StateLock) IsLocked() bool {
	info, err := l.readLock()
	if err != nil || info == nil {
		return false
	}
	return time.Since(info.Created) <= LockTimeout
}

// GetLockInfo returns the current lock holder, if any.
func (l *StateLock) GetLockInfo() (*LockInfo, error) {
	return l.readLock()
}

func (l *StateLock) readLock() (*LockInfo, error) {
	data, err := os.ReadFile(l.lockFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (l *StateLock) writeLockInfo(file *os.File, info *LockInfo) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek lock file: %w", err)
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock info: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync lock file: %w", err)
	}
	return nil
}
