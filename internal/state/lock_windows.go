//go:build windows

package state

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/windows"
)

// Acquire takes the tenant lock via LockFileEx (exclusive, fail-fast).
// Returns an error describing the holder if the lock is already taken.
func (l *StateLock) Acquire(operation string) (*LockInfo, error) {
	lockPath := l.lockFilePath()

	if err := os.MkdirAll(l.baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	overlapped := &windows.Overlapped{}
	err = windows.LockFileEx(
		windows.Handle(file.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0,
		1,
		0,
		overlapped,
	)
	if err != nil {
		file.Close()

		existing, readErr := l.readLock()
		if readErr == nil && existing != nil {
			if time.Since(existing.Created) > LockTimeout {
				return l.forceAcquire(operation)
			}
			return nil, fmt.Errorf("tenant state is locked by %s (operation: %s, started: %s ago); "+
				"delete %s if you believe it is stale",
				existing.Who,
				existing.Operation,
				time.Since(existing.Created).Round(time.Second),
				lockPath)
		}
		return nil, fmt.Errorf("failed to acquire tenant lock: %w", err)
	}

	info := l.createLockInfo(operation)
	if err := l.writeLockInfo(file, info); err != nil {
		overlapped := &windows.Overlapped{}
		windows.UnlockFileEx(windows.Handle(file.Fd()), 0, 1, 0, overlapped)
		file.Close()
		return nil, err
	}

	l.lockFile = file
	return info, nil
}

// Release drops the lock and removes the lock file.
func (l *StateLock) Release(info *LockInfo) error {
	if info == nil {
		return nil
	}

	if l.lockFile != nil {
		current, err := l.readLock()
		if err == nil && current != nil && current.ID != info.ID {
			return fmt.Errorf("cannot release lock: held by %s", current.Who)
		}

		overlapped := &windows.Overlapped{}
		windows.UnlockFileEx(windows.Handle(l.lockFile.Fd()), 0, 1, 0, overlapped)
		l.lockFile.Close()
		l.lockFile = nil
	}

	if err := os.Remove(l.lockFilePath()); err != nil && !os.IsNotExist(err) {
		return nil
	}
	return nil
}

// ForceRelease drops the lock regardless of owner.
func (l *StateLock) ForceRelease() error {
	if l.lockFile != nil {
		overlapped := &windows.Overlapped{}
		windows.UnlockFileEx(windows.Handle(l.lockFile.Fd()), 0, 1, 0, overlapped)
		l.lockFile.Close()
		l.lockFile = nil
	}

	if err := os.Remove(l.lockFilePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to force release lock: %w", err)
	}
	return nil
}
