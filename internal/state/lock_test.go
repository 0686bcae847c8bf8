//go:build !windows

package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	lock := NewStateLock(dir)

	info, err := lock.Acquire("deploy")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "deploy", info.Operation)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.True(t, lock.IsLocked())

	require.NoError(t, lock.Release(info))
	assert.False(t, lock.IsLocked())

	_, err = os.Stat(filepath.Join(dir, LockFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestLockExcludesSecondHolder(t *testing.T) {
	dir := t.TempDir()
	first := NewStateLock(dir)
	second := NewStateLock(dir)

	info, err := first.Acquire("deploy")
	require.NoError(t, err)
	defer first.Release(info)

	_, err = second.Acquire("rollback")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")
	assert.Contains(t, err.Error(), "deploy")
}

func TestLockReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()
	first := NewStateLock(dir)
	second := NewStateLock(dir)

	info, err := first.Acquire("deploy")
	require.NoError(t, err)
	require.NoError(t, first.Release(info))

	info2, err := second.Acquire("rollback")
	require.NoError(t, err)
	require.NoError(t, second.Release(info2))
}

func TestLockInfoReadable(t *testing.T) {
	dir := t.TempDir()
	lock := NewStateLock(dir)

	info, err := lock.Acquire("snapshot")
	require.NoError(t, err)
	defer lock.Release(info)

	read, err := lock.GetLockInfo()
	require.NoError(t, err)
	require.NotNil(t, read)
	assert.Equal(t, info.ID, read.ID)
	assert.Equal(t, "snapshot", read.Operation)
}

func TestAcquireWithWaitUncontended(t *testing.T) {
	dir := t.TempDir()
	lock := NewStateLock(dir)

	info, err := lock.AcquireWithWait("deploy")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "deploy", info.Operation)
	require.NoError(t, lock.Release(info))
}

func TestForceReleaseClearsForeignLock(t *testing.T) {
	dir := t.TempDir()
	holder := NewStateLock(dir)
	other := NewStateLock(dir)

	_, err := holder.Acquire("deploy")
	require.NoError(t, err)

	// An operator clearing a stuck lock does not own the descriptor.
	require.NoError(t, other.ForceRelease())
	assert.False(t, other.IsLocked())

	info, err := other.Acquire("rollback")
	require.NoError(t, err)
	require.NoError(t, other.Release(info))
}

func TestManagerForceUnlock(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.AcquireLock("deploy"))

	holder, err := m.LockHolder()
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "deploy", holder.Operation)

	require.NoError(t, m.ForceUnlock())
	holder, err = m.LockHolder()
	require.NoError(t, err)
	assert.Nil(t, holder)

	// The lock is usable again after the forced release.
	require.NoError(t, m.AcquireLockWait("rollback"))
	require.NoError(t, m.ReleaseLock())
}

func TestManagerLockRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.AcquireLock("deploy"))

	other := NewStateLock(m.BaseDir())
	_, err := other.Acquire("deploy")
	require.Error(t, err)

	require.NoError(t, m.ReleaseLock())
	// Releasing again is a no-op.
	require.NoError(t, m.ReleaseLock())

	info, err := other.Acquire("deploy")
	require.NoError(t, err)
	require.NoError(t, other.Release(info))
}
