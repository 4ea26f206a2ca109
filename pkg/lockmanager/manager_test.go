package lockmanager_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pm-runner/pmrunner/pkg/apierrors"
	"github.com/pm-runner/pmrunner/pkg/lockmanager"
)

func TestAcquireLock_ReadRead_Compatible(t *testing.T) {
	m := lockmanager.New(4)
	_, err := m.AcquireLock("a.go", "holder-1", lockmanager.LockRead)
	require.NoError(t, err)
	_, err = m.AcquireLock("a.go", "holder-2", lockmanager.LockRead)
	require.NoError(t, err)
	assert.Len(t, m.HeldLocks("a.go"), 2)
}

func TestAcquireLock_WriteConflictsWithAll(t *testing.T) {
	m := lockmanager.New(4)
	_, err := m.AcquireLock("a.go", "holder-1", lockmanager.LockWrite)
	require.NoError(t, err)

	_, err = m.AcquireLock("a.go", "holder-2", lockmanager.LockRead)
	assertCoded(t, err, apierrors.ELockAcquisition)

	_, err = m.AcquireLock("a.go", "holder-2", lockmanager.LockWrite)
	assertCoded(t, err, apierrors.ELockAcquisition)
}

func TestAcquireLock_WriteWaitsForEveryReader(t *testing.T) {
	m := lockmanager.New(4)
	x, err := m.AcquireLock("/a", "X", lockmanager.LockRead)
	require.NoError(t, err)
	y, err := m.AcquireLock("/a", "Y", lockmanager.LockRead)
	require.NoError(t, err)

	_, err = m.AcquireLock("/a", "Z", lockmanager.LockWrite)
	assertCoded(t, err, apierrors.ELockAcquisition)

	// Releasing one reader is not enough; Y still holds a READ.
	require.NoError(t, m.ReleaseLock(x.LockID))
	_, err = m.AcquireLock("/a", "Z", lockmanager.LockWrite)
	assertCoded(t, err, apierrors.ELockAcquisition)

	require.NoError(t, m.ReleaseLock(y.LockID))
	_, err = m.AcquireLock("/a", "Z", lockmanager.LockWrite)
	require.NoError(t, err)
}

func TestAcquireLock_NormalizesPath(t *testing.T) {
	m := lockmanager.New(4)
	_, err := m.AcquireLock("./sub/../a.go", "holder-1", lockmanager.LockWrite)
	require.NoError(t, err)
	_, err = m.AcquireLock("a.go", "holder-2", lockmanager.LockRead)
	assertCoded(t, err, apierrors.ELockAcquisition)
}

func TestReleaseLock_UnknownID(t *testing.T) {
	m := lockmanager.New(4)
	err := m.ReleaseLock("does-not-exist")
	assertCoded(t, err, apierrors.ELockRelease)
}

func TestReleaseLock_FreesPathForNewAcquire(t *testing.T) {
	m := lockmanager.New(4)
	lock, err := m.AcquireLock("a.go", "holder-1", lockmanager.LockWrite)
	require.NoError(t, err)
	require.NoError(t, m.ReleaseLock(lock.LockID))

	_, err = m.AcquireLock("a.go", "holder-2", lockmanager.LockWrite)
	require.NoError(t, err)
}

func TestAcquireMultipleLocks_SortsPaths(t *testing.T) {
	m := lockmanager.New(4)
	locks, err := m.AcquireMultipleLocks([]string{"c.go", "a.go", "b.go"}, "holder-1", lockmanager.LockWrite)
	require.NoError(t, err)
	require.Len(t, locks, 3)
	assert.Equal(t, "a.go", locks[0].FilePath)
	assert.Equal(t, "b.go", locks[1].FilePath)
	assert.Equal(t, "c.go", locks[2].FilePath)
}

func TestAcquireMultipleLocks_RollsBackOnPartialFailure(t *testing.T) {
	m := lockmanager.New(4)
	_, err := m.AcquireLock("b.go", "holder-1", lockmanager.LockWrite)
	require.NoError(t, err)

	_, err = m.AcquireMultipleLocks([]string{"a.go", "b.go", "c.go"}, "holder-2", lockmanager.LockWrite)
	assertCoded(t, err, apierrors.ELockAcquisition)

	// a.go must have been rolled back, so holder-1 can still take it.
	_, err = m.AcquireLock("a.go", "holder-1", lockmanager.LockWrite)
	require.NoError(t, err)
	_, err = m.AcquireLock("c.go", "holder-1", lockmanager.LockWrite)
	require.NoError(t, err)
}

func TestGlobalSemaphore_HardCeiling(t *testing.T) {
	m := lockmanager.New(2)
	require.NoError(t, m.AcquireGlobalSemaphore("exec-1"))
	require.NoError(t, m.AcquireGlobalSemaphore("exec-2"))

	err := m.AcquireGlobalSemaphore("exec-3")
	assertCoded(t, err, apierrors.ESemaphoreExceeded)
	assert.Equal(t, 2, m.ExecutorsHeld())

	m.ReleaseGlobalSemaphore("exec-1")
	require.NoError(t, m.AcquireGlobalSemaphore("exec-3"))
}

func TestAutoReleaseExpiredLocks_AlwaysFails(t *testing.T) {
	m := lockmanager.New(4)
	err := m.AutoReleaseExpiredLocks()
	assertCoded(t, err, apierrors.ELockForbiddenAutoRelease)
}

func assertCoded(t *testing.T, err error, code apierrors.Code) {
	t.Helper()
	require.Error(t, err)
	ce, ok := err.(*apierrors.CodedError)
	require.True(t, ok, "expected *apierrors.CodedError, got %T", err)
	assert.Equal(t, code, ce.Code)
}
