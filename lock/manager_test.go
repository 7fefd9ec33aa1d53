package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coredb/txn"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := New(WithDeadlockInterval(5 * time.Millisecond))
	t.Cleanup(m.Close)
	return m
}

func TestSharedLocksAreCompatible(t *testing.T) {
	m := newTestManager(t)
	a := txn.New(1, txn.RepeatableRead)
	b := txn.New(2, txn.RepeatableRead)

	require.NoError(t, m.LockTable(a, txn.Shared, 100))
	require.NoError(t, m.LockTable(b, txn.Shared, 100))
	require.True(t, a.HasTableLock(100, txn.Shared))
	require.True(t, b.HasTableLock(100, txn.Shared))
}

func TestExclusiveBlocksShared(t *testing.T) {
	m := newTestManager(t)
	a := txn.New(1, txn.RepeatableRead)
	b := txn.New(2, txn.RepeatableRead)

	require.NoError(t, m.LockTable(a, txn.Exclusive, 100))

	granted := make(chan struct{})
	go func() {
		require.NoError(t, m.LockTable(b, txn.Shared, 100))
		close(granted)
	}()

	select {
	case <-granted:
		t.Fatalf("S should not be granted while X is held")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, m.UnlockTable(a, 100))
	select {
	case <-granted:
	case <-time.After(time.Second):
		t.Fatalf("S should be granted once X is released")
	}
}

func TestSameModeRequestIsNoOp(t *testing.T) {
	m := newTestManager(t)
	a := txn.New(1, txn.RepeatableRead)
	require.NoError(t, m.LockTable(a, txn.Shared, 100))
	require.NoError(t, m.LockTable(a, txn.Shared, 100))
	require.True(t, a.HasTableLock(100, txn.Shared))
}

// TestUpgradeReplacesMode exercises the S -> X in-place upgrade.
func TestUpgradeReplacesMode(t *testing.T) {
	m := newTestManager(t)
	a := txn.New(1, txn.RepeatableRead)
	require.NoError(t, m.LockTable(a, txn.Shared, 100))
	require.NoError(t, m.LockTable(a, txn.Exclusive, 100))

	require.False(t, a.HasTableLock(100, txn.Shared))
	require.True(t, a.HasTableLock(100, txn.Exclusive))
}

func TestIncompatibleUpgradeAborts(t *testing.T) {
	m := newTestManager(t)
	a := txn.New(1, txn.RepeatableRead)
	require.NoError(t, m.LockTable(a, txn.SharedIntentionExclusive, 100))

	err := m.LockTable(a, txn.Shared, 100)
	require.Error(t, err)
	abortErr, ok := err.(*AbortError)
	require.True(t, ok)
	require.Equal(t, IncompatibleUpgrade, abortErr.Reason)
	require.Equal(t, txn.Aborted, a.State())
}

// TestUpgradeConflictAborts checks that a second concurrent upgrader is
// rejected while one is already in flight on the same resource.
func TestUpgradeConflictAborts(t *testing.T) {
	m := newTestManager(t)
	a := txn.New(1, txn.RepeatableRead)
	b := txn.New(2, txn.RepeatableRead)
	c := txn.New(3, txn.RepeatableRead)

	require.NoError(t, m.LockTable(a, txn.Shared, 100))
	require.NoError(t, m.LockTable(b, txn.Shared, 100))
	require.NoError(t, m.LockTable(c, txn.Shared, 100))

	upgraded := make(chan struct{})
	go func() {
		// a's upgrade blocks behind b and c's still-granted S locks, so it
		// stays in the queue as "upgrading" until they release.
		m.LockTable(a, txn.Exclusive, 100)
		close(upgraded)
	}()
	time.Sleep(20 * time.Millisecond)

	err := m.LockTable(b, txn.Exclusive, 100)
	require.Error(t, err)
	abortErr, ok := err.(*AbortError)
	require.True(t, ok)
	require.Equal(t, UpgradeConflict, abortErr.Reason)

	// b is now aborted; its rollback releases the S lock it still held,
	// same as c's explicit release. Only once both are gone can a's
	// upgrade to X actually be granted.
	require.NoError(t, m.UnlockTable(b, 100))
	require.NoError(t, m.UnlockTable(c, 100))
	select {
	case <-upgraded:
	case <-time.After(time.Second):
		t.Fatalf("a's upgrade should complete once b and c release")
	}
}

func TestRowLockRequiresTableLock(t *testing.T) {
	m := newTestManager(t)
	a := txn.New(1, txn.RepeatableRead)

	err := m.LockRow(a, txn.Shared, 100, 1)
	require.Error(t, err)
	abortErr, ok := err.(*AbortError)
	require.True(t, ok)
	require.Equal(t, TableLockNotPresent, abortErr.Reason)
}

func TestIntentionLockOnRowRejected(t *testing.T) {
	m := newTestManager(t)
	a := txn.New(1, txn.RepeatableRead)
	require.NoError(t, m.LockTable(a, txn.IntentionExclusive, 100))

	err := m.LockRow(a, txn.IntentionShared, 100, 1)
	require.Error(t, err)
	abortErr, ok := err.(*AbortError)
	require.True(t, ok)
	require.Equal(t, AttemptedIntentionLockOnRow, abortErr.Reason)
}

func TestUnlockTableBeforeRowsAborts(t *testing.T) {
	m := newTestManager(t)
	a := txn.New(1, txn.RepeatableRead)
	require.NoError(t, m.LockTable(a, txn.IntentionExclusive, 100))
	require.NoError(t, m.LockRow(a, txn.Exclusive, 100, 1))

	err := m.UnlockTable(a, 100)
	require.Error(t, err)
	abortErr, ok := err.(*AbortError)
	require.True(t, ok)
	require.Equal(t, TableUnlockedBeforeUnlockingRows, abortErr.Reason)
}

func TestReadUncommittedRejectsSharedModes(t *testing.T) {
	m := newTestManager(t)
	a := txn.New(1, txn.ReadUncommitted)

	err := m.LockTable(a, txn.Shared, 100)
	require.Error(t, err)
	abortErr, ok := err.(*AbortError)
	require.True(t, ok)
	require.Equal(t, LockSharedOnReadUncommitted, abortErr.Reason)
}

func TestLockOnShrinkingAborts(t *testing.T) {
	m := newTestManager(t)
	a := txn.New(1, txn.RepeatableRead)
	require.NoError(t, m.LockTable(a, txn.Shared, 100))
	require.NoError(t, m.UnlockTable(a, 100))
	require.Equal(t, txn.Shrinking, a.State())

	err := m.LockTable(a, txn.Shared, 200)
	require.Error(t, err)
	abortErr, ok := err.(*AbortError)
	require.True(t, ok)
	require.Equal(t, LockOnShrinking, abortErr.Reason)
}

// TestDeadlockDetectorAbortsYoungest builds a classic 2-cycle: txn 1 holds
// X on table 100 and waits for table 200; txn 2 holds X on table 200 and
// waits for table 100. The detector must abort the younger (id 2).
func TestDeadlockDetectorAbortsYoungest(t *testing.T) {
	m := newTestManager(t)
	older := txn.New(1, txn.RepeatableRead)
	younger := txn.New(2, txn.RepeatableRead)

	require.NoError(t, m.LockTable(older, txn.Exclusive, 100))
	require.NoError(t, m.LockTable(younger, txn.Exclusive, 200))

	errCh := make(chan error, 2)
	go func() {
		err := m.LockTable(younger, txn.Exclusive, 100)
		if err != nil {
			// Simulate the transaction manager's rollback: the victim
			// releases whatever it already held so the survivor can proceed.
			m.UnlockTable(younger, 200)
		}
		errCh <- err
	}()
	go func() { errCh <- m.LockTable(older, txn.Exclusive, 200) }()

	var errs []error
	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			errs = append(errs, err)
		case <-time.After(2 * time.Second):
			t.Fatalf("deadlock was not broken in time")
		}
	}

	require.Equal(t, txn.Aborted, younger.State())
	require.NotEqual(t, txn.Aborted, older.State())

	var sawAbort bool
	for _, err := range errs {
		if err == nil {
			continue
		}
		abortErr, ok := err.(*AbortError)
		require.True(t, ok)
		require.Equal(t, DeadlockVictim, abortErr.Reason)
		sawAbort = true
	}
	require.True(t, sawAbort, "expected the younger transaction's blocked call to report an abort")

	require.NoError(t, m.UnlockTable(older, 100))
	require.NoError(t, m.UnlockTable(older, 200))
}
