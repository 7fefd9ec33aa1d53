package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"coredb/storage/disk"
	"coredb/txn"
)

func TestDefaultParsesOverTheZeroValue(t *testing.T) {
	d := Default()
	require.Equal(t, 128, d.BufferPoolSize)
	require.Equal(t, "repeatable_read", d.DefaultIsolation)
}

func TestParseOverridesDefaults(t *testing.T) {
	s, err := Parse([]byte(`
		buffer_pool_size = 16
		replacer_k = 3
		hash_bucket_capacity = 8
		default_isolation = "read_committed"
	`))
	require.NoError(t, err)
	require.Equal(t, 16, s.BufferPoolSize)
	require.Equal(t, 3, s.ReplacerK)
	require.Equal(t, 8, s.HashBucketCapacity)
	require.Equal(t, 50, s.DeadlockDetectorIntervalMillis, "unset fields keep their default")

	isolation, err := s.Isolation()
	require.NoError(t, err)
	require.Equal(t, txn.ReadCommitted, isolation)
}

func TestIsolationRejectsUnknownValue(t *testing.T) {
	s := Default()
	s.DefaultIsolation = "serializable"
	_, err := s.Isolation()
	require.Error(t, err)
}

// TestNewBufferPoolHonorsSettings checks that a buffer.Manager built by
// Settings actually takes its frame count from the settings rather than
// a hardcoded literal.
func TestNewBufferPoolHonorsSettings(t *testing.T) {
	s := Default()
	s.BufferPoolSize = 2

	dm, err := disk.New(filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	bpm := s.NewBufferPool(dm)
	require.Equal(t, 2, bpm.Size())

	p1, ok := bpm.NewPage()
	require.True(t, ok)
	p2, ok := bpm.NewPage()
	require.True(t, ok)
	_, ok = bpm.NewPage()
	require.False(t, ok, "pool should be exhausted at the configured size")

	require.True(t, bpm.UnpinPage(p1.ID(), false))
	require.True(t, bpm.UnpinPage(p2.ID(), false))
}

// TestNewParallelBufferPoolSumsInstances checks that the parallel pool's
// combined capacity is instance count x BufferPoolSize, both taken from
// Settings.
func TestNewParallelBufferPoolSumsInstances(t *testing.T) {
	s := Default()
	s.BufferPoolSize = 4
	s.ParallelInstances = 3

	dms := make([]*disk.Manager, s.ParallelInstances)
	for i := range dms {
		dm, err := disk.New(filepath.Join(t.TempDir(), "shard.db"), disk.WithShard(i, s.ParallelInstances))
		require.NoError(t, err)
		t.Cleanup(func() { dm.Close() })
		dms[i] = dm
	}

	p := s.NewParallelBufferPool(dms)
	require.Equal(t, 12, p.GetPoolSize())
}

// TestNewTableHonorsBucketCapacity builds a table from Settings with a
// 2-slot s.HashBucketCapacity and checks that every key inserted past
// that capacity is still found afterwards.
func TestNewTableHonorsBucketCapacity(t *testing.T) {
	s := Default()
	s.HashBucketCapacity = 2
	s.BufferPoolSize = 32

	dm, err := disk.New(filepath.Join(t.TempDir(), "dhash.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	tbl, err := s.NewTable(s.NewBufferPool(dm), nil)
	require.NoError(t, err)

	for i := int64(0); i < 6; i++ {
		require.NoError(t, tbl.Insert(i, i*10))
	}
	for i := int64(0); i < 6; i++ {
		v, ok := tbl.GetValue(i)
		require.True(t, ok)
		require.Equal(t, i*10, v)
	}
}

// TestNewLockManagerHonorsDeadlockInterval checks that a classic 2-cycle
// deadlock built entirely through Settings-constructed components still
// resolves, showing that the lock manager built with the configured
// interval is running its detector. The victim releases the lock it
// already held once its blocked call reports the abort, as a transaction
// manager's rollback would.
func TestNewLockManagerHonorsDeadlockInterval(t *testing.T) {
	s := Default()
	s.DeadlockDetectorIntervalMillis = 5

	m := s.NewLockManager()
	t.Cleanup(m.Close)

	a, err := s.NewTransaction(1)
	require.NoError(t, err)
	b, err := s.NewTransaction(2)
	require.NoError(t, err)

	require.NoError(t, m.LockTable(a, txn.Exclusive, 100))
	require.NoError(t, m.LockTable(b, txn.Exclusive, 200))

	done := make(chan error, 2)
	go func() {
		err := m.LockTable(b, txn.Exclusive, 100)
		if err != nil {
			m.UnlockTable(b, 200)
		}
		done <- err
	}()
	go func() { done <- m.LockTable(a, txn.Exclusive, 200) }()

	var sawAbort bool
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			sawAbort = true
		}
	}
	require.True(t, sawAbort, "deadlock detector should have aborted one side")
}
