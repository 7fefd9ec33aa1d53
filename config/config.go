// Package config loads the storage engine's tunables from an HCL file,
// the format and library of the larger config package it is modelled on,
// slimmed to the handful of settings this engine's components
// actually take: pool sizing, the LRU-K history length, disk hash
// bucket capacity, the deadlock detector's sweep interval, and the
// default transaction isolation level.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl"

	"coredb/lock"
	"coredb/storage/buffer"
	"coredb/storage/dhash"
	"coredb/storage/disk"
	"coredb/txn"
)

// Settings holds every tunable a Settings-aware component reads at
// construction time. Zero-value fields are not valid; use Default() and
// override from there.
type Settings struct {
	// BufferPoolSize is the number of frames in a single buffer pool
	// manager instance.
	BufferPoolSize int `hcl:"buffer_pool_size"`

	// ParallelInstances is the number of sharded buffer pool manager
	// instances a Parallel wraps. 0 or 1 means no sharding.
	ParallelInstances int `hcl:"parallel_instances"`

	// ReplacerK is the LRU-K history length.
	ReplacerK int `hcl:"replacer_k"`

	// HashBucketCapacity is the number of (key, value) slots per disk
	// hash table bucket page.
	HashBucketCapacity int `hcl:"hash_bucket_capacity"`

	// DeadlockDetectorIntervalMillis is the lock manager's wait-for
	// graph sweep period.
	DeadlockDetectorIntervalMillis int `hcl:"deadlock_detector_interval_millis"`

	// DefaultIsolation is the isolation level new transactions start
	// with when the caller does not pick one explicitly. One of
	// "read_uncommitted", "read_committed", "repeatable_read".
	DefaultIsolation string `hcl:"default_isolation"`
}

// Default returns the settings an embedder gets with no config file:
// a single unsharded 128-frame pool, K=2 history, a 32-slot bucket
// capacity, a 50ms deadlock sweep, and REPEATABLE_READ.
func Default() Settings {
	return Settings{
		BufferPoolSize:                 128,
		ParallelInstances:              1,
		ReplacerK:                      2,
		HashBucketCapacity:             32,
		DeadlockDetectorIntervalMillis: 50,
		DefaultIsolation:               "repeatable_read",
	}
}

// Load reads path as HCL over the defaults and returns the merged
// Settings. A field absent from the file keeps its default.
func Load(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	return Parse(b)
}

// Parse decodes HCL bytes over the defaults.
func Parse(b []byte) (Settings, error) {
	s := Default()
	if err := hcl.Decode(&s, string(b)); err != nil {
		return Settings{}, fmt.Errorf("config: %w", err)
	}
	return s, nil
}

// Isolation resolves DefaultIsolation to a txn.IsolationLevel.
func (s Settings) Isolation() (txn.IsolationLevel, error) {
	switch s.DefaultIsolation {
	case "read_uncommitted":
		return txn.ReadUncommitted, nil
	case "read_committed":
		return txn.ReadCommitted, nil
	case "repeatable_read", "":
		return txn.RepeatableRead, nil
	default:
		return 0, fmt.Errorf("config: unknown default_isolation %q", s.DefaultIsolation)
	}
}

// NewBufferPool builds a single buffer.Manager sized and K-tuned from s,
// backed by dm.
func (s Settings) NewBufferPool(dm *disk.Manager, opts ...buffer.Option) *buffer.Manager {
	return buffer.New(s.BufferPoolSize, s.ReplacerK, dm, opts...)
}

// NewParallelBufferPool builds a buffer.Parallel with one BufferPoolSize
// instance per disk manager in dms, each tuned by s.ReplacerK. The
// caller is responsible for having built each dm with
// disk.WithShard(i, len(dms)) so page ids land with their owning
// instance; s.ParallelInstances is advisory (callers typically derive
// len(dms) from it directly) and is not re-checked here.
func (s Settings) NewParallelBufferPool(dms []*disk.Manager, opts ...buffer.Option) *buffer.Parallel {
	instances := make([]*buffer.Manager, len(dms))
	for i, dm := range dms {
		instances[i] = buffer.New(s.BufferPoolSize, s.ReplacerK, dm, opts...)
	}
	return buffer.NewParallel(instances)
}

// NewTable builds a disk-resident hash table over bpm, bucketed per
// s.HashBucketCapacity. A nil hashFn falls back to dhash.DefaultHashFn.
func (s Settings) NewTable(bpm *buffer.Manager, hashFn func(int64) uint64) (*dhash.Table, error) {
	return dhash.New(bpm, s.HashBucketCapacity, hashFn)
}

// NewLockManager builds a lock manager whose deadlock detector sweeps
// at s.DeadlockDetectorIntervalMillis.
func (s Settings) NewLockManager(opts ...lock.Option) *lock.Manager {
	interval := time.Duration(s.DeadlockDetectorIntervalMillis) * time.Millisecond
	return lock.New(append([]lock.Option{lock.WithDeadlockInterval(interval)}, opts...)...)
}

// NewTransaction builds a transaction at s.DefaultIsolation.
func (s Settings) NewTransaction(id txn.ID) (*txn.Transaction, error) {
	isolation, err := s.Isolation()
	if err != nil {
		return nil, err
	}
	return txn.New(id, isolation), nil
}
