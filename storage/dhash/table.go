// Package dhash implements the disk-resident extendible hash table: a
// directory page and a set of bucket pages, both owned by a buffer pool
// manager, supporting dynamic directory growth, bucket splits, and
// single-level bucket merges.
package dhash

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"coredb/storage/buffer"
	"coredb/storage/page"
)

// DefaultHashFn is the hash function a Table uses when New is given a
// nil hashFn: xxhash over the key's 8 little-endian bytes.
func DefaultHashFn(key int64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(key))
	return xxhash.Sum64(b[:])
}

// Table is a disk-resident hash index mapping int64 keys to int64 values.
// All structural access goes through a BufferPoolManager; Table owns no
// bytes of its own beyond the directory page-id and its latches.
type Table struct {
	bpm       *buffer.Manager
	dirPageID page.ID
	layout    bucketLayout
	hashFn    func(int64) uint64
	hcache    *hashCache
	log       *logrus.Logger

	tableLatch sync.RWMutex

	bucketLatchesMu sync.Mutex
	bucketLatches   map[page.ID]*sync.RWMutex
}

// New creates a brand-new table: one directory page at global depth 0
// pointing at one empty bucket page, both allocated from bpm.
func New(bpm *buffer.Manager, bucketCapacity int, hashFn func(int64) uint64) (*Table, error) {
	if hashFn == nil {
		hashFn = DefaultHashFn
	}
	layout, err := newBucketLayout(bucketCapacity)
	if err != nil {
		return nil, err
	}
	hc, err := newHashCache(hashFn)
	if err != nil {
		return nil, fmt.Errorf("dhash: hash cache: %w", err)
	}

	t := &Table{
		bpm:           bpm,
		layout:        layout,
		hashFn:        hashFn,
		hcache:        hc,
		log:           logrus.StandardLogger(),
		bucketLatches: make(map[page.ID]*sync.RWMutex),
	}

	dirPg, ok := bpm.NewPage()
	if !ok {
		return nil, fmt.Errorf("dhash: no frame available for directory page")
	}
	bucketPg, ok := bpm.NewPage()
	if !ok {
		bpm.UnpinPage(dirPg.ID(), false)
		return nil, fmt.Errorf("dhash: no frame available for initial bucket page")
	}

	newDirectoryView(dirPg.Data()).initialize(bucketPg.ID())
	newBucketView(layout, bucketPg.Data()).initialize(0)

	t.dirPageID = dirPg.ID()
	bpm.UnpinPage(dirPg.ID(), true)
	bpm.UnpinPage(bucketPg.ID(), true)

	return t, nil
}

func (t *Table) hash(key int64) uint64 {
	return t.hcache.hash(key)
}

func (t *Table) bucketLatch(pid page.ID) *sync.RWMutex {
	t.bucketLatchesMu.Lock()
	defer t.bucketLatchesMu.Unlock()
	l, ok := t.bucketLatches[pid]
	if !ok {
		l = &sync.RWMutex{}
		t.bucketLatches[pid] = l
	}
	return l
}

func (t *Table) dropBucketLatch(pid page.ID) {
	t.bucketLatchesMu.Lock()
	delete(t.bucketLatches, pid)
	t.bucketLatchesMu.Unlock()
}

func (t *Table) indexOf(dir directoryView, key int64) int {
	mask := uint64(dir.size() - 1)
	return int(t.hash(key) & mask)
}

// GetValue returns the value stored for key, if present.
func (t *Table) GetValue(key int64) (int64, bool) {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()

	dirPg, ok := t.bpm.FetchPage(t.dirPageID)
	if !ok {
		return 0, false
	}
	dir := newDirectoryView(dirPg.Data())
	idx := t.indexOf(dir, key)
	bucketPageID := dir.bucketPageID(idx)
	t.bpm.UnpinPage(t.dirPageID, false)

	latch := t.bucketLatch(bucketPageID)
	latch.RLock()
	defer latch.RUnlock()

	bucketPg, ok := t.bpm.FetchPage(bucketPageID)
	if !ok {
		return 0, false
	}
	defer t.bpm.UnpinPage(bucketPageID, false)

	b := newBucketView(t.layout, bucketPg.Data())
	i, found := b.find(key)
	if !found {
		return 0, false
	}
	return b.value(i), true
}

// Insert adds key->value, splitting buckets as needed. Overwrites any
// existing value for key.
func (t *Table) Insert(key, value int64) error {
	t.tableLatch.RLock()

	dirPg, ok := t.bpm.FetchPage(t.dirPageID)
	if !ok {
		t.tableLatch.RUnlock()
		return fmt.Errorf("dhash: directory page unavailable")
	}
	dir := newDirectoryView(dirPg.Data())
	idx := t.indexOf(dir, key)
	bucketPageID := dir.bucketPageID(idx)
	t.bpm.UnpinPage(t.dirPageID, false)

	latch := t.bucketLatch(bucketPageID)
	latch.Lock()

	bucketPg, ok := t.bpm.FetchPage(bucketPageID)
	if !ok {
		latch.Unlock()
		t.tableLatch.RUnlock()
		return fmt.Errorf("dhash: bucket page %d unavailable", bucketPageID)
	}
	b := newBucketView(t.layout, bucketPg.Data())

	if i, found := b.find(key); found {
		b.setEntry(i, key, value)
		t.bpm.UnpinPage(bucketPageID, true)
		latch.Unlock()
		t.tableLatch.RUnlock()
		return nil
	}

	if !b.isFull() {
		b.insert(key, value)
		t.bpm.UnpinPage(bucketPageID, true)
		latch.Unlock()
		t.tableLatch.RUnlock()
		return nil
	}

	// Bucket is full: release everything held under the read latch and
	// retry through SplitInsert, which takes the table latch for write.
	t.bpm.UnpinPage(bucketPageID, false)
	latch.Unlock()
	t.tableLatch.RUnlock()

	return t.splitInsert(key, value)
}

// splitInsert re-locates the target bucket under an exclusive table latch
// and performs splits until the key fits, then inserts it.
func (t *Table) splitInsert(key, value int64) error {
	t.tableLatch.Lock()
	defer t.tableLatch.Unlock()

	for {
		dirPg, ok := t.bpm.FetchPage(t.dirPageID)
		if !ok {
			return fmt.Errorf("dhash: directory page unavailable")
		}
		dir := newDirectoryView(dirPg.Data())
		idx := t.indexOf(dir, key)
		bucketPageID := dir.bucketPageID(idx)

		bucketPg, ok := t.bpm.FetchPage(bucketPageID)
		if !ok {
			t.bpm.UnpinPage(t.dirPageID, false)
			return fmt.Errorf("dhash: bucket page %d unavailable", bucketPageID)
		}
		b := newBucketView(t.layout, bucketPg.Data())

		if i, found := b.find(key); found {
			b.setEntry(i, key, value)
			t.bpm.UnpinPage(bucketPageID, true)
			t.bpm.UnpinPage(t.dirPageID, false)
			return nil
		}

		if !b.isFull() {
			b.insert(key, value)
			t.bpm.UnpinPage(bucketPageID, true)
			t.bpm.UnpinPage(t.dirPageID, false)
			return nil
		}

		if err := t.split(dir, idx, bucketPageID, b); err != nil {
			t.bpm.UnpinPage(bucketPageID, true)
			t.bpm.UnpinPage(t.dirPageID, true)
			return err
		}

		t.bpm.UnpinPage(bucketPageID, true)
		t.bpm.UnpinPage(t.dirPageID, true)
		// retry: the directory may now route key to a different bucket
	}
}

// split performs one level of extendible-hash splitting on the bucket at
// directory slot idx, growing the directory first if the bucket is
// already at the global depth. Caller holds the table latch for write and
// both dirPg/bucketPg pinned; split leaves them pinned and dirty.
func (t *Table) split(dir directoryView, idx int, oldBucketID page.ID, old bucketView) error {
	oldDepth := old.localDepth()

	if oldDepth == dir.globalDepth() {
		if dir.globalDepth() >= MaxGlobalDepth {
			return fmt.Errorf("dhash: directory at max global depth %d", MaxGlobalDepth)
		}
		oldSize := dir.size()
		for i := 0; i < oldSize; i++ {
			dir.setBucketPageID(oldSize+i, dir.bucketPageID(i))
			dir.setLocalDepth(oldSize+i, dir.localDepth(i))
		}
		dir.setGlobalDepth(dir.globalDepth() + 1)
	}

	newDepth := oldDepth + 1
	bit := uint64(1) << uint(oldDepth)

	newPg, ok := t.bpm.NewPage()
	if !ok {
		return fmt.Errorf("dhash: no frame available for split bucket")
	}
	newBucketID := newPg.ID()
	newBucket := newBucketView(t.layout, newPg.Data())
	newBucket.initialize(newDepth)

	old.setLocalDepth(newDepth)

	size := dir.size()
	for i := 0; i < size; i++ {
		if dir.bucketPageID(i) != oldBucketID {
			continue
		}
		dir.setLocalDepth(i, newDepth)
		if uint64(i)&bit != 0 {
			dir.setBucketPageID(i, newBucketID)
		}
	}

	moved := old.entries()
	old.initialize(newDepth)
	for _, e := range moved {
		destIdx := t.indexOf(dir, e.key)
		if dir.bucketPageID(destIdx) == newBucketID {
			newBucket.insert(e.key, e.value)
		} else {
			old.insert(e.key, e.value)
		}
	}

	t.bpm.UnpinPage(newBucketID, true)
	t.log.WithFields(logrus.Fields{
		"old_bucket": oldBucketID,
		"new_bucket": newBucketID,
		"depth":      newDepth,
	}).Debug("dhash: split")
	return nil
}

// Remove deletes key, returning whether it was present. If the owning
// bucket becomes empty, it is merged with its buddy when possible.
func (t *Table) Remove(key int64) bool {
	t.tableLatch.RLock()

	dirPg, ok := t.bpm.FetchPage(t.dirPageID)
	if !ok {
		t.tableLatch.RUnlock()
		return false
	}
	dir := newDirectoryView(dirPg.Data())
	idx := t.indexOf(dir, key)
	bucketPageID := dir.bucketPageID(idx)
	t.bpm.UnpinPage(t.dirPageID, false)

	latch := t.bucketLatch(bucketPageID)
	latch.Lock()

	bucketPg, ok := t.bpm.FetchPage(bucketPageID)
	if !ok {
		latch.Unlock()
		t.tableLatch.RUnlock()
		return false
	}
	b := newBucketView(t.layout, bucketPg.Data())
	removed := b.remove(key)
	if removed {
		t.hcache.invalidate(key)
	}

	shouldMerge := removed && b.isEmpty() && b.localDepth() > 0

	t.bpm.UnpinPage(bucketPageID, removed)
	latch.Unlock()
	t.tableLatch.RUnlock()

	if shouldMerge {
		t.merge(bucketPageID)
	}
	return removed
}

// merge collapses an empty bucket into its buddy when the buddy has the
// same local depth and is also empty, then shrinks the directory if every
// local depth now fits in one fewer bit. Non-recursive: a chain of merges
// happens across successive Removes, each re-entering merge once.
func (t *Table) merge(emptyBucketID page.ID) {
	t.tableLatch.Lock()
	defer t.tableLatch.Unlock()

	dirPg, ok := t.bpm.FetchPage(t.dirPageID)
	if !ok {
		return
	}
	defer t.bpm.UnpinPage(t.dirPageID, true)
	dir := newDirectoryView(dirPg.Data())

	size := dir.size()
	emptyIdx := -1
	for i := 0; i < size; i++ {
		if dir.bucketPageID(i) == emptyBucketID {
			emptyIdx = i
			break
		}
	}
	if emptyIdx == -1 {
		return
	}

	emptyPg, ok := t.bpm.FetchPage(emptyBucketID)
	if !ok {
		return
	}
	empty := newBucketView(t.layout, emptyPg.Data())
	localDepth := empty.localDepth()
	if localDepth == 0 || !empty.isEmpty() {
		t.bpm.UnpinPage(emptyBucketID, false)
		return
	}

	buddyIdx := emptyIdx ^ (1 << uint(localDepth-1))
	buddyBucketID := dir.bucketPageID(buddyIdx)

	buddyPg, ok := t.bpm.FetchPage(buddyBucketID)
	if !ok {
		t.bpm.UnpinPage(emptyBucketID, false)
		return
	}
	buddy := newBucketView(t.layout, buddyPg.Data())

	if buddy.localDepth() != localDepth || !buddy.isEmpty() {
		t.bpm.UnpinPage(buddyBucketID, false)
		t.bpm.UnpinPage(emptyBucketID, false)
		return
	}

	for i := 0; i < size; i++ {
		if id := dir.bucketPageID(i); id == emptyBucketID || id == buddyBucketID {
			dir.setBucketPageID(i, buddyBucketID)
			dir.setLocalDepth(i, localDepth-1)
		}
	}
	buddy.setLocalDepth(localDepth - 1)

	t.bpm.UnpinPage(buddyBucketID, true)
	t.bpm.UnpinPage(emptyBucketID, false)
	t.bpm.DeletePage(emptyBucketID)
	t.dropBucketLatch(emptyBucketID)

	t.log.WithFields(logrus.Fields{
		"emptied": emptyBucketID,
		"buddy":   buddyBucketID,
	}).Debug("dhash: merge")

	t.shrinkIfPossible(dir)
}

// shrinkIfPossible decrements the global depth (repeatedly) while every
// local depth in use still fits in one fewer bit.
func (t *Table) shrinkIfPossible(dir directoryView) {
	for dir.globalDepth() > 0 {
		size := dir.size()
		canShrink := true
		for i := 0; i < size; i++ {
			if dir.localDepth(i) >= dir.globalDepth() {
				canShrink = false
				break
			}
		}
		if !canShrink {
			return
		}
		dir.setGlobalDepth(dir.globalDepth() - 1)
	}
}
