// Package disk implements the disk manager contract the buffer pool
// consumes: fixed-size page reads and writes against a single backing
// file, plus page-id allocation and deallocation.
package disk

import (
	"fmt"
	"os"
	"sync"

	"coredb/storage/page"
)

// Manager owns one backing file and the page-id space carved out of it.
// It knows nothing about caching, pinning, or dirtiness — that is the
// buffer pool's job; Manager only moves bytes.
type Manager struct {
	mu   sync.Mutex
	file *os.File

	shardIndex int64
	shardCount int64

	nextPageID page.ID
	freeList   []page.ID // deallocated ids, reused before minting new ones
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithShard makes every id this manager mints satisfy id % count == index,
// so a ParallelBufferPoolManager sharding by page-id modulo N can give
// each underlying instance a disjoint slice of the id space.
func WithShard(index, count int) Option {
	return func(m *Manager) {
		m.shardIndex = int64(index)
		m.shardCount = int64(count)
		m.nextPageID = int64(index)
	}
}

// New opens (creating if necessary) path as the backing store.
func New(path string, opts ...Option) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("disk: open %s: %w", path, err)
	}
	m := &Manager{file: f, shardCount: 1}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Close flushes and closes the backing file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("disk: sync on close: %w", err)
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// AllocatePage mints a fresh page id, preferring a previously deallocated
// one so the id space does not grow without bound under churn.
func (m *Manager) AllocatePage() page.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.freeList); n > 0 {
		id := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return id
	}
	id := m.nextPageID
	stride := m.shardCount
	if stride < 1 {
		stride = 1
	}
	m.nextPageID += stride
	return id
}

// DeallocatePage returns a page id to the free list. It does not erase the
// underlying bytes; per spec.md §1 this design has no durability/recovery
// obligations beyond explicit flush.
func (m *Manager) DeallocatePage(id page.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeList = append(m.freeList, id)
}

// ReadPage fills buf (len must be page.Size) with pid's bytes. Reading an
// id beyond the current end of file yields a zeroed page, matching a
// brand-new never-flushed allocation.
func (m *Manager) ReadPage(pid page.ID, buf []byte) error {
	if len(buf) != page.Size {
		return fmt.Errorf("disk: read buffer must be %d bytes, got %d", page.Size, len(buf))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return fmt.Errorf("disk: manager closed")
	}
	offset := int64(pid) * int64(page.Size)
	n, err := m.file.ReadAt(buf, offset)
	if err != nil && n == 0 {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// WritePage persists buf (len must be page.Size) at pid's offset.
func (m *Manager) WritePage(pid page.ID, buf []byte) error {
	if len(buf) != page.Size {
		return fmt.Errorf("disk: write buffer must be %d bytes, got %d", page.Size, len(buf))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return fmt.Errorf("disk: manager closed")
	}
	offset := int64(pid) * int64(page.Size)
	if _, err := m.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("disk: write page %d: %w", pid, err)
	}
	return nil
}

// Sync flushes the backing file's OS buffers.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	return m.file.Sync()
}
