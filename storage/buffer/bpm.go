// Package buffer implements the buffer pool manager: a fixed array of page
// frames backed by disk, cached via an in-memory extendible hash directory
// and replaced via LRU-K.
package buffer

import (
	"sync"

	"github.com/sirupsen/logrus"

	"coredb/storage/disk"
	"coredb/storage/hash"
	"coredb/storage/page"
	"coredb/storage/replacer"
)

// FlushBarrier lets a caller (e.g. a future WAL) veto writing a page whose
// changes are not yet safe to persist. A vetoed FlushPage returns false;
// a vetoed page chosen for eviction is still evicted, without its dirty
// bytes being written. The zero value (nil) imposes no restriction,
// matching spec.md's observed behavior exactly.
type FlushBarrier interface {
	IsFlushable(pid page.ID) bool
}

type frame struct {
	pg *page.Page
}

// Manager owns pool_size frames, the free list, the IEH, and the LRU-K
// replacer; a single latch serializes every public operation.
type Manager struct {
	latch sync.Mutex

	poolSize int
	frames   []*frame
	freeList []replacer.FrameID

	dir      *hash.Table[page.ID, replacer.FrameID]
	replacer *replacer.LRUK

	disk *disk.Manager

	barrier FlushBarrier
	log     *logrus.Logger
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Capacity    int
	TotalPages  int
	PinnedPages int
	DirtyPages  int
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithBarrier installs a FlushBarrier consulted before eviction/flush.
func WithBarrier(b FlushBarrier) Option {
	return func(m *Manager) { m.barrier = b }
}

// WithLogger overrides the default logrus logger.
func WithLogger(log *logrus.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// New builds a buffer pool of poolSize frames, using k for the LRU-K
// replacer's history threshold.
func New(poolSize, k int, dm *disk.Manager, opts ...Option) *Manager {
	frames := make([]*frame, poolSize)
	free := make([]replacer.FrameID, poolSize)
	for i := range frames {
		frames[i] = &frame{}
		free[i] = i
	}

	m := &Manager{
		poolSize: poolSize,
		frames:   frames,
		freeList: free,
		dir:      hash.New[page.ID, replacer.FrameID](4, func(id page.ID) uint64 { return uint64(id) }),
		replacer: replacer.New(poolSize, k),
		disk:     dm,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) isFlushable(pid page.ID) bool {
	if m.barrier == nil {
		return true
	}
	return m.barrier.IsFlushable(pid)
}

// grabFrame obtains a frame to hold a page, preferring the free list, else
// evicting via the replacer. If eviction is necessary and the victim frame
// is dirty, it is written back first. Returns false if no frame can be
// obtained (every frame is pinned).
func (m *Manager) grabFrame() (replacer.FrameID, bool) {
	if n := len(m.freeList); n > 0 {
		fid := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return fid, true
	}

	fid, ok := m.replacer.Evict()
	if !ok {
		return 0, false
	}

	fr := m.frames[fid]
	oldID := fr.pg.ID()
	if fr.pg.IsDirty() && m.isFlushable(oldID) {
		if err := m.disk.WritePage(oldID, fr.pg.Data()); err != nil {
			m.log.WithError(err).WithField("page", oldID).Error("buffer: write-back on eviction failed")
		} else {
			fr.pg.ClearDirty()
		}
	}
	m.dir.Remove(oldID)
	fr.pg = nil
	return fid, true
}

// NewPage allocates a fresh page, pins it, and returns it. Returns nil if
// every frame is currently pinned.
func (m *Manager) NewPage() (*page.Page, bool) {
	m.latch.Lock()
	defer m.latch.Unlock()

	fid, ok := m.grabFrame()
	if !ok {
		m.log.Debug("buffer: NewPage failed, pool exhausted")
		return nil, false
	}

	pid := m.disk.AllocatePage()
	pg := page.New(pid)
	m.frames[fid].pg = pg
	m.dir.Insert(pid, fid)

	pg.Pin()
	m.replacer.RecordAccess(fid)
	m.replacer.SetEvictable(fid, false)

	m.log.WithField("page", pid).Debug("buffer: NewPage")
	return pg, true
}

// FetchPage returns pid, pinned, loading it from disk if not already
// resident. Returns nil if pid is not resident and no frame is available.
func (m *Manager) FetchPage(pid page.ID) (*page.Page, bool) {
	m.latch.Lock()
	defer m.latch.Unlock()

	if fid, ok := m.dir.Find(pid); ok {
		pg := m.frames[fid].pg
		pg.Pin()
		m.replacer.RecordAccess(fid)
		m.replacer.SetEvictable(fid, false)
		m.log.WithField("page", pid).Debug("buffer: FetchPage hit")
		return pg, true
	}

	fid, ok := m.grabFrame()
	if !ok {
		m.log.WithField("page", pid).Debug("buffer: FetchPage miss, pool exhausted")
		return nil, false
	}

	pg := page.New(pid)
	if err := m.disk.ReadPage(pid, pg.Data()); err != nil {
		m.freeList = append(m.freeList, fid)
		m.log.WithError(err).WithField("page", pid).Error("buffer: FetchPage read failed")
		return nil, false
	}

	m.frames[fid].pg = pg
	m.dir.Insert(pid, fid)

	pg.Pin()
	m.replacer.RecordAccess(fid)
	m.replacer.SetEvictable(fid, false)

	m.log.WithField("page", pid).Debug("buffer: FetchPage miss, loaded")
	return pg, true
}

// UnpinPage decrements pid's pin count, composing the dirty flag. Returns
// false if pid is not resident or was already unpinned to zero.
func (m *Manager) UnpinPage(pid page.ID, isDirty bool) bool {
	m.latch.Lock()
	defer m.latch.Unlock()

	fid, ok := m.dir.Find(pid)
	if !ok {
		return false
	}
	pg := m.frames[fid].pg
	if pg.PinCount() == 0 {
		return false
	}
	if pg.Unpin(isDirty) == 0 {
		m.replacer.SetEvictable(fid, true)
	}
	return true
}

// FlushPage writes pid's bytes to disk unconditionally (not gated on the
// dirty flag). As in the source this is modeled on, the dirty flag is not
// cleared here — see spec.md §9's open question.
func (m *Manager) FlushPage(pid page.ID) bool {
	m.latch.Lock()
	defer m.latch.Unlock()
	return m.flushPageLocked(pid)
}

func (m *Manager) flushPageLocked(pid page.ID) bool {
	fid, ok := m.dir.Find(pid)
	if !ok {
		return false
	}
	pg := m.frames[fid].pg
	if !m.isFlushable(pid) {
		return false
	}
	if err := m.disk.WritePage(pid, pg.Data()); err != nil {
		m.log.WithError(err).WithField("page", pid).Error("buffer: FlushPage failed")
		return false
	}
	return true
}

// FlushAllPages flushes every resident frame. Frames whose page-id has
// since become invalid are silently skipped.
func (m *Manager) FlushAllPages() {
	m.latch.Lock()
	defer m.latch.Unlock()
	for _, fr := range m.frames {
		if fr.pg == nil {
			continue
		}
		pid := fr.pg.ID()
		if pid == page.InvalidID {
			continue
		}
		m.flushPageLocked(pid)
	}
}

// DeletePage removes pid from the pool entirely and deallocates its id.
// Returns true if pid is absent or was successfully deleted; false if it
// is still pinned.
func (m *Manager) DeletePage(pid page.ID) bool {
	m.latch.Lock()
	defer m.latch.Unlock()

	fid, ok := m.dir.Find(pid)
	if !ok {
		return true
	}
	fr := m.frames[fid]
	if fr.pg.PinCount() > 0 {
		return false
	}

	m.replacer.Remove(fid)
	fr.pg.ClearDirty()
	fr.pg = nil
	m.dir.Remove(pid)
	m.freeList = append(m.freeList, fid)
	m.disk.DeallocatePage(pid)

	m.log.WithField("page", pid).Debug("buffer: DeletePage")
	return true
}

// Size returns the pool's frame capacity.
func (m *Manager) Size() int {
	return m.poolSize
}

// Stats returns a snapshot of current pool occupancy.
func (m *Manager) Stats() Stats {
	m.latch.Lock()
	defer m.latch.Unlock()
	s := Stats{Capacity: m.poolSize}
	for _, fr := range m.frames {
		if fr.pg == nil {
			continue
		}
		s.TotalPages++
		if fr.pg.PinCount() > 0 {
			s.PinnedPages++
		}
		if fr.pg.IsDirty() {
			s.DirtyPages++
		}
	}
	return s
}
