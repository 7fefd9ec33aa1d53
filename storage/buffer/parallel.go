package buffer

import (
	"sync"

	"coredb/storage/page"
)

// Parallel shards the page-id space across N independent Managers and
// round-robins NewPage allocation across them, trading one global latch
// for N independent ones.
type Parallel struct {
	mu        sync.Mutex
	instances []*Manager
	startIdx  int
}

// NewParallel wraps pre-built instances. page-id ownership is by page-id
// modulo len(instances); each instance's disk.Manager must have been built
// with disk.WithShard(i, len(instances)) so the ids it mints land with it.
func NewParallel(instances []*Manager) *Parallel {
	return &Parallel{instances: instances}
}

func (p *Parallel) owner(pid page.ID) *Manager {
	n := int64(len(p.instances))
	idx := pid % n
	if idx < 0 {
		idx += n
	}
	return p.instances[idx]
}

// GetPoolSize returns the combined capacity of all instances.
func (p *Parallel) GetPoolSize() int {
	total := 0
	for _, inst := range p.instances {
		total += inst.Size()
	}
	return total
}

// FetchPage routes to the owning instance by page-id.
func (p *Parallel) FetchPage(pid page.ID) (*page.Page, bool) {
	return p.owner(pid).FetchPage(pid)
}

// UnpinPage routes to the owning instance by page-id.
func (p *Parallel) UnpinPage(pid page.ID, isDirty bool) bool {
	return p.owner(pid).UnpinPage(pid, isDirty)
}

// FlushPage routes to the owning instance by page-id.
func (p *Parallel) FlushPage(pid page.ID) bool {
	return p.owner(pid).FlushPage(pid)
}

// DeletePage routes to the owning instance by page-id.
func (p *Parallel) DeletePage(pid page.ID) bool {
	return p.owner(pid).DeletePage(pid)
}

// FlushAllPages flushes every instance.
func (p *Parallel) FlushAllPages() {
	for _, inst := range p.instances {
		inst.FlushAllPages()
	}
}

// NewPage tries each instance starting at a rotating index until one
// succeeds. On success, the next call starts just past the returned
// page's owner; on total failure every instance is exhausted and the
// rotation still advances so a persistently-full instance cannot starve
// its neighbors of a turn at the front of the queue.
func (p *Parallel) NewPage() (*page.Page, bool) {
	p.mu.Lock()
	start := p.startIdx
	n := len(p.instances)
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		pg, ok := p.instances[idx].NewPage()
		if ok {
			p.mu.Lock()
			p.startIdx = int(pg.ID()%int64(n)) + 1
			if p.startIdx < 0 {
				p.startIdx += n
			}
			p.mu.Unlock()
			return pg, true
		}
	}

	p.mu.Lock()
	p.startIdx = (p.startIdx + 1) % n
	p.mu.Unlock()
	return nil, false
}
