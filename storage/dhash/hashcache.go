package dhash

import (
	"github.com/dgraph-io/ristretto/v2"
)

// hashCache memoizes the 64-bit hash of a key so repeated directory
// probes for the same key (GetValue followed by Insert/Remove, or a hot
// key probed across many operations) skip recomputing it. It is a pure
// accelerator: every lookup path falls back to calling the hash function
// directly on a miss, so a cold cache or an eviction never changes
// behavior, only cost.
type hashCache struct {
	cache  *ristretto.Cache[int64, uint64]
	hashFn func(int64) uint64
}

func newHashCache(hashFn func(int64) uint64) (*hashCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[int64, uint64]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &hashCache{cache: c, hashFn: hashFn}, nil
}

func (h *hashCache) hash(key int64) uint64 {
	if v, ok := h.cache.Get(key); ok {
		return v
	}
	v := h.hashFn(key)
	h.cache.Set(key, v, 1)
	return v
}

func (h *hashCache) invalidate(key int64) {
	h.cache.Del(key)
}
