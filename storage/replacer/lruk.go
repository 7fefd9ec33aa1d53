// Package replacer implements the LRU-K frame replacement policy used by
// the buffer pool to pick a victim frame when no free frame is available.
package replacer

import (
	"container/list"
	"fmt"
)

// FrameID identifies a slot in the buffer pool's frame array.
type FrameID = int

// LRUK tracks per-frame access history and selects an evictable frame to
// reclaim, preferring frames with fewer than K accesses (the "history"
// list) over frames with K or more (the "cache" list), and within each
// list the least-recently-moved evictable entry.
type LRUK struct {
	k         int
	numFrames int

	history *list.List // elements are *frameEntry, back = oldest
	cache   *list.List // elements are *frameEntry, back = oldest

	byFrame map[FrameID]*list.Element // frame -> its element, in history or cache

	evictableCount int
}

type frameEntry struct {
	frame     FrameID
	count     int
	evictable bool
}

// New builds an LRU-K replacer for numFrames frames (ids [0, numFrames)).
func New(numFrames, k int) *LRUK {
	return &LRUK{
		k:         k,
		numFrames: numFrames,
		history:   list.New(),
		cache:     list.New(),
		byFrame:   make(map[FrameID]*list.Element, numFrames),
	}
}

func (r *LRUK) checkRange(f FrameID) error {
	if f < 0 || f >= r.numFrames {
		return fmt.Errorf("replacer: BAD_FRAME %d (pool has %d frames)", f, r.numFrames)
	}
	return nil
}

// RecordAccess registers an access to f. The frame moves from the history
// list to the front of the cache list the instant its access count
// reaches k, and is bumped to the front of whichever list it lives in on
// every subsequent access.
func (r *LRUK) RecordAccess(f FrameID) error {
	if err := r.checkRange(f); err != nil {
		return err
	}

	el, ok := r.byFrame[f]
	if !ok {
		entry := &frameEntry{frame: f, count: 1}
		if entry.count >= r.k {
			r.byFrame[f] = r.cache.PushFront(entry)
		} else {
			r.byFrame[f] = r.history.PushFront(entry)
		}
		return nil
	}

	entry := el.Value.(*frameEntry)
	entry.count++

	switch {
	case entry.count == r.k:
		r.history.Remove(el)
		r.byFrame[f] = r.cache.PushFront(entry)
	case entry.count > r.k:
		r.cache.MoveToFront(el)
	default: // entry.count < k, already in history
		r.history.MoveToFront(el)
	}
	return nil
}

// SetEvictable toggles whether f may be chosen by Evict. It is a no-op for
// a frame that has never been accessed.
func (r *LRUK) SetEvictable(f FrameID, evictable bool) error {
	if err := r.checkRange(f); err != nil {
		return err
	}
	el, ok := r.byFrame[f]
	if !ok {
		return nil
	}
	entry := el.Value.(*frameEntry)
	if entry.evictable == evictable {
		return nil
	}
	entry.evictable = evictable
	if evictable {
		r.evictableCount++
	} else {
		r.evictableCount--
	}
	return nil
}

// Evict removes and returns the best eviction candidate: the oldest
// evictable frame in the history list, or if none, the oldest evictable
// frame in the cache list. Returns false if nothing is evictable.
func (r *LRUK) Evict() (FrameID, bool) {
	if f, ok := r.evictFrom(r.history); ok {
		return f, true
	}
	return r.evictFrom(r.cache)
}

func (r *LRUK) evictFrom(l *list.List) (FrameID, bool) {
	for el := l.Back(); el != nil; el = el.Prev() {
		entry := el.Value.(*frameEntry)
		if !entry.evictable {
			continue
		}
		l.Remove(el)
		delete(r.byFrame, entry.frame)
		r.evictableCount--
		return entry.frame, true
	}
	return 0, false
}

// Remove forcibly evicts f regardless of the usual ordering. It fails if f
// is not currently evictable.
func (r *LRUK) Remove(f FrameID) error {
	if err := r.checkRange(f); err != nil {
		return err
	}
	el, ok := r.byFrame[f]
	if !ok {
		return nil
	}
	entry := el.Value.(*frameEntry)
	if !entry.evictable {
		return fmt.Errorf("replacer: frame %d is not evictable", f)
	}
	if entry.count >= r.k {
		r.cache.Remove(el)
	} else {
		r.history.Remove(el)
	}
	delete(r.byFrame, f)
	r.evictableCount--
	return nil
}

// Size returns the number of frames currently evictable.
func (r *LRUK) Size() int {
	return r.evictableCount
}
