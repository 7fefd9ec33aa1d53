package dhash

import (
	"encoding/binary"
	"fmt"

	"coredb/storage/page"
)

const bucketEntrySize = 16 // int64 key + int64 value

// bucketLayout describes where a bucket page's fields live for a given
// configured capacity. The layout is: 1 byte local depth, occupied
// bitmap, readable bitmap, then the (key,value) slot array.
type bucketLayout struct {
	capacity      int
	bitmapLen     int
	occupiedStart int
	readableStart int
	slotsStart    int
}

func newBucketLayout(capacity int) (bucketLayout, error) {
	bitmapLen := (capacity + 7) / 8
	slotsStart := 1 + 2*bitmapLen
	total := slotsStart + capacity*bucketEntrySize
	if total > page.Size {
		return bucketLayout{}, fmt.Errorf("dhash: bucket capacity %d needs %d bytes, page is only %d", capacity, total, page.Size)
	}
	return bucketLayout{
		capacity:      capacity,
		bitmapLen:     bitmapLen,
		occupiedStart: 1,
		readableStart: 1 + bitmapLen,
		slotsStart:    slotsStart,
	}, nil
}

// bucketView reads and writes a bucket page's on-disk layout in place.
type bucketView struct {
	layout bucketLayout
	buf    []byte
}

func newBucketView(layout bucketLayout, buf []byte) bucketView {
	return bucketView{layout: layout, buf: buf}
}

func (b bucketView) localDepth() int {
	return int(b.buf[0])
}

func (b bucketView) setLocalDepth(ld int) {
	b.buf[0] = byte(ld)
}

func (b bucketView) initialize(localDepth int) {
	b.setLocalDepth(localDepth)
	occ := b.buf[b.layout.occupiedStart:b.layout.readableStart]
	for i := range occ {
		occ[i] = 0
	}
	read := b.buf[b.layout.readableStart:b.layout.slotsStart]
	for i := range read {
		read[i] = 0
	}
}

func (b bucketView) bitGet(bitmapStart, i int) bool {
	byteIdx := bitmapStart + i/8
	mask := byte(1) << uint(i%8)
	return b.buf[byteIdx]&mask != 0
}

func (b bucketView) bitSet(bitmapStart, i int, v bool) {
	byteIdx := bitmapStart + i/8
	mask := byte(1) << uint(i%8)
	if v {
		b.buf[byteIdx] |= mask
	} else {
		b.buf[byteIdx] &^= mask
	}
}

func (b bucketView) isOccupied(i int) bool { return b.bitGet(b.layout.occupiedStart, i) }
func (b bucketView) isReadable(i int) bool { return b.bitGet(b.layout.readableStart, i) }

func (b bucketView) setOccupied(i int, v bool) { b.bitSet(b.layout.occupiedStart, i, v) }
func (b bucketView) setReadable(i int, v bool) { b.bitSet(b.layout.readableStart, i, v) }

func (b bucketView) slotOffset(i int) int {
	return b.layout.slotsStart + i*bucketEntrySize
}

func (b bucketView) key(i int) int64 {
	off := b.slotOffset(i)
	return int64(binary.LittleEndian.Uint64(b.buf[off : off+8]))
}

func (b bucketView) value(i int) int64 {
	off := b.slotOffset(i)
	return int64(binary.LittleEndian.Uint64(b.buf[off+8 : off+16]))
}

func (b bucketView) setEntry(i int, key, value int64) {
	off := b.slotOffset(i)
	binary.LittleEndian.PutUint64(b.buf[off:off+8], uint64(key))
	binary.LittleEndian.PutUint64(b.buf[off+8:off+16], uint64(value))
}

// highWaterMark returns one past the last occupied slot; occupied bits are
// contiguous from 0 per spec.md's bucket invariant.
func (b bucketView) highWaterMark() int {
	for i := b.layout.capacity - 1; i >= 0; i-- {
		if b.isOccupied(i) {
			return i + 1
		}
	}
	return 0
}

// numReadable counts live (occupied-readable) entries.
func (b bucketView) numReadable() int {
	n := 0
	for i := 0; i < b.layout.capacity; i++ {
		if b.isReadable(i) {
			n++
		}
	}
	return n
}

// isFull reports whether every slot is readable. A tombstoned slot
// (occupied but not readable) does not count against capacity: it is
// reclaimed by the next insert.
func (b bucketView) isFull() bool {
	return b.numReadable() == b.layout.capacity
}

// isEmpty reports whether no slot is readable (tombstones do not count).
func (b bucketView) isEmpty() bool {
	return b.numReadable() == 0
}

// find returns the slot index holding key, if any readable entry matches.
func (b bucketView) find(key int64) (int, bool) {
	for i := 0; i < b.layout.capacity; i++ {
		if b.isReadable(i) && b.key(i) == key {
			return i, true
		}
	}
	return 0, false
}

// insert writes key/value into the first unreadable slot, reclaiming a
// tombstone left by a prior remove if one is available before falling
// back to a never-used slot. Caller must have already verified the
// bucket is not full.
func (b bucketView) insert(key, value int64) {
	for i := 0; i < b.layout.capacity; i++ {
		if !b.isReadable(i) {
			b.setEntry(i, key, value)
			b.setOccupied(i, true)
			b.setReadable(i, true)
			return
		}
	}
}

// remove tombstones the slot holding key, if present.
func (b bucketView) remove(key int64) bool {
	i, ok := b.find(key)
	if !ok {
		return false
	}
	b.setReadable(i, false)
	return true
}

// entries returns every live (key, value) pair in the bucket.
func (b bucketView) entries() []bucketEntryView {
	var out []bucketEntryView
	for i := 0; i < b.layout.capacity; i++ {
		if b.isReadable(i) {
			out = append(out, bucketEntryView{key: b.key(i), value: b.value(i)})
		}
	}
	return out
}

type bucketEntryView struct {
	key   int64
	value int64
}
