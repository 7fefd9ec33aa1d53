package dhash

import (
	"encoding/binary"
	"fmt"

	"coredb/storage/page"
)

// MaxGlobalDepth bounds how far the directory can grow; at this depth the
// slot table (pageID + localDepth per slot) still fits in one page.Size
// page alongside its 4-byte header.
const MaxGlobalDepth = 8

const (
	dirHeaderSize  = 4 // global depth, uint32 LE
	dirSlotSize    = 9 // 8-byte bucket page-id + 1-byte local depth
	dirMaxSlots    = 1 << MaxGlobalDepth
	dirRequiredLen = dirHeaderSize + dirMaxSlots*dirSlotSize
)

func init() {
	if dirRequiredLen > page.Size {
		panic(fmt.Sprintf("dhash: directory layout needs %d bytes, page is only %d", dirRequiredLen, page.Size))
	}
}

// directoryView reads and writes the directory page's on-disk layout
// in place; it never copies the underlying buffer.
type directoryView struct {
	buf []byte
}

func newDirectoryView(buf []byte) directoryView {
	return directoryView{buf: buf}
}

func (d directoryView) globalDepth() int {
	return int(binary.LittleEndian.Uint32(d.buf[0:4]))
}

func (d directoryView) setGlobalDepth(g int) {
	binary.LittleEndian.PutUint32(d.buf[0:4], uint32(g))
}

func (d directoryView) slotOffset(i int) int {
	return dirHeaderSize + i*dirSlotSize
}

func (d directoryView) bucketPageID(i int) page.ID {
	off := d.slotOffset(i)
	return int64(binary.LittleEndian.Uint64(d.buf[off : off+8]))
}

func (d directoryView) setBucketPageID(i int, pid page.ID) {
	off := d.slotOffset(i)
	binary.LittleEndian.PutUint64(d.buf[off:off+8], uint64(pid))
}

func (d directoryView) localDepth(i int) int {
	off := d.slotOffset(i)
	return int(d.buf[off+8])
}

func (d directoryView) setLocalDepth(i int, ld int) {
	off := d.slotOffset(i)
	d.buf[off+8] = byte(ld)
}

// size returns 2^globalDepth, the number of directory slots in use.
func (d directoryView) size() int {
	return 1 << uint(d.globalDepth())
}

// initialize sets up a brand-new directory: global depth 0, one slot
// pointing at the given first bucket.
func (d directoryView) initialize(firstBucket page.ID) {
	d.setGlobalDepth(0)
	d.setBucketPageID(0, firstBucket)
	d.setLocalDepth(0, 0)
}
