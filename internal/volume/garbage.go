package volume

import (
	"encoding/binary"

	"github.com/SimonWaldherr/persistitgo/internal/page"
)

// GarbagePage wraps a GARBAGE page buffer. Layout, following the common
// header (§3's "linked list of GARBAGE pages...each entry pairs
// (leftPage, rightPage)"):
//
//   [32:40]  count       uint64 — number of (left,right) entries
//   [40..]   entries     16 bytes each: left page.ID (8) + right page.ID (8)
//
// This generalizes the teacher's FreeListPage (internal/storage/pager/
// freelist.go), which stores a flat list of single free page IDs, into a
// chain of contiguous runs so a single entry can represent a whole range
// freed by one tree-removal or page-merge.
const (
	garbageCountOff = page.HeaderSize
	garbageEntryOff = garbageCountOff + 8
	garbageEntrySize = 16
)

// Run is one contiguous range of freed pages, [Left, Right] inclusive.
type Run struct {
	Left, Right page.ID
}

// GarbagePage is a decoding view over a GARBAGE page buffer.
type GarbagePage struct {
	buf  []byte
	size int
}

// WrapGarbagePage wraps an existing GARBAGE page buffer.
func WrapGarbagePage(buf []byte) *GarbagePage { return &GarbagePage{buf: buf, size: len(buf)} }

// InitGarbagePage initializes buf as an empty GARBAGE page.
func InitGarbagePage(buf []byte, id page.ID) *GarbagePage {
	h := &page.Header{Type: page.TypeGarbage, ID: id}
	page.MarshalHeader(h, buf)
	binary.LittleEndian.PutUint64(buf[garbageCountOff:], 0)
	return &GarbagePage{buf: buf, size: len(buf)}
}

// Count returns the number of runs stored on this page.
func (g *GarbagePage) Count() int {
	return int(binary.LittleEndian.Uint64(g.buf[garbageCountOff:]))
}

func (g *GarbagePage) setCount(n int) {
	binary.LittleEndian.PutUint64(g.buf[garbageCountOff:], uint64(n))
}

// Capacity is the maximum number of runs a page of this size can hold.
func (g *GarbagePage) Capacity() int {
	return (g.size - garbageEntryOff) / garbageEntrySize
}

// Full reports whether the page has no room for another run.
func (g *GarbagePage) Full() bool { return g.Count() >= g.Capacity() }

// Entry returns run i.
func (g *GarbagePage) Entry(i int) Run {
	off := garbageEntryOff + i*garbageEntrySize
	return Run{
		Left:  page.ID(binary.LittleEndian.Uint64(g.buf[off:])),
		Right: page.ID(binary.LittleEndian.Uint64(g.buf[off+8:])),
	}
}

func (g *GarbagePage) setEntry(i int, r Run) {
	off := garbageEntryOff + i*garbageEntrySize
	binary.LittleEndian.PutUint64(g.buf[off:], uint64(r.Left))
	binary.LittleEndian.PutUint64(g.buf[off+8:], uint64(r.Right))
}

// Push appends a run, returning false if the page is full.
func (g *GarbagePage) Push(r Run) bool {
	if g.Full() {
		return false
	}
	g.setEntry(g.Count(), r)
	g.setCount(g.Count() + 1)
	return true
}

// PopLeftmostPage consumes one page from the leftmost run: if the run is a
// single page it is removed entirely (shifting later entries down);
// otherwise its Left bound advances by one. Returns the consumed page id
// and whether the page's runs are now empty (caller should advance
// garbageRoot to RightSibling per §4.3 step 2).
func (g *GarbagePage) PopLeftmostPage() (id page.ID, emptied bool, ok bool) {
	if g.Count() == 0 {
		return 0, true, false
	}
	r := g.Entry(0)
	id = r.Left
	if r.Left == r.Right {
		n := g.Count()
		for i := 1; i < n; i++ {
			g.setEntry(i-1, g.Entry(i))
		}
		g.setCount(n - 1)
	} else {
		r.Left++
		g.setEntry(0, r)
	}
	return id, g.Count() == 0, true
}

// RightSibling returns the next GARBAGE page in the chain.
func (g *GarbagePage) RightSibling() page.ID { return page.UnmarshalHeader(g.buf).RightSibling }

// SetRightSibling links this page to the next GARBAGE page in the chain.
func (g *GarbagePage) SetRightSibling(id page.ID) {
	binary.LittleEndian.PutUint64(g.buf[16:24], uint64(id))
}

// Bytes returns the underlying buffer.
func (g *GarbagePage) Bytes() []byte { return g.buf }
