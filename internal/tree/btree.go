// Package tree implements the B+-tree of §4.4: search/insert/remove/
// traverse with key filters, page splits/joins, and long-record chains for
// oversize values. Grounded on the teacher's internal/storage/pager/
// btree.go (split/merge propagation and pointer fixup) and overflow.go
// (long-record chain mechanics), generalized from tinySQL's row-oriented
// leaves to the spec's opaque key/value Exchange contract.
package tree

import (
	"bytes"
	"fmt"

	"github.com/SimonWaldherr/persistitgo/internal/page"
)

// Claim is the minimal scoped-claim surface a Backend hands back from
// GetShared/GetExclusive: direct access to the claimed page's bytes, a way
// to mark it dirty with a timestamp, and a release. buffer.Handle (the
// real buffer pool's claim type) satisfies this via its Bytes/MarkDirty/
// Release methods.
type Claim interface {
	Bytes() []byte
	MarkDirty(ts page.Timestamp)
	Release()
}

// Backend is everything a Tree needs from its owning volume: page claims
// and the allocator. A tree never touches a file directly.
type Backend interface {
	GetShared(id page.ID) (Claim, error)
	GetExclusive(id page.ID) (Claim, error)
	AllocPage() (page.ID, error)
	FreePage(id page.ID) error
	PageSize() int
	// Timestamp returns the current logical clock value stamped on pages
	// as they're dirtied (shared with the txn package's commit-timestamp
	// allocator).
	Timestamp() page.Timestamp
}

// MaxLongRecordChain is a corruption signal per §4.4: "A chain longer than
// MAX_LONG_RECORD_CHAIN is a corruption signal."
const MaxLongRecordChain = 100000

// longRecordHeaderSize is the size of a long-record descriptor stored
// inline at the key: pointer (8) + total size (8) + short prefix length
// marker (2) + up to longRecordPrefixLen bytes of prefix.
const (
	longRecordPrefixLen   = 32
	longRecordHeaderSize  = 8 + 8 + 2 + longRecordPrefixLen
)

// Descriptor is the inline value stored at a key whose real value was too
// large for one page (§3 "Value" / §4.4 "Long records").
type Descriptor struct {
	FirstPage page.ID
	TotalSize uint64
	Prefix    []byte // first longRecordPrefixLen bytes of the value, for MVV comparisons
}

// EncodeDescriptor packs a Descriptor into its inline on-page form.
func EncodeDescriptor(d Descriptor) []byte {
	out := make([]byte, longRecordHeaderSize)
	putU64(out[0:], uint64(d.FirstPage))
	putU64(out[8:], d.TotalSize)
	n := len(d.Prefix)
	if n > longRecordPrefixLen {
		n = longRecordPrefixLen
	}
	putU16(out[16:], uint16(n))
	copy(out[18:], d.Prefix[:n])
	return out
}

// DecodeDescriptor unpacks a Descriptor from its inline on-page form.
func DecodeDescriptor(buf []byte) Descriptor {
	n := getU16(buf[16:])
	return Descriptor{
		FirstPage: page.ID(getU64(buf[0:])),
		TotalSize: getU64(buf[8:]),
		Prefix:    append([]byte{}, buf[18:18+int(n)]...),
	}
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
func putU16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func getU16(b []byte) uint16    { return uint16(b[0]) | uint16(b[1])<<8 }

// Tree is a named B+-tree handle rooted at a page address (§3 "Tree").
type Tree struct {
	backend   Backend
	root      page.ID
	depth     int
	threshold int // inline-value threshold before switching to a long-record chain
}

// Create allocates a fresh, empty leaf page and returns a Tree rooted there.
func Create(backend Backend) (*Tree, error) {
	id, err := backend.AllocPage()
	if err != nil {
		return nil, err
	}
	h, err := backend.GetExclusive(id)
	if err != nil {
		return nil, err
	}
	page.InitSlotted(h.Bytes(), page.TypeData, id, 0)
	h.MarkDirty(backend.Timestamp())
	h.Release()
	return Open(backend, id, 1), nil
}

// Open binds a Tree to an already-existing root page (e.g. read from the
// directory tree at startup).
func Open(backend Backend, root page.ID, depth int) *Tree {
	threshold := backend.PageSize()/4 - 64
	if threshold < 64 {
		threshold = 64
	}
	return &Tree{backend: backend, root: root, depth: depth, threshold: threshold}
}

// Root returns the tree's current root page address.
func (t *Tree) Root() page.ID { return t.root }

// Threshold returns the inline-value size above which Insert switches to a
// long-record chain, so a caller that wants to pre-materialize that chain
// itself (the commit path, §4.6 step 2) can apply the same rule.
func (t *Tree) Threshold() int { return t.threshold }

// Depth returns the tree's current height.
func (t *Tree) Depth() int { return t.depth }

// findLeaf descends from the root to the leaf that would contain key,
// returning the path of page IDs visited (root..leaf inclusive).
func (t *Tree) findLeaf(key []byte) ([]page.ID, error) {
	path := []page.ID{t.root}
	cur := t.root
	for {
		h, err := t.backend.GetShared(cur)
		if err != nil {
			return nil, err
		}
		hdr := page.UnmarshalHeader(h.Bytes())
		if hdr.Type != page.TypeIndex {
			h.Release()
			return path, nil
		}
		sp := page.WrapSlotted(h.Bytes())
		idx := sp.Traverse(page.LTEQ, key, nil)
		if idx < 0 {
			idx = 0
		}
		entry, ok := sp.EntryAt(idx)
		h.Release()
		if !ok {
			return nil, fmt.Errorf("tree: corrupt index page %d: no routing entry", cur)
		}
		next := page.ID(getU64(entry.Value))
		path = append(path, next)
		cur = next
	}
}

// Get fetches the value for key, following a long-record chain if needed.
// Returns ok=false if the key is not present.
func (t *Tree) Get(key []byte) (value []byte, ok bool, err error) {
	t.backend.Timestamp() // counters bumped by caller (Exchange), not here
	path, err := t.findLeaf(key)
	if err != nil {
		return nil, false, err
	}
	leaf := path[len(path)-1]
	h, err := t.backend.GetShared(leaf)
	if err != nil {
		return nil, false, err
	}
	sp := page.WrapSlotted(h.Bytes())
	idx := sp.Traverse(page.EQ, key, nil)
	if idx < 0 {
		h.Release()
		return nil, false, nil
	}
	entry, _ := sp.EntryAt(idx)
	h.Release()
	if !entry.LongRecord {
		return entry.Value, true, nil
	}
	d := DecodeDescriptor(entry.Value)
	full, err := t.readLongRecord(d)
	return full, true, err
}

func (t *Tree) readLongRecord(d Descriptor) ([]byte, error) {
	out := make([]byte, 0, d.TotalSize)
	cur := d.FirstPage
	chainLen := 0
	for cur != page.Invalid {
		chainLen++
		if chainLen > MaxLongRecordChain {
			return nil, fmt.Errorf("tree: long-record chain exceeds %d pages (corruption)", MaxLongRecordChain)
		}
		h, err := t.backend.GetShared(cur)
		if err != nil {
			return nil, err
		}
		buf := h.Bytes()
		dataLen := int(getU32(buf[page.HeaderSize+4:]))
		out = append(out, buf[page.HeaderSize+8:page.HeaderSize+8+dataLen]...)
		next := page.UnmarshalHeader(buf).RightSibling
		h.Release()
		cur = next
	}
	if uint64(len(out)) != d.TotalSize {
		return nil, fmt.Errorf("tree: long-record size mismatch: got %d want %d (corruption)", len(out), d.TotalSize)
	}
	return out, nil
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// writeLongRecord splits value into a chain of LONG_RECORD pages, returning
// a Descriptor to store inline at the key.
func (t *Tree) writeLongRecord(value []byte) (Descriptor, error) {
	capacity := t.backend.PageSize() - page.HeaderSize - 8
	var first page.ID = page.Invalid
	var prevHandle Claim
	remaining := value
	for len(remaining) > 0 || first == page.Invalid {
		id, err := t.backend.AllocPage()
		if err != nil {
			return Descriptor{}, err
		}
		h, err := t.backend.GetExclusive(id)
		if err != nil {
			return Descriptor{}, err
		}
		buf := h.Bytes()
		hdr := &page.Header{Type: page.TypeLongRecord, ID: id}
		page.MarshalHeader(hdr, buf)
		chunk := remaining
		if len(chunk) > capacity {
			chunk = chunk[:capacity]
		}
		putU32(buf[page.HeaderSize+4:], uint32(len(chunk)))
		copy(buf[page.HeaderSize+8:], chunk)
		h.MarkDirty(t.backend.Timestamp())
		remaining = remaining[len(chunk):]

		if first == page.Invalid {
			first = id
		}
		if prevHandle != nil {
			binaryPutRightSibling(prevHandle.Bytes(), id)
			prevHandle.Release()
		}
		prevHandle = h
		if len(remaining) == 0 {
			break
		}
	}
	if prevHandle != nil {
		prevHandle.Release()
	}
	prefix := value
	if len(prefix) > longRecordPrefixLen {
		prefix = prefix[:longRecordPrefixLen]
	}
	return Descriptor{FirstPage: first, TotalSize: uint64(len(value)), Prefix: prefix}, nil
}

// WriteLongRecord writes value as a chain of LONG_RECORD pages and returns
// the Descriptor a caller stores inline at a key, without touching any
// leaf entry itself. Exposed so the commit path can pre-materialize (and
// journal the PA records for) an oversize value's chain before its TX
// record is appended — §4.6 step 2 — independently of the later leaf
// insert that makes the value visible.
func (t *Tree) WriteLongRecord(value []byte) (Descriptor, error) {
	return t.writeLongRecord(value)
}

func binaryPutRightSibling(buf []byte, id page.ID) {
	for i := 0; i < 8; i++ {
		buf[16+i] = byte(uint64(id) >> (8 * i))
	}
}

// Insert stores key/value, transparently switching to a long-record chain
// when the value exceeds the tree's inline threshold, and splitting the
// target leaf (propagating a new separator upward) when it doesn't fit.
func (t *Tree) Insert(key, value []byte) error {
	longRecord := len(value) > t.threshold
	inline := value
	if longRecord {
		d, err := t.writeLongRecord(value)
		if err != nil {
			return err
		}
		inline = EncodeDescriptor(d)
	}
	return t.InsertPrepared(key, inline, longRecord)
}

// InsertPrepared stores already-finalized leaf bytes for key: either a
// short value or a Descriptor some caller already wrote via
// WriteLongRecord, without re-running the long-record threshold check
// Insert performs. This is the leaf-level half of Insert, split out so the
// commit/recovery replay path can pre-materialize a long-record chain (and
// its PA records) ahead of time and then only perform the structural leaf
// write here — see WriteLongRecord's doc comment.
func (t *Tree) InsertPrepared(key, inline []byte, longRecord bool) error {
	path, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	h, err := t.backend.GetExclusive(leaf)
	if err != nil {
		return err
	}
	sp := page.WrapSlotted(h.Bytes())
	// Remove any existing live entry for key first (Insert overwrites).
	sp.Remove(key, key)
	if err := sp.Insert(key, inline, longRecord); err == nil {
		h.MarkDirty(t.backend.Timestamp())
		h.Release()
		return nil
	}
	h.Release()
	return t.splitAndInsert(path, key, inline, longRecord)
}

// splitAndInsert splits the leaf at the tail of path, then propagates the
// new separator up through each ancestor index page, splitting those too
// if necessary, finally growing the root when the split reaches the top.
func (t *Tree) splitAndInsert(path []page.ID, key, value []byte, longRecord bool) error {
	leafID := path[len(path)-1]
	lh, err := t.backend.GetExclusive(leafID)
	if err != nil {
		return err
	}
	left := page.WrapSlotted(lh.Bytes())

	rightID, err := t.backend.AllocPage()
	if err != nil {
		lh.Release()
		return err
	}
	rh, err := t.backend.GetExclusive(rightID)
	if err != nil {
		lh.Release()
		return err
	}
	rightBuf := rh.Bytes()
	page.InitSlotted(rightBuf, page.TypeData, rightID, 0)
	right := page.WrapSlotted(rightBuf)

	pivot, separator := left.Split()
	if err := right.CopyRange(left, pivot, left.KeyCount()); err != nil {
		lh.Release()
		rh.Release()
		return err
	}
	// Remove the migrated entries from left by compacting it down to
	// [0, pivot) — Compact() already ran inside Split(); rebuild left with
	// only the kept range.
	kept := make([]page.Entry, 0, pivot)
	for i := 0; i < pivot; i++ {
		if e, ok := left.EntryAt(i); ok {
			kept = append(kept, e)
		}
	}
	oldSibling := left.RightSibling()
	page.InitSlotted(lh.Bytes(), page.TypeData, leafID, 0)
	left = page.WrapSlotted(lh.Bytes())
	for _, e := range kept {
		if err := left.Insert(e.Key, e.Value, e.LongRecord); err != nil {
			lh.Release()
			rh.Release()
			return fmt.Errorf("tree: split rebuild failed: %w", err)
		}
	}

	right.SetRightSibling(oldSibling)
	left.SetRightSibling(rightID)

	target := left
	if bytes.Compare(key, separator) >= 0 {
		target = right
	}
	if err := target.Insert(key, value, longRecord); err != nil {
		lh.Release()
		rh.Release()
		return fmt.Errorf("tree: new key %q still doesn't fit after split: %w", key, err)
	}

	lh.MarkDirty(t.backend.Timestamp())
	rh.MarkDirty(t.backend.Timestamp())
	lh.Release()
	rh.Release()

	return t.propagateSplit(path[:len(path)-1], separator, rightID)
}

// propagateSplit inserts (separator -> rightID) into the parent index
// page, splitting it in turn if needed, until it fits or the root itself
// must grow by one level.
func (t *Tree) propagateSplit(ancestors []page.ID, separator []byte, rightChild page.ID) error {
	if len(ancestors) == 0 {
		return t.growRoot(separator, rightChild)
	}
	parentID := ancestors[len(ancestors)-1]
	ph, err := t.backend.GetExclusive(parentID)
	if err != nil {
		return err
	}
	sp := page.WrapSlotted(ph.Bytes())
	route := make([]byte, 8)
	putU64(route, uint64(rightChild))
	if err := sp.Insert(separator, route, false); err == nil {
		ph.MarkDirty(t.backend.Timestamp())
		ph.Release()
		return nil
	}
	ph.Release()
	return t.splitIndexAndInsert(ancestors, separator, rightChild)
}

func (t *Tree) splitIndexAndInsert(ancestors []page.ID, separator []byte, rightChild page.ID) error {
	parentID := ancestors[len(ancestors)-1]
	ph, err := t.backend.GetExclusive(parentID)
	if err != nil {
		return err
	}
	left := page.WrapSlotted(ph.Bytes())
	level := page.UnmarshalHeader(ph.Bytes()).Level()

	newID, err := t.backend.AllocPage()
	if err != nil {
		ph.Release()
		return err
	}
	nh, err := t.backend.GetExclusive(newID)
	if err != nil {
		ph.Release()
		return err
	}
	page.InitSlotted(nh.Bytes(), page.TypeIndex, newID, level)
	right := page.WrapSlotted(nh.Bytes())

	pivot, sepKey := left.Split()
	right.CopyRange(left, pivot, left.KeyCount())
	kept := make([]page.Entry, 0, pivot)
	for i := 0; i < pivot; i++ {
		if e, ok := left.EntryAt(i); ok {
			kept = append(kept, e)
		}
	}
	page.InitSlotted(ph.Bytes(), page.TypeIndex, parentID, level)
	left = page.WrapSlotted(ph.Bytes())
	for _, e := range kept {
		left.Insert(e.Key, e.Value, false)
	}
	right.SetRightSibling(left.RightSibling())
	left.SetRightSibling(newID)

	route := make([]byte, 8)
	putU64(route, uint64(rightChild))
	target := left
	if bytes.Compare(separator, sepKey) >= 0 {
		target = right
	}
	target.Insert(separator, route, false)

	ph.MarkDirty(t.backend.Timestamp())
	nh.MarkDirty(t.backend.Timestamp())
	ph.Release()
	nh.Release()

	return t.propagateSplit(ancestors[:len(ancestors)-1], sepKey, newID)
}

// growRoot allocates a fresh INDEX page as the new root, routing to the old
// root and its new sibling. This is the only path that increases t.depth.
func (t *Tree) growRoot(separator []byte, rightChild page.ID) error {
	newRootID, err := t.backend.AllocPage()
	if err != nil {
		return err
	}
	h, err := t.backend.GetExclusive(newRootID)
	if err != nil {
		return err
	}
	level := t.depth
	page.InitSlotted(h.Bytes(), page.TypeIndex, newRootID, level)
	sp := page.WrapSlotted(h.Bytes())

	leftRoute := make([]byte, 8)
	putU64(leftRoute, uint64(t.root))
	sp.Insert([]byte{}, leftRoute, false)

	rightRoute := make([]byte, 8)
	putU64(rightRoute, uint64(rightChild))
	sp.Insert(separator, rightRoute, false)

	h.MarkDirty(t.backend.Timestamp())
	h.Release()

	t.root = newRootID
	t.depth++
	return nil
}

// Delete removes key if present, freeing the key's long-record chain
// through FreePage when it has one. A leaf emptied by deletes is not freed,
// and underfull siblings are not merged.
func (t *Tree) Delete(key []byte) (removed bool, err error) {
	path, err := t.findLeaf(key)
	if err != nil {
		return false, err
	}
	leaf := path[len(path)-1]
	h, err := t.backend.GetExclusive(leaf)
	if err != nil {
		return false, err
	}
	sp := page.WrapSlotted(h.Bytes())
	idx := sp.Traverse(page.EQ, key, nil)
	if idx < 0 {
		h.Release()
		return false, nil
	}
	entry, _ := sp.EntryAt(idx)
	if entry.LongRecord {
		d := DecodeDescriptor(entry.Value)
		t.freeLongRecordChain(d.FirstPage)
	}
	sp.Remove(key, key)
	h.MarkDirty(t.backend.Timestamp())
	h.Release()
	return true, nil
}

func (t *Tree) freeLongRecordChain(first page.ID) {
	cur := first
	for cur != page.Invalid {
		h, err := t.backend.GetShared(cur)
		if err != nil {
			return
		}
		next := page.UnmarshalHeader(h.Bytes()).RightSibling
		h.Release()
		t.backend.FreePage(cur)
		cur = next
	}
}

// DeleteRange tombstones every key in [low, high] within every leaf the
// range touches (§6 DR record semantics), following right-sibling links
// until a leaf starting past high is reached.
func (t *Tree) DeleteRange(low, high []byte) (int, error) {
	path, err := t.findLeaf(low)
	if err != nil {
		return 0, err
	}
	leaf := path[len(path)-1]
	total := 0
	for leaf != page.Invalid {
		h, err := t.backend.GetExclusive(leaf)
		if err != nil {
			return total, err
		}
		sp := page.WrapSlotted(h.Bytes())
		n := sp.Remove(low, high)
		total += n
		next := sp.RightSibling()
		if n > 0 {
			h.MarkDirty(t.backend.Timestamp())
		}
		h.Release()
		if next == page.Invalid {
			break
		}
		nh, err := t.backend.GetShared(next)
		if err != nil {
			return total, err
		}
		nsp := page.WrapSlotted(nh.Bytes())
		firstKey := []byte(nil)
		if nsp.KeyCount() > 0 {
			if e, ok := nsp.EntryAt(0); ok {
				firstKey = e.Key
			}
		}
		nh.Release()
		if firstKey != nil && bytes.Compare(firstKey, high) > 0 {
			break
		}
		leaf = next
	}
	return total, nil
}

// Traverse walks leaves starting from the leaf containing fromKey,
// following right-sibling pointers across page boundaries, invoking fn for
// each key/value satisfying dir+filter until fn returns false or the chain
// ends. Because the cursor is a key, not a page pointer, a split occurring
// concurrently on a page already visited cannot cause fn to skip or
// duplicate a pre-existing key (§4.4).
func (t *Tree) Traverse(dir page.Direction, fromKey []byte, filter page.Filter, fn func(key, value []byte) bool) error {
	path, err := t.findLeaf(fromKey)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	cursor := fromKey
	for leaf != page.Invalid {
		h, err := t.backend.GetShared(leaf)
		if err != nil {
			return err
		}
		sp := page.WrapSlotted(h.Bytes())
		for {
			idx := sp.Traverse(normalizeContinuation(dir), cursor, filter)
			if idx < 0 {
				break
			}
			entry, _ := sp.EntryAt(idx)
			value := entry.Value
			if entry.LongRecord {
				d := DecodeDescriptor(entry.Value)
				full, err := t.readLongRecord(d)
				if err != nil {
					h.Release()
					return err
				}
				value = full
			}
			cursor = entry.Key
			if !fn(entry.Key, value) {
				h.Release()
				return nil
			}
			if dir == page.LT || dir == page.LTEQ {
				dir = page.LT
			} else {
				dir = page.GT
			}
		}
		next := sp.RightSibling()
		h.Release()
		if dir == page.LT || dir == page.LTEQ {
			return nil // no left-sibling chain in this layout; single-page backward scan
		}
		leaf = next
	}
	return nil
}

// normalizeContinuation returns dir unchanged. Traverse itself switches
// GTEQ/LTEQ to GT/LT after its first match, so the cursor key is not
// matched again on later pages.
func normalizeContinuation(dir page.Direction) page.Direction {
	switch dir {
	case page.GTEQ:
		return page.GTEQ
	case page.LTEQ:
		return page.LTEQ
	default:
		return dir
	}
}

// Count returns the number of live keys reachable from the tree's leaves
// (diagnostic use only — O(n), walks every leaf).
func (t *Tree) Count() (int, error) {
	count := 0
	err := t.Traverse(page.GT, nil, nil, func(k, v []byte) bool {
		count++
		return true
	})
	return count, err
}
