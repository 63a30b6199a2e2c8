package page

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Slotted page layout for DATA and INDEX pages (§4.1).
//
//   [0:32]    common Header
//   [32:44]   page-local fields: KeyBlockEnd at [32:34] and AllocOffset at
//             [34:36] (uint16); the rest is unused, and AvailableBytes is
//             computed from these two
//   [44..KeyBlockEnd]         forward-growing array of fixed-width key-blocks
//   [AllocOffset..pageSize]   backward-growing tail: key suffixes + values
//
// Each key-block is 8 bytes:
//   [0:2] tailOffset  — offset into the tail area of (suffix || value)
//   [2]   ebc         — elided-byte count relative to the previous key
//   [3]   disc        — discriminator byte: suffix[0], or 0 if suffix is empty
//   [4:6] suffixLen   — length of the stored key suffix
//   [6:8] valueLen    — length of the value payload; its high bit
//                       (longRecordFlag) marks the payload as a long-record
//                       descriptor
//
// A key-block with tailOffset == 0 is a tombstone (deleted key).

const (
	fieldsOff   = HeaderSize // 32
	fieldsSize  = 12         // 6 x uint16
	keyBlockOff = fieldsOff + fieldsSize // 44

	keyBlockSize = 8

	// longRecordFlag marks valueLen's high bit: the value stored in the
	// tail is a long-record descriptor (pointer + total size), not the
	// literal value.
	longRecordFlag = uint16(1) << 15
)

// KeyBlock is the decoded form of one forward-growing directory entry.
type KeyBlock struct {
	TailOffset  uint16
	EBC         uint8
	Disc        uint8
	SuffixLen   uint16
	ValueLen    uint16
	LongRecord  bool
}

// Slotted wraps a raw page buffer with key-block compression semantics.
type Slotted struct {
	buf  []byte
	size int
}

// WrapSlotted wraps an existing DATA/INDEX page buffer.
func WrapSlotted(buf []byte) *Slotted { return &Slotted{buf: buf, size: len(buf)} }

// InitSlotted initializes buf as an empty DATA or INDEX page.
func InitSlotted(buf []byte, t Type, id ID, level int) *Slotted {
	h := &Header{Type: t, ID: id}
	if t == TypeIndex {
		h.SetLevel(level)
	}
	MarshalHeader(h, buf)
	sp := &Slotted{buf: buf, size: len(buf)}
	sp.setKeyBlockEnd(keyBlockOff)
	sp.setAllocOffset(len(buf))
	return sp
}

func (sp *Slotted) u16(off int) uint16         { return binary.LittleEndian.Uint16(sp.buf[off:]) }
func (sp *Slotted) setU16(off int, v uint16)   { binary.LittleEndian.PutUint16(sp.buf[off:], v) }

func (sp *Slotted) keyBlockEnd() int    { return int(sp.u16(fieldsOff)) }
func (sp *Slotted) setKeyBlockEnd(v int) { sp.setU16(fieldsOff, uint16(v)) }
func (sp *Slotted) allocOffset() int    { return int(sp.u16(fieldsOff + 2)) }
func (sp *Slotted) setAllocOffset(v int) { sp.setU16(fieldsOff+2, uint16(v)) }

// KeyCount returns the number of key-blocks, including tombstones.
func (sp *Slotted) KeyCount() int { return (sp.keyBlockEnd() - keyBlockOff) / keyBlockSize }

// AvailableBytes is the free space between the key-block array and the tail.
func (sp *Slotted) AvailableBytes() int {
	return sp.allocOffset() - sp.keyBlockEnd() - keyBlockSize // reserve room for one more block
}

// RightSibling returns the page's right-sibling pointer from the common header.
func (sp *Slotted) RightSibling() ID { return UnmarshalHeader(sp.buf).RightSibling }

// SetRightSibling updates the right-sibling pointer in the common header.
func (sp *Slotted) SetRightSibling(id ID) {
	binary.LittleEndian.PutUint64(sp.buf[16:24], uint64(id))
}

func (sp *Slotted) blockAt(i int) KeyBlock {
	off := keyBlockOff + i*keyBlockSize
	vl := sp.u16(off + 6)
	return KeyBlock{
		TailOffset: sp.u16(off),
		EBC:        sp.buf[off+2],
		Disc:       sp.buf[off+3],
		SuffixLen:  sp.u16(off + 4),
		ValueLen:   vl &^ longRecordFlag,
		LongRecord: vl&longRecordFlag != 0,
	}
}

func (sp *Slotted) setBlockAt(i int, kb KeyBlock) {
	off := keyBlockOff + i*keyBlockSize
	sp.setU16(off, kb.TailOffset)
	sp.buf[off+2] = kb.EBC
	sp.buf[off+3] = kb.Disc
	sp.setU16(off+4, kb.SuffixLen)
	vl := kb.ValueLen
	if kb.LongRecord {
		vl |= longRecordFlag
	}
	sp.setU16(off+6, vl)
}

func (sp *Slotted) isTombstone(i int) bool { return sp.blockAt(i).TailOffset == 0 }

// suffix returns the stored key suffix for key-block i (the bytes after the
// elided common prefix with the previous live key).
func (sp *Slotted) suffix(i int) []byte {
	kb := sp.blockAt(i)
	return sp.buf[kb.TailOffset : kb.TailOffset+kb.SuffixLen]
}

// value returns the raw value payload (or long-record descriptor) bytes.
func (sp *Slotted) value(i int) []byte {
	kb := sp.blockAt(i)
	start := int(kb.TailOffset) + int(kb.SuffixLen)
	return sp.buf[start : start+int(kb.ValueLen)]
}

// FullKey reconstructs the full key at index i by walking backward through
// elided-prefix chains. Tombstones keep their suffix so reconstruction of
// neighbors is never broken by a deletion; Compact() is required before the
// tombstone's slot can be reused by an unrelated key.
func (sp *Slotted) FullKey(i int) []byte {
	kb := sp.blockAt(i)
	if kb.EBC == 0 {
		return append([]byte{}, sp.suffix(i)...)
	}
	prev := sp.FullKey(i - 1)
	out := make([]byte, 0, int(kb.EBC)+len(sp.suffix(i)))
	out = append(out, prev[:kb.EBC]...)
	out = append(out, sp.suffix(i)...)
	return out
}

// Find locates the key-block index whose key is >= key (first such index),
// via linear scan reconstructing keys (pages are small; a future optimization
// could binary-search using the discriminator byte, but correctness comes
// first). Returns KeyCount() if key is greater than every live key.
func (sp *Slotted) Find(key []byte) int {
	n := sp.KeyCount()
	for i := 0; i < n; i++ {
		if sp.isTombstone(i) {
			continue
		}
		if bytes.Compare(sp.FullKey(i), key) >= 0 {
			return i
		}
	}
	return n
}

// ErrPageFull is returned by Insert when the tail area cannot accommodate
// the new key/value without a split.
var ErrPageFull = fmt.Errorf("page full")

// computeEBC returns the length of the common prefix of a and b.
func computeEBC(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// Insert places key/value in sorted order, computing the elided-byte-count
// against its new predecessor and re-deriving the EBC of its new successor
// via fixupEBC, since the predecessor it elides against has changed.
// Returns ErrPageFull if
// the tail area has no room; the caller must split and retry.
func (sp *Slotted) Insert(key, value []byte, longRecord bool) error {
	idx := sp.Find(key)
	var prevKey []byte
	if idx > 0 {
		prevKey = sp.FullKey(idx - 1)
	}
	ebc := computeEBC(prevKey, key)
	suffix := key[ebc:]
	disc := byte(0)
	if len(suffix) > 0 {
		disc = suffix[0]
	}

	need := len(suffix) + len(value)
	if sp.AvailableBytes() < need+keyBlockSize {
		return ErrPageFull
	}

	newOff := sp.allocOffset() - need
	copy(sp.buf[newOff:], suffix)
	copy(sp.buf[newOff+len(suffix):], value)
	sp.setAllocOffset(newOff)

	// Shift key-blocks at and after idx forward by one slot.
	n := sp.KeyCount()
	sp.setKeyBlockEnd(sp.keyBlockEnd() + keyBlockSize)
	for i := n; i > idx; i-- {
		sp.setBlockAt(i, sp.blockAt(i-1))
	}
	sp.setBlockAt(idx, KeyBlock{
		TailOffset: uint16(newOff),
		EBC:        uint8(ebc),
		Disc:       disc,
		SuffixLen:  uint16(len(suffix)),
		ValueLen:   uint16(len(value)),
		LongRecord: longRecord,
	})

	// The key that used to be at idx (now at idx+1) elided its prefix
	// against prevKey; it must now elide against our new key instead.
	if idx+1 <= n {
		sp.fixupEBC(idx + 1)
	}
	return nil
}

// fixupEBC recomputes key-block i's EBC/disc against its current
// predecessor. If the new EBC is at least the old one, the suffix it needs
// is the tail of the suffix already on disk, so only TailOffset moves
// forward past the newly elided bytes (which stay as dead space until
// Compact runs); otherwise suffix and value are rewritten at the alloc
// offset.
func (sp *Slotted) fixupEBC(i int) {
	if i <= 0 || i >= sp.KeyCount() || sp.isTombstone(i) {
		return
	}
	full := sp.reconstructWithoutSelfEBC(i)
	prev := sp.FullKey(i - 1)
	ebc := computeEBC(prev, full)
	if ebc > len(full) {
		ebc = len(full)
	}
	kb := sp.blockAt(i)
	disc := byte(0)
	if ebc < len(full) {
		disc = full[ebc]
	}
	// The stored suffix holds full[oldEBC:], directly followed by the
	// value. A suffix no longer than that is its trailing part.
	need := full[ebc:]
	if len(need) <= int(kb.SuffixLen) {
		kb.TailOffset += kb.SuffixLen - uint16(len(need))
		kb.EBC = uint8(ebc)
		kb.Disc = disc
		kb.SuffixLen = uint16(len(need))
		sp.setBlockAt(i, kb)
		return
	}
	// Needs more room than the old suffix slot had — write suffix then
	// value fresh at the current alloc offset instead of disturbing later ones.
	val := sp.value(i)
	off := sp.allocOffset() - len(need) - len(val)
	copy(sp.buf[off:], need)
	copy(sp.buf[off+len(need):], val)
	sp.setAllocOffset(off)
	kb.TailOffset = uint16(off)
	kb.EBC = uint8(ebc)
	kb.Disc = disc
	kb.SuffixLen = uint16(len(need))
	sp.setBlockAt(i, kb)
}

// reconstructWithoutSelfEBC rebuilds the full key at i using its *old*
// stored suffix, independent of whatever EBC fixupEBC is about to replace.
func (sp *Slotted) reconstructWithoutSelfEBC(i int) []byte {
	return sp.FullKey(i)
}

// Remove tombstones every live key in [low, high] (inclusive), per §4.4's
// "delete range" contract. Returns the number of keys removed.
func (sp *Slotted) Remove(low, high []byte) int {
	n := sp.KeyCount()
	removed := 0
	for i := 0; i < n; i++ {
		if sp.isTombstone(i) {
			continue
		}
		k := sp.FullKey(i)
		if bytes.Compare(k, low) >= 0 && bytes.Compare(k, high) <= 0 {
			kb := sp.blockAt(i)
			kb.TailOffset = 0
			sp.setBlockAt(i, kb)
			removed++
		}
	}
	return removed
}

// Direction selects traversal order for Traverse.
type Direction int

const (
	GT Direction = iota
	GTEQ
	LT
	LTEQ
	EQ
)

// Filter predicates a candidate key. A nil Filter matches everything.
type Filter func(key []byte) bool

// Traverse returns the index of the next live key satisfying dir relative
// to fromKey and matching filter, or -1 if none exists on this page (the
// caller should follow RightSibling or stop). Traversal reconstructs full
// keys, never page pointers, so mid-traversal splits never corrupt the
// cursor (§4.4).
func (sp *Slotted) Traverse(dir Direction, fromKey []byte, filter Filter) int {
	n := sp.KeyCount()
	switch dir {
	case GT, GTEQ:
		for i := 0; i < n; i++ {
			if sp.isTombstone(i) {
				continue
			}
			k := sp.FullKey(i)
			cmp := bytes.Compare(k, fromKey)
			if (dir == GT && cmp > 0) || (dir == GTEQ && cmp >= 0) {
				if filter == nil || filter(k) {
					return i
				}
			}
		}
	case LT, LTEQ:
		for i := n - 1; i >= 0; i-- {
			if sp.isTombstone(i) {
				continue
			}
			k := sp.FullKey(i)
			cmp := bytes.Compare(k, fromKey)
			if (dir == LT && cmp < 0) || (dir == LTEQ && cmp <= 0) {
				if filter == nil || filter(k) {
					return i
				}
			}
		}
	case EQ:
		for i := 0; i < n; i++ {
			if sp.isTombstone(i) {
				continue
			}
			k := sp.FullKey(i)
			if bytes.Equal(k, fromKey) {
				if filter == nil || filter(k) {
					return i
				}
			}
		}
	}
	return -1
}

// Compact rewrites the tail area densely, dropping tombstones and
// re-deriving every EBC from scratch against the immediately preceding
// live key. Needed before a page can be reused for unrelated keys and
// before splitting (to get an accurate AvailableBytes reading).
func (sp *Slotted) Compact() {
	n := sp.KeyCount()
	type kv struct {
		key   []byte
		value []byte
		long  bool
	}
	live := make([]kv, 0, n)
	for i := 0; i < n; i++ {
		if sp.isTombstone(i) {
			continue
		}
		kb := sp.blockAt(i)
		live = append(live, kv{key: sp.FullKey(i), value: append([]byte{}, sp.value(i)...), long: kb.LongRecord})
	}
	sp.setKeyBlockEnd(keyBlockOff)
	sp.setAllocOffset(sp.size)
	for _, e := range live {
		if err := sp.Insert(e.key, e.value, e.long); err != nil {
			// Compact only ever re-inserts data already present; it fits
			// by construction, so this would indicate caller misuse.
			panic(fmt.Sprintf("compact: re-insert failed: %v", err))
		}
	}
}

// LiveKeyCount returns the number of non-tombstoned key-blocks.
func (sp *Slotted) LiveKeyCount() int {
	n, live := sp.KeyCount(), 0
	for i := 0; i < n; i++ {
		if !sp.isTombstone(i) {
			live++
		}
	}
	return live
}

// Bytes returns the underlying page buffer.
func (sp *Slotted) Bytes() []byte { return sp.buf }

// Split divides the page's live entries at pivot (the index of the first
// key to move right), returning the separator key to install in the
// parent. The caller is responsible for re-initializing a second page
// buffer with the right half's entries via CopyRange.
func (sp *Slotted) Split() (pivot int, separator []byte) {
	sp.Compact()
	n := sp.KeyCount()
	pivot = n / 2
	if pivot == 0 && n > 0 {
		pivot = 1
	}
	separator = sp.FullKey(pivot)
	return pivot, separator
}

// CopyRange copies live key/value pairs [from, to) of src into sp, which
// must already be initialized (InitSlotted) and empty.
func (sp *Slotted) CopyRange(src *Slotted, from, to int) error {
	for i := from; i < to; i++ {
		if src.isTombstone(i) {
			continue
		}
		kb := src.blockAt(i)
		if err := sp.Insert(src.FullKey(i), src.value(i), kb.LongRecord); err != nil {
			return err
		}
	}
	return nil
}

// Entry is a materialized key/value pair used by callers that want the
// whole live contents of a page at once (e.g. FreeAllPages-style walks).
type Entry struct {
	Key        []byte
	Value      []byte
	LongRecord bool
}

// AllEntries returns every live entry on the page in key order.
func (sp *Slotted) AllEntries() []Entry {
	n := sp.KeyCount()
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		if sp.isTombstone(i) {
			continue
		}
		kb := sp.blockAt(i)
		out = append(out, Entry{Key: sp.FullKey(i), Value: append([]byte{}, sp.value(i)...), LongRecord: kb.LongRecord})
	}
	return out
}

// EntryAt returns the live entry at slot i, or ok=false for a tombstone.
func (sp *Slotted) EntryAt(i int) (Entry, bool) {
	if i < 0 || i >= sp.KeyCount() || sp.isTombstone(i) {
		return Entry{}, false
	}
	kb := sp.blockAt(i)
	return Entry{Key: sp.FullKey(i), Value: append([]byte{}, sp.value(i)...), LongRecord: kb.LongRecord}, true
}
