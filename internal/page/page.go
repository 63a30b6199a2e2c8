// Package page implements the bit-exact on-disk layout for a single
// Persistit-style page: the common header, the page type taxonomy, and the
// CRC32 integrity check shared by every page kind (HEAD, DATA, INDEX,
// LONG_RECORD, GARBAGE). The key-block codec for DATA/INDEX pages lives in
// slotted.go; this file holds the parts every page type needs.
package page

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// DefaultSize is the page size used when a volume spec doesn't pin one.
	DefaultSize = 8192

	// HeaderSize is the size of the common page header in bytes.
	// Layout:
	//   [0]     Type            (1 byte)
	//   [1]     Flags           (1 byte)
	//   [2:4]   Reserved        (2 bytes)
	//   [4:8]   ID              (4 bytes, uint32 LE)
	//   [8:16]  UpdateTimestamp (8 bytes, uint64 LE)
	//   [16:24] RightSibling    (8 bytes, uint64 LE, page ID)
	//   [24:28] CRC32           (4 bytes, uint32 LE)
	//   [28:32] Reserved        (4 bytes)
	HeaderSize = 32

	// Invalid is the null page address — never a valid allocated page.
	Invalid ID = 0
)

// AllowedSizes enumerates the page sizes a volume may be created with (§3).
var AllowedSizes = [...]int{1024, 2048, 4096, 8192, 16384}

// IsAllowedSize reports whether sz is one of AllowedSizes.
func IsAllowedSize(sz int) bool {
	for _, s := range AllowedSizes {
		if s == sz {
			return true
		}
	}
	return false
}

// ID is a page address, unique within one volume. Page 0 is always the head.
type ID uint64

// Timestamp is a monotonically increasing update clock shared by pages and
// transactions (commit timestamps and page update timestamps compare in the
// same space, per §4.7's recovery phase).
type Timestamp uint64

// Type identifies the kind of content a page carries.
type Type uint8

const (
	TypeUnallocated Type = 0x00
	TypeHead        Type = 0x01
	TypeData        Type = 0x02
	// TypeIndex is parameterized by level; level 1..N are encoded as
	// TypeIndex + level in the header's Flags byte (see Level/SetLevel).
	TypeIndex       Type = 0x03
	TypeLongRecord  Type = 0x04
	TypeGarbage     Type = 0x05
)

// String returns a human-readable label for the page type.
func (t Type) String() string {
	switch t {
	case TypeUnallocated:
		return "UNALLOCATED"
	case TypeHead:
		return "HEAD"
	case TypeData:
		return "DATA"
	case TypeIndex:
		return "INDEX"
	case TypeLongRecord:
		return "LONG_RECORD"
	case TypeGarbage:
		return "GARBAGE"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(t))
	}
}

// Header is the 32-byte header present at the start of every page.
type Header struct {
	Type            Type
	Flags           uint8 // low 4 bits: INDEX level, 0 for non-index pages
	Reserved        uint16
	ID              ID
	UpdateTimestamp Timestamp
	RightSibling    ID
	CRC             uint32
}

// Level returns the B+-tree level for an INDEX page (1 == lowest index
// level, directly above the leaves). Meaningless for non-INDEX types.
func (h Header) Level() int { return int(h.Flags & 0x0f) }

// SetLevel packs a B+-tree level into the header's Flags byte.
func (h *Header) SetLevel(level int) { h.Flags = (h.Flags &^ 0x0f) | uint8(level&0x0f) }

// MarshalHeader writes a Header into the first HeaderSize bytes of buf.
func MarshalHeader(h *Header, buf []byte) {
	if len(buf) < HeaderSize {
		panic("buffer too small for page header")
	}
	buf[0] = byte(h.Type)
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:4], h.Reserved)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.ID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.UpdateTimestamp))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.RightSibling))
	binary.LittleEndian.PutUint32(buf[24:28], h.CRC)
}

// UnmarshalHeader reads a Header from the first HeaderSize bytes of buf.
func UnmarshalHeader(buf []byte) Header {
	var h Header
	h.Type = Type(buf[0])
	h.Flags = buf[1]
	h.Reserved = binary.LittleEndian.Uint16(buf[2:4])
	h.ID = ID(binary.LittleEndian.Uint32(buf[4:8]))
	h.UpdateTimestamp = Timestamp(binary.LittleEndian.Uint64(buf[8:16]))
	h.RightSibling = ID(binary.LittleEndian.Uint64(buf[16:24]))
	h.CRC = binary.LittleEndian.Uint32(buf[24:28])
	return h
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeCRC computes the CRC32-C of a full page, treating the CRC field
// (bytes 24:28) as zero during computation.
func ComputeCRC(buf []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(buf[:24])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(buf[28:])
	return h.Sum32()
}

// SetCRC computes and writes the CRC into the page header.
func SetCRC(buf []byte) {
	binary.LittleEndian.PutUint32(buf[24:28], ComputeCRC(buf))
}

// VerifyCRC checks the stored CRC32 against a freshly computed one.
func VerifyCRC(buf []byte) error {
	stored := binary.LittleEndian.Uint32(buf[24:28])
	computed := ComputeCRC(buf)
	if stored != computed {
		id := ID(binary.LittleEndian.Uint32(buf[4:8]))
		return fmt.Errorf("page %d: CRC mismatch stored=%08x computed=%08x", id, stored, computed)
	}
	return nil
}

// New allocates a zeroed page buffer of the given size and writes its header.
func New(size int, t Type, id ID) []byte {
	buf := make([]byte, size)
	h := &Header{Type: t, ID: id}
	MarshalHeader(h, buf)
	return buf
}
