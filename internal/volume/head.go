// Package volume implements the per-file page allocator, free/garbage page
// chains, and head-page metadata of §4.3. Grounded on the teacher's
// internal/storage/pager/superblock.go (head-page layout + CRC validation)
// and freelist.go (linked free-list page mechanics), generalized from a
// flat free-page set to the spec's chain-of-contiguous-runs garbage model.
package volume

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/SimonWaldherr/persistitgo/internal/page"
)

// Head page (page 0) field offsets, starting right after the common
// 32-byte page header.
const (
	hdStatusOff      = page.HeaderSize        // 8 bytes ASCII: "CLEAN \r\n" / "DIRTY \r\n"
	hdSignatureOff   = hdStatusOff + 8         // 8 bytes: "PERSISTI"
	hdVersionOff     = hdSignatureOff + 8      // 4 bytes
	hdBufferSizeOff  = hdVersionOff + 4        // 4 bytes
	hdIDOff          = hdBufferSizeOff + 4     // 8 bytes
	hdHighestUsedOff = hdIDOff + 8             // 8 bytes (page.ID)
	hdPageCountOff   = hdHighestUsedOff + 8    // 8 bytes
	hdExtensionOff   = hdPageCountOff + 8      // 8 bytes (extensionPages)
	hdMaximumOff     = hdExtensionOff + 8      // 8 bytes (maximumPages)
	hdFirstAvailOff  = hdMaximumOff + 8        // 8 bytes
	hdDirRootOff     = hdFirstAvailOff + 8     // 8 bytes (directoryRootPage)
	hdGarbageOff     = hdDirRootOff + 8        // 8 bytes (garbageRoot)
	hdFetchCountOff  = hdGarbageOff + 8        // 8 bytes
	hdTraverseOff    = hdFetchCountOff + 8     // 8 bytes — distinct from fetch (DESIGN.md Open Q #2)
	hdStoreCountOff  = hdTraverseOff + 8       // 8 bytes
	hdRemoveCountOff = hdStoreCountOff + 8     // 8 bytes
	hdTemporaryOff   = hdRemoveCountOff + 8    // 1 byte bool
	hdHeadCRCOff     = hdTemporaryOff + 8      // 4 bytes, trailing CRC of the head-page-specific fields
	headReservedSize = hdHeadCRCOff + 4
)

const (
	signature      = "PERSISTI"
	statusClean    = "CLEAN \r\n"
	statusDirty    = "DIRTY \r\n"
	// FormatVersion is this engine's on-disk head-page format version.
	FormatVersion = 1
)

// Status mirrors §6's "CLEAN \r\n vs DIRTY \r\n" toggle.
type Status uint8

const (
	StatusClean Status = iota
	StatusDirty
)

// Head is the decoded form of page 0.
type Head struct {
	Status         Status
	Version        uint32
	BufferSize     uint32
	ID             uint64 // the volume's unique 64-bit id
	HighestPageUsed page.ID
	PageCount       uint64
	ExtensionPages  uint64
	MaximumPages    uint64
	FirstAvailable  page.ID
	DirectoryRoot   page.ID
	GarbageRoot     page.ID
	FetchCount      uint64
	TraverseCount   uint64
	StoreCount      uint64
	RemoveCount     uint64
	Temporary       bool
}

// NewHead initializes a fresh head page in memory for a newly created volume.
func NewHead(id uint64, bufferSize int, initialPages uint64, maxPages uint64, temporary bool) *Head {
	return &Head{
		Status:         StatusClean,
		Version:        FormatVersion,
		BufferSize:     uint32(bufferSize),
		ID:             id,
		HighestPageUsed: page.ID(0),
		PageCount:      initialPages,
		ExtensionPages: 16,
		MaximumPages:   maxPages,
		FirstAvailable: page.ID(1),
		DirectoryRoot:  page.Invalid,
		GarbageRoot:    page.Invalid,
		Temporary:      temporary,
	}
}

// Marshal writes h into the head page buffer (which already carries the
// common page header at offset 0; Marshal only touches bytes beyond that).
func Marshal(h *Head, buf []byte) {
	if h.Status == StatusClean {
		copy(buf[hdStatusOff:], statusClean)
	} else {
		copy(buf[hdStatusOff:], statusDirty)
	}
	copy(buf[hdSignatureOff:], signature)
	binary.LittleEndian.PutUint32(buf[hdVersionOff:], h.Version)
	binary.LittleEndian.PutUint32(buf[hdBufferSizeOff:], h.BufferSize)
	binary.LittleEndian.PutUint64(buf[hdIDOff:], h.ID)
	binary.LittleEndian.PutUint64(buf[hdHighestUsedOff:], uint64(h.HighestPageUsed))
	binary.LittleEndian.PutUint64(buf[hdPageCountOff:], h.PageCount)
	binary.LittleEndian.PutUint64(buf[hdExtensionOff:], h.ExtensionPages)
	binary.LittleEndian.PutUint64(buf[hdMaximumOff:], h.MaximumPages)
	binary.LittleEndian.PutUint64(buf[hdFirstAvailOff:], uint64(h.FirstAvailable))
	binary.LittleEndian.PutUint64(buf[hdDirRootOff:], uint64(h.DirectoryRoot))
	binary.LittleEndian.PutUint64(buf[hdGarbageOff:], uint64(h.GarbageRoot))
	binary.LittleEndian.PutUint64(buf[hdFetchCountOff:], h.FetchCount)
	binary.LittleEndian.PutUint64(buf[hdTraverseOff:], h.TraverseCount)
	binary.LittleEndian.PutUint64(buf[hdStoreCountOff:], h.StoreCount)
	binary.LittleEndian.PutUint64(buf[hdRemoveCountOff:], h.RemoveCount)
	if h.Temporary {
		buf[hdTemporaryOff] = 1
	} else {
		buf[hdTemporaryOff] = 0
	}
	c := crc32.ChecksumIEEE(buf[hdStatusOff:hdHeadCRCOff])
	binary.LittleEndian.PutUint32(buf[hdHeadCRCOff:], c)
}

// Unmarshal validates and decodes a head page buffer.
func Unmarshal(buf []byte) (*Head, error) {
	if len(buf) < hdHeadCRCOff+4 {
		return nil, fmt.Errorf("volume: head page truncated")
	}
	if string(buf[hdSignatureOff:hdSignatureOff+8]) != signature {
		return nil, fmt.Errorf("volume: bad head signature (corruption)")
	}
	stored := binary.LittleEndian.Uint32(buf[hdHeadCRCOff:])
	computed := crc32.ChecksumIEEE(buf[hdStatusOff:hdHeadCRCOff])
	if stored != computed {
		return nil, fmt.Errorf("volume: head page CRC mismatch (corruption)")
	}
	h := &Head{}
	switch string(buf[hdStatusOff : hdStatusOff+8]) {
	case statusClean:
		h.Status = StatusClean
	case statusDirty:
		h.Status = StatusDirty
	default:
		return nil, fmt.Errorf("volume: unrecognized head status bytes")
	}
	h.Version = binary.LittleEndian.Uint32(buf[hdVersionOff:])
	if h.Version < 1 || h.Version > FormatVersion {
		return nil, fmt.Errorf("volume: unsupported format version %d", h.Version)
	}
	h.BufferSize = binary.LittleEndian.Uint32(buf[hdBufferSizeOff:])
	if !page.IsAllowedSize(int(h.BufferSize)) {
		return nil, fmt.Errorf("volume: disallowed buffer size %d", h.BufferSize)
	}
	h.ID = binary.LittleEndian.Uint64(buf[hdIDOff:])
	h.HighestPageUsed = page.ID(binary.LittleEndian.Uint64(buf[hdHighestUsedOff:]))
	h.PageCount = binary.LittleEndian.Uint64(buf[hdPageCountOff:])
	h.ExtensionPages = binary.LittleEndian.Uint64(buf[hdExtensionOff:])
	h.MaximumPages = binary.LittleEndian.Uint64(buf[hdMaximumOff:])
	h.FirstAvailable = page.ID(binary.LittleEndian.Uint64(buf[hdFirstAvailOff:]))
	h.DirectoryRoot = page.ID(binary.LittleEndian.Uint64(buf[hdDirRootOff:]))
	h.GarbageRoot = page.ID(binary.LittleEndian.Uint64(buf[hdGarbageOff:]))
	h.FetchCount = binary.LittleEndian.Uint64(buf[hdFetchCountOff:])
	h.TraverseCount = binary.LittleEndian.Uint64(buf[hdTraverseOff:])
	h.StoreCount = binary.LittleEndian.Uint64(buf[hdStoreCountOff:])
	h.RemoveCount = binary.LittleEndian.Uint64(buf[hdRemoveCountOff:])
	h.Temporary = buf[hdTemporaryOff] != 0
	return h, nil
}
