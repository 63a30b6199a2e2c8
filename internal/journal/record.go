// Package journal implements the write-ahead journal manager (§4.5): a
// typed, length-prefixed, append-only record stream split across
// generation files, with a background flusher and copier and a
// throughput-sensitive IO meter. Grounded on the teacher's single-record
// WAL (internal/storage/pager/wal.go) — records after a header (here the
// file's leading JH record), same CRC-over-header-and-payload discipline — generalized from
// one physical PAGE_IMAGE record type to the spec's typed record set.
package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Magic and FileHeaderSize are not written to journal files: each
// generation file begins directly with its JH record. Version is bumped
// on incompatible record-format changes.
const (
	Magic          = "PJRNL001"
	Version        = uint32(1)
	FileHeaderSize = 64
	recordHdrSize  = 17 // type(1) + length(4) + timestamp(8) + crc(4)
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Type identifies the kind of journal record, per §4.5's record table.
type Type uint8

const (
	TypeJH Type = iota + 1 // journal/file header
	TypeJE                 // journal-end marker
	TypeIV                 // identify volume
	TypeIT                 // identify tree
	TypePA                 // page image
	TypePM                 // page-map snapshot
	TypeTM                 // transaction-map snapshot
	TypeTX                 // transaction update chunk
	TypeSR                 // store record
	TypeDR                 // delete range
	TypeDT                 // delete tree
	TypeD0                 // accumulator delta (unsigned)
	TypeD1                 // accumulator delta (signed)
	TypeCP                 // checkpoint
)

func (t Type) String() string {
	switch t {
	case TypeJH:
		return "JH"
	case TypeJE:
		return "JE"
	case TypeIV:
		return "IV"
	case TypeIT:
		return "IT"
	case TypePA:
		return "PA"
	case TypePM:
		return "PM"
	case TypeTM:
		return "TM"
	case TypeTX:
		return "TX"
	case TypeSR:
		return "SR"
	case TypeDR:
		return "DR"
	case TypeDT:
		return "DT"
	case TypeD0:
		return "D0"
	case TypeD1:
		return "D1"
	case TypeCP:
		return "CP"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Address is a 64-bit monotonically increasing journal address; the
// containing file and within-file offset are address/blockSize and
// address%blockSize.
type Address uint64

// Record is the in-memory form of one journal record: a typed,
// timestamped payload. Payload encoding is record-type specific and left
// to the journal/txn/recovery callers — this package only frames it.
type Record struct {
	Type      Type
	Timestamp int64 // unix nanos, assigned by the writer at append time
	Address   Address
	Payload   []byte
}

// Marshal encodes rec (without its Address, which is a property of where
// it landed in the stream, not its payload) into a self-contained,
// CRC-protected frame.
func Marshal(rec *Record) []byte {
	buf := make([]byte, recordHdrSize+len(rec.Payload))
	buf[0] = byte(rec.Type)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(rec.Payload)))
	binary.LittleEndian.PutUint64(buf[5:13], uint64(rec.Timestamp))
	// CRC placeholder at [13:17]
	copy(buf[recordHdrSize:], rec.Payload)
	h := crc32.New(crcTable)
	h.Write(buf[:13])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(buf[recordHdrSize:])
	binary.LittleEndian.PutUint32(buf[13:17], h.Sum32())
	return buf
}

// Unmarshal decodes one record frame from buf, returning the number of
// bytes consumed. Returns an error (io.ErrUnexpectedEOF-shaped) if buf is
// too short to contain a full frame, which callers treat as a crash-torn
// tail rather than a hard failure.
func Unmarshal(buf []byte) (*Record, int, error) {
	if len(buf) < recordHdrSize {
		return nil, 0, fmt.Errorf("journal: short record header (%d bytes)", len(buf))
	}
	payloadLen := int(binary.LittleEndian.Uint32(buf[1:5]))
	total := recordHdrSize + payloadLen
	if len(buf) < total {
		return nil, 0, fmt.Errorf("journal: truncated record (need %d have %d)", total, len(buf))
	}
	storedCRC := binary.LittleEndian.Uint32(buf[13:17])
	h := crc32.New(crcTable)
	h.Write(buf[:13])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(buf[recordHdrSize:total])
	if h.Sum32() != storedCRC {
		return nil, 0, fmt.Errorf("journal: record CRC mismatch")
	}
	rec := &Record{
		Type:      Type(buf[0]),
		Timestamp: int64(binary.LittleEndian.Uint64(buf[5:13])),
		Payload:   append([]byte(nil), buf[recordHdrSize:total]...),
	}
	return rec, total, nil
}

// --- Payload codecs for the fixed-shape record types ---

// JHPayload is the contents of a journal/file header record.
type JHPayload struct {
	Version           uint32
	BlockSize         uint64
	BaseAddress       Address
	CurrentAddress    Address
	JournalCreated    int64
	FileCreated       int64
	InstanceID        [16]byte // uuid bytes, disambiguates journals sharing a directory
	IdentityDigest    [16]byte // blake2b-128 of (JournalCreated, InstanceID)
}

func EncodeJH(p JHPayload) []byte {
	buf := make([]byte, 4+8+8+8+8+8+16+16)
	binary.LittleEndian.PutUint32(buf[0:4], p.Version)
	binary.LittleEndian.PutUint64(buf[4:12], p.BlockSize)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(p.BaseAddress))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(p.CurrentAddress))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(p.JournalCreated))
	binary.LittleEndian.PutUint64(buf[36:44], uint64(p.FileCreated))
	copy(buf[44:60], p.InstanceID[:])
	copy(buf[60:76], p.IdentityDigest[:])
	return buf
}

func DecodeJH(buf []byte) (JHPayload, error) {
	var p JHPayload
	if len(buf) < 76 {
		return p, fmt.Errorf("journal: short JH payload")
	}
	p.Version = binary.LittleEndian.Uint32(buf[0:4])
	p.BlockSize = binary.LittleEndian.Uint64(buf[4:12])
	p.BaseAddress = Address(binary.LittleEndian.Uint64(buf[12:20]))
	p.CurrentAddress = Address(binary.LittleEndian.Uint64(buf[20:28]))
	p.JournalCreated = int64(binary.LittleEndian.Uint64(buf[28:36]))
	p.FileCreated = int64(binary.LittleEndian.Uint64(buf[36:44]))
	copy(p.InstanceID[:], buf[44:60])
	copy(p.IdentityDigest[:], buf[60:76])
	return p, nil
}

// JEPayload is the contents of a journal-end marker.
type JEPayload struct {
	BaseAddress    Address
	CurrentAddress Address
}

func EncodeJE(p JEPayload) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.BaseAddress))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(p.CurrentAddress))
	return buf
}

func DecodeJE(buf []byte) (JEPayload, error) {
	var p JEPayload
	if len(buf) < 16 {
		return p, fmt.Errorf("journal: short JE payload")
	}
	p.BaseAddress = Address(binary.LittleEndian.Uint64(buf[0:8]))
	p.CurrentAddress = Address(binary.LittleEndian.Uint64(buf[8:16]))
	return p, nil
}

// IVPayload identifies a volume handle.
type IVPayload struct {
	Handle uint32
	ID     uint64
	Name   string
}

func EncodeIV(p IVPayload) []byte {
	nb := []byte(p.Name)
	buf := make([]byte, 4+8+4+len(nb))
	binary.LittleEndian.PutUint32(buf[0:4], p.Handle)
	binary.LittleEndian.PutUint64(buf[4:12], p.ID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(nb)))
	copy(buf[16:], nb)
	return buf
}

func DecodeIV(buf []byte) (IVPayload, error) {
	var p IVPayload
	if len(buf) < 16 {
		return p, fmt.Errorf("journal: short IV payload")
	}
	p.Handle = binary.LittleEndian.Uint32(buf[0:4])
	p.ID = binary.LittleEndian.Uint64(buf[4:12])
	n := int(binary.LittleEndian.Uint32(buf[12:16]))
	if len(buf) < 16+n {
		return p, fmt.Errorf("journal: short IV name")
	}
	p.Name = string(buf[16 : 16+n])
	return p, nil
}

// ITPayload identifies a tree handle within a volume.
type ITPayload struct {
	Handle       uint32
	VolumeHandle uint32
	TreeName     string
}

func EncodeIT(p ITPayload) []byte {
	nb := []byte(p.TreeName)
	buf := make([]byte, 4+4+4+len(nb))
	binary.LittleEndian.PutUint32(buf[0:4], p.Handle)
	binary.LittleEndian.PutUint32(buf[4:8], p.VolumeHandle)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(nb)))
	copy(buf[12:], nb)
	return buf
}

func DecodeIT(buf []byte) (ITPayload, error) {
	var p ITPayload
	if len(buf) < 12 {
		return p, fmt.Errorf("journal: short IT payload")
	}
	p.Handle = binary.LittleEndian.Uint32(buf[0:4])
	p.VolumeHandle = binary.LittleEndian.Uint32(buf[4:8])
	n := int(binary.LittleEndian.Uint32(buf[8:12]))
	if len(buf) < 12+n {
		return p, fmt.Errorf("journal: short IT name")
	}
	p.TreeName = string(buf[12 : 12+n])
	return p, nil
}

// PAPayload is a full page image, the unit recovery reassembles
// long-record chains and restores dirty pages from.
type PAPayload struct {
	VolumeHandle uint32
	PageAddress  uint64
	Image        []byte
}

func EncodePA(p PAPayload) []byte {
	buf := make([]byte, 4+8+4+len(p.Image))
	binary.LittleEndian.PutUint32(buf[0:4], p.VolumeHandle)
	binary.LittleEndian.PutUint64(buf[4:12], p.PageAddress)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(p.Image)))
	copy(buf[16:], p.Image)
	return buf
}

func DecodePA(buf []byte) (PAPayload, error) {
	var p PAPayload
	if len(buf) < 16 {
		return p, fmt.Errorf("journal: short PA payload")
	}
	p.VolumeHandle = binary.LittleEndian.Uint32(buf[0:4])
	p.PageAddress = binary.LittleEndian.Uint64(buf[4:12])
	n := int(binary.LittleEndian.Uint32(buf[12:16]))
	if len(buf) < 16+n {
		return p, fmt.Errorf("journal: short PA image")
	}
	p.Image = append([]byte(nil), buf[16:16+n]...)
	return p, nil
}

// SRPayload is a store record: a single key's fully prepared leaf bytes
// within a transaction's TX chunk. Value is already the exact bytes the
// leaf will hold — either a short MVV chain or a long-record Descriptor —
// because the commit path (§4.6 step 2) pre-materializes any oversize
// long-record chain and journals the compact Descriptor in its place, never
// the raw value a second time. LongRecord tells a replayer which case it
// is, so it can insert Value as-is without re-deriving it.
type SRPayload struct {
	TreeHandle uint32
	Key        []byte
	Value      []byte
	LongRecord bool
}

func EncodeSR(p SRPayload) []byte {
	buf := make([]byte, 4+4+len(p.Key)+4+len(p.Value)+1)
	binary.LittleEndian.PutUint32(buf[0:4], p.TreeHandle)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(p.Key)))
	off := 8
	copy(buf[off:], p.Key)
	off += len(p.Key)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(p.Value)))
	off += 4
	copy(buf[off:], p.Value)
	off += len(p.Value)
	if p.LongRecord {
		buf[off] = 1
	}
	return buf
}

func DecodeSR(buf []byte) (SRPayload, error) {
	var p SRPayload
	if len(buf) < 8 {
		return p, fmt.Errorf("journal: short SR payload")
	}
	p.TreeHandle = binary.LittleEndian.Uint32(buf[0:4])
	klen := int(binary.LittleEndian.Uint32(buf[4:8]))
	off := 8
	if len(buf) < off+klen+4 {
		return p, fmt.Errorf("journal: short SR key/vlen")
	}
	p.Key = append([]byte(nil), buf[off:off+klen]...)
	off += klen
	vlen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+vlen {
		return p, fmt.Errorf("journal: short SR value")
	}
	p.Value = append([]byte(nil), buf[off:off+vlen]...)
	off += vlen
	if len(buf) > off {
		p.LongRecord = buf[off] != 0
	}
	return p, nil
}

// DRPayload is a delete-range record.
type DRPayload struct {
	TreeHandle      uint32
	KeyLow, KeyHigh []byte
}

func EncodeDR(p DRPayload) []byte {
	buf := make([]byte, 4+4+len(p.KeyLow)+4+len(p.KeyHigh))
	binary.LittleEndian.PutUint32(buf[0:4], p.TreeHandle)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(p.KeyLow)))
	off := 8
	copy(buf[off:], p.KeyLow)
	off += len(p.KeyLow)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(p.KeyHigh)))
	off += 4
	copy(buf[off:], p.KeyHigh)
	return buf
}

func DecodeDR(buf []byte) (DRPayload, error) {
	var p DRPayload
	if len(buf) < 8 {
		return p, fmt.Errorf("journal: short DR payload")
	}
	p.TreeHandle = binary.LittleEndian.Uint32(buf[0:4])
	n := int(binary.LittleEndian.Uint32(buf[4:8]))
	off := 8
	if len(buf) < off+n+4 {
		return p, fmt.Errorf("journal: short DR keyLow/vlen")
	}
	p.KeyLow = append([]byte(nil), buf[off:off+n]...)
	off += n
	n2 := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+n2 {
		return p, fmt.Errorf("journal: short DR keyHigh")
	}
	p.KeyHigh = append([]byte(nil), buf[off:off+n2]...)
	return p, nil
}

// DTPayload deletes an entire tree.
type DTPayload struct {
	TreeHandle uint32
}

func EncodeDT(p DTPayload) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, p.TreeHandle)
	return buf
}

func DecodeDT(buf []byte) (DTPayload, error) {
	var p DTPayload
	if len(buf) < 4 {
		return p, fmt.Errorf("journal: short DT payload")
	}
	p.TreeHandle = binary.LittleEndian.Uint32(buf)
	return p, nil
}

// DeltaPayload is an accumulator delta (D0 unsigned / D1 signed, per the
// record-type table; both share this shape and are told apart by Type).
type DeltaPayload struct {
	TreeHandle uint32
	Index      uint32
	Kind       uint8
	Value      int64
}

func EncodeDelta(p DeltaPayload) []byte {
	buf := make([]byte, 4+4+1+8)
	binary.LittleEndian.PutUint32(buf[0:4], p.TreeHandle)
	binary.LittleEndian.PutUint32(buf[4:8], p.Index)
	buf[8] = p.Kind
	binary.LittleEndian.PutUint64(buf[9:17], uint64(p.Value))
	return buf
}

func DecodeDelta(buf []byte) (DeltaPayload, error) {
	var p DeltaPayload
	if len(buf) < 17 {
		return p, fmt.Errorf("journal: short delta payload")
	}
	p.TreeHandle = binary.LittleEndian.Uint32(buf[0:4])
	p.Index = binary.LittleEndian.Uint32(buf[4:8])
	p.Kind = buf[8]
	p.Value = int64(binary.LittleEndian.Uint64(buf[9:17]))
	return p, nil
}

// TXPayload is a transaction update chunk: a commit's metadata plus its
// inner SR/DR/DT/D0/D1 records, framed with the same Marshal/Unmarshal
// codec used for top-level journal records so decoding a TX chunk is
// just repeated Unmarshal calls over its payload.
type TXPayload struct {
	StartTS          uint64
	CommitTS         uint64
	BackchainAddress Address
	Inner            []Record
}

func EncodeTX(p TXPayload) []byte {
	head := make([]byte, 24)
	binary.LittleEndian.PutUint64(head[0:8], p.StartTS)
	binary.LittleEndian.PutUint64(head[8:16], p.CommitTS)
	binary.LittleEndian.PutUint64(head[16:24], uint64(p.BackchainAddress))
	var body []byte
	for i := range p.Inner {
		body = append(body, Marshal(&p.Inner[i])...)
	}
	return append(head, body...)
}

func DecodeTX(buf []byte) (TXPayload, error) {
	var p TXPayload
	if len(buf) < 24 {
		return p, fmt.Errorf("journal: short TX payload")
	}
	p.StartTS = binary.LittleEndian.Uint64(buf[0:8])
	p.CommitTS = binary.LittleEndian.Uint64(buf[8:16])
	p.BackchainAddress = Address(binary.LittleEndian.Uint64(buf[16:24]))
	rest := buf[24:]
	for len(rest) > 0 {
		rec, n, err := Unmarshal(rest)
		if err != nil {
			return p, fmt.Errorf("journal: decode TX inner record: %w", err)
		}
		p.Inner = append(p.Inner, *rec)
		rest = rest[n:]
	}
	return p, nil
}

// CPPayload is a checkpoint marker. CheckpointTS is the txn engine's
// logical clock value at the moment of the checkpoint — the timestamp
// recovery compares transaction commit timestamps against when deciding
// what is already durable on the volume versus what phase 2 must replay.
// SystemTimeMillis/BaseAddress are wall-clock/journal-address metadata
// for management introspection and base advancement, not used for
// transaction ordering.
type CPPayload struct {
	SystemTimeMillis int64
	BaseAddress      Address
	CheckpointTS     uint64
}

func EncodeCP(p CPPayload) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.SystemTimeMillis))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(p.BaseAddress))
	binary.LittleEndian.PutUint64(buf[16:24], p.CheckpointTS)
	return buf
}

func DecodeCP(buf []byte) (CPPayload, error) {
	var p CPPayload
	if len(buf) < 16 {
		return p, fmt.Errorf("journal: short CP payload")
	}
	p.SystemTimeMillis = int64(binary.LittleEndian.Uint64(buf[0:8]))
	p.BaseAddress = Address(binary.LittleEndian.Uint64(buf[8:16]))
	if len(buf) >= 24 {
		p.CheckpointTS = binary.LittleEndian.Uint64(buf[16:24])
	}
	return p, nil
}
