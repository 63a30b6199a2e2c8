package txn

import "encoding/binary"

// Aborted is the commit-timestamp sentinel written for a rolled-back
// transaction's version (§4.6 "Rollback: ... writing a zero-length TX
// with commitTimestamp = ABORTED"). It sorts above every real timestamp
// so a visibility scan never mistakes it for a committed version.
const Aborted uint64 = ^uint64(0)

// Version is one entry in a per-key multi-version value chain: the
// committing transaction's timestamp and the value it wrote (nil for a
// tombstone/delete). Grounded on the teacher's RowVersion, adapted from a
// heap-linked chain (NextVersion pointer) to a flat, serializable slice
// suitable for storage inline in a tree leaf's value bytes.
type Version struct {
	CommitTS uint64
	Deleted  bool
	Value    []byte
}

// EncodeChain serializes versions newest-first into the byte form stored
// as a tree leaf's value. Format: repeated [commitTS uint64][flags
// byte][len uint32][value] records, newest version first so Visible can
// stop at the first match without decoding the whole chain.
func EncodeChain(versions []Version) []byte {
	size := 0
	for _, v := range versions {
		size += 8 + 1 + 4 + len(v.Value)
	}
	buf := make([]byte, size)
	off := 0
	for _, v := range versions {
		binary.LittleEndian.PutUint64(buf[off:], v.CommitTS)
		off += 8
		if v.Deleted {
			buf[off] = 1
		}
		off++
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(v.Value)))
		off += 4
		copy(buf[off:], v.Value)
		off += len(v.Value)
	}
	return buf
}

// DecodeChain parses the value bytes produced by EncodeChain.
func DecodeChain(buf []byte) ([]Version, error) {
	var out []Version
	off := 0
	for off < len(buf) {
		if off+13 > len(buf) {
			return nil, errShortMVVRecord
		}
		ts := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		deleted := buf[off] != 0
		off++
		n := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+n > len(buf) {
			return nil, errShortMVVRecord
		}
		out = append(out, Version{CommitTS: ts, Deleted: deleted, Value: buf[off : off+n : off+n]})
		off += n
	}
	return out, nil
}

var errShortMVVRecord = mvvError("txn: truncated MVV chain")

type mvvError string

func (e mvvError) Error() string { return string(e) }

// CommittedLookup reports whether the transaction that produced ts has
// committed by or before snapshotTS, given a lookup of committed
// transactions' (startTS -> commitTS). committed(ts) returning (0, false)
// means "not committed" (still in flight, or aborted).
type CommittedLookup func(startTS uint64) (commitTS uint64, ok bool)

// Visible walks a newest-first version chain and returns the first
// version visible to a reader whose snapshot timestamp is snapshotTS: its
// own uncommitted writes (ownStartTS matches a version's CommitTS field
// before commit) are always visible; others
// must have committed at or before snapshotTS. Returns ok=false if no
// version is visible (key effectively absent).
func Visible(chain []Version, snapshotTS uint64, ownStartTS uint64) (Version, bool) {
	for _, v := range chain {
		if v.CommitTS == ownStartTS {
			return v, true
		}
		if v.CommitTS == Aborted {
			continue
		}
		if v.CommitTS <= snapshotTS {
			return v, true
		}
	}
	return Version{}, false
}

// Prune removes every version in chain whose CommitTS is Aborted or lies
// strictly below watermark and is shadowed by a newer committed version —
// the pruning pass run after a rollback (§4.6) and opportunistically
// during recovery/checkpoint to bound chain growth.
func Prune(chain []Version, watermark uint64) []Version {
	out := chain[:0:0]
	keptNewest := false
	for _, v := range chain {
		if v.CommitTS == Aborted {
			continue
		}
		if v.CommitTS >= watermark || !keptNewest {
			out = append(out, v)
			if v.CommitTS < watermark {
				keptNewest = true
			}
			continue
		}
	}
	return out
}
