package volume

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/SimonWaldherr/persistitgo/internal/buffer"
	"github.com/SimonWaldherr/persistitgo/internal/page"
)

// ErrVolumeFull is returned when a volume cannot be extended further.
var ErrVolumeFull = fmt.Errorf("volume: VolumeFull")

// DeferQueue is a per-session deferred-deallocation queue (§4.3 allocation
// step 1): runs freed by this session that have not yet been folded into
// the volume's shared garbage chain. Passing a DeferQueue into Alloc lets a
// transaction reuse pages it itself just freed before consulting the
// volume-wide garbage chain.
type DeferQueue struct {
	runs []Run
}

// Defer enqueues a freed run for this session's exclusive reuse.
func (q *DeferQueue) Defer(r Run) { q.runs = append(q.runs, r) }

// popLeft pops one page from the first run, per §4.3 step 1.
func (q *DeferQueue) popLeft() (page.ID, bool) {
	for len(q.runs) > 0 {
		r := q.runs[0]
		if r.Left == r.Right {
			q.runs = q.runs[1:]
			if r.Left == 0 {
				continue
			}
			return r.Left, true
		}
		id := r.Left
		r.Left++
		q.runs[0] = r
		return id, true
	}
	return 0, false
}

// Drain returns and clears all remaining runs, for flushing into the
// shared garbage chain at checkpoint/close.
func (q *DeferQueue) Drain() []Run {
	out := q.runs
	q.runs = nil
	return out
}

// Volume is a single paged file: the allocator, garbage chain, and head
// page described by §4.3. It owns no tree structure itself — trees
// (including the reserved _directory tree) are built on top using the
// tree package, which reads/writes pages through this Volume's Alloc/Free/
// ReadPageRaw/WritePageRaw.
type Volume struct {
	mu   sync.Mutex
	file *os.File
	path string

	id       buffer.VolumeID // in-process handle, assigned by the engine
	pageSize int
	head     *Head

	pool *buffer.Pool
}

// Spec mirrors §6's volume specification fields.
type Spec struct {
	Path           string
	Name           string
	ID             uint64
	BufferSize     int
	InitialPages   uint64
	ExtensionPages uint64
	MaximumPages   uint64
	ReadOnly       bool
	Create         bool
	CreateOnly     bool
	Temporary      bool
}

// ErrInvalidSpec reports a violation of §6's mutual-exclusion rules.
var ErrInvalidSpec = fmt.Errorf("volume: InvalidVolumeSpecification")

// Validate enforces "readOnly, create, createOnly, temporary are mutually
// exclusive" and the allowed buffer size set.
func (s Spec) Validate() error {
	exclusive := 0
	for _, b := range []bool{s.ReadOnly, s.Create, s.CreateOnly, s.Temporary} {
		if b {
			exclusive++
		}
	}
	if exclusive > 1 {
		return ErrInvalidSpec
	}
	if s.BufferSize != 0 && !page.IsAllowedSize(s.BufferSize) {
		return ErrInvalidSpec
	}
	return nil
}

// Open creates (if spec.Create) or opens an existing volume file and reads
// its head page, attaching it to the shared buffer pool handle.
func Open(spec Spec, handle buffer.VolumeID, pool *buffer.Pool) (*Volume, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	bufSize := spec.BufferSize
	if bufSize == 0 {
		bufSize = page.DefaultSize
	}

	flags := os.O_RDWR
	_, statErr := os.Stat(spec.Path)
	exists := statErr == nil
	if !exists {
		if !spec.Create && !spec.CreateOnly {
			return nil, fmt.Errorf("volume: %s does not exist", spec.Path)
		}
		flags |= os.O_CREATE
	} else if spec.CreateOnly {
		return nil, fmt.Errorf("volume: %s already exists (VolumeAlreadyExists)", spec.Path)
	}
	if spec.ReadOnly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(spec.Path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("volume: open %s: %w", spec.Path, err)
	}
	if err := lockFile(f, spec.ReadOnly); err != nil {
		f.Close()
		return nil, err
	}

	v := &Volume{file: f, path: spec.Path, id: handle, pageSize: bufSize, pool: pool}

	if !exists {
		initial := spec.InitialPages
		if initial == 0 {
			initial = 16
		}
		v.head = NewHead(spec.ID, bufSize, initial, spec.MaximumPages, spec.Temporary)
		if spec.ExtensionPages != 0 {
			v.head.ExtensionPages = spec.ExtensionPages
		}
		v.head.PageCount = 0 // extendFile counts the initial pages itself
		if err := v.extendFile(initial); err != nil {
			f.Close()
			return nil, err
		}
		if err := v.writeHeadLocked(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		buf := make([]byte, bufSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("volume: read head page: %w", err)
		}
		h, err := Unmarshal(buf)
		if err != nil {
			f.Close()
			return nil, err
		}
		v.head = h
	}
	return v, nil
}

// ID returns the volume's 64-bit persistent identifier.
func (v *Volume) ID() uint64 { return v.head.ID }

// Handle returns the in-process buffer-pool handle for this volume.
func (v *Volume) Handle() buffer.VolumeID { return v.id }

// PageSize returns the volume's configured page size.
func (v *Volume) PageSize() int { return v.pageSize }

// Head returns a copy of the current head-page metadata.
func (v *Volume) Head() Head {
	v.mu.Lock()
	defer v.mu.Unlock()
	return *v.head
}

// extendFile grows the file by nPages and stamps each new page with a valid
// UNALLOCATED header + CRC, so a first GetExclusive against a freshly
// allocated page passes the buffer pool's CRC check instead of finding a
// zero-filled hole (the OS-extended region reads back as all zero bytes,
// which does not satisfy page.VerifyCRC on its own).
func (v *Volume) extendFile(nPages uint64) error {
	first := v.head.PageCount
	size := int64(v.pageSize) * int64(first+nPages)
	if err := v.file.Truncate(size); err != nil {
		return fmt.Errorf("volume: extend: %w", err)
	}
	blank := make([]byte, v.pageSize)
	for i := uint64(0); i < nPages; i++ {
		id := page.ID(first + i)
		h := &page.Header{Type: page.TypeUnallocated, ID: id}
		page.MarshalHeader(h, blank)
		page.SetCRC(blank)
		off := int64(id) * int64(v.pageSize)
		if _, err := v.file.WriteAt(blank, off); err != nil {
			return fmt.Errorf("volume: stamp new page %d: %w", id, err)
		}
	}
	v.head.PageCount += nPages
	return nil
}

func (v *Volume) writeHeadLocked() error {
	buf := make([]byte, v.pageSize)
	h := &page.Header{Type: page.TypeHead, ID: page.Invalid}
	page.MarshalHeader(h, buf)
	Marshal(v.head, buf)
	page.SetCRC(buf)
	if _, err := v.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("volume: write head: %w", err)
	}
	return nil
}

// Checkpoint flushes the head page and fsyncs the volume file — the final
// step of a checkpoint or close for this volume (§3 lifecycle: "closed ⇒
// flush + fsync + invalidate buffers").
func (v *Volume) Checkpoint() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.writeHeadLocked(); err != nil {
		return err
	}
	return v.file.Sync()
}

// Close flushes and closes the underlying file. Buffer invalidation is the
// caller's responsibility (it owns the shared Pool).
func (v *Volume) Close() error {
	if err := v.Checkpoint(); err != nil {
		return err
	}
	return v.file.Close()
}

// ReadPageRaw reads page id directly from the volume file into dst,
// validating its CRC. Used by buffer.Pool's ReadVolumeFunc.
func (v *Volume) ReadPageRaw(id page.ID, dst []byte) (page.Timestamp, error) {
	off := int64(id) * int64(v.pageSize)
	if _, err := v.file.ReadAt(dst, off); err != nil {
		return 0, fmt.Errorf("volume: read page %d: %w", id, err)
	}
	if err := page.VerifyCRC(dst); err != nil {
		return 0, err
	}
	return page.UnmarshalHeader(dst).UpdateTimestamp, nil
}

// WritePageRaw writes a page image directly to the volume file (forced
// write path: dirty eviction or checkpoint flush).
func (v *Volume) WritePageRaw(id page.ID, buf []byte) error {
	off := int64(id) * int64(v.pageSize)
	if _, err := v.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("volume: write page %d: %w", id, err)
	}
	return nil
}

// Alloc implements §4.3's three-step allocation order. dq may be nil to
// skip the per-session deferred-deallocation step.
func (v *Volume) Alloc(dq *DeferQueue, garbage func(id page.ID) (*GarbagePage, error), allocGarbagePage func() (page.ID, error)) (page.ID, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if dq != nil {
		if id, ok := dq.popLeft(); ok {
			return id, nil
		}
	}

	if v.head.GarbageRoot != page.Invalid && garbage != nil {
		gp, err := garbage(v.head.GarbageRoot)
		if err != nil {
			return 0, err
		}
		id, emptied, ok := gp.PopLeftmostPage()
		if ok {
			if emptied {
				v.head.GarbageRoot = gp.RightSibling()
			}
			return id, nil
		}
	}

	if v.head.PageCount >= v.head.MaximumPages && v.head.MaximumPages != 0 {
		return 0, ErrVolumeFull
	}
	ext := v.head.ExtensionPages
	if v.head.MaximumPages != 0 && v.head.PageCount+ext > v.head.MaximumPages {
		ext = v.head.MaximumPages - v.head.PageCount
		if ext == 0 {
			return 0, ErrVolumeFull
		}
	}
	newID := page.ID(v.head.PageCount)
	if err := v.extendFile(ext); err != nil {
		return 0, err
	}
	if newID > v.head.HighestPageUsed {
		v.head.HighestPageUsed = newID
	}
	return newID, nil
}

// Free appends run r to the volume's shared garbage chain, allocating a
// fresh GARBAGE page via allocGarbagePage if the current root is full or
// absent.
func (v *Volume) Free(r Run, loadGarbage func(id page.ID) (*GarbagePage, error), allocGarbagePage func() (page.ID, *GarbagePage, error)) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.head.GarbageRoot == page.Invalid {
		id, gp, err := allocGarbagePage()
		if err != nil {
			return err
		}
		gp.Push(r)
		v.head.GarbageRoot = id
		return nil
	}
	gp, err := loadGarbage(v.head.GarbageRoot)
	if err != nil {
		return err
	}
	if gp.Push(r) {
		return nil
	}
	id, fresh, err := allocGarbagePage()
	if err != nil {
		return err
	}
	fresh.Push(r)
	fresh.SetRightSibling(v.head.GarbageRoot)
	v.head.GarbageRoot = id
	return nil
}

// SetDirectoryRoot records the root page of the reserved _directory tree.
func (v *Volume) SetDirectoryRoot(id page.ID) {
	v.mu.Lock()
	v.head.DirectoryRoot = id
	v.mu.Unlock()
}

// DirectoryRoot returns the root page of the reserved _directory tree, or
// page.Invalid if none has been created yet.
func (v *Volume) DirectoryRoot() page.ID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.head.DirectoryRoot
}

// BumpFetch, BumpTraverse, BumpStore, BumpRemove maintain the per-operation
// counters in the head page. Traverse and fetch are deliberately kept
// distinct counters — see DESIGN.md Open Question #2.
func (v *Volume) BumpFetch()    { v.mu.Lock(); v.head.FetchCount++; v.mu.Unlock() }
func (v *Volume) BumpTraverse() { v.mu.Lock(); v.head.TraverseCount++; v.mu.Unlock() }
func (v *Volume) BumpStore()    { v.mu.Lock(); v.head.StoreCount++; v.mu.Unlock() }
func (v *Volume) BumpRemove()   { v.mu.Lock(); v.head.RemoveCount++; v.mu.Unlock() }

// now is a seam for tests; real callers use time.Now via the journal/txn
// timestamp allocator instead of this (volume timestamps are page-level,
// assigned by the caller when marking a frame dirty).
var now = time.Now
