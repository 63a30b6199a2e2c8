// Package buffer implements the shared, latched page cache (§4.2). It
// bounds memory consumed by cached pages and coordinates concurrent access
// via reader/writer claims, grounded on the teacher's PageBufferPool LRU
// list (internal/storage/pager/pager.go) generalized with claim discipline
// and per-volume invalidation.
package buffer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SimonWaldherr/persistitgo/internal/page"
)

// ErrInUse is returned when a claim cannot be acquired before its deadline.
var ErrInUse = errors.New("buffer: frame claim timed out (InUse)")

// VolumeID identifies a volume within a running engine instance.
type VolumeID uint32

// Key addresses a single cached page.
type Key struct {
	Volume VolumeID
	Page   page.ID
}

// status bits, mirroring §3's "status bits {VALID, DIRTY, CLAIMED, WRITER, FIXED}".
type status uint8

const (
	statusValid status = 1 << iota
	statusDirty
	statusClaimed
	statusWriter
	statusFixed
)

// Frame is one page-sized slot in the pool.
type Frame struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf    []byte
	key    Key
	status status

	readers   int
	writerID  uint64 // 0 == unclaimed
	timestamp page.Timestamp

	prev, next int // LRU links, -1 == none
	index      int // position in the pool's frame slice
}

// IsDirty reports whether the frame has unwritten modifications.
func (f *Frame) IsDirty() bool { return f.status&statusDirty != 0 }

// Bytes returns the frame's page buffer. The caller must hold a claim.
func (f *Frame) Bytes() []byte { return f.buf }

// Key returns the (volume, page) this frame currently caches.
func (f *Frame) Key() Key { return f.key }

// Stats mirrors §4.2's counter list.
type Stats struct {
	Hit, Miss, New, Evict               uint64
	Write, ForcedWrite, ForcedCheckpoint uint64
	ValidPageCount, DirtyPageCount       int
	ReaderClaimedPageCount               int
	WriterClaimedPageCount               int
	EarliestDirtyTimestamp               page.Timestamp
}

// Loader fetches a page image when it isn't cached: the journal's recent
// page-image index if it covers the address, otherwise the volume file.
// Returning ok=false with a nil error means "not present" (caller must try
// the next source); the pool's load method tries loader first, falling back to reading
// the volume file itself via readVolume.
type Loader func(k Key) (buf []byte, ts page.Timestamp, ok bool, err error)

// ReadVolumeFunc reads a page directly from its volume file.
type ReadVolumeFunc func(k Key, into []byte) (page.Timestamp, error)

// WriteVolumeFunc writes a page directly to its volume file (a forced or
// dirty-eviction write).
type WriteVolumeFunc func(k Key, buf []byte) error

// Pool is a fixed set of page-sized frames shared across volumes.
type Pool struct {
	mu sync.Mutex

	pageSize int
	frames   []*Frame
	index    map[Key]int // key -> frame index

	lruHead, lruTail int // most-recent .. least-recent, -1 == empty
	free             []int

	stats Stats

	readVolume  ReadVolumeFunc
	writeVolume WriteVolumeFunc

	claimTimeout time.Duration
}

// Config configures a Pool.
type Config struct {
	PageSize     int
	Frames       int
	ClaimTimeout time.Duration
	ReadVolume   ReadVolumeFunc
	WriteVolume  WriteVolumeFunc
}

// New constructs a Pool with n invalid frames, all initially on the
// invalid-frame list.
func New(cfg Config) *Pool {
	if cfg.Frames <= 0 {
		cfg.Frames = 1024
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Second
	}
	p := &Pool{
		pageSize:     cfg.PageSize,
		frames:       make([]*Frame, cfg.Frames),
		index:        make(map[Key]int, cfg.Frames),
		lruHead:      -1,
		lruTail:      -1,
		readVolume:   cfg.ReadVolume,
		writeVolume:  cfg.WriteVolume,
		claimTimeout: cfg.ClaimTimeout,
	}
	for i := range p.frames {
		f := &Frame{buf: make([]byte, cfg.PageSize), prev: -1, next: -1, index: i}
		f.cond = sync.NewCond(&f.mu)
		p.frames[i] = f
		p.free = append(p.free, i)
	}
	return p
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	for _, f := range p.frames {
		f.mu.Lock()
		if f.status&statusValid != 0 {
			st.ValidPageCount++
		}
		if f.status&statusDirty != 0 {
			st.DirtyPageCount++
		}
		f.mu.Unlock()
	}
	return st
}

// lruUnlink / lruPushFront operate on p.frames under p.mu.
func (p *Pool) lruUnlink(i int) {
	f := p.frames[i]
	if f.prev >= 0 {
		p.frames[f.prev].next = f.next
	} else {
		p.lruHead = f.next
	}
	if f.next >= 0 {
		p.frames[f.next].prev = f.prev
	} else {
		p.lruTail = f.prev
	}
	f.prev, f.next = -1, -1
}

func (p *Pool) lruPushFront(i int) {
	f := p.frames[i]
	f.next = p.lruHead
	f.prev = -1
	if p.lruHead >= 0 {
		p.frames[p.lruHead].prev = i
	}
	p.lruHead = i
	if p.lruTail < 0 {
		p.lruTail = i
	}
}

func (p *Pool) lruTouch(i int) {
	p.lruUnlink(i)
	p.lruPushFront(i)
}

// evictOne picks the least-recently-used unclaimed, non-FIXED frame,
// flushing it if dirty. Returns -1 if nothing can be evicted.
func (p *Pool) evictOne() (int, error) {
	for i := p.lruTail; i >= 0; i = p.frames[i].prev {
		f := p.frames[i]
		f.mu.Lock()
		if f.status&statusFixed != 0 || f.status&statusClaimed != 0 {
			f.mu.Unlock()
			continue
		}
		if f.status&statusDirty != 0 {
			if p.writeVolume == nil {
				f.mu.Unlock()
				return -1, fmt.Errorf("buffer: dirty frame %v needs flush but no volume writer configured", f.key)
			}
			if err := p.writeVolume(f.key, f.buf); err != nil {
				f.mu.Unlock()
				return -1, fmt.Errorf("buffer: forced write during eviction: %w", err)
			}
			p.stats.ForcedWrite++
			f.status &^= statusDirty
		}
		delete(p.index, f.key)
		p.lruUnlink(i)
		f.status = 0
		f.readers = 0
		f.writerID = 0
		f.mu.Unlock()
		p.stats.Evict++
		return i, nil
	}
	return -1, nil
}

// acquireFrame returns a frame index ready to be populated for key k: an
// existing hit, an invalid (never-used) frame, or an evicted LRU victim.
func (p *Pool) acquireFrame(k Key) (int, bool, error) {
	if i, ok := p.index[k]; ok {
		p.stats.Hit++
		p.lruTouch(i)
		return i, true, nil
	}
	if len(p.free) > 0 {
		i := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.stats.Miss++
		p.index[k] = i
		p.lruPushFront(i)
		return i, false, nil
	}
	i, err := p.evictOne()
	if err != nil {
		return -1, false, err
	}
	if i < 0 {
		return -1, false, fmt.Errorf("buffer: no invalid or evictable frame available (BufferUnavailable)")
	}
	p.stats.Miss++
	p.index[k] = i
	p.lruPushFront(i)
	return i, false, nil
}

// Handle is a scoped claim on a frame; Release must be called exactly once.
type Handle struct {
	pool    *Pool
	frame   *Frame
	writer  bool
}

// Frame returns the underlying frame for direct buffer access.
func (h *Handle) Frame() *Frame { return h.frame }

// Bytes returns the claimed frame's page buffer directly — a convenience
// so callers that only need byte access (e.g. the tree package's Backend
// interface) don't need to know about Frame.
func (h *Handle) Bytes() []byte { return h.frame.buf }

// MarkDirty flags the frame dirty; only valid while holding a writer claim.
func (h *Handle) MarkDirty(ts page.Timestamp) {
	h.frame.mu.Lock()
	h.frame.status |= statusDirty
	h.frame.timestamp = ts
	h.frame.mu.Unlock()
}

// Release drops the claim, waking any waiters.
func (h *Handle) Release() {
	f := h.frame
	f.mu.Lock()
	if h.writer {
		f.writerID = 0
		f.status &^= statusWriter
	} else {
		f.readers--
	}
	if f.readers == 0 && f.writerID == 0 {
		f.status &^= statusClaimed
	}
	f.cond.Broadcast()
	f.mu.Unlock()
}

// GetShared acquires a reader claim on (loading if necessary) the page at k,
// calling loader/readVolume as needed. Fails with ErrInUse if a conflicting
// writer claim isn't released before the pool's claim timeout.
func (p *Pool) GetShared(k Key, loader Loader) (*Handle, error) {
	return p.claim(k, loader, false)
}

// GetExclusive acquires a writer claim, suspending the caller if another
// thread already holds it.
func (p *Pool) GetExclusive(k Key, loader Loader) (*Handle, error) {
	return p.claim(k, loader, true)
}

func (p *Pool) claim(k Key, loader Loader, writer bool) (*Handle, error) {
	p.mu.Lock()
	i, hit, err := p.acquireFrame(k)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	f := p.frames[i]
	p.mu.Unlock()

	if !hit {
		if err := p.load(f, k, loader); err != nil {
			p.mu.Lock()
			delete(p.index, k)
			p.lruUnlink(i)
			p.free = append(p.free, i)
			p.mu.Unlock()
			return nil, err
		}
	}

	deadline := time.Now().Add(p.claimTimeout)
	f.mu.Lock()
	for {
		if writer {
			if f.writerID == 0 && f.readers == 0 {
				f.writerID = 1
				f.status |= statusClaimed | statusWriter
				break
			}
		} else {
			if f.writerID == 0 {
				f.readers++
				f.status |= statusClaimed
				break
			}
		}
		if time.Now().After(deadline) {
			f.mu.Unlock()
			return nil, ErrInUse
		}
		waitUntil(f.cond, deadline)
	}
	f.mu.Unlock()

	return &Handle{pool: p, frame: f, writer: writer}, nil
}

// waitUntil wakes cond.Wait() at or before deadline by racing a timer
// goroutine against the broadcast from Release.
func waitUntil(cond *sync.Cond, deadline time.Time) {
	done := make(chan struct{})
	timer := time.AfterFunc(time.Until(deadline), func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	go func() { <-done }()
	cond.Wait()
	close(done)
}

func (p *Pool) load(f *Frame, k Key, loader Loader) error {
	var buf []byte
	var ts page.Timestamp
	var ok bool
	var err error
	if loader != nil {
		buf, ts, ok, err = loader(k)
		if err != nil {
			return err
		}
	}
	if !ok {
		if p.readVolume == nil {
			return fmt.Errorf("buffer: page %v not cached and no volume reader configured", k)
		}
		ts, err = p.readVolume(k, f.buf)
		if err != nil {
			return err
		}
	} else {
		copy(f.buf, buf)
	}
	if err := page.VerifyCRC(f.buf); err != nil {
		return fmt.Errorf("buffer: load %v: %w", k, err)
	}
	f.mu.Lock()
	f.key = k
	f.status = statusValid
	f.timestamp = ts
	f.mu.Unlock()
	return nil
}

// Fix marks a frame FIXED (never evicted) — used for head pages.
func (h *Handle) Fix() {
	h.frame.mu.Lock()
	h.frame.status |= statusFixed
	h.frame.mu.Unlock()
}

// Invalidate drops every frame belonging to vol, failing if any frame still
// carries an outstanding claim. The caller retries with backoff (§4.2).
func (p *Pool) Invalidate(vol VolumeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var held []Key
	for k, i := range p.index {
		if k.Volume != vol {
			continue
		}
		f := p.frames[i]
		f.mu.Lock()
		claimed := f.status&statusClaimed != 0
		f.mu.Unlock()
		if claimed {
			held = append(held, k)
			continue
		}
	}
	if len(held) > 0 {
		return fmt.Errorf("buffer: %d frames for volume %d still claimed", len(held), vol)
	}
	for k, i := range p.index {
		if k.Volume != vol {
			continue
		}
		p.lruUnlink(i)
		p.frames[i].status = 0
		delete(p.index, k)
		p.free = append(p.free, i)
	}
	return nil
}
