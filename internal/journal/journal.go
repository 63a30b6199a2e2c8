package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/blake2b"
)

// Mode selects the copier's throttling behavior (§4.5 "Modes").
type Mode int

const (
	ModeNormal Mode = iota
	ModeAppendOnly
	ModeFastCopying
)

// DirtyPage is one page the copier can write back to its volume.
type DirtyPage struct {
	VolumeHandle uint32
	PageAddress  uint64
	Image        []byte
	JournalAddr  Address
}

// CopierSource decouples the copier from the buffer pool's concrete type:
// Drain returns pages due for write-back (the in-memory page-image index
// entries older than the current base) and WriteBack performs the physical
// write.
type CopierSource interface {
	Drain(max int) []DirtyPage
	WriteBack(DirtyPage) error
}

// Config configures a Manager.
type Config struct {
	Dir       string
	Prefix    string
	BlockSize uint64 // journal file rollover threshold, in bytes

	FlushInterval           time.Duration // flusher tick (hard policy still flushes on demand)
	CheckpointCron          string        // cron.WithSeconds() expression; empty disables scheduled checkpoints
	QuiescentThresholdKBps  float64       // copier accelerates below this rate (§4.5 default 100)
	Copier                  CopierSource
	OnCheckpoint            func(m *Manager) error // the full checkpoint operation, invoked on the cron tick; should call m.Checkpoint(ts) itself
}

// Manager is the journal writer/flusher/copier ensemble (§4.5).
type Manager struct {
	cfg Config

	mu             sync.Mutex
	file           *os.File
	generation     uint64
	fileBase       Address // address of this file's first byte
	currentAddress Address
	baseAddress    Address // records below this are no longer required for recovery
	instanceID     [16]byte
	journalCreated int64

	mode Mode

	flushCond      *sync.Cond
	flushedAddress Address
	flushRequested bool
	closed         bool

	ioMeter *IOMeter
	cron    *cron.Cron

	wg sync.WaitGroup
}

// Open creates the journal directory if needed and opens (or creates) the
// first generation file, starting the flusher and copier goroutines.
func Open(cfg Config) (*Manager, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 256 << 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 50 * time.Millisecond
	}
	if cfg.QuiescentThresholdKBps <= 0 {
		cfg.QuiescentThresholdKBps = 100
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("journal: mkdir %s: %w", cfg.Dir, err)
	}

	m := &Manager{
		cfg:            cfg,
		journalCreated: time.Now().UnixNano(),
		ioMeter:        NewIOMeter(time.Second),
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("journal: generate instance id: %w", err)
	}
	copy(m.instanceID[:], id[:])
	m.flushCond = sync.NewCond(&m.mu)

	if err := m.openGeneration(0); err != nil {
		return nil, err
	}

	m.wg.Add(1)
	go m.flusherLoop()

	if cfg.Copier != nil {
		m.wg.Add(1)
		go m.copierLoop()
	}

	if cfg.CheckpointCron != "" {
		m.cron = cron.New(cron.WithSeconds())
		if _, err := m.cron.AddFunc(cfg.CheckpointCron, func() {
			if cfg.OnCheckpoint != nil {
				_ = cfg.OnCheckpoint(m)
			}
		}); err != nil {
			return nil, fmt.Errorf("journal: bad checkpoint cron expression: %w", err)
		}
		m.cron.Start()
	}

	return m, nil
}

func (m *Manager) fileName(generation uint64) string {
	return filepath.Join(m.cfg.Dir, fmt.Sprintf("%s.%016x", m.cfg.Prefix, generation))
}

// openGeneration opens (creating if absent) generation file g as the
// current write target and writes a fresh JH header.
func (m *Manager) openGeneration(g uint64) error {
	path := m.fileName(g)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	m.file = f
	m.generation = g
	m.fileBase = m.currentAddress

	digest := m.identityDigest()
	jh := JHPayload{
		Version:        Version,
		BlockSize:      m.cfg.BlockSize,
		BaseAddress:    m.baseAddress,
		CurrentAddress: m.currentAddress,
		JournalCreated: m.journalCreated,
		FileCreated:    time.Now().UnixNano(),
		InstanceID:     m.instanceID,
		IdentityDigest: digest,
	}
	// The JH record itself, always at offset 0 of a generation file, is
	// the file's self-identifying header — no separate magic block, so
	// journal address arithmetic (address%blockSize == file offset) stays
	// exact across rollovers.
	if err := m.appendLocked(TypeJH, EncodeJH(jh)); err != nil {
		return err
	}
	return nil
}

// identityDigest computes the blake2b-128 digest of (journalCreated,
// instanceID) stored in every JH, identifying which engine instance wrote
// a journal file (§2 DESIGN.md "journal file identity"). Recovery does not
// compare it; it checks JournalCreated only.
func (m *Manager) identityDigest() [16]byte {
	h, _ := blake2b.New(16, nil)
	var tsBuf [8]byte
	for i := 0; i < 8; i++ {
		tsBuf[i] = byte(m.journalCreated >> (8 * i))
	}
	h.Write(tsBuf[:])
	h.Write(m.instanceID[:])
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Append writes rec to the current file, assigning it the next journal
// address, rolling the file over first if it has reached blockSize.
func (m *Manager) Append(t Type, payload []byte) (Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(m.currentAddress-m.fileBase) >= m.cfg.BlockSize && t != TypeJE && t != TypeJH {
		if err := m.rolloverLocked(); err != nil {
			return 0, err
		}
	}
	addr := m.currentAddress
	if err := m.appendLocked(t, payload); err != nil {
		return 0, err
	}
	return addr, nil
}

func (m *Manager) appendLocked(t Type, payload []byte) error {
	rec := &Record{Type: t, Timestamp: time.Now().UnixNano(), Payload: payload}
	frame := Marshal(rec)
	off := int64(m.currentAddress - m.fileBase)
	if _, err := m.file.WriteAt(frame, off); err != nil {
		return fmt.Errorf("journal: append %s: %w", t, err)
	}
	m.currentAddress += Address(len(frame))
	m.ioMeter.Charge(IOWriteJournal, len(frame))
	return nil
}

// rolloverLocked closes out the current file with a JE and opens the next
// generation with a fresh JH (§4.5 "Rollover"). The new file starts with
// only that JH: no PM/TM snapshot records are written into it, here or by
// any caller.
func (m *Manager) rolloverLocked() error {
	je := JEPayload{BaseAddress: m.baseAddress, CurrentAddress: m.currentAddress}
	if err := m.appendLocked(TypeJE, EncodeJE(je)); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync on rollover: %w", err)
	}
	if err := m.file.Close(); err != nil {
		return fmt.Errorf("journal: close on rollover: %w", err)
	}
	return m.openGeneration(m.generation + 1)
}

// Quiescent reports whether the journal's current total IO rate is below
// its configured threshold, for the management snapshot API (§4.8).
func (m *Manager) Quiescent() bool {
	return m.ioMeter.Quiescent(m.cfg.QuiescentThresholdKBps)
}

// Generation returns the generation number of the currently open journal
// file, for the management snapshot API (§4.8 JournalInfo).
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// CurrentAddress returns the next address that will be assigned.
func (m *Manager) CurrentAddress() Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentAddress
}

// BaseAddress returns the address below which journal content is no
// longer required for recovery.
func (m *Manager) BaseAddress() Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseAddress
}

// AdvanceBase moves the base address forward, typically called by the
// copier once it has durably written back every page referenced below
// addr. Files wholly below the new base become deletable by the caller.
func (m *Manager) AdvanceBase(addr Address) {
	m.mu.Lock()
	if addr > m.baseAddress {
		m.baseAddress = addr
	}
	m.mu.Unlock()
}

// SetMode switches between Normal, AppendOnly (copier suspended, for
// online backup) and FastCopying (copier runs unthrottled until the dirty
// backlog drains).
func (m *Manager) SetMode(mode Mode) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

// RequestFlush asks the flusher to fsync as soon as possible and returns
// immediately; use WaitFlushed to block for durability.
func (m *Manager) RequestFlush() {
	m.mu.Lock()
	m.flushRequested = true
	m.mu.Unlock()
	m.flushCond.Broadcast()
}

// WaitFlushed blocks until every record up to and including addr has been
// fsynced — the mechanism behind the `hard` commit policy (§4.6).
func (m *Manager) WaitFlushed(addr Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushRequested = true
	m.flushCond.Broadcast()
	for m.flushedAddress < addr && !m.closed {
		m.flushCond.Wait()
	}
	if m.closed && m.flushedAddress < addr {
		return fmt.Errorf("journal: closed before address %d was flushed", addr)
	}
	return nil
}

func (m *Manager) flusherLoop() {
	defer m.wg.Done()

	// A separate ticker goroutine turns periodic ticks into RequestFlush
	// calls, since a goroutine blocked in cond.Wait() cannot also select
	// on a time.Ticker channel.
	tickerDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.RequestFlush()
			case <-tickerDone:
				return
			}
		}
	}()
	defer close(tickerDone)

	for {
		m.mu.Lock()
		for !m.flushRequested && !m.closed {
			m.flushCond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.flushRequested = false
		f := m.file
		target := m.currentAddress
		m.mu.Unlock()

		if err := f.Sync(); err == nil {
			m.mu.Lock()
			if target > m.flushedAddress {
				m.flushedAddress = target
			}
			m.mu.Unlock()
			m.flushCond.Broadcast()
		}
	}
}

func (m *Manager) copierLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		closed := m.closed
		mode := m.mode
		m.mu.Unlock()
		if closed {
			return
		}
		if mode == ModeAppendOnly {
			continue
		}
		batch := 8
		if mode == ModeFastCopying || m.ioMeter.Quiescent(m.cfg.QuiescentThresholdKBps) {
			batch = 64
		}
		pages := m.cfg.Copier.Drain(batch)
		if len(pages) == 0 {
			continue
		}
		var maxAddr Address
		for _, p := range pages {
			if err := m.cfg.Copier.WriteBack(p); err != nil {
				continue
			}
			m.ioMeter.Charge(IOWritePageFromJournal, len(p.Image))
			if p.JournalAddr > maxAddr {
				maxAddr = p.JournalAddr
			}
		}
		if maxAddr > 0 {
			m.AdvanceBase(maxAddr)
		}
	}
}

// Checkpoint writes a CP record stamped with checkpointTS (the txn
// engine's logical clock value at the moment of the call — see
// txn.Engine.Clock) and blocks until it is durable. It does not itself
// invoke OnCheckpoint: that hook is the caller-supplied "perform a full
// checkpoint" operation (flush volume head pages, then call Checkpoint to
// durably record it), run either on the cron tick or by an administrative
// force-checkpoint request — Checkpoint calling it back would recurse.
func (m *Manager) Checkpoint(checkpointTS uint64) error {
	addr, err := m.Append(TypeCP, EncodeCP(CPPayload{SystemTimeMillis: time.Now().UnixMilli(), BaseAddress: m.BaseAddress(), CheckpointTS: checkpointTS}))
	if err != nil {
		return err
	}
	return m.WaitFlushed(addr + 1)
}

// IOMeter exposes the manager's throughput sampler for management
// introspection (§4.8 JournalInfo).
func (m *Manager) IOMeter() *IOMeter { return m.ioMeter }

// Close stops the flusher, copier, and cron goroutines and closes the
// current file after a final fsync.
func (m *Manager) Close() error {
	if m.cron != nil {
		ctx := m.cron.Stop()
		<-ctx.Done()
	}
	m.mu.Lock()
	m.closed = true
	f := m.file
	m.mu.Unlock()
	m.flushCond.Broadcast()
	m.wg.Wait()
	return f.Close()
}
