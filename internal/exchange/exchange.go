// Package exchange is the composition root (§2 "Exchange client API"): it
// binds a volume, the shared buffer pool, one or more B+-trees, the
// journal manager, and the MVCC transaction engine into the single
// client-facing surface an application opens, reads, and writes through.
// Grounded on the teacher's pager.PageBackend (internal/storage/pager/
// backend.go), which performs the same role of wiring pager+catalog
// together behind a narrower table-level API — repurposed here to the
// spec's opaque key/value contract rather than whole-table Load/Save.
package exchange

import (
	"fmt"
	"sync"

	"github.com/SimonWaldherr/persistitgo/internal/buffer"
	"github.com/SimonWaldherr/persistitgo/internal/journal"
	"github.com/SimonWaldherr/persistitgo/internal/page"
	"github.com/SimonWaldherr/persistitgo/internal/tree"
	"github.com/SimonWaldherr/persistitgo/internal/txn"
	"github.com/SimonWaldherr/persistitgo/internal/volume"
	"golang.org/x/text/unicode/norm"
)

// NormalizeStringKey applies Unicode NFC normalization to a key the caller
// knows is UTF-8 text, so "café" composed two different ways always maps
// to the same tree key. This is opt-in, not applied automatically to every
// key: the Exchange's byte-string key model (§3) is opaque and binary-safe,
// and running NFC over an arbitrary binary key would corrupt it.
func NormalizeStringKey(key []byte) []byte {
	return norm.NFC.Bytes(key)
}

// Config configures a new Exchange.
type Config struct {
	PageSize      int
	BufferFrames  int
	JournalDir    string
	JournalPrefix string
	BlockSize     uint64
	Policy        txn.CommitPolicy
}

// Exchange is the running engine instance: one buffer pool and journal
// shared across every open volume and tree, plus the transaction engine
// that drives commits through them.
type Exchange struct {
	cfg   Config
	pool  *buffer.Pool
	jrnl  *journal.Manager
	txns  *txn.Engine
	copier *copierSource

	mu          sync.Mutex
	volumes     map[uint32]*volume.Volume
	volumeNames map[string]uint32
	nextVolume  uint32
	trees       map[uint32]*tree.Tree
	treeNames   map[string]uint32
	nextTree    uint32
}

// Open constructs an Exchange: a buffer pool sized per cfg, a journal
// manager rooted at cfg.JournalDir, and a transaction engine wired to
// apply commits against whichever trees are open when each commit lands.
func Open(cfg Config) (*Exchange, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = 16 * 1024
	}
	ex := &Exchange{
		cfg:         cfg,
		volumes:     map[uint32]*volume.Volume{},
		volumeNames: map[string]uint32{},
		trees:       map[uint32]*tree.Tree{},
		treeNames:   map[string]uint32{},
	}
	ex.copier = &copierSource{volumes: ex.volumes}

	ex.pool = buffer.New(buffer.Config{
		PageSize:    cfg.PageSize,
		Frames:      cfg.BufferFrames,
		ReadVolume:  ex.readVolume,
		WriteVolume: ex.writeVolume,
	})

	jrnl, err := journal.Open(journal.Config{
		Dir:       cfg.JournalDir,
		Prefix:    cfg.JournalPrefix,
		BlockSize: cfg.BlockSize,
		Copier:    ex.copier,
		OnCheckpoint: func(m *journal.Manager) error {
			return ex.doCheckpoint(m)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("exchange: open journal: %w", err)
	}
	ex.jrnl = jrnl

	ex.txns = txn.New(txn.Config{
		Journal:          jrnl,
		Policy:           cfg.Policy,
		CommitListener:   ex.applyCommit,
		RollbackListener: ex.applyRollback,
		LongRecords:      ex.prepareStore,
	})
	return ex, nil
}

// Txn exposes the transaction engine so callers can Begin/Commit/Rollback
// explicitly; Put/Get/Delete below are single-operation convenience
// wrappers over an implicit one-store transaction.
func (ex *Exchange) Txn() *txn.Engine { return ex.txns }

// Pool exposes the shared buffer pool for management-surface snapshots
// (internal/mgmt reads Stats() off of it); nothing outside this package
// and internal/mgmt should call its claim/release methods directly.
func (ex *Exchange) Pool() *buffer.Pool { return ex.pool }

// Journal exposes the journal manager for management-surface snapshots
// and administrative operations (force-checkpoint, IO meter readout).
func (ex *Exchange) Journal() *journal.Manager { return ex.jrnl }

// Volumes returns a snapshot of the currently open volumes, keyed by the
// name passed to OpenVolume.
func (ex *Exchange) Volumes() map[string]*volume.Volume {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := make(map[string]*volume.Volume, len(ex.volumeNames))
	for name, handle := range ex.volumeNames {
		out[name] = ex.volumes[handle]
	}
	return out
}

// Trees returns a snapshot of the currently open trees, keyed by
// "volumeName/treeName" as assigned by OpenTree.
func (ex *Exchange) Trees() map[string]*tree.Tree {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := make(map[string]*tree.Tree, len(ex.treeNames))
	for name, handle := range ex.treeNames {
		out[name] = ex.trees[handle]
	}
	return out
}

// readVolume/writeVolume adapt the buffer pool's volume-file I/O hooks to
// whichever volume.Volume owns the addressed page.
func (ex *Exchange) readVolume(k buffer.Key, into []byte) (page.Timestamp, error) {
	ex.mu.Lock()
	v, ok := ex.volumes[uint32(k.Volume)]
	ex.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("exchange: unknown volume handle %d", k.Volume)
	}
	return v.ReadPageRaw(k.Page, into)
}

func (ex *Exchange) writeVolume(k buffer.Key, buf []byte) error {
	ex.mu.Lock()
	v, ok := ex.volumes[uint32(k.Volume)]
	ex.mu.Unlock()
	if !ok {
		return fmt.Errorf("exchange: unknown volume handle %d", k.Volume)
	}
	return v.WritePageRaw(k.Page, buf)
}

// OpenVolume opens (or creates) a volume file, assigns it a handle unique
// to this running instance, and logs an IV record so a crash-recovery
// scan can resolve PA records back to this volume.
func (ex *Exchange) OpenVolume(name string, spec volume.Spec) (uint32, error) {
	ex.mu.Lock()
	if h, ok := ex.volumeNames[name]; ok {
		ex.mu.Unlock()
		return h, nil
	}
	handle := ex.nextVolume
	ex.nextVolume++
	ex.mu.Unlock()

	v, err := volume.Open(spec, buffer.VolumeID(handle), ex.pool)
	if err != nil {
		return 0, fmt.Errorf("exchange: open volume %s: %w", name, err)
	}

	ex.mu.Lock()
	ex.volumes[handle] = v
	ex.volumeNames[name] = handle
	ex.mu.Unlock()

	if _, err := ex.jrnl.Append(journal.TypeIV, journal.EncodeIV(journal.IVPayload{Handle: handle, ID: v.ID(), Name: name})); err != nil {
		return 0, fmt.Errorf("exchange: log IV for volume %s: %w", name, err)
	}
	return handle, nil
}

// OpenTree returns an engine-wide handle for treeName within volumeName
// and logs an IT record binding the handle to (volumeHandle, treeName).
// Every tree name in a volume opens the same tree, the one rooted at the
// volume's directory root (created on first use); names are not looked up
// in a directory.
func (ex *Exchange) OpenTree(volumeName, treeName string) (uint32, error) {
	ex.mu.Lock()
	volHandle, ok := ex.volumeNames[volumeName]
	ex.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("exchange: volume %s not open", volumeName)
	}
	key := volumeName + "/" + treeName
	ex.mu.Lock()
	if h, ok := ex.treeNames[key]; ok {
		ex.mu.Unlock()
		return h, nil
	}
	ex.mu.Unlock()

	ex.mu.Lock()
	v := ex.volumes[volHandle]
	ex.mu.Unlock()

	backend := ex.journaledBackend(v, volHandle)

	var t *tree.Tree
	var err error
	if root := v.DirectoryRoot(); root != page.Invalid {
		t = tree.Open(backend, root, 0)
	} else {
		t, err = tree.Create(backend)
		if err != nil {
			return 0, fmt.Errorf("exchange: create tree %s: %w", key, err)
		}
		v.SetDirectoryRoot(t.Root())
	}

	ex.mu.Lock()
	handle := ex.nextTree
	ex.nextTree++
	ex.trees[handle] = t
	ex.treeNames[key] = handle
	ex.mu.Unlock()

	if _, err := ex.jrnl.Append(journal.TypeIT, journal.EncodeIT(journal.ITPayload{Handle: handle, VolumeHandle: volHandle, TreeName: treeName})); err != nil {
		return 0, fmt.Errorf("exchange: log IT for tree %s: %w", key, err)
	}
	return handle, nil
}

func (ex *Exchange) treeByHandle(h uint32) (*tree.Tree, bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	t, ok := ex.trees[h]
	return t, ok
}

// Put buffers a single key/value store and commits it in its own
// transaction — a convenience for callers that don't need multi-key
// atomicity. Use Txn().Begin() directly for multi-operation transactions.
func (ex *Exchange) Put(treeHandle uint32, key, value []byte) (commitTS uint64, err error) {
	tx := ex.txns.Begin()
	if err := tx.Store(treeHandle, key, value); err != nil {
		return 0, err
	}
	return tx.Commit()
}

// Get returns the value visible to a snapshot taken at the current clock
// value (read-committed: the newest version committed at or before now).
func (ex *Exchange) Get(treeHandle uint32, key []byte) ([]byte, bool, error) {
	t, ok := ex.treeByHandle(treeHandle)
	if !ok {
		return nil, false, fmt.Errorf("exchange: unknown tree handle %d", treeHandle)
	}
	raw, ok, err := t.Get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	chain, err := txn.DecodeChain(raw)
	if err != nil {
		return nil, false, err
	}
	v, ok := txn.Visible(chain, ex.txns.Clock().Peek(), 0)
	if !ok || v.Deleted {
		return nil, false, nil
	}
	return v.Value, true, nil
}

// Delete buffers a single key tombstone and commits it in its own
// transaction.
func (ex *Exchange) Delete(treeHandle uint32, key []byte) (commitTS uint64, err error) {
	tx := ex.txns.Begin()
	if err := tx.DeleteRange(treeHandle, key, key); err != nil {
		return 0, err
	}
	return tx.Commit()
}

// prepareStore is the txn engine's LongRecordWriter: it runs inside Commit,
// before the TX record is appended, so it can do the MVV chain merge that
// used to happen in applyCommit and — if the merged chain is oversize —
// write its long-record page chain now. Writing that chain here (rather
// than after the TX record is durable) makes the chain's PA records land
// in the journal ahead of the TX record that references them, per §4.6
// step 2. applyCommit below only performs the remaining leaf-level write,
// using the already-finalized bytes this returns.
func (ex *Exchange) prepareStore(treeHandle uint32, key, value []byte, commitTS uint64) ([]byte, bool, error) {
	t, ok := ex.treeByHandle(treeHandle)
	if !ok {
		return nil, false, fmt.Errorf("exchange: unknown tree handle %d", treeHandle)
	}
	var chain []txn.Version
	if existing, ok, err := t.Get(key); err != nil {
		return nil, false, err
	} else if ok {
		chain, err = txn.DecodeChain(existing)
		if err != nil {
			return nil, false, err
		}
	}
	chain = append([]txn.Version{{CommitTS: commitTS, Value: value}}, chain...)
	chain = txn.Prune(chain, ex.txns.GCWatermark())
	encoded := txn.EncodeChain(chain)
	if len(encoded) > t.Threshold() {
		d, err := t.WriteLongRecord(encoded)
		if err != nil {
			return nil, false, err
		}
		return tree.EncodeDescriptor(d), true, nil
	}
	return encoded, false, nil
}

// applyCommit is the txn engine's CommitListener: it writes each buffered
// store's already-finalized bytes (prepareStore ran the MVV merge and any
// long-record chain write before the TX record was appended) into its
// tree's leaf, and folds deletes/drops into the live trees as new MVV
// chain tombstones keyed by the transaction's commit timestamp.
func (ex *Exchange) applyCommit(c txn.CommittedTx) error {
	for _, s := range c.Stores {
		t, ok := ex.treeByHandle(s.TreeHandle)
		if !ok {
			continue
		}
		if err := t.InsertPrepared(s.Key, s.Value, s.LongRecord); err != nil {
			return err
		}
	}
	for _, d := range c.Deletes {
		t, ok := ex.treeByHandle(d.TreeHandle)
		if !ok {
			continue
		}
		if err := ex.tombstoneRange(t, d.KeyLow, d.KeyHigh, c.CommitTS); err != nil {
			return err
		}
	}
	for _, d := range c.DropTree {
		t, ok := ex.treeByHandle(d.TreeHandle)
		if !ok {
			continue
		}
		if err := ex.tombstoneAll(t, c.CommitTS); err != nil {
			return err
		}
	}
	return nil
}

// tombstoneAll marks every live key in t deleted as of commitTS. Used for
// DropTree: tree.Tree.DeleteRange's (low, high) contract has no open-ended
// "to infinity" high bound, so a whole-tree drop enumerates keys via
// Traverse instead of a single DeleteRange(nil, nil) call.
func (ex *Exchange) tombstoneAll(t *tree.Tree, commitTS uint64) error {
	var keys [][]byte
	if err := t.Traverse(page.GTEQ, nil, nil, func(k, _ []byte) bool {
		keys = append(keys, append([]byte(nil), k...))
		return true
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := ex.appendVersion(t, k, txn.Version{CommitTS: commitTS, Deleted: true}); err != nil {
			return err
		}
	}
	return nil
}

// applyRollback is the txn engine's RollbackListener: an aborted
// transaction never reached applyCommit, so its buffered writes were
// never folded into any chain — nothing to prune. Recovery's injected
// aborts are handled the same way via recovery.Applier.Rollback.
func (ex *Exchange) applyRollback(r txn.RolledBackTx) error { return nil }

// appendVersion prepends a new committed version to key's MVV chain and
// prunes anything the engine's GC watermark has made unreachable.
func (ex *Exchange) appendVersion(t *tree.Tree, key []byte, v txn.Version) error {
	var chain []txn.Version
	if existing, ok, err := t.Get(key); err != nil {
		return err
	} else if ok {
		chain, err = txn.DecodeChain(existing)
		if err != nil {
			return err
		}
	}
	chain = append([]txn.Version{v}, chain...)
	chain = txn.Prune(chain, ex.txns.GCWatermark())
	return t.Insert(key, txn.EncodeChain(chain))
}

func (ex *Exchange) tombstoneRange(t *tree.Tree, low, high []byte, commitTS uint64) error {
	// low==high (the point delete Transaction.DeleteRange(key,key)
	// produces) is a single tombstone; otherwise the keys in [low, high]
	// (no upper bound when high is nil) are enumerated with tree.Traverse
	// and each gets its own tombstone version.
	if string(low) == string(high) {
		return ex.appendVersion(t, low, txn.Version{CommitTS: commitTS, Deleted: true})
	}
	var keys [][]byte
	err := t.Traverse(page.GTEQ, low, nil, func(k, _ []byte) bool {
		if high != nil && string(k) > string(high) {
			return false
		}
		keys = append(keys, append([]byte(nil), k...))
		return true
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := ex.appendVersion(t, k, txn.Version{CommitTS: commitTS, Deleted: true}); err != nil {
			return err
		}
	}
	return nil
}

// doCheckpoint is the journal manager's OnCheckpoint hook and the body of
// Checkpoint. Open sets no CheckpointCron, so the manager schedules no
// checkpoints and the hook runs only through Checkpoint. It stamps
// the checkpoint with the transaction engine's current clock value (so
// recovery can compare transaction commit timestamps against it per
// §4.7) and forces every volume's head page durable.
func (ex *Exchange) doCheckpoint(m *journal.Manager) error {
	ts := ex.txns.Clock().Peek()
	ex.mu.Lock()
	vols := make([]*volume.Volume, 0, len(ex.volumes))
	for _, v := range ex.volumes {
		vols = append(vols, v)
	}
	ex.mu.Unlock()
	for _, v := range vols {
		if err := v.Checkpoint(); err != nil {
			return err
		}
	}
	return m.Checkpoint(ts)
}

// Checkpoint forces an immediate checkpoint outside the cron schedule
// (the management API's force-checkpoint operation, §4.8).
func (ex *Exchange) Checkpoint() error {
	return ex.doCheckpoint(ex.jrnl)
}

// Close stops the journal's background goroutines and closes every open
// volume file.
func (ex *Exchange) Close() error {
	if err := ex.jrnl.Close(); err != nil {
		return err
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	for _, v := range ex.volumes {
		if err := v.Close(); err != nil {
			return err
		}
	}
	return nil
}
