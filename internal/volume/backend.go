package volume

import (
	"github.com/SimonWaldherr/persistitgo/internal/buffer"
	"github.com/SimonWaldherr/persistitgo/internal/page"
	"github.com/SimonWaldherr/persistitgo/internal/tree"
)

// TreeBackend adapts a Volume + shared buffer.Pool into the tree.Backend
// interface (defined in the tree package to avoid an import cycle), so a
// tree.Tree can allocate, claim, and free pages without knowing about
// volume files or the pool's eviction policy. TreeBackend itself logs
// nothing to the journal; the composition root (internal/exchange) uses
// its own journaledBackend (internal/exchange/backend.go), whose claims
// append a PA record when a frame is marked dirty.
type TreeBackend struct {
	Vol  *Volume
	Pool *buffer.Pool
	// OnFree, if set, is called after FreePage has folded a page into the
	// garbage chain, so a caller can react without TreeBackend depending
	// on the journal package directly.
	OnFree func(id page.ID) error
}

func (b *TreeBackend) key(id page.ID) buffer.Key { return buffer.Key{Volume: b.Vol.Handle(), Page: id} }

func (b *TreeBackend) loader(k buffer.Key) ([]byte, page.Timestamp, bool, error) {
	return nil, 0, false, nil // no journal page-image cache wired at this layer; see exchange.
}

// GetShared acquires a reader claim, loading from the volume file on miss.
func (b *TreeBackend) GetShared(id page.ID) (tree.Claim, error) {
	return b.Pool.GetShared(b.key(id), b.loader)
}

// GetExclusive acquires a writer claim, loading from the volume file on miss.
func (b *TreeBackend) GetExclusive(id page.ID) (tree.Claim, error) {
	return b.Pool.GetExclusive(b.key(id), b.loader)
}

// AllocPage delegates to the volume's three-step allocation order, using no
// per-session deferred queue and a trivial single-page garbage chain (a
// volume with no outstanding chain simply extends the file).
func (b *TreeBackend) AllocPage() (page.ID, error) {
	return b.Vol.Alloc(nil,
		func(id page.ID) (*GarbagePage, error) {
			h, err := b.Pool.GetExclusive(b.key(id), b.loader)
			if err != nil {
				return nil, err
			}
			defer h.Release()
			return WrapGarbagePage(h.Bytes()), nil
		},
		func() (page.ID, error) {
			id, err := b.Vol.Alloc(nil, nil, nil)
			if err != nil {
				return 0, err
			}
			h, err := b.Pool.GetExclusive(b.key(id), b.loader)
			if err != nil {
				return 0, err
			}
			InitGarbagePage(h.Bytes(), id)
			h.MarkDirty(b.Vol.Head().TraverseCount) // placeholder clock; real clock comes from txn package
			h.Release()
			return id, nil
		},
	)
}

// FreePage folds a single page into the volume's garbage chain as a
// one-page run, and notifies OnFree (the journal layer) if configured.
func (b *TreeBackend) FreePage(id page.ID) error {
	err := b.Vol.Free(Run{Left: id, Right: id},
		func(gid page.ID) (*GarbagePage, error) {
			h, err := b.Pool.GetExclusive(b.key(gid), b.loader)
			if err != nil {
				return nil, err
			}
			defer h.Release()
			return WrapGarbagePage(h.Bytes()), nil
		},
		func() (page.ID, *GarbagePage, error) {
			gid, err := b.Vol.Alloc(nil, nil, nil)
			if err != nil {
				return 0, nil, err
			}
			h, err := b.Pool.GetExclusive(b.key(gid), b.loader)
			if err != nil {
				return 0, nil, err
			}
			InitGarbagePage(h.Bytes(), gid)
			gp := WrapGarbagePage(h.Bytes())
			h.MarkDirty(0)
			h.Release()
			return gid, gp, nil
		},
	)
	if err != nil {
		return err
	}
	if b.OnFree != nil {
		return b.OnFree(id)
	}
	return nil
}

func (b *TreeBackend) PageSize() int { return b.Vol.PageSize() }

// Timestamp returns the sum of the volume head's fetch, store, traverse
// and remove counters plus one. It is not the transaction clock, and it
// returns the same value until one of those counters changes.
func (b *TreeBackend) Timestamp() page.Timestamp {
	h := b.Vol.Head()
	return page.Timestamp(h.FetchCount + h.StoreCount + h.TraverseCount + h.RemoveCount + 1)
}
