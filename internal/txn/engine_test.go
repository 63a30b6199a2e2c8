package txn

import (
	"sync"
	"testing"
	"time"

	"github.com/SimonWaldherr/persistitgo/internal/journal"
)

func newTestJournal(t *testing.T) *journal.Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := journal.Open(journal.Config{Dir: dir, Prefix: "tx", BlockSize: 1 << 20, FlushInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCommitAppliesStores(t *testing.T) {
	j := newTestJournal(t)
	var mu sync.Mutex
	var applied []journal.SRPayload
	e := New(Config{
		Journal: j,
		Policy:  PolicyHard,
		CommitListener: func(c CommittedTx) error {
			mu.Lock()
			applied = append(applied, c.Stores...)
			mu.Unlock()
			return nil
		},
	})

	tx := e.Begin()
	if err := tx.Store(1, []byte("k1"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Store(1, []byte("k2"), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	commitTS, err := tx.Commit()
	if err != nil {
		t.Fatal(err)
	}
	if commitTS <= tx.StartTS() {
		t.Fatalf("expected commit timestamp %d > start %d", commitTS, tx.StartTS())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 2 {
		t.Fatalf("expected 2 stores applied, got %d", len(applied))
	}
}

func TestRollbackInvokesRollbackListener(t *testing.T) {
	j := newTestJournal(t)
	var pruned bool
	e := New(Config{
		Journal: j,
		RollbackListener: func(r RolledBackTx) error {
			pruned = true
			if len(r.Stores) != 1 {
				t.Fatalf("expected 1 buffered store, got %d", len(r.Stores))
			}
			return nil
		},
	})
	tx := e.Begin()
	tx.Store(1, []byte("k"), []byte("v"))
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	if !pruned {
		t.Fatal("expected rollback listener to run")
	}
	if _, err := tx.Commit(); err == nil {
		t.Fatal("expected commit after rollback to fail")
	}
}

func TestAccumulatorSumAndMinMax(t *testing.T) {
	accs := NewAccumulators()
	ref := AccumulatorRef{TreeHandle: 1, Index: 0}
	if err := accs.ApplyAll([]Delta{
		{Ref: ref, Kind: AccumulatorSum, Value: 5},
		{Ref: ref, Kind: AccumulatorSum, Value: 3},
	}); err != nil {
		t.Fatal(err)
	}
	if got := accs.Snapshot()[ref]; got != 8 {
		t.Fatalf("expected sum 8, got %d", got)
	}

	minRef := AccumulatorRef{TreeHandle: 2, Index: 0}
	accs.ApplyAll([]Delta{
		{Ref: minRef, Kind: AccumulatorMin, Value: 10},
		{Ref: minRef, Kind: AccumulatorMin, Value: 4},
		{Ref: minRef, Kind: AccumulatorMin, Value: 7},
	})
	if got := accs.Snapshot()[minRef]; got != 4 {
		t.Fatalf("expected min 4, got %d", got)
	}
}

func TestMVVVisibility(t *testing.T) {
	chain := []Version{
		{CommitTS: 30, Value: []byte("newest")},
		{CommitTS: 20, Value: []byte("middle")},
		{CommitTS: 10, Value: []byte("oldest")},
	}
	v, ok := Visible(chain, 25, 0)
	if !ok || string(v.Value) != "middle" {
		t.Fatalf("expected 'middle' visible at snapshot 25, got %+v ok=%v", v, ok)
	}
	v, ok = Visible(chain, 5, 0)
	if ok {
		t.Fatalf("expected nothing visible before oldest commit, got %+v", v)
	}
}

func TestMVVChainRoundTrip(t *testing.T) {
	chain := []Version{
		{CommitTS: 2, Value: []byte("b")},
		{CommitTS: 1, Value: []byte("a")},
	}
	buf := EncodeChain(chain)
	got, err := DecodeChain(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].CommitTS != 2 || string(got[0].Value) != "b" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestClockAdvance(t *testing.T) {
	c := NewClock()
	first := c.Next()
	c.Advance(1000)
	next := c.Next()
	if next <= first || next <= 1000 {
		t.Fatalf("expected clock to advance past 1000, got %d (first=%d)", next, first)
	}
}
