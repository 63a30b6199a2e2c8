package recovery

import (
	"testing"
	"time"

	"github.com/SimonWaldherr/persistitgo/internal/journal"
)

func openTestManager(t *testing.T) (*journal.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := journal.Open(journal.Config{Dir: dir, Prefix: "rec", BlockSize: 1 << 20, FlushInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	return m, dir
}

func TestRunNoGenerationsReturnsEmptyPlan(t *testing.T) {
	plan, err := Run(t.TempDir(), "rec")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Transactions) != 0 {
		t.Fatalf("expected empty plan, got %+v", plan)
	}
}

func TestRunRequiresCheckpointForKeystone(t *testing.T) {
	m, dir := openTestManager(t)
	if _, err := m.Append(journal.TypeIV, journal.EncodeIV(journal.IVPayload{Handle: 1, ID: 1, Name: "v1"})); err != nil {
		t.Fatal(err)
	}
	m.Close()

	_, err := Run(dir, "rec")
	if err == nil {
		t.Fatal("expected keystone validation to fail without any CP record")
	}
}

func TestRunClassifiesCommittedAbortedAndInjectedAborted(t *testing.T) {
	m, dir := openTestManager(t)

	tx1 := journal.EncodeTX(journal.TXPayload{
		StartTS:  10,
		CommitTS: 20,
		Inner: []journal.Record{
			{Type: journal.TypeSR, Payload: journal.EncodeSR(journal.SRPayload{TreeHandle: 1, Key: []byte("k"), Value: []byte("v")})},
		},
	})
	if _, err := m.Append(journal.TypeTX, tx1); err != nil {
		t.Fatal(err)
	}

	tx2 := journal.EncodeTX(journal.TXPayload{StartTS: 15, CommitTS: ^uint64(0)})
	if _, err := m.Append(journal.TypeTX, tx2); err != nil {
		t.Fatal(err)
	}

	// uncommitted transaction, started before the checkpoint -> injected as aborted
	tx3 := journal.EncodeTX(journal.TXPayload{StartTS: 5, CommitTS: 0})
	if _, err := m.Append(journal.TypeTX, tx3); err != nil {
		t.Fatal(err)
	}

	if err := m.Checkpoint(5); err != nil {
		t.Fatal(err)
	}
	m.Close()

	plan, err := Run(dir, "rec")
	if err != nil {
		t.Fatal(err)
	}

	if got := plan.Transactions[10]; got == nil || got.Outcome != TxCommitted {
		t.Fatalf("expected startTS=10 committed, got %+v", got)
	}
	if got := plan.Transactions[15]; got == nil || got.Outcome != TxDropped {
		t.Fatalf("expected startTS=15 (aborted) dropped, got %+v", got)
	}
	if got := plan.Transactions[5]; got == nil || got.Outcome != TxAborted {
		t.Fatalf("expected startTS=5 injected as aborted, got %+v", got)
	}
}

func TestApplyReplaysCommittedInOrderAndRollsBackInjectedAborts(t *testing.T) {
	m, dir := openTestManager(t)

	txEarly := journal.EncodeTX(journal.TXPayload{
		StartTS: 10, CommitTS: 50,
		Inner: []journal.Record{{Type: journal.TypeSR, Payload: journal.EncodeSR(journal.SRPayload{TreeHandle: 1, Key: []byte("a"), Value: []byte("1")})}},
	})
	txLate := journal.EncodeTX(journal.TXPayload{
		StartTS: 11, CommitTS: 60,
		Inner: []journal.Record{{Type: journal.TypeSR, Payload: journal.EncodeSR(journal.SRPayload{TreeHandle: 1, Key: []byte("b"), Value: []byte("2")})}},
	})
	if _, err := m.Append(journal.TypeTX, txLate); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Append(journal.TypeTX, txEarly); err != nil {
		t.Fatal(err)
	}
	uncommitted := journal.EncodeTX(journal.TXPayload{StartTS: 1, CommitTS: 0})
	if _, err := m.Append(journal.TypeTX, uncommitted); err != nil {
		t.Fatal(err)
	}
	if err := m.Checkpoint(5); err != nil {
		t.Fatal(err)
	}
	m.Close()

	plan, err := Run(dir, "rec")
	if err != nil {
		t.Fatal(err)
	}

	var order []string
	var rolledBack []uint64
	err = Apply(plan, Applier{
		Commit: func(c CommittedTx) error {
			for _, s := range c.Stores {
				order = append(order, string(s.Key))
			}
			return nil
		},
		Rollback: func(ts uint64) error {
			rolledBack = append(rolledBack, ts)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expected commit-order replay [a b], got %v", order)
	}
	if len(rolledBack) != 1 || rolledBack[0] != 1 {
		t.Fatalf("expected startTS=1 rolled back, got %v", rolledBack)
	}
}

func TestResolvePageFindsNewestVersionAsOf(t *testing.T) {
	plan := &Plan{PageMap: map[pageKey][]PageVersion{
		{VolumeHandle: 1, PageAddress: 7}: {
			{Timestamp: 30, Image: []byte("new")},
			{Timestamp: 10, Image: []byte("old")},
		},
	}}
	img, ok := ResolvePage(plan, 1, 7, 20)
	if !ok || string(img) != "old" {
		t.Fatalf("expected 'old' image as of ts=20, got %q ok=%v", img, ok)
	}
	if _, ok := ResolvePage(plan, 1, 7, 5); ok {
		t.Fatal("expected no version visible before the oldest timestamp")
	}
}
