package mgmt

import (
	"path/filepath"
	"testing"

	"github.com/SimonWaldherr/persistitgo/internal/exchange"
	"github.com/SimonWaldherr/persistitgo/internal/volume"
)

func openTestExchange(t *testing.T) *exchange.Exchange {
	t.Helper()
	dir := t.TempDir()
	ex, err := exchange.Open(exchange.Config{
		PageSize:      4096,
		BufferFrames:  64,
		JournalDir:    filepath.Join(dir, "journal"),
		JournalPrefix: "mgmt",
		BlockSize:     1 << 20,
	})
	if err != nil {
		t.Fatalf("exchange.Open: %v", err)
	}
	t.Cleanup(func() { _ = ex.Close() })
	return ex
}

func TestSnapshotReportsOpenVolumesAndTrees(t *testing.T) {
	ex := openTestExchange(t)
	dir := t.TempDir()

	volHandle, err := ex.OpenVolume("main", volume.Spec{
		Path: filepath.Join(dir, "main.vol"), BufferSize: 4096, InitialPages: 4, Create: true,
	})
	if err != nil {
		t.Fatalf("OpenVolume: %v", err)
	}
	_ = volHandle
	treeHandle, err := ex.OpenTree("main", "widgets")
	if err != nil {
		t.Fatalf("OpenTree: %v", err)
	}
	if _, err := ex.Put(treeHandle, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	svc := New(ex)
	snap := svc.Snapshot()

	if len(snap.Volumes) != 1 || snap.Volumes[0].Name != "main" {
		t.Fatalf("expected one volume named main, got %+v", snap.Volumes)
	}
	if len(snap.Trees) != 1 || snap.Trees[0].Name != "main/widgets" {
		t.Fatalf("expected one tree named main/widgets, got %+v", snap.Trees)
	}
	if snap.Transaction.NextTimestamp == 0 {
		t.Fatal("expected a nonzero next timestamp after a commit")
	}
	if snap.BufferPool.ValidPages == 0 {
		t.Fatal("expected at least one valid buffer pool page after writes")
	}
	if snap.String() == "" {
		t.Fatal("expected non-empty human-readable report")
	}
}

func TestForceCheckpointSucceeds(t *testing.T) {
	ex := openTestExchange(t)
	svc := New(ex)
	if err := svc.ForceCheckpoint(); err != nil {
		t.Fatalf("ForceCheckpoint: %v", err)
	}
}
