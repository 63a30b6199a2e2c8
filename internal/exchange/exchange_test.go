package exchange

import (
	"path/filepath"
	"testing"

	"github.com/SimonWaldherr/persistitgo/internal/volume"
)

func openTestExchange(t *testing.T) *Exchange {
	t.Helper()
	dir := t.TempDir()
	ex, err := Open(Config{
		PageSize:     4096,
		BufferFrames: 64,
		JournalDir:   filepath.Join(dir, "journal"),
		JournalPrefix: "ex",
		BlockSize:    1 << 20,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ex.Close() })
	return ex
}

func openTestVolumeTree(t *testing.T, ex *Exchange) uint32 {
	t.Helper()
	dir := t.TempDir()
	spec := volume.Spec{Path: filepath.Join(dir, "v1.vol"), BufferSize: 4096, InitialPages: 4, Create: true}
	if _, err := ex.OpenVolume("v1", spec); err != nil {
		t.Fatal(err)
	}
	th, err := ex.OpenTree("v1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	return th
}

func TestPutGetRoundTrip(t *testing.T) {
	ex := openTestExchange(t)
	th := openTestVolumeTree(t, ex)

	if _, err := ex.Put(th, []byte("k1"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := ex.Get(th, []byte("k1"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "v1" {
		t.Fatalf("expected v1, got %q ok=%v", v, ok)
	}
}

func TestPutOverwriteReturnsNewestVersion(t *testing.T) {
	ex := openTestExchange(t)
	th := openTestVolumeTree(t, ex)

	if _, err := ex.Put(th, []byte("k"), []byte("first")); err != nil {
		t.Fatal(err)
	}
	if _, err := ex.Put(th, []byte("k"), []byte("second")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := ex.Get(th, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "second" {
		t.Fatalf("expected newest version 'second', got %q", v)
	}
}

func TestDeleteMakesKeyInvisible(t *testing.T) {
	ex := openTestExchange(t)
	th := openTestVolumeTree(t, ex)

	if _, err := ex.Put(th, []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if _, err := ex.Delete(th, []byte("k")); err != nil {
		t.Fatal(err)
	}
	_, ok, err := ex.Get(th, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected key to be invisible after delete")
	}
}

func TestMultiKeyTransactionCommitsAtomically(t *testing.T) {
	ex := openTestExchange(t)
	th := openTestVolumeTree(t, ex)

	tx := ex.Txn().Begin()
	if err := tx.Store(th, []byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Store(th, []byte("b"), []byte("2")); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	for k, want := range map[string]string{"a": "1", "b": "2"} {
		v, ok, err := ex.Get(th, []byte(k))
		if err != nil {
			t.Fatal(err)
		}
		if !ok || string(v) != want {
			t.Fatalf("key %s: expected %q, got %q ok=%v", k, want, v, ok)
		}
	}
}

func TestCheckpointSucceeds(t *testing.T) {
	ex := openTestExchange(t)
	th := openTestVolumeTree(t, ex)
	if _, err := ex.Put(th, []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := ex.Checkpoint(); err != nil {
		t.Fatal(err)
	}
}
