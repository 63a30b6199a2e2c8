package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/SimonWaldherr/persistitgo/internal/buffer"
	"github.com/SimonWaldherr/persistitgo/internal/page"
)

func openTestVolume(t *testing.T) (*Volume, *buffer.Pool) {
	t.Helper()
	dir := t.TempDir()
	pool := buffer.New(buffer.Config{PageSize: page.DefaultSize, Frames: 64})
	v, err := Open(Spec{Path: filepath.Join(dir, "test.vol"), Create: true, ID: 1, BufferSize: page.DefaultSize, InitialPages: 4, MaximumPages: 256}, 1, pool)
	if err != nil {
		t.Fatal(err)
	}
	pool2 := buffer.New(buffer.Config{
		PageSize:    page.DefaultSize,
		Frames:      64,
		ReadVolume:  func(k buffer.Key, into []byte) (page.Timestamp, error) { return v.ReadPageRaw(k.Page, into) },
		WriteVolume: func(k buffer.Key, buf []byte) error { return v.WritePageRaw(k.Page, buf) },
	})
	return v, pool2
}

func TestVolumeOpenCreatesHead(t *testing.T) {
	v, _ := openTestVolume(t)
	defer v.Close()
	if v.ID() != 1 {
		t.Fatalf("expected volume id 1, got %d", v.ID())
	}
	if v.Head().PageCount != 4 {
		t.Fatalf("expected 4 initial pages, got %d", v.Head().PageCount)
	}
}

func TestVolumeSpecMutualExclusion(t *testing.T) {
	s := Spec{ReadOnly: true, Create: true}
	if err := s.Validate(); err != ErrInvalidSpec {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
}

func TestVolumeHeadRoundTripViaFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v2.vol")
	pool := buffer.New(buffer.Config{PageSize: page.DefaultSize, Frames: 16})
	v, err := Open(Spec{Path: path, Create: true, ID: 42, BufferSize: page.DefaultSize, InitialPages: 2, MaximumPages: 64}, 1, pool)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}

	pool2 := buffer.New(buffer.Config{PageSize: page.DefaultSize, Frames: 16})
	v2, err := Open(Spec{Path: path}, 1, pool2)
	if err != nil {
		t.Fatal(err)
	}
	defer v2.Close()
	if v2.ID() != 42 {
		t.Fatalf("expected id 42 after reopen, got %d", v2.ID())
	}
}

func TestVolumeAllocExtendsFile(t *testing.T) {
	v, pool := openTestVolume(t)
	defer v.Close()
	tb := &TreeBackend{Vol: v, Pool: pool}
	id, err := tb.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if id == page.Invalid {
		t.Fatal("expected a valid page id")
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
