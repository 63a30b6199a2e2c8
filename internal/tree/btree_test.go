package tree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/SimonWaldherr/persistitgo/internal/page"
)

// memClaim is an unconditionally-granted claim over an in-memory page
// buffer — sufficient for single-threaded unit tests of Tree logic without
// a real buffer.Pool or volume file.
type memClaim struct{ buf []byte }

func (c *memClaim) Bytes() []byte               { return c.buf }
func (c *memClaim) MarkDirty(page.Timestamp)    {}
func (c *memClaim) Release()                    {}

type memBackend struct {
	pages    map[page.ID][]byte
	nextID   page.ID
	pageSize int
	ts       page.Timestamp
}

func newMemBackend(pageSize int) *memBackend {
	return &memBackend{pages: map[page.ID][]byte{}, nextID: 1, pageSize: pageSize}
}

func (m *memBackend) AllocPage() (page.ID, error) {
	id := m.nextID
	m.nextID++
	m.pages[id] = make([]byte, m.pageSize)
	return id, nil
}

func (m *memBackend) FreePage(id page.ID) error {
	delete(m.pages, id)
	return nil
}

func (m *memBackend) PageSize() int { return m.pageSize }

func (m *memBackend) Timestamp() page.Timestamp {
	m.ts++
	return m.ts
}

func (m *memBackend) GetShared(id page.ID) (Claim, error)    { return m.claimFor(id) }
func (m *memBackend) GetExclusive(id page.ID) (Claim, error) { return m.claimFor(id) }

func (m *memBackend) claimFor(id page.ID) (Claim, error) {
	buf, ok := m.pages[id]
	if !ok {
		return nil, fmt.Errorf("memBackend: page %d not allocated", id)
	}
	return &memClaim{buf: buf}, nil
}

func TestBTreeInsertAndGet(t *testing.T) {
	backend := newMemBackend(page.DefaultSize)
	tr, err := Create(backend)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("k%02d", i))
		v := []byte(fmt.Sprintf("v%02d", i))
		if err := tr.Insert(k, v); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}
	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("k%02d", i))
		want := []byte(fmt.Sprintf("v%02d", i))
		got, ok, err := tr.Get(k)
		if err != nil {
			t.Fatalf("get %q: %v", k, err)
		}
		if !ok {
			t.Fatalf("expected key %q to be present", k)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("get %q: got %q want %q", k, got, want)
		}
	}
}

func TestBTreeDelete(t *testing.T) {
	backend := newMemBackend(page.DefaultSize)
	tr, err := Create(backend)
	if err != nil {
		t.Fatal(err)
	}
	tr.Insert([]byte("a"), []byte("1"))
	tr.Insert([]byte("b"), []byte("2"))

	removed, err := tr.Delete([]byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Fatal("expected key a to be removed")
	}
	if _, ok, _ := tr.Get([]byte("a")); ok {
		t.Fatal("key a should be gone")
	}
	if _, ok, _ := tr.Get([]byte("b")); !ok {
		t.Fatal("key b should still be present")
	}
}

func TestBTreeLongRecord(t *testing.T) {
	backend := newMemBackend(1024)
	tr, err := Create(backend)
	if err != nil {
		t.Fatal(err)
	}
	big := bytes.Repeat([]byte("x"), 10*1024)
	if err := tr.Insert([]byte("big"), big); err != nil {
		t.Fatal(err)
	}
	got, ok, err := tr.Get([]byte("big"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected big to be present")
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("long record mismatch: got %d bytes want %d", len(got), len(big))
	}
}

func TestBTreeTraverseOrdered(t *testing.T) {
	backend := newMemBackend(page.DefaultSize)
	tr, err := Create(backend)
	if err != nil {
		t.Fatal(err)
	}
	keys := []string{"m3", "m1", "m2", "n1"}
	for _, k := range keys {
		tr.Insert([]byte(k), []byte(k))
	}
	var seen []string
	err = tr.Traverse(page.GT, []byte(""), nil, func(k, v []byte) bool {
		seen = append(seen, string(k))
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m1", "m2", "m3", "n1"}
	if len(seen) != len(want) {
		t.Fatalf("got %v want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("position %d: got %q want %q", i, seen[i], want[i])
		}
	}
}

func TestBTreeSplitsAcrossManyKeys(t *testing.T) {
	backend := newMemBackend(512)
	tr, err := Create(backend)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 200; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		if err := tr.Insert(k, []byte("value-payload")); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if tr.Depth() < 2 {
		t.Fatalf("expected tree to have grown beyond a single leaf, depth=%d", tr.Depth())
	}
	for i := 0; i < 200; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		if _, ok, err := tr.Get(k); err != nil || !ok {
			t.Fatalf("key %d missing after splits: ok=%v err=%v", i, ok, err)
		}
	}
}
