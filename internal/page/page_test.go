package page

import (
	"bytes"
	"testing"
)

func TestHeaderMarshalRoundTrip(t *testing.T) {
	buf := make([]byte, DefaultSize)
	h := &Header{Type: TypeData, ID: 42, UpdateTimestamp: 7, RightSibling: 99}
	MarshalHeader(h, buf)
	got := UnmarshalHeader(buf)
	if got.Type != h.Type || got.ID != h.ID || got.UpdateTimestamp != h.UpdateTimestamp || got.RightSibling != h.RightSibling {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestCRCDetectsCorruption(t *testing.T) {
	buf := New(DefaultSize, TypeData, 1)
	SetCRC(buf)
	if err := VerifyCRC(buf); err != nil {
		t.Fatalf("unexpected CRC failure: %v", err)
	}
	buf[100] ^= 0xFF
	if err := VerifyCRC(buf); err == nil {
		t.Fatal("expected CRC mismatch after corruption")
	}
}

func TestIsAllowedSize(t *testing.T) {
	for _, sz := range AllowedSizes {
		if !IsAllowedSize(sz) {
			t.Errorf("expected %d to be allowed", sz)
		}
	}
	if IsAllowedSize(3000) {
		t.Error("3000 should not be an allowed page size")
	}
}

func TestSlottedInsertAndFind(t *testing.T) {
	buf := make([]byte, DefaultSize)
	sp := InitSlotted(buf, TypeData, 1, 0)

	keys := [][]byte{[]byte("apple"), []byte("apricot"), []byte("banana"), []byte("cherry")}
	for _, k := range keys {
		if err := sp.Insert(k, append([]byte("v-"), k...), false); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}
	if sp.LiveKeyCount() != len(keys) {
		t.Fatalf("expected %d live keys, got %d", len(keys), sp.LiveKeyCount())
	}
	for i, k := range keys {
		got := sp.FullKey(i)
		if !bytes.Equal(got, k) {
			t.Errorf("key %d: got %q want %q", i, got, k)
		}
	}
}

func TestSlottedTraverseGT(t *testing.T) {
	buf := make([]byte, DefaultSize)
	sp := InitSlotted(buf, TypeData, 1, 0)
	for _, k := range []string{"a", "b", "c", "d"} {
		if err := sp.Insert([]byte(k), []byte(k), false); err != nil {
			t.Fatal(err)
		}
	}
	idx := sp.Traverse(GT, []byte("b"), nil)
	if idx < 0 {
		t.Fatal("expected a match")
	}
	if got := string(sp.FullKey(idx)); got != "c" {
		t.Fatalf("got %q want c", got)
	}
}

func TestSlottedRemoveTombstones(t *testing.T) {
	buf := make([]byte, DefaultSize)
	sp := InitSlotted(buf, TypeData, 1, 0)
	for _, k := range []string{"a", "b", "c"} {
		if err := sp.Insert([]byte(k), []byte(k), false); err != nil {
			t.Fatal(err)
		}
	}
	n := sp.Remove([]byte("b"), []byte("b"))
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if sp.LiveKeyCount() != 2 {
		t.Fatalf("expected 2 live keys after remove, got %d", sp.LiveKeyCount())
	}
}

func TestSlottedCompactPreservesEntries(t *testing.T) {
	buf := make([]byte, DefaultSize)
	sp := InitSlotted(buf, TypeData, 1, 0)
	for _, k := range []string{"a", "b", "c", "d"} {
		if err := sp.Insert([]byte(k), []byte(k+k), false); err != nil {
			t.Fatal(err)
		}
	}
	sp.Remove([]byte("b"), []byte("b"))
	sp.Compact()
	entries := sp.AllEntries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries after compact, got %d", len(entries))
	}
	want := []string{"a", "c", "d"}
	for i, e := range entries {
		if string(e.Key) != want[i] {
			t.Errorf("entry %d: got %q want %q", i, e.Key, want[i])
		}
	}
}
