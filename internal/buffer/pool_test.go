package buffer

import (
	"testing"

	"github.com/SimonWaldherr/persistitgo/internal/page"
)

func newTestPool(t *testing.T, frames int) *Pool {
	t.Helper()
	return New(Config{PageSize: page.DefaultSize, Frames: frames})
}

func TestGetSharedMissThenHit(t *testing.T) {
	p := newTestPool(t, 4)
	k := Key{Volume: 1, Page: 5}
	buf := page.New(page.DefaultSize, page.TypeData, page.ID(5))
	page.SetCRC(buf)
	loader := func(kk Key) ([]byte, page.Timestamp, bool, error) {
		return buf, 1, true, nil
	}
	h, err := p.GetShared(k, loader)
	if err != nil {
		t.Fatal(err)
	}
	h.Release()

	h2, err := p.GetShared(k, loader)
	if err != nil {
		t.Fatal(err)
	}
	h2.Release()

	st := p.Stats()
	if st.Miss != 1 || st.Hit != 1 {
		t.Fatalf("expected 1 miss + 1 hit, got %+v", st)
	}
}

func TestGetExclusiveMarksDirty(t *testing.T) {
	p := newTestPool(t, 4)
	k := Key{Volume: 1, Page: 9}
	buf := page.New(page.DefaultSize, page.TypeData, page.ID(9))
	page.SetCRC(buf)
	loader := func(kk Key) ([]byte, page.Timestamp, bool, error) { return buf, 1, true, nil }

	h, err := p.GetExclusive(k, loader)
	if err != nil {
		t.Fatal(err)
	}
	h.MarkDirty(2)
	if !h.Frame().IsDirty() {
		t.Fatal("expected frame to be dirty")
	}
	h.Release()
}

func TestEvictionWritesBackDirtyFrame(t *testing.T) {
	p := newTestPool(t, 1)
	written := make(map[Key][]byte)
	p.writeVolume = func(k Key, buf []byte) error {
		written[k] = append([]byte{}, buf...)
		return nil
	}

	k1 := Key{Volume: 1, Page: 1}
	buf1 := page.New(page.DefaultSize, page.TypeData, page.ID(1))
	page.SetCRC(buf1)
	h1, err := p.GetExclusive(k1, func(Key) ([]byte, page.Timestamp, bool, error) { return buf1, 1, true, nil })
	if err != nil {
		t.Fatal(err)
	}
	h1.MarkDirty(1)
	h1.Release()

	k2 := Key{Volume: 1, Page: 2}
	buf2 := page.New(page.DefaultSize, page.TypeData, page.ID(2))
	page.SetCRC(buf2)
	h2, err := p.GetShared(k2, func(Key) ([]byte, page.Timestamp, bool, error) { return buf2, 1, true, nil })
	if err != nil {
		t.Fatal(err)
	}
	h2.Release()

	if _, ok := written[k1]; !ok {
		t.Fatal("expected dirty frame for k1 to be written back on eviction")
	}
}
