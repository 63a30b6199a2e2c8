package journal

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

func TestRecordRoundTrip(t *testing.T) {
	rec := &Record{Type: TypeSR, Timestamp: 12345, Payload: []byte("hello")}
	frame := Marshal(rec)
	got, n, err := Unmarshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(frame) {
		t.Fatalf("consumed %d want %d", n, len(frame))
	}
	if got.Type != TypeSR || got.Timestamp != 12345 || !bytes.Equal(got.Payload, []byte("hello")) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestRecordCRCDetectsCorruption(t *testing.T) {
	frame := Marshal(&Record{Type: TypePA, Timestamp: 1, Payload: []byte("page-image")})
	frame[len(frame)-1] ^= 0xFF
	if _, _, err := Unmarshal(frame); err == nil {
		t.Fatal("expected CRC mismatch error")
	}
}

func TestUnmarshalTruncatedTail(t *testing.T) {
	frame := Marshal(&Record{Type: TypeCP, Timestamp: 1, Payload: EncodeCP(CPPayload{SystemTimeMillis: 1, BaseAddress: 0})})
	if _, _, err := Unmarshal(frame[:len(frame)-3]); err == nil {
		t.Fatal("expected error on truncated frame")
	}
}

func TestPAPayloadRoundTrip(t *testing.T) {
	p := PAPayload{VolumeHandle: 7, PageAddress: 99, Image: []byte("page-bytes")}
	got, err := DecodePA(EncodePA(p))
	if err != nil {
		t.Fatal(err)
	}
	if got.VolumeHandle != p.VolumeHandle || got.PageAddress != p.PageAddress || !bytes.Equal(got.Image, p.Image) {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestSRPayloadRoundTripPlainValue(t *testing.T) {
	p := SRPayload{TreeHandle: 3, Key: []byte("k"), Value: []byte("v")}
	got, err := DecodeSR(EncodeSR(p))
	if err != nil {
		t.Fatal(err)
	}
	if got.TreeHandle != p.TreeHandle || !bytes.Equal(got.Key, p.Key) || !bytes.Equal(got.Value, p.Value) || got.LongRecord {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestSRPayloadRoundTripLongRecordFlag(t *testing.T) {
	p := SRPayload{TreeHandle: 3, Key: []byte("k"), Value: []byte("descriptor-bytes"), LongRecord: true}
	got, err := DecodeSR(EncodeSR(p))
	if err != nil {
		t.Fatal(err)
	}
	if !got.LongRecord || !bytes.Equal(got.Value, p.Value) {
		t.Fatalf("mismatch: %+v", got)
	}
}

type fakeCopier struct {
	mu      sync.Mutex
	pending []DirtyPage
	written []DirtyPage
}

func (c *fakeCopier) Drain(max int) []DirtyPage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	if max > len(c.pending) {
		max = len(c.pending)
	}
	out := c.pending[:max]
	c.pending = c.pending[max:]
	return out
}

func (c *fakeCopier) WriteBack(p DirtyPage) error {
	c.mu.Lock()
	c.written = append(c.written, p)
	c.mu.Unlock()
	return nil
}

func TestManagerAppendAndFlush(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(Config{Dir: dir, Prefix: "test", BlockSize: 1 << 20, FlushInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	addr, err := m.Append(TypeSR, []byte("k=v"))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.WaitFlushed(addr + 1); err != nil {
		t.Fatal(err)
	}
}

func TestManagerRolloverOnBlockSize(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(Config{Dir: dir, Prefix: "test", BlockSize: 256, FlushInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	startGen := m.generation
	for i := 0; i < 50; i++ {
		if _, err := m.Append(TypeSR, bytes.Repeat([]byte("x"), 16)); err != nil {
			t.Fatal(err)
		}
	}
	if m.generation == startGen {
		t.Fatal("expected at least one rollover after exceeding blockSize")
	}
}

func TestManagerCopierDrainsAndAdvancesBase(t *testing.T) {
	dir := t.TempDir()
	copier := &fakeCopier{pending: []DirtyPage{
		{VolumeHandle: 1, PageAddress: 1, Image: []byte("img1"), JournalAddr: 10},
		{VolumeHandle: 1, PageAddress: 2, Image: []byte("img2"), JournalAddr: 20},
	}}
	m, err := Open(Config{Dir: dir, Prefix: "test", BlockSize: 1 << 20, FlushInterval: 10 * time.Millisecond, Copier: copier})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	deadline := time.Now().Add(2 * time.Second)
	for m.BaseAddress() < 20 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.BaseAddress() < 20 {
		t.Fatalf("expected base address to advance to 20, got %d", m.BaseAddress())
	}
	copier.mu.Lock()
	n := len(copier.written)
	copier.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 pages written back, got %d", n)
	}
}

func TestIOMeterQuiescent(t *testing.T) {
	m := NewIOMeter(20 * time.Millisecond)
	if !m.Quiescent(100) {
		t.Fatal("expected a fresh meter to be quiescent")
	}
	m.Charge(IOWriteJournal, 10*1024*1024)
	time.Sleep(25 * time.Millisecond)
	if m.Quiescent(1) {
		t.Fatal("expected meter to report high throughput after a large charge")
	}
}
