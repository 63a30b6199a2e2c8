package journal

import (
	"sync"
	"time"
)

// IOClass enumerates the ten operation classes the IO meter charges bytes
// against (§4.5 "Scheduling hint"). The exact ten-way split is left
// open by the base spec; this set covers every byte
// flow the journal/copier/recovery actually produce or consume.
type IOClass int

const (
	IOWriteJournal IOClass = iota
	IOReadJournal
	IOWritePageFromJournal // copier write-back to a volume file
	IOReadPageFromVolume
	IOWriteOther
	IOReadOther
	IOEvictPage // dirty-page forced write during buffer eviction
	IOReadPageFromJournal
	IOFlushCheckpoint
	IORecoveryReplay
	numIOClasses
)

// IOMeter tracks a decaying bytes/sec rate per class and exposes whether
// the engine is currently quiescent enough for the copier to accelerate.
// Grounded on the teacher's RateLimiter (internal/storage/concurrency.go),
// adapted from a token-bucket limiter into a sliding-window rate sampler.
type IOMeter struct {
	mu          sync.Mutex
	windowStart time.Time
	window      time.Duration
	bytes       [numIOClasses]uint64
	rate        [numIOClasses]float64 // bytes/sec, last completed window
}

// NewIOMeter constructs a meter with the given sampling window.
func NewIOMeter(window time.Duration) *IOMeter {
	if window <= 0 {
		window = time.Second
	}
	return &IOMeter{windowStart: time.Now(), window: window}
}

// Charge records n bytes of IO against class c.
func (m *IOMeter) Charge(c IOClass, n int) {
	if c < 0 || c >= numIOClasses || n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateLocked()
	m.bytes[c] += uint64(n)
}

func (m *IOMeter) rotateLocked() {
	if time.Since(m.windowStart) < m.window {
		return
	}
	elapsed := time.Since(m.windowStart).Seconds()
	if elapsed <= 0 {
		elapsed = m.window.Seconds()
	}
	for i := range m.bytes {
		m.rate[i] = float64(m.bytes[i]) / elapsed
		m.bytes[i] = 0
	}
	m.windowStart = time.Now()
}

// RateKBps returns the most recently completed window's rate for class c,
// in kilobytes/sec.
func (m *IOMeter) RateKBps(c IOClass) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateLocked()
	if c < 0 || c >= numIOClasses {
		return 0
	}
	return m.rate[c] / 1024
}

// TotalRateKBps sums the rate across every class.
func (m *IOMeter) TotalRateKBps() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateLocked()
	var total float64
	for _, r := range m.rate {
		total += r
	}
	return total / 1024
}

// Quiescent reports whether total observed IO is below thresholdKBps —
// the copier's signal to accelerate (§4.5, default threshold 100KB/s).
func (m *IOMeter) Quiescent(thresholdKBps float64) bool {
	return m.TotalRateKBps() < thresholdKBps
}
