package device

import (
	"sync"
	"time"
)

// meter measures recent throughput over a fixed window.
type meter struct {
	mu     sync.Mutex
	window time.Duration
	start  time.Time
	last   time.Time
	bytes  int64
	rate   float64
}

func (m *meter) add(now time.Time, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.start.IsZero() {
		m.start = now
	}
	m.bytes += int64(n)
	m.last = now
	if elapsed := now.Sub(m.start); elapsed >= m.window {
		m.rate = float64(m.bytes) / elapsed.Seconds()
		m.start = now
		m.bytes = 0
	}
}

// value returns bytes/sec; zero once nothing was produced for two windows.
func (m *meter) value(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last.IsZero() || now.Sub(m.last) > 2*m.window {
		return 0
	}
	return m.rate
}
