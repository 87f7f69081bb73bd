package psdloop

import (
	"sync"
	"time"
)

// TickMetrics tracks P50/P90/P99 physical-tick duration using three
// independent P² estimators. Gated behind [WithMetrics], off by default:
// maintaining even an O(1)-per-observation estimator has a cost not every
// host wants to pay on every tick.
type TickMetrics struct {
	mu            sync.Mutex
	p50, p90, p99 *pSquare
	count         uint64
	total         time.Duration
}

func newTickMetrics() *TickMetrics {
	return &TickMetrics{
		p50: newPSquare(0.50),
		p90: newPSquare(0.90),
		p99: newPSquare(0.99),
	}
}

func (m *TickMetrics) observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p50.Add(ms)
	m.p90.Add(ms)
	m.p99.Add(ms)
	m.count++
	m.total += d
}

// TickSnapshot is a point-in-time read of physical-tick latency quantiles,
// in milliseconds.
type TickSnapshot struct {
	P50, P90, P99 float64
	Count         uint64
	Total         time.Duration
}

// Snapshot returns the current estimates.
func (m *TickMetrics) Snapshot() TickSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return TickSnapshot{
		P50:   m.p50.Value(),
		P90:   m.p90.Value(),
		P99:   m.p99.Value(),
		Count: m.count,
		Total: m.total,
	}
}
