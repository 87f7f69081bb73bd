package psdloop

import (
	"fmt"
	"sync"
	"time"
	"weak"
)

// scopeRegistry tracks live scopes via weak pointers in a fixed-size ring
// buffer: adding a new entry simply overwrites the oldest ring
// slot (a dead weak pointer there means that scope was already collected),
// and Scavenge resolves a batch of slots to find scopes created more than
// leakThreshold ago whose ref is still nonzero — an operational leak diagnostic,
// not a correctness mechanism (nothing here can free a scope the program is
// actually still holding a live reference to).
type scopeRegistry struct {
	mu   sync.Mutex
	ring []weak.Pointer[Scope]
	head int
	scan int
}

func newScopeRegistry(capacity int) *scopeRegistry {
	return &scopeRegistry{ring: make([]weak.Pointer[Scope], capacity)}
}

var globalScopeRegistry = newScopeRegistry(1024)

func (r *scopeRegistry) add(s *Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.head] = weak.Make(s)
	r.head = (r.head + 1) % len(r.ring)
}

// leakThreshold is the scope age, measured from creation, past which
// Scavenge reports a scope whose ref is still nonzero as a suspected leak.
var leakThreshold = 30 * time.Second

// SetLeakThreshold overrides the default leak-detection window.
func SetLeakThreshold(d time.Duration) { leakThreshold = d }

// ScopeLeakReport describes a scope that Scavenge suspects is leaked: it is
// still referenced (GC hasn't collected it), its ref count is nonzero, and
// it was created longer ago than the configured threshold.
type ScopeLeakReport struct {
	Ref       int
	CreatedAt time.Time
	Age       time.Duration
}

// Scavenge resolves up to batchSize ring slots (advancing a scan cursor
// across calls) and returns a report for every live scope that looks leaked.
// It never finalizes or mutates the scopes it finds; diagnosis is the
// caller's job.
func (r *scopeRegistry) Scavenge(batchSize int) []ScopeLeakReport {
	r.mu.Lock()
	n := len(r.ring)
	if batchSize > n {
		batchSize = n
	}
	slots := make([]weak.Pointer[Scope], batchSize)
	start := r.scan
	for i := 0; i < batchSize; i++ {
		idx := (start + i) % n
		slots[i] = r.ring[idx]
	}
	r.scan = (start + batchSize) % n
	r.mu.Unlock()

	var reports []ScopeLeakReport
	cutoff := now()
	for _, wp := range slots {
		s := wp.Value()
		if s == nil {
			continue
		}
		s.mu.Lock()
		ref := s.ref
		created := s.createdAt
		finalized := s.finalized
		s.mu.Unlock()
		if finalized || ref <= 0 {
			continue
		}
		age := cutoff.Sub(created)
		if age > leakThreshold {
			reports = append(reports, ScopeLeakReport{Ref: ref, CreatedAt: created, Age: age})
		}
	}
	return reports
}

// ScavengeLeaks scavenges the default scope registry.
func ScavengeLeaks(batchSize int) []ScopeLeakReport {
	return globalScopeRegistry.Scavenge(batchSize)
}

// scavengeBatchSize bounds the per-tick scavenge so leak detection stays an
// amortized background cost: each tick end inspects one batch of ring slots,
// and the scan cursor carries the sweep across ticks.
const scavengeBatchSize = 20

// reportLeaks runs one scavenge batch against the default registry and logs
// a warning per suspected leak. Invoked at the end of every physical tick.
func reportLeaks() {
	for _, r := range globalScopeRegistry.Scavenge(scavengeBatchSize) {
		logWarn("scope", fmt.Sprintf("scope alive for %s with %d outstanding references, possible leak", r.Age, r.Ref), nil)
	}
}
