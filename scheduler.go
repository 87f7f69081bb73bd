package psdloop

import (
	"sync"
	"time"
)

// Scheduler is the two-level tick scheduler: host "physical" ticks wrapping
// a re-entrant "micro tick" drain. A chain of Then continuations registered
// during a drain is fully serviced within the same host task, which is the
// property that lets downstream transactional I/O observe reentry inside its
// live window.
type Scheduler struct {
	mu sync.Mutex

	deferredCallbacks    []deferredCall
	numScheduledCalls    int
	tickFinalizers       []func()
	outsideMicroTick     bool
	needsNewPhysicalTick bool
	currentFulfiller     *Promise
	unhandledErrors      []*unhandledEntry
	closed               bool

	hostTask func(run func())

	metricsEnabled bool
	metrics        *TickMetrics
}

type deferredCall struct {
	fn   func(args []any)
	args []any
}

type unhandledEntry struct {
	promise *Promise
	reason  Result
	scope   *Scope
}

// SchedulerOption configures a [Scheduler] at construction.
type SchedulerOption interface{ applyScheduler(*schedulerOptions) }

type schedulerOptions struct {
	hostTask func(run func())
	metrics  bool
}

type schedulerOptionFunc func(*schedulerOptions)

func (f schedulerOptionFunc) applyScheduler(o *schedulerOptions) { f(o) }

// WithHostTask overrides the earliest-available-task primitive used to
// invoke physicalTick. The default spawns a goroutine; a host embedding this
// engine in a deterministic driver (see [ManualHostTask]) or a real event
// loop can substitute its own here. Replacement must preserve FIFO ordering
// of physical ticks relative to when Asap requested them.
func WithHostTask(fn func(run func())) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) { o.hostTask = fn })
}

// WithMetrics enables P50/P90/P99 physical-tick latency tracking, off by
// default.
func WithMetrics(enabled bool) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) { o.metrics = enabled })
}

func resolveSchedulerOptions(opts []SchedulerOption) schedulerOptions {
	var o schedulerOptions
	for _, opt := range opts {
		opt.applyScheduler(&o)
	}
	return o
}

func defaultHostTask(run func()) { go run() }

// NewScheduler constructs an independent scheduler. Most programs never need
// this directly and should use the process-wide default scheduler;
// NewScheduler exists for test isolation and for hosts that want several
// independent tick domains.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	cfg := resolveSchedulerOptions(opts)
	s := &Scheduler{
		outsideMicroTick:     true,
		needsNewPhysicalTick: true,
		hostTask:             cfg.hostTask,
	}
	if s.hostTask == nil {
		s.hostTask = defaultHostTask
	}
	if cfg.metrics {
		s.metricsEnabled = true
		s.metrics = newTickMetrics()
	}
	return s
}

var sched = NewScheduler()

// SetHostTask replaces the default scheduler's host-task primitive, letting
// a test harness or embedding host control exactly when physical ticks run.
func SetHostTask(fn func(run func())) {
	sched.mu.Lock()
	sched.hostTask = fn
	sched.mu.Unlock()
}

// EnableMetrics turns on physical-tick latency tracking for the default
// scheduler.
func EnableMetrics(enabled bool) {
	sched.mu.Lock()
	if enabled && sched.metrics == nil {
		sched.metrics = newTickMetrics()
	}
	sched.metricsEnabled = enabled
	sched.mu.Unlock()
}

// Metrics returns a snapshot of physical-tick latency quantiles for the
// default scheduler, and false if metrics are not currently enabled.
func Metrics() (TickSnapshot, bool) {
	sched.mu.Lock()
	enabled, m := sched.metricsEnabled, sched.metrics
	sched.mu.Unlock()
	if !enabled || m == nil {
		return TickSnapshot{}, false
	}
	return m.Snapshot(), true
}

// Metrics is the instance form of the package-level Metrics, for schedulers
// constructed with [NewScheduler].
func (s *Scheduler) Metrics() (TickSnapshot, bool) {
	s.mu.Lock()
	enabled, m := s.metricsEnabled, s.metrics
	s.mu.Unlock()
	if !enabled || m == nil {
		return TickSnapshot{}, false
	}
	return m.Snapshot(), true
}

// Asap appends (fn, args) to the deferred-callback FIFO on the default
// scheduler. If the scheduler currently needs a new physical tick, it
// requests one via the host task and clears the flag. Asap never runs fn
// synchronously. Returns [ErrSchedulerClosed] once [Close] has run, without
// queuing fn.
func Asap(fn func(args []any), args []any) error { return sched.Asap(fn, args) }

// Asap is the instance form of the package-level Asap, for schedulers
// constructed with [NewScheduler].
func (s *Scheduler) Asap(fn func(args []any), args []any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.deferredCallbacks = append(s.deferredCallbacks, deferredCall{fn: fn, args: args})
	needHost := s.needsNewPhysicalTick
	if needHost {
		s.needsNewPhysicalTick = false
	}
	s.mu.Unlock()
	if needHost {
		s.hostTask(s.physicalTick)
	}
	return nil
}

// Close marks the scheduler closed: no further physical ticks are
// arranged and [Asap] starts returning [ErrSchedulerClosed]. Work already
// queued in the current drain still runs to completion; Close only takes
// effect for calls made after it returns. Close is idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether [Close] has run.
func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close closes the default scheduler. See [Scheduler.Close].
func Close() { sched.Close() }

// physicalTick is the entry point invoked by the host task.
func (s *Scheduler) physicalTick() {
	start := now()
	if s.beginMicroTickScope() {
		s.endMicroTickScope()
	}
	if s.metricsEnabled && s.metrics != nil {
		s.metrics.observe(time.Since(start))
	}
}

// beginMicroTickScope returns true iff this call transitions outsideMicroTick
// from true to false, in which case it also clears needsNewPhysicalTick.
// When it returns false, the caller is nested beneath a drain already in
// progress higher on the stack and must not drain itself.
func (s *Scheduler) beginMicroTickScope() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.outsideMicroTick {
		return false
	}
	s.outsideMicroTick = false
	s.needsNewPhysicalTick = false
	return true
}

// endMicroTickScope repeatedly swaps the deferred-callback FIFO for an empty
// one and invokes each saved callback, looping until a pass leaves the list
// empty (a callback may enqueue more work). This is iterative, never
// recursive on deferredCallbacks, so it stays bounded under long chains.
func (s *Scheduler) endMicroTickScope() {
	for {
		s.mu.Lock()
		batch := s.deferredCallbacks
		s.deferredCallbacks = nil
		s.mu.Unlock()
		if len(batch) == 0 {
			break
		}
		for _, c := range batch {
			c.fn(c.args)
		}
	}
	s.mu.Lock()
	s.outsideMicroTick = true
	s.needsNewPhysicalTick = true
	zero := s.numScheduledCalls == 0
	s.mu.Unlock()

	// numScheduledCalls only ever falls to zero from decScheduledCalls, which
	// already fires finalizePhysicalTick on that transition. But a host task
	// that never dispatched a single listener (e.g. a rejection constructed
	// with nothing ever attached to it) leaves the counter at its resting
	// zero the whole time, so nothing would otherwise trigger tick-end
	// unhandled-rejection reporting. Checking here as well guarantees every
	// physical tick finalizes, transition or not.
	if zero {
		s.finalizePhysicalTick()
	}
}

func (s *Scheduler) incScheduledCalls() {
	s.mu.Lock()
	s.numScheduledCalls++
	s.mu.Unlock()
}

func (s *Scheduler) decScheduledCalls() {
	s.mu.Lock()
	s.numScheduledCalls--
	zero := s.numScheduledCalls == 0
	s.mu.Unlock()
	if zero {
		s.finalizePhysicalTick()
	}
}

// finalizePhysicalTick runs when numScheduledCalls falls to zero: it records
// and fires each remaining unhandled rejection's owning scope's sink, then
// runs tick finalizers.
func (s *Scheduler) finalizePhysicalTick() {
	s.mu.Lock()
	errs := s.unhandledErrors
	s.unhandledErrors = nil
	finalizers := s.tickFinalizers
	s.tickFinalizers = nil
	s.mu.Unlock()

	for _, e := range errs {
		e.scope.recordUnhandled(e.reason, e.promise)
		e.scope.onunhandled(e.reason, e.promise)
	}
	for _, f := range finalizers {
		f()
	}
	reportLeaks()
}

// AddTickFinalizer registers fn to run the next time numScheduledCalls falls
// to zero, after unhandled-rejection reporting for that tick. Also ensures a
// physical tick is actually scheduled: a scope that finalizes with nothing
// ever dispatched through Asap (e.g. a rejection nobody attached a listener
// to) would otherwise leave numScheduledCalls resting at its idle zero
// forever, and fn would never run.
func (s *Scheduler) AddTickFinalizer(fn func()) {
	s.mu.Lock()
	s.tickFinalizers = append(s.tickFinalizers, fn)
	s.mu.Unlock()
	s.ensureTick()
}

// ensureTick guarantees at least one physical tick is pending, even when
// nothing has been scheduled via Asap. Used by paths that need a tick to
// happen purely to drive tick-end bookkeeping (unhandled-rejection
// reporting, tick finalizers) rather than to run any callback of their own.
func (s *Scheduler) ensureTick() {
	s.Asap(func([]any) {}, nil)
}

func (s *Scheduler) setCurrentFulfiller(p *Promise) (prev *Promise) {
	s.mu.Lock()
	prev = s.currentFulfiller
	s.currentFulfiller = p
	s.mu.Unlock()
	return prev
}

// CurrentFulfiller returns the promise whose handler is presently executing
// on this scheduler, used to link successors in the long-stack chain.
func (s *Scheduler) CurrentFulfiller() *Promise {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentFulfiller
}

// CurrentFulfiller is the package-level accessor over the default scheduler.
func CurrentFulfiller() *Promise { return sched.CurrentFulfiller() }

// addUnhandled dedups by reason identity, not promise identity: a rejection
// forwarded down a chain through handler-less listeners re-rejects each
// derived promise with the same reason, and all of those are one logical
// unhandled error. Keeping only the first entry also keeps the originating
// promise's scope as the one whose sink reports it.
func (s *Scheduler) addUnhandled(e *unhandledEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.unhandledErrors {
		if sameIdentity(x.reason, e.reason) {
			return
		}
	}
	s.unhandledErrors = append(s.unhandledErrors, e)
}

func (s *Scheduler) removeUnhandledByReason(reason Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.unhandledErrors {
		if sameIdentity(x.reason, reason) {
			s.unhandledErrors = append(s.unhandledErrors[:i], s.unhandledErrors[i+1:]...)
			return
		}
	}
}
