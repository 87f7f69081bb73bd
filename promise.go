package psdloop

import "sync"

// Result is the type of a fulfillment value or rejection reason: any Go
// value, mirroring the dynamically-typed value slot a thenable carries in
// hosts without a static type system.
type Result = any

// State is the lifecycle stage of a [Promise]. Terminal once set to anything
// other than StatePending.
type State int32

const (
	StatePending State = iota
	StateFulfilled
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFulfilled:
		return "fulfilled"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Handler is a then callback. Returning a non-nil error rejects the derived
// promise with that error as its reason; otherwise the derived promise
// resolves with the returned value (itself adopted if it is a *Promise or a
// [Thenable]). This is the idiomatic Go rendering of a callback that may
// "throw": Go has no exceptions, so the (value, error) return convention
// plays the same role here that a thrown exception plays in the host this
// design is modeled on.
type Handler func(reason Result) (Result, error)

// Thenable is any foreign object exposing a callable then, the minimal
// interface this package needs to interoperate with another promise
// implementation's values. A *Promise is handled as a special case (not via
// this interface) so that adoption can reuse the internal listener
// machinery instead of the generic once-guarded callback pair.
type Thenable interface {
	Then(onFulfilled, onRejected func(Result))
}

// listener binds a pair of optional handlers to the resolve/reject of a
// derived promise, plus the scope captured at then time.
type listener struct {
	onFulfilled func(Result) (Result, error)
	onRejected  func(Result) (Result, error)
	resolve     func(Result)
	reject      func(Result)
	scope       *Scope
}

// Promise is an A+ compliant thenable with PSD-aware scheduling: every
// listener dispatch saves/restores the ambient scope, charges/discharges a
// reference count on the owning scope, and participates in the scheduler's
// shared counter that decides when unhandled-rejection reporting fires.
type Promise struct {
	mu sync.Mutex

	state     State
	value     Result
	listeners []*listener
	scope     *Scope
	libMode   bool

	stack         []uintptr
	prev          *Promise
	numPrev       int
	cachedStack   string
	cachedStackOK bool
}

func newPending(scope *Scope) *Promise {
	p := &Promise{state: StatePending, scope: scope}
	scope.incRef()
	return p
}

// New creates a promise and synchronously invokes resolver with its
// resolve/reject closures. A panic escaping resolver is treated as a
// resolver throw: the promise rejects with the recovered value.
func New(resolver func(resolve func(Result), reject func(Result))) *Promise {
	p := newPending(PSD())
	p.stack = captureStack(1)
	if diagnosticsEnabled.Load() {
		p.linkPrev(sched.CurrentFulfiller())
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.reject(panicToError(r))
			}
		}()
		resolver(p.resolve, p.reject)
	}()
	return p
}

// newLibMode is the internal constructor used by combinators and adapters
// that are trusted to only ever settle from within otherwise-library-owned
// call stacks, enabling the library-mode synchronous drain.
func newLibMode(resolver func(resolve func(Result), reject func(Result))) *Promise {
	p := newPending(PSD())
	p.libMode = true
	p.stack = captureStack(1)
	if diagnosticsEnabled.Load() {
		p.linkPrev(sched.CurrentFulfiller())
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.reject(panicToError(r))
			}
		}()
		resolver(p.resolve, p.reject)
	}()
	return p
}

// Resolve returns a promise already fulfilled with value, or — if value is
// itself a promise or thenable — a promise that adopts its eventual state.
func Resolve(value Result) *Promise {
	if pr, ok := value.(*Promise); ok {
		return pr
	}
	p := newPending(PSD())
	p.stack = captureStack(1)
	if diagnosticsEnabled.Load() {
		p.linkPrev(sched.CurrentFulfiller())
	}
	p.resolve(value)
	return p
}

// Reject returns a promise already rejected with reason.
func Reject(reason Result) *Promise {
	p := newPending(PSD())
	p.stack = captureStack(1)
	if diagnosticsEnabled.Load() {
		p.linkPrev(sched.CurrentFulfiller())
	}
	p.reject(reason)
	return p
}

// resolve implements the thenable resolution procedure.
func (p *Promise) resolve(value Result) {
	p.mu.Lock()
	if p.state != StatePending {
		p.mu.Unlock()
		return
	}
	if self, ok := value.(*Promise); ok && self == p {
		p.mu.Unlock()
		p.reject(&TypeError{Message: "cannot resolve a promise with itself", Cause: ErrPromiseSelfResolution})
		return
	}
	p.mu.Unlock()

	if inner, ok := value.(*Promise); ok {
		p.adoptPromise(inner)
		return
	}
	if t, ok := value.(Thenable); ok {
		p.adoptThenable(t)
		return
	}
	p.settle(StateFulfilled, value)
}

// adoptPromise forwards inner's eventual state via the same listener
// machinery used by then, with no callback attached so propagateToListener
// short-circuits straight to resolve/reject.
func (p *Promise) adoptPromise(inner *Promise) {
	l := &listener{resolve: p.resolve, reject: p.reject, scope: p.scope}
	inner.propagateToListener(l)
}

// adoptThenable invokes a foreign thenable's then exactly once, guarding
// against a misbehaving thenable that calls both (or either) of its
// callbacks more than once.
func (p *Promise) adoptThenable(t Thenable) {
	var once sync.Once
	t.Then(
		func(v Result) { once.Do(func() { p.resolve(v) }) },
		func(r Result) { once.Do(func() { p.reject(r) }) },
	)
}

// reject passes reason through the configurable rejectionMapper and settles
// the promise as rejected.
func (p *Promise) reject(reason Result) {
	p.mu.Lock()
	if p.state != StatePending {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	mapped := reason
	if m := getRejectionMapper(); m != nil {
		mapped = m(reason)
	}
	p.settle(StateRejected, mapped)
}

func (p *Promise) settle(state State, value Result) {
	p.mu.Lock()
	if p.state != StatePending {
		p.mu.Unlock()
		return
	}
	p.state = state
	p.value = value
	listeners := p.listeners
	p.listeners = nil
	scope := p.scope
	p.mu.Unlock()

	scope.decRef()

	if state == StateRejected {
		trackRejection(p, value)
	}

	for _, l := range listeners {
		p.propagateToListener(l)
	}

	if p.libMode && sched.beginMicroTickScope() {
		sched.endMicroTickScope()
	}
}

// propagateToListener is the resolver behind both then (attaching a fresh
// listener) and promise adoption (attaching a forwarding listener): if p is
// still pending, the listener is queued for dispatch on settlement;
// otherwise the appropriate callback is selected by state, and if absent,
// the value is forwarded to the listener's resolve/reject directly without
// going through the scheduler — pure value forwarding needs no handler
// invocation and so isn't subject to the async-dispatch guarantee.
func (p *Promise) propagateToListener(l *listener) {
	p.mu.Lock()
	if p.state == StatePending {
		p.listeners = append(p.listeners, l)
		p.mu.Unlock()
		return
	}
	state, value := p.state, p.value
	p.mu.Unlock()

	var cb func(Result) (Result, error)
	if state == StateFulfilled {
		cb = l.onFulfilled
	} else {
		cb = l.onRejected
	}
	if cb == nil {
		if state == StateFulfilled {
			l.resolve(value)
		} else {
			l.reject(value)
		}
		return
	}

	l.scope.incRef()
	sched.incScheduledCalls()
	sched.Asap(func(args []any) {
		p.callListener(cb, state, value, l)
	}, nil)
}

// callListener runs cb under the listener's captured scope, applies the
// "same reason" handled-rejection rule, and settles the listener's derived
// promise from the result.
func (p *Promise) callListener(cb func(Result) (Result, error), state State, value Result, l *listener) {
	prevFulfiller := sched.setCurrentFulfiller(p)

	var result Result
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = panicToError(r)
			}
		}()
		UsePSD(l.scope, func() any {
			result, err = cb(value)
			return nil
		})
	}()

	sched.setCurrentFulfiller(prevFulfiller)

	// A non-error reason handed back through passthroughReason arrives
	// wrapped; unwrap it so the derived promise rejects with the original.
	var reason Result = err
	if o, ok := err.(*opaqueReason); ok {
		reason = o.v
	}

	if state == StateRejected {
		// A handler that re-rejects with the original reason — by returning
		// it as its error, or by returning a promise already rejected with
		// it — forwarded the rejection rather than observing it; anything
		// else counts as handled.
		sameReason := err != nil && sameIdentity(reason, value)
		if !sameReason {
			if rp, ok := result.(*Promise); ok {
				if rv, terminal := rp.Value(); terminal && rp.State() == StateRejected && sameIdentity(rv, value) {
					sameReason = true
				}
			}
		}
		if !sameReason {
			markErrorAsHandled(p, value)
		}
	}

	if err != nil {
		l.reject(reason)
	} else {
		l.resolve(result)
	}

	l.scope.decRef()
	sched.decScheduledCalls()
}

// Then registers onFulfilled/onRejected and returns a new promise resolved
// from whichever runs. Either handler may be nil, in which case the value or
// reason forwards unchanged to the derived promise.
func (p *Promise) Then(onFulfilled, onRejected Handler) *Promise {
	scope := PSD()
	child := newPending(scope)
	if diagnosticsEnabled.Load() {
		child.stack = captureStack(1)
		child.linkPrev(p)
	}
	l := &listener{
		onFulfilled: onFulfilled,
		onRejected:  onRejected,
		resolve:     child.resolve,
		reject:      child.reject,
		scope:       scope,
	}
	p.propagateToListener(l)
	return child
}

// Catch is shorthand for Then(nil, cb): cb runs only on rejection.
func (p *Promise) Catch(cb Handler) *Promise {
	return p.Then(nil, cb)
}

// CatchIf runs cb only when pred accepts the rejection reason; otherwise the
// rejection propagates unchanged to the derived promise. This is the
// idiomatic Go rendering of the host's catch(type, cb) overload, which
// filters by constructor or by a string matched against reason.name — Go has
// neither instanceof nor structural name matching built in, so the filter is
// an explicit predicate instead (a typical pred is an errors.As check).
func (p *Promise) CatchIf(pred func(Result) bool, cb Handler) *Promise {
	return p.Then(nil, func(reason Result) (Result, error) {
		if pred(reason) {
			return cb(reason)
		}
		return nil, passthroughReason(reason)
	})
}

// Finally runs cb unconditionally and forwards the original value or
// rejection unchanged.
func (p *Promise) Finally(cb func()) *Promise {
	return p.Then(
		func(v Result) (Result, error) {
			cb()
			return v, nil
		},
		func(r Result) (Result, error) {
			cb()
			return nil, passthroughReason(r)
		},
	)
}

// passthroughReason coerces reason into an error suitable for Handler's
// (Result, error) return, preserving identity when reason is already an
// error (the common case, and the one the "same reason" rule depends on).
// Any other reason is wrapped in an *opaqueReason, which callListener
// unwraps, so the derived promise still rejects with the original value.
func passthroughReason(reason Result) error {
	if err, ok := reason.(error); ok {
		return err
	}
	return &opaqueReason{v: reason}
}

type opaqueReason struct{ v Result }

func (o *opaqueReason) Error() string { return reasonToError(o.v).Error() }

// State returns the promise's current state.
func (p *Promise) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Value returns the settled value or reason and whether the promise is
// terminal.
func (p *Promise) Value() (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.state != StatePending
}

var (
	rejectionMapperMu sync.Mutex
	rejectionMapper   func(Result) Result
)

// SetRejectionMapper installs a function applied to every rejection reason
// before it settles a promise, e.g. to normalize foreign exception types.
//
// Mappers must be idempotent under identity: the unhandled-rejection
// bookkeeping compares mapped reasons by identity (both to dedup a
// rejection forwarded down a handler-less chain and to clear the entry when
// a handler finally observes it), and a rejection that propagates through a
// chain is re-mapped at each derived promise. A mapper that returns a fresh
// value per call makes each link look like a distinct unhandled error and
// defeats the handled/unhandled dedup.
func SetRejectionMapper(fn func(Result) Result) {
	rejectionMapperMu.Lock()
	rejectionMapper = fn
	rejectionMapperMu.Unlock()
}

func getRejectionMapper() func(Result) Result {
	rejectionMapperMu.Lock()
	defer rejectionMapperMu.Unlock()
	return rejectionMapper
}

// Rejection wraps a rejection reason for delivery over a [Promise.ToChannel]
// channel, distinguishing it from a fulfillment value.
type Rejection struct{ Reason Result }

func (r *Rejection) Error() string { return reasonToError(r.Reason).Error() }

// ToChannel returns a channel receiving exactly one value: the fulfillment
// value, or a *Rejection wrapping the reason. The channel is closed after
// that single send.
func (p *Promise) ToChannel() <-chan Result {
	ch := make(chan Result, 1)
	p.Then(
		func(v Result) (Result, error) {
			ch <- v
			close(ch)
			return v, nil
		},
		func(r Result) (Result, error) {
			ch <- &Rejection{Reason: r}
			close(ch)
			return nil, passthroughReason(r)
		},
	)
	return ch
}
