package psdloop

// trackRejection adds a newly-rejected promise to the default scheduler's
// process-wide unhandled list, deduped by reason identity so that a
// rejection propagating down a handler-less chain counts as one logical
// unhandled error attributed to the promise (and scope) that originated it.
func trackRejection(p *Promise, reason Result) {
	sched.addUnhandled(&unhandledEntry{promise: p, reason: reason, scope: p.scope})
	// A rejection with no listener ever attached never touches Asap, so
	// nothing would otherwise drive the tick that reports it.
	sched.ensureTick()
}

// markErrorAsHandled removes the reason from the unhandled list, the effect
// of callListener's "same reason" rule: a handler that observed the
// rejection (by resolving, or by re-rejecting with a different reason)
// counts as having handled it. Matching by reason rather than by p means a
// catch attached anywhere down a forwarded chain clears the entry its
// originating promise registered.
func markErrorAsHandled(p *Promise, reason Result) {
	sched.removeUnhandledByReason(reason)
}

// Follow runs fn under a fresh scope dedicated to aggregating its unhandled
// rejections, and returns a promise that settles once the scope's last
// reference is released: fulfilled with nil if nothing inside fn went
// unhandled, rejected with the first unhandled reason otherwise. Unlike a
// rejection that escapes to the default scope, one consumed by Follow never
// reaches the process-wide on.error sink.
//
// The spec flags as an open question whether fn is meant to receive
// resolve/reject or take no arguments; this resolves it in favor of no
// arguments — fn's job is simply to create tracked promises under the new
// scope, and the returned promise's settlement is derived entirely from
// whether any of them went unhandled, not from any value fn itself produces.
func Follow(fn func()) *Promise {
	resolvers := WithResolvers()
	NewScope(func() any {
		scope := CurrentScope()
		scope.mu.Lock()
		scope.customFinalize = func() {
			// Registered as a tick finalizer, not an asap callback: finalizers
			// run inside finalizePhysicalTick strictly after every unhandled
			// rejection for the tick has already been recorded into its
			// owning scope's local list, so this check can never run before
			// the very rejection it's meant to observe has landed.
			sched.AddTickFinalizer(func() {
				scope.mu.Lock()
				local := scope.unhandledLocal
				scope.mu.Unlock()
				if len(local) == 0 {
					resolvers.Resolve(nil)
				} else {
					resolvers.Reject(local[0].reason)
				}
			})
		}
		scope.mu.Unlock()
		fn()
		return nil
	}, WithOnUnhandled(func(reason Result, p *Promise) {
		// Consuming scope: record locally instead of delegating upward, so
		// the rejection never reaches the process-wide on.error sink.
	}))
	return resolvers.Promise
}
