// Package psdloop implements a Promise/A+ compliant thenable with a
// user-space microtask engine and ambient promise-scoped data (PSD), built
// for hosts whose transactional I/O primitives (e.g. a local indexed
// database) only stay "live" while callbacks reenter synchronously within
// the same dispatched host task.
//
// Three subsystems cooperate:
//
//   - A two-level [Scheduler]: host "physical" ticks wrapping a re-entrant
//     "micro tick" drain, so a chain of Then continuations registered during
//     a drain is fully serviced within one host task.
//   - A [Scope] stack ("promise-scoped data"): an implicitly propagated,
//     reference-counted context that follows a continuation chain across
//     asynchronous boundaries, with an environment of user-installed
//     [Wrapper] values saved/restored around every continuation.
//   - A [Promise] state machine implementing the thenable resolution
//     procedure, wired to both of the above: every listener dispatch saves
//     and restores the ambient scope, charges and discharges the owning
//     scope's reference count, and participates in the scheduler's shared
//     counter that decides when unhandled-rejection reporting fires.
//
// This package does not replace the host's native promise type, does not
// provide cross-OS-thread concurrency, and makes no fairness guarantees
// between independent scope trees.
package psdloop
