package psdloop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestUnhandledRejectionReportsOnce: a rejection with no
// handler anywhere reports exactly once at tick end.
func TestUnhandledRejectionReportsOnce(t *testing.T) {
	task := withManualScheduler(t)

	var reasons []Result
	remove := OnError.AddListener(func(reason Result, p *Promise) bool {
		reasons = append(reasons, reason)
		return true
	})
	defer remove()

	Reject("boom")
	task.PumpAll()

	require.Equal(t, []Result{"boom"}, reasons)
}

// TestCatchSuppressesUnhandledReport: attaching a catch handler
// synchronously after creation suppresses the report.
func TestCatchSuppressesUnhandledReport(t *testing.T) {
	task := withManualScheduler(t)

	var fired bool
	remove := OnError.AddListener(func(reason Result, p *Promise) bool {
		fired = true
		return true
	})
	defer remove()

	New(func(resolve, reject func(Result)) { reject("boom") }).Catch(func(Result) (Result, error) {
		return nil, nil
	})
	task.PumpAll()

	require.False(t, fired)
}

func TestFollowConsumesRejectionWithoutGlobalReport(t *testing.T) {
	task := withManualScheduler(t)

	var globalFired bool
	remove := OnError.AddListener(func(reason Result, p *Promise) bool {
		globalFired = true
		return true
	})
	defer remove()

	var followReason Result
	var followResolved bool
	Follow(func() {
		Reject("x")
	}).Then(func(v Result) (Result, error) {
		followResolved = true
		return nil, nil
	}, func(r Result) (Result, error) {
		followReason = r
		return nil, nil
	})

	task.PumpAll()

	require.False(t, globalFired, "the scope consumed the rejection; it must not reach the global sink")
	require.False(t, followResolved)
	require.Equal(t, "x", followReason)
}

// TestCatchDownChainSuppressesOriginReport: in a forwarded
// chain, the rejection originates at the head, propagates through a listener
// with no onRejected, and is finally observed at the tail. No report may
// fire for any link.
func TestCatchDownChainSuppressesOriginReport(t *testing.T) {
	task := withManualScheduler(t)

	var fired bool
	remove := OnError.AddListener(func(reason Result, p *Promise) bool {
		fired = true
		return true
	})
	defer remove()

	var observed Result
	Reject("boom").
		Then(func(v Result) (Result, error) { return v, nil }, nil).
		Catch(func(r Result) (Result, error) {
			observed = r
			return nil, nil
		})
	task.PumpAll()

	require.Equal(t, "boom", observed)
	require.False(t, fired, "a rejection observed at the tail of a forwarded chain is handled, origin included")
}

// TestForwardedRejectionReportsOnce is the unhandled half of the same chain
// shape: with no handler anywhere, the head and every forwarded link share
// one logical error, reported once.
func TestForwardedRejectionReportsOnce(t *testing.T) {
	task := withManualScheduler(t)

	var reasons []Result
	remove := OnError.AddListener(func(reason Result, p *Promise) bool {
		reasons = append(reasons, reason)
		return true
	})
	defer remove()

	Reject("boom").Then(func(v Result) (Result, error) { return v, nil }, nil)
	task.PumpAll()

	require.Equal(t, []Result{"boom"}, reasons)
}

// TestRethrowSameReasonStaysUnhandled covers the "same reason" rule's
// forwarding side: a handler that re-rejects with the original reason did
// not observe it, whether it rethrows via its error return or returns a
// promise already rejected with it.
func TestRethrowSameReasonStaysUnhandled(t *testing.T) {
	task := withManualScheduler(t)

	var reasons []Result
	remove := OnError.AddListener(func(reason Result, p *Promise) bool {
		reasons = append(reasons, reason)
		return true
	})
	defer remove()

	New(func(resolve, reject func(Result)) { reject(errBoom) }).Then(nil,
		func(r Result) (Result, error) {
			return nil, r.(error)
		})
	task.PumpAll()
	require.Equal(t, []Result{errBoom}, reasons, "rethrowing the original reason forwards it, still unhandled")

	reasons = nil
	New(func(resolve, reject func(Result)) { reject(errOther) }).Then(nil,
		func(r Result) (Result, error) {
			return nil, errBoom
		}).Catch(func(Result) (Result, error) { return nil, nil })
	task.PumpAll()
	require.Empty(t, reasons, "rejecting with a different reason observed the original; the fresh one is caught downstream")

	reasons = nil
	New(func(resolve, reject func(Result)) { reject(errBoom) }).Then(nil,
		func(r Result) (Result, error) {
			return Reject(r), nil
		})
	task.PumpAll()
	require.Equal(t, []Result{errBoom}, reasons, "returning a promise rejected with the original reason forwards it too")
}

func TestTickFinalizerRunsOnce(t *testing.T) {
	task := withManualScheduler(t)

	runs := 0
	sched.AddTickFinalizer(func() { runs++ })
	task.PumpAll()
	require.Equal(t, 1, runs)

	sched.ensureTick()
	task.PumpAll()
	require.Equal(t, 1, runs, "a tick finalizer fires for one tick only")
}

func TestFollowResolvesWhenNothingWentUnhandled(t *testing.T) {
	task := withManualScheduler(t)

	var resolved bool
	Follow(func() {
		New(func(resolve, reject func(Result)) { reject("handled-inside") }).Catch(
			func(Result) (Result, error) { return nil, nil })
	}).Then(func(Result) (Result, error) {
		resolved = true
		return nil, nil
	}, nil)

	task.PumpAll()
	require.True(t, resolved)
}
