package psdloop

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func withDiagnostics(t *testing.T, enabled bool) {
	t.Helper()
	prev := DiagnosticsEnabled()
	EnableDiagnostics(enabled)
	t.Cleanup(func() { EnableDiagnostics(prev) })
}

func TestDiagnosticsDisabledByDefaultCapturesNothing(t *testing.T) {
	withDiagnostics(t, false)

	p := newPending(rootScope())
	require.Nil(t, captureStack(0))
	require.Equal(t, "", p.Stack())
}

func TestLinkPrevBuildsChainAcrossThen(t *testing.T) {
	task := withManualScheduler(t)
	withDiagnostics(t, true)

	root := Resolve(1)
	child := root.Then(func(Result) (Result, error) { return 2, nil }, nil)

	require.Same(t, root, child.prev)
	require.Equal(t, root.numPrev+1, child.numPrev)

	task.PumpAll()
}

func TestLinkPrevCapsChainDepthWithoutLosingCount(t *testing.T) {
	withDiagnostics(t, true)

	cur := newPending(rootScope())
	cur.numPrev = maxChainDepth
	next := newPending(rootScope())

	next.linkPrev(cur)

	require.Nil(t, next.prev, "the back-pointer is dropped once the cap is reached")
	require.Equal(t, maxChainDepth, next.numPrev, "the depth counter still carries forward")
}

func TestLinkPrevNoopWhenDiagnosticsDisabled(t *testing.T) {
	withDiagnostics(t, false)

	cur := newPending(rootScope())
	next := newPending(rootScope())

	next.linkPrev(cur)

	require.Nil(t, next.prev)
	require.Zero(t, next.numPrev)
}

func TestStackJoinsChainWithFromPreviousMarker(t *testing.T) {
	task := withManualScheduler(t)
	withDiagnostics(t, true)

	root := Resolve(1)
	child := root.Then(func(Result) (Result, error) { return 2, nil }, nil)

	s := child.Stack()
	require.Contains(t, s, "From previous:")
	require.Equal(t, 2, strings.Count(s, "From previous:")+1, "two frames joined by one marker")

	task.PumpAll()
}

func TestStackCachedOnceTerminal(t *testing.T) {
	task := withManualScheduler(t)
	withDiagnostics(t, true)

	p := Resolve(1)
	task.PumpAll()

	require.Equal(t, StateFulfilled, p.State())
	first := p.Stack()

	p.mu.Lock()
	p.cachedStack = "stale-but-cached"
	p.mu.Unlock()

	require.Equal(t, "stale-but-cached", p.Stack(), "terminal promises never recompute their stack")
	_ = first
}

func TestStackNotCachedWhilePending(t *testing.T) {
	withDiagnostics(t, true)

	res := WithResolvers()
	_ = res.Promise.Stack()

	res.Promise.mu.Lock()
	cached := res.Promise.cachedStackOK
	res.Promise.mu.Unlock()

	require.False(t, cached, "a pending promise's stack must not be cached, since its chain can still grow")
}
