package psdloop

import (
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	maxStackDepth = 32
	maxChainDepth = 100
	maxChainWalk  = 20
)

var diagnosticsEnabled atomic.Bool

// EnableDiagnostics turns long-stack capture on or off process-wide. Off by
// default: capturing a stack on every promise and then-link is not free, and
// most hosts only want it while debugging.
func EnableDiagnostics(enabled bool) { diagnosticsEnabled.Store(enabled) }

// DiagnosticsEnabled reports the current setting.
func DiagnosticsEnabled() bool { return diagnosticsEnabled.Load() }

// captureStack records the caller's stack for long-stack diagnostics. Go
// exposes runtime.Callers unconditionally, so unlike hosts that hand out
// stacks only on throw, no synthetic exception trick is needed.
func captureStack(skip int) []uintptr {
	if !diagnosticsEnabled.Load() {
		return nil
	}
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pcs)
	return pcs[:n]
}

// linkPrev links p to prev in the long-stack chain, capping depth at
// maxChainDepth by dropping the back-pointer (but keeping the depth counter)
// once the cap is reached, so chain walks stay bounded without the chain
// itself growing without limit.
func (p *Promise) linkPrev(prev *Promise) {
	if prev == nil || !diagnosticsEnabled.Load() {
		return
	}
	if prev.numPrev >= maxChainDepth {
		p.numPrev = prev.numPrev
		return
	}
	p.prev = prev
	p.numPrev = prev.numPrev + 1
}

func prettifyStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return "(no stack captured)"
	}
	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	for {
		frame, more := frames.Next()
		b.WriteString(frame.Function)
		b.WriteString("\n\t")
		b.WriteString(frame.File)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(frame.Line))
		b.WriteByte('\n')
		if !more {
			break
		}
	}
	return b.String()
}

// Stack returns the long-stack diagnostic string for p: its own captured
// stack joined with up to maxChainWalk ancestors' stacks, separated by
// "From previous:". Returns "" when diagnostics are disabled. The result is
// cached once p is terminal, since the chain above a terminal promise never
// changes again.
func (p *Promise) Stack() string {
	if !diagnosticsEnabled.Load() {
		return ""
	}
	p.mu.Lock()
	if p.cachedStackOK {
		s := p.cachedStack
		p.mu.Unlock()
		return s
	}
	p.mu.Unlock()

	var parts []string
	cur := p
	for i := 0; i <= maxChainWalk && cur != nil; i++ {
		cur.mu.Lock()
		stack := cur.stack
		prev := cur.prev
		cur.mu.Unlock()
		parts = append(parts, prettifyStack(stack))
		cur = prev
	}
	s := strings.Join(parts, "\nFrom previous:\n")

	p.mu.Lock()
	if p.state != StatePending {
		p.cachedStack = s
		p.cachedStackOK = true
	}
	p.mu.Unlock()
	return s
}
