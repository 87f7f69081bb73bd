package psdloop

import "sync"

// ErrorListener observes an unhandled rejection reaching the on.error bus.
// Returning true is the "stop propagation" sentinel: it suppresses both the
// default root sink and any listener registered after this one.
type ErrorListener func(reason Result, p *Promise) (stopPropagation bool)

// ErrorBus is a minimal DOM-style event target carrying exactly one event
// kind (the default root scope's unhandled-rejection notification).
type ErrorBus struct {
	mu        sync.Mutex
	listeners []ErrorListener
}

// OnError is the process-wide on.error bus named in the static surface.
var OnError = &ErrorBus{}

// AddListener registers l and returns a function that removes it.
func (b *ErrorBus) AddListener(l ErrorListener) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
	id := len(b.listeners) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if id < len(b.listeners) {
			b.listeners[id] = nil
		}
	}
}

// DispatchEvent invokes every listener in registration order and reports
// whether any one of them stopped propagation.
func (b *ErrorBus) DispatchEvent(reason Result, p *Promise) (stopped bool) {
	b.mu.Lock()
	listeners := make([]ErrorListener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, l := range listeners {
		if l == nil {
			continue
		}
		if l(reason, p) {
			return true
		}
	}
	return false
}

// defaultUnhandledSink is the root scope's onunhandled: it dispatches the
// on.error bus first, and only logs a warning if nothing stopped
// propagation.
func defaultUnhandledSink(reason Result, p *Promise) {
	if OnError.DispatchEvent(reason, p) {
		return
	}
	if p != nil {
		if stack := p.Stack(); stack != "" {
			logWarn("rejection", "unhandled rejection", reasonToError(reason))
			logWarn("rejection", stack, nil)
			return
		}
	}
	logWarn("rejection", "unhandled rejection", reasonToError(reason))
}
