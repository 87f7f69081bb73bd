package psdloop

import "sync"

func toPromise(v Result) *Promise {
	if p, ok := v.(*Promise); ok {
		return p
	}
	return Resolve(v)
}

// All resolves with a slice of every item's fulfillment value, in input
// order, once all have fulfilled; it rejects as soon as any one rejects.
// Non-promise items are treated as already-fulfilled, matching
// Promise.all([Promise.resolve(1), Promise.resolve(2), 3]) semantics.
func All(items []Result) *Promise {
	return newLibMode(func(resolve, reject func(Result)) {
		n := len(items)
		if n == 0 {
			resolve([]Result{})
			return
		}
		results := make([]Result, n)
		var mu sync.Mutex
		remaining := n
		done := false
		for i, it := range items {
			i := i
			toPromise(it).Then(
				func(v Result) (Result, error) {
					mu.Lock()
					results[i] = v
					remaining--
					r := remaining
					already := done
					if r == 0 {
						done = true
					}
					mu.Unlock()
					if r == 0 && !already {
						resolve(append([]Result(nil), results...))
					}
					return nil, nil
				},
				func(reason Result) (Result, error) {
					mu.Lock()
					already := done
					done = true
					mu.Unlock()
					if !already {
						reject(reason)
					}
					return nil, nil
				},
			)
		}
	})
}

// Race settles with the first item to settle, one way or the other.
func Race(items []Result) *Promise {
	return newLibMode(func(resolve, reject func(Result)) {
		var mu sync.Mutex
		done := false
		for _, it := range items {
			toPromise(it).Then(
				func(v Result) (Result, error) {
					mu.Lock()
					already := done
					done = true
					mu.Unlock()
					if !already {
						resolve(v)
					}
					return nil, nil
				},
				func(reason Result) (Result, error) {
					mu.Lock()
					already := done
					done = true
					mu.Unlock()
					if !already {
						reject(reason)
					}
					return nil, nil
				},
			)
		}
	})
}

// Settled is one entry of an [AllSettled] result: either Fulfilled is true
// and Value holds the fulfillment value, or Fulfilled is false and Reason
// holds the rejection reason.
type Settled struct {
	Fulfilled bool
	Value     Result
	Reason    Result
}

// AllSettled resolves once every item has settled, one way or the other,
// with a parallel slice of [Settled] records. It never rejects.
func AllSettled(items []Result) *Promise {
	return newLibMode(func(resolve, reject func(Result)) {
		n := len(items)
		if n == 0 {
			resolve([]Settled{})
			return
		}
		results := make([]Settled, n)
		var mu sync.Mutex
		remaining := n
		for i, it := range items {
			i := i
			toPromise(it).Then(
				func(v Result) (Result, error) {
					mu.Lock()
					results[i] = Settled{Fulfilled: true, Value: v}
					remaining--
					r := remaining
					mu.Unlock()
					if r == 0 {
						resolve(append([]Settled(nil), results...))
					}
					return nil, nil
				},
				func(reason Result) (Result, error) {
					mu.Lock()
					results[i] = Settled{Fulfilled: false, Reason: reason}
					remaining--
					r := remaining
					mu.Unlock()
					if r == 0 {
						resolve(append([]Settled(nil), results...))
					}
					return nil, nil
				},
			)
		}
	})
}

// Any resolves with the first item to fulfill, or rejects with an
// *AggregateError collecting every item's rejection reason (in input order)
// if every item rejects. Rejecting with zero items mirrors
// Promise.any([])'s "no promise resolved" behavior.
func Any(items []Result) *Promise {
	return newLibMode(func(resolve, reject func(Result)) {
		n := len(items)
		if n == 0 {
			reject(&AggregateError{Message: "psdloop: Any called with no promises", Errors: nil})
			return
		}
		reasons := make([]error, n)
		var mu sync.Mutex
		remaining := n
		done := false
		for i, it := range items {
			i := i
			toPromise(it).Then(
				func(v Result) (Result, error) {
					mu.Lock()
					already := done
					done = true
					mu.Unlock()
					if !already {
						resolve(v)
					}
					return nil, nil
				},
				func(reason Result) (Result, error) {
					mu.Lock()
					reasons[i] = reasonToError(reason)
					remaining--
					r := remaining
					already := done
					mu.Unlock()
					if r == 0 && !already {
						reject(&AggregateError{Errors: reasons})
					}
					return nil, nil
				},
			)
		}
	})
}

// Resolvers bundles a promise with its resolve/reject functions, the
// ES2024 Promise.withResolvers shape.
type Resolvers struct {
	Promise *Promise
	Resolve func(Result)
	Reject  func(Result)
}

// WithResolvers constructs a pending promise and exposes its resolve/reject
// closures directly, for callers that want to settle it from outside a
// resolver body.
func WithResolvers() Resolvers {
	var res Resolvers
	res.Promise = New(func(resolve, reject func(Result)) {
		res.Resolve = resolve
		res.Reject = reject
	})
	return res
}
