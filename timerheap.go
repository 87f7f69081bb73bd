package psdloop

import "container/heap"

// ManualHostTask is a deterministic, synchronously-pumped substitute for the
// default goroutine-hop host task: every requested physical tick is a
// zero-delay task, so a monotonic sequence number stands in for a deadline
// and the heap degenerates to FIFO order. Keeping the heap shape (rather
// than a plain slice) means a host that later wants genuinely-delayed tasks
// can extend this type without changing its callers.
//
// Typical use is in tests: construct a [Scheduler] with
// WithHostTask(task.Schedule), drive time forward explicitly with Pump or
// PumpAll, and assert on ordering without any goroutine nondeterminism.
type ManualHostTask struct {
	heap taskHeap
	seq  uint64
}

type scheduledTask struct {
	seq uint64
	run func()
}

type taskHeap []*scheduledTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool   { return h[i].seq < h[j].seq }
func (h taskHeap) Swap(i, j int)        { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)          { *h = append(*h, x.(*scheduledTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// NewManualHostTask constructs an empty task queue.
func NewManualHostTask() *ManualHostTask {
	t := &ManualHostTask{}
	heap.Init(&t.heap)
	return t
}

// Schedule enqueues run as a host task. It satisfies the func(run func())
// signature [WithHostTask] expects.
func (t *ManualHostTask) Schedule(run func()) {
	t.seq++
	heap.Push(&t.heap, &scheduledTask{seq: t.seq, run: run})
}

// Pump runs the single earliest-queued task and reports whether one was
// found.
func (t *ManualHostTask) Pump() bool {
	if t.heap.Len() == 0 {
		return false
	}
	task := heap.Pop(&t.heap).(*scheduledTask)
	task.run()
	return true
}

// PumpAll runs tasks until the queue is empty, including any tasks enqueued
// by tasks that ran during the call.
func (t *ManualHostTask) PumpAll() {
	for t.Pump() {
	}
}

// Pending reports how many tasks are currently queued.
func (t *ManualHostTask) Pending() int { return t.heap.Len() }
