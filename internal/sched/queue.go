package sched

import "container/heap"

// jobQueue is a min-heap of pending jobs ordered by (dueAt, seq).
//
// The sequence number is a mandatory tie-break: an ordering on dueAt alone
// would treat two jobs with identical due times as equivalent keys, and a
// set-like container could silently swallow the second insert. With seq in
// the key every job is a distinct element regardless of timestamp
// collisions.
//
// The queue has no locking of its own; every call happens under the
// scheduler mutex.
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if !q[i].dueAt.Equal(q[j].dueAt) {
		return q[i].dueAt.Before(q[j].dueAt)
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIdx = i
	q[j].heapIdx = j
}

func (q *jobQueue) Push(x any) {
	j := x.(*job)
	j.heapIdx = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil // allow GC
	j.heapIdx = -1 // mark as not queued
	*q = old[:n-1]
	return j
}

// insert adds j in O(log n).
func (q *jobQueue) insert(j *job) { heap.Push(q, j) }

// peekEarliest returns the minimum without removing it, or nil when empty.
func (q jobQueue) peekEarliest() *job {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// popEarliest removes and returns the minimum, or nil when empty.
func (q *jobQueue) popEarliest() *job {
	if len(*q) == 0 {
		return nil
	}
	return heap.Pop(q).(*job)
}

// remove removes an arbitrary queued job in O(log n).
func (q *jobQueue) remove(j *job) {
	if j.heapIdx >= 0 && j.heapIdx < len(*q) && (*q)[j.heapIdx] == j {
		heap.Remove(q, j.heapIdx)
	}
}
