// Package queue provides the ordered work queue used to apply a pass of
// changes: lower priority first, insertion order among equals.
package queue

import (
	"container/heap"
	"sync"
)

type entry[T any] struct {
	value    T
	priority int
	seq      uint64
}

type entryHeap[T any] []*entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap[T]) Push(x any) {
	*h = append(*h, x.(*entry[T]))
}

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// PriorityQueue is a thread-safe, stable min-priority queue.
type PriorityQueue[T any] struct {
	mu   sync.Mutex
	heap entryHeap[T]
	seq  uint64
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{}
}

func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.heap.Len()
}

// Enqueue adds value. Lower priorities are dequeued first.
func (pq *PriorityQueue[T]) Enqueue(value T, priority int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	pq.seq++
	heap.Push(&pq.heap, &entry[T]{value: value, priority: priority, seq: pq.seq})
}

func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.heap.Len() == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(&pq.heap).(*entry[T]).value, true
}

// DequeueAll drains the queue in order.
func (pq *PriorityQueue[T]) DequeueAll() []T {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	values := make([]T, 0, pq.heap.Len())
	for pq.heap.Len() > 0 {
		values = append(values, heap.Pop(&pq.heap).(*entry[T]).value)
	}
	return values
}
