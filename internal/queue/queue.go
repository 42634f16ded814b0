package queue

import (
	"container/heap"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/pondworks/heron/internal/event"
	"github.com/pondworks/heron/internal/workflow"
)

// ErrClosed is returned by Enqueue and Dequeue after Close.
var ErrClosed = errors.New("queue is closed")

// Item is one pending activation: a workflow woken by an event.
type Item struct {
	Workflow *workflow.Definition
	Event    event.Event
	Priority workflow.Priority

	seq   uint64 // enqueue order, breaks priority ties FIFO
	index int    // heap bookkeeping
}

// Queue is a priority queue of pending workflow activations. Lower priority
// values dequeue first; within a priority, activations leave in enqueue
// order. Dequeue blocks until an item is available or the queue closes.
type Queue struct {
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	items   itemHeap
	nextSeq uint64
	closed  bool
}

// New creates an empty queue.
func New(logger *zap.Logger) *Queue {
	q := &Queue{logger: logger}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds one activation.
func (q *Queue) Enqueue(def *workflow.Definition, ev event.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	item := &Item{
		Workflow: def,
		Event:    ev,
		Priority: def.Trigger.Priority,
		seq:      q.nextSeq,
	}
	q.nextSeq++
	heap.Push(&q.items, item)
	q.cond.Signal()
	return nil
}

// Dequeue removes and returns the most urgent activation (lowest priority
// value), blocking while the queue is empty. It returns ErrClosed once the queue is closed
// and drained.
func (q *Queue) Dequeue() (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if q.closed {
			return nil, ErrClosed
		}
		q.cond.Wait()
	}

	item := heap.Pop(&q.items).(*Item)
	return item, nil
}

// TryDequeue is a non-blocking Dequeue. ok is false when the queue is empty.
func (q *Queue) TryDequeue() (item *Item, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*Item), true
}

// CancelWorkflow removes every pending activation of the named workflow and
// returns how many were dropped. In-flight runs are unaffected.
func (q *Queue) CancelWorkflow(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	dropped := 0
	for _, item := range q.items {
		if item.Workflow.Name == name {
			dropped++
		} else {
			kept = append(kept, item)
		}
	}
	if dropped > 0 {
		q.items = kept
		heap.Init(&q.items)
		q.logger.Info("Cancelled pending activations",
			zap.String("workflow", name),
			zap.Int("dropped", dropped),
		)
	}
	return dropped
}

// Len returns the number of pending activations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting new activations and wakes blocked dequeuers. Items
// already queued can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// itemHeap implements heap.Interface: lowest priority value first, then
// FIFO by seq.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
