package signalbus

import (
	"container/heap"
	"sync"

	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

// signalHeap orders signals by (timestamp, sequence).
type signalHeap []wallet.Signal

func (items signalHeap) Len() int { return len(items) }

func (items signalHeap) Less(left, right int) bool { return items[left].Less(items[right]) }

func (items signalHeap) Swap(left, right int) { items[left], items[right] = items[right], items[left] }

func (items *signalHeap) Push(value any) {
	*items = append(*items, value.(wallet.Signal))
}

func (items *signalHeap) Pop() any {
	old := *items
	last := len(old) - 1
	item := old[last]
	old[last] = wallet.Signal{}
	*items = old[:last]
	return item
}

// Queue holds one user's pending signals. Any goroutine may push; exactly one consumer drains it.
//
// The wake channel has a buffer of one, so bursts of submits coalesce into a single wake-up and the
// consumer drains with TryNext until the queue is empty.
type Queue struct {
	mu     sync.Mutex
	items  signalHeap
	closed bool
	signal chan struct{}
}

func newQueue() *Queue {
	return &Queue{
		items:  make(signalHeap, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

func (queue *Queue) push(signal wallet.Signal) bool {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	if queue.closed {
		return false
	}
	heap.Push(&queue.items, signal)

	select {
	case queue.signal <- struct{}{}:
	default:
	}
	return true
}

// TryNext pops the oldest signal without blocking.
func (queue *Queue) TryNext() (wallet.Signal, bool) {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	if len(queue.items) == 0 {
		return wallet.Signal{}, false
	}
	return heap.Pop(&queue.items).(wallet.Signal), true
}

// Wait returns a channel that fires when signals may be available. It is closed by Close.
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-queue.Wait():
//	    // drain with TryNext
//	}
func (queue *Queue) Wait() <-chan struct{} {
	return queue.signal
}

// Len returns the number of queued signals.
func (queue *Queue) Len() int {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return len(queue.items)
}

// Closed reports whether Close was called.
func (queue *Queue) Closed() bool {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return queue.closed
}

// Close rejects further pushes and wakes the consumer.
func (queue *Queue) Close() {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	if queue.closed {
		return
	}
	queue.closed = true
	close(queue.signal)
}
