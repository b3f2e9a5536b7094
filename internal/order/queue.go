package order

import (
	"context"
	"sync"
	"sync/atomic"
)

// OrderQueue is the contract the composition root and the control API share
// regardless of whether orders are buffered in memory (Queue) or backed by
// a crash-durable write-ahead log (PersistentQueue).
type OrderQueue interface {
	Enqueue(o Order) bool
	Len() int
	Drain(ctx context.Context, handler func(Order))
}

// QueueMetrics tracks in-memory queue throughput and backpressure.
type QueueMetrics struct {
	Enqueued   uint64
	Dequeued   uint64
	Overflowed uint64
	Dropped    uint64
}

// maxOverflow bounds the secondary buffer used once the primary channel is
// full, so a burst degrades into bounded memory growth instead of either
// blocking the producer or growing without limit.
const maxOverflow = 1000

// Queue buffers orders before execution. Once the primary channel is full,
// Enqueue spills into a bounded overflow slice that Drain promotes from as
// consumer capacity frees up, rather than blocking the signal-processing
// goroutine that called Enqueue.
type Queue struct {
	ch       chan Order
	mu       sync.Mutex
	overflow []Order
	closed   bool
	metrics  QueueMetrics
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan Order, size)}
}

// Enqueue buffers an order, spilling to the overflow slice if the primary
// channel is full, and reports false only once the overflow slice is also
// full (the order is dropped) or the queue has been closed.
func (q *Queue) Enqueue(o Order) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		atomic.AddUint64(&q.metrics.Dropped, 1)
		return false
	}
	if len(q.overflow) == 0 {
		select {
		case q.ch <- o:
			atomic.AddUint64(&q.metrics.Enqueued, 1)
			return true
		default:
		}
	}
	if len(q.overflow) >= maxOverflow {
		atomic.AddUint64(&q.metrics.Dropped, 1)
		return false
	}
	q.overflow = append(q.overflow, o)
	atomic.AddUint64(&q.metrics.Overflowed, 1)
	return true
}

// promote moves as many overflow orders into the primary channel as
// currently have room, preserving FIFO order across the two buffers.
func (q *Queue) promote() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.overflow) > 0 {
		select {
		case q.ch <- q.overflow[0]:
			q.overflow = q.overflow[1:]
			atomic.AddUint64(&q.metrics.Enqueued, 1)
		default:
			return
		}
	}
}

func (q *Queue) Chan() <-chan Order {
	return q.ch
}

func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.ch)
}

// Drain consumes orders with a handler until context is canceled, promoting
// overflowed orders into the primary channel on every pass.
func (q *Queue) Drain(ctx context.Context, handler func(Order)) {
	for {
		q.promote()
		select {
		case <-ctx.Done():
			return
		case o, ok := <-q.ch:
			if !ok {
				return
			}
			atomic.AddUint64(&q.metrics.Dequeued, 1)
			handler(o)
		}
	}
}

// Len reports total queue depth across the primary channel and overflow.
func (q *Queue) Len() int {
	q.mu.Lock()
	n := len(q.overflow)
	q.mu.Unlock()
	return len(q.ch) + n
}

// OverflowLen reports how many orders are currently in the overflow buffer.
func (q *Queue) OverflowLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.overflow)
}

// GetMetrics returns queue throughput and backpressure counters.
func (q *Queue) GetMetrics() QueueMetrics {
	return QueueMetrics{
		Enqueued:   atomic.LoadUint64(&q.metrics.Enqueued),
		Dequeued:   atomic.LoadUint64(&q.metrics.Dequeued),
		Overflowed: atomic.LoadUint64(&q.metrics.Overflowed),
		Dropped:    atomic.LoadUint64(&q.metrics.Dropped),
	}
}

// PendingNotional returns the total notional value of orders sitting in the
// overflow buffer (the primary channel's contents are opaque once sent).
func (q *Queue) PendingNotional() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var total float64
	for _, o := range q.overflow {
		total += o.Qty * o.Price
	}
	return total
}
