// Package memory provides the in-process request queue.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

// Queue errors.
var (
	ErrClosed = errors.New("queue closed")
	ErrFull   = errors.New("queue full")
)

// Queue is a priority queue of requests. Higher Priority values are dequeued
// first; equal priorities keep insertion order. Dequeue blocks until a request
// is available, the queue is closed and drained, or ctx ends.
type Queue struct {
	mu       sync.Mutex
	items    requestHeap
	seq      uint64
	capacity int
	closed   bool
	// ready is closed and replaced whenever a waiter may make progress.
	ready chan struct{}
}

var _ crawler.Queue = (*Queue)(nil)

// NewQueue constructs a queue. capacity <= 0 means unbounded.
func NewQueue(capacity int) *Queue {
	return &Queue{
		capacity: capacity,
		ready:    make(chan struct{}),
	}
}

// Enqueue adds req. It fails with ErrClosed after Close and ErrFull when a
// bounded queue is at capacity.
func (q *Queue) Enqueue(ctx context.Context, req *crawler.Request) error {
	if req == nil {
		return errors.New("request is required")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrFull
	}
	q.seq++
	heap.Push(&q.items, queued{req: req, seq: q.seq})
	q.wake()
	return nil
}

// Dequeue pops the highest-priority request. Requests queued before Close are
// still delivered; afterwards Dequeue returns ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (*crawler.Request, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := heap.Pop(&q.items).(queued)
			q.mu.Unlock()
			return item.req, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-ready:
		}
	}
}

// Len reports the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting requests and wakes blocked consumers. It is safe to
// call repeatedly.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wake()
}

func (q *Queue) wake() {
	close(q.ready)
	q.ready = make(chan struct{})
}

type queued struct {
	req *crawler.Request
	seq uint64
}

type requestHeap []queued

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = queued{}
	*h = old[:n-1]
	return item
}
