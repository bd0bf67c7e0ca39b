// Package queue provides delayed task queue implementations for crawl jobs.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/campusfeed/notice-crawler/internal/metrics"
	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

type itemHeap []pipeline.QueueItem

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].NotBefore.Before(h[j].NotBefore) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)         { *h = append(*h, x.(pipeline.QueueItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Memory is a bounded in-memory delayed queue ordered by NotBefore.
type Memory struct {
	mu       sync.Mutex
	items    itemHeap
	wake     chan struct{}
	capacity int
	clock    pipeline.Clock
}

// NewMemory constructs a Memory queue with the provided capacity.
func NewMemory(capacity int, clock pipeline.Clock) *Memory {
	if capacity <= 0 {
		capacity = 64
	}
	return &Memory{
		wake:     make(chan struct{}, 1),
		capacity: capacity,
		clock:    clock,
	}
}

// Enqueue adds a job, honoring its NotBefore delay on the consumer side.
func (q *Memory) Enqueue(_ context.Context, item pipeline.QueueItem) error {
	q.mu.Lock()
	if q.items.Len() >= q.capacity {
		q.mu.Unlock()
		return fmt.Errorf("queue full (capacity %d)", q.capacity)
	}
	heap.Push(&q.items, item)
	metrics.QueueDepth.Set(float64(q.items.Len()))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until the earliest item is ready or the context finishes.
func (q *Memory) Dequeue(ctx context.Context) (pipeline.QueueItem, error) {
	for {
		q.mu.Lock()
		var wait time.Duration
		if q.items.Len() > 0 {
			now := q.clock.Now()
			next := q.items[0]
			if !next.NotBefore.After(now) {
				item := heap.Pop(&q.items).(pipeline.QueueItem)
				metrics.QueueDepth.Set(float64(q.items.Len()))
				q.mu.Unlock()
				return item, nil
			}
			wait = next.NotBefore.Sub(now)
		}
		q.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return pipeline.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			case <-q.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return pipeline.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.wake:
		}
	}
}
