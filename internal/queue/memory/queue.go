// Package memory provides a bounded in-process run queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
	"github.com/JakeFAU/multisession-harvester/internal/queue"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan harvest.RunRequest
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{ch: make(chan harvest.RunRequest, capacity)}
}

// Enqueue pushes a request or returns when ctx ends.
func (q *Queue) Enqueue(ctx context.Context, req harvest.RunRequest) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return queue.ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- req:
		return nil
	}
}

// Dequeue pops the next request, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (harvest.RunRequest, error) {
	select {
	case <-ctx.Done():
		return harvest.RunRequest{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req, ok := <-q.ch:
		if !ok {
			return harvest.RunRequest{}, queue.ErrClosed
		}
		return req, nil
	}
}

// Len reports buffered requests.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops intake. Buffered requests can still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
