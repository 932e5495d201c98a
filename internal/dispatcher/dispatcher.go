// Package dispatcher accepts run submissions and fans them out to workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
	"github.com/JakeFAU/multisession-harvester/internal/progress"
	"github.com/JakeFAU/multisession-harvester/internal/queue"
	"github.com/JakeFAU/multisession-harvester/internal/worker"
)

// ErrInvalidRequest marks submissions rejected before queueing.
var ErrInvalidRequest = errors.New("invalid run request")

// Dispatcher fans out queued runs to a pool of workers.
type Dispatcher struct {
	queue    queue.Queue
	workers  []*worker.Worker
	registry *progress.Registry
	ids      harvest.IDGenerator
	clock    harvest.Clock
}

// New creates a Dispatcher.
func New(
	q queue.Queue,
	workers []*worker.Worker,
	registry *progress.Registry,
	ids harvest.IDGenerator,
	clock harvest.Clock,
) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		workers:  workers,
		registry: registry,
		ids:      ids,
		clock:    clock,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit validates req, assigns a run id when missing, registers a tracker so
// the run is pollable immediately, and queues it.
func (d *Dispatcher) Submit(ctx context.Context, req harvest.RunRequest) (string, error) {
	mode, err := harvest.ParseMode(string(req.Mode))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Mode = mode
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.RunID == "" {
		id, err := d.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("generate run id: %w", err)
		}
		req.RunID = id
	}
	if req.Submitted.IsZero() {
		req.Submitted = d.clock.Now()
	}
	if _, err := d.registry.Create(req.RunID); err != nil {
		return "", fmt.Errorf("register run: %w", err)
	}
	if err := d.Enqueue(ctx, req); err != nil {
		d.registry.Release(req.RunID)
		return "", err
	}
	return req.RunID, nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, req harvest.RunRequest) error {
	if err := d.queue.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Cancel asks the worker executing runID to stop harvesting.
func (d *Dispatcher) Cancel(runID string) bool {
	for _, w := range d.workers {
		if w.Cancel(runID) {
			return true
		}
	}
	return false
}
