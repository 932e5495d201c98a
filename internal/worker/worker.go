// Package worker executes queued harvest runs.
package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
	"github.com/JakeFAU/multisession-harvester/internal/progress"
	"github.com/JakeFAU/multisession-harvester/internal/queue"
)

// Runner executes one run and reports to its tracker.
type Runner interface {
	Run(ctx context.Context, req harvest.RunRequest, tracker *progress.Tracker) harvest.RunResult
}

// Worker consumes run requests and executes them one at a time.
type Worker struct {
	queue    queue.Queue
	runner   Runner
	registry *progress.Registry
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New constructs a Worker.
func New(q queue.Queue, runner Runner, registry *progress.Registry, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    q,
		runner:   runner,
		registry: registry,
		logger:   logger,
		active:   make(map[string]context.CancelFunc),
	}
}

// Run blocks, consuming requests until ctx ends or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", req.RunID))
		w.process(ctx, req)
	}
}

// Cancel stops the run with runID if this worker is executing it. The run
// finishes its in-flight page fetches and still filters and exports.
func (w *Worker) Cancel(runID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	cancel, ok := w.active[runID]
	if ok {
		cancel()
	}
	return ok
}

func (w *Worker) process(ctx context.Context, req harvest.RunRequest) {
	tracker, ok := w.registry.Get(req.RunID)
	if !ok && !req.Submitted.IsZero() {
		// submitted runs are registered up front; a missing tracker means the
		// run was deleted while it waited in the queue
		w.logger.Info("skipping run released before start", zap.String("run_id", req.RunID))
		return
	}
	if !ok {
		var err error
		tracker, err = w.registry.Create(req.RunID)
		if err != nil {
			w.logger.Error("create run tracker failed", zap.String("run_id", req.RunID), zap.Error(err))
			return
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.active[req.RunID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.active, req.RunID)
		w.mu.Unlock()
		cancel()
	}()

	result := w.runner.Run(runCtx, req, tracker)
	if result.Success {
		w.logger.Info("run completed",
			zap.String("run_id", req.RunID),
			zap.Int("total_jobs", result.TotalJobs),
			zap.Int("filtered_jobs", result.FilteredJobs),
			zap.Int("accounts_used", result.AccountsUsed),
		)
		return
	}
	w.logger.Warn("run failed", zap.String("run_id", req.RunID), zap.String("message", result.Message))
}
