package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
	"github.com/JakeFAU/multisession-harvester/internal/progress"
)

// RunContext is the per-run state shared by the phases of one run. Nothing in
// it outlives the run.
type RunContext struct {
	RunID   string
	Request harvest.RunRequest
	Mode    harvest.Mode
	Dedup   *harvest.Deduplicator
	Tracker *progress.Tracker
	Logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          harvest.State
	workers        int
	accountsUsed   int
	accountsFailed int
	records        []harvest.Record
	targetReached  bool
}

func newRunContext(
	parent context.Context,
	req harvest.RunRequest,
	tracker *progress.Tracker,
	logger *zap.Logger,
) *RunContext {
	ctx, cancel := context.WithCancel(parent)
	return &RunContext{
		RunID:   req.RunID,
		Request: req,
		Dedup:   harvest.NewDeduplicator(),
		Tracker: tracker,
		Logger:  logger.With(zap.String("run_id", req.RunID)),
		ctx:     ctx,
		cancel:  cancel,
		state:   harvest.StateInit,
	}
}

// State returns the current phase.
func (rc *RunContext) State() harvest.State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// transition moves the run to next, rejecting moves the state machine does
// not allow.
func (rc *RunContext) transition(next harvest.State) error {
	rc.mu.Lock()
	current := rc.state
	if !current.CanTransition(next) {
		rc.mu.Unlock()
		return fmt.Errorf("invalid transition %s -> %s", current, next)
	}
	rc.state = next
	rc.mu.Unlock()

	rc.Tracker.SetState(next)
	rc.Logger.Debug("run state changed", zap.String("from", string(current)), zap.String("to", string(next)))
	return nil
}

// merge appends one session's records and reports the cumulative count.
func (rc *RunContext) merge(recs []harvest.Record) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.records = append(rc.records, recs...)
	return len(rc.records)
}

func (rc *RunContext) snapshotRecords() []harvest.Record {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]harvest.Record(nil), rc.records...)
}

func (rc *RunContext) log(kind progress.LogType, format string, args ...any) {
	rc.Tracker.Log(kind, fmt.Sprintf(format, args...))
}
