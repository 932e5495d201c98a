package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
	"github.com/JakeFAU/multisession-harvester/internal/progress"
	"github.com/JakeFAU/multisession-harvester/internal/queue/memory"
	"github.com/JakeFAU/multisession-harvester/internal/worker"
)

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Unix(100, 0).UTC() }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

type blockingRunner struct {
	started chan string
}

func (r *blockingRunner) Run(ctx context.Context, req harvest.RunRequest, tracker *progress.Tracker) harvest.RunResult {
	r.started <- req.RunID
	<-ctx.Done()
	result := harvest.RunResult{RunID: req.RunID, State: harvest.StateDone, Success: true, TargetReached: false}
	tracker.Complete(result)
	return result
}

func newDispatcher(t *testing.T, q *memory.Queue, runner worker.Runner) (*Dispatcher, *progress.Registry) {
	t.Helper()
	registry := progress.NewRegistry(time.Hour, fakeClock{}, nil)
	workers := []*worker.Worker{worker.New(q, runner, registry, zap.NewNop())}
	return New(q, workers, registry, &seqIDs{}, fakeClock{}), registry
}

func TestDispatcherSubmitRunsAndCancels(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(2)
	runner := &blockingRunner{started: make(chan string, 1)}
	d, registry := newDispatcher(t, q, runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	runID, err := d.Submit(ctx, harvest.RunRequest{Sheet: "sheet", Target: 10})
	require.NoError(t, err)
	require.Equal(t, "run-1", runID)
	_, ok := registry.Get(runID)
	require.True(t, ok, "tracker must exist before the run starts")

	select {
	case got := <-runner.started:
		require.Equal(t, runID, got)
	case <-time.After(time.Second):
		t.Fatal("worker did not start the run")
	}
	require.True(t, d.Cancel(runID))
	require.False(t, d.Cancel("missing"))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherSubmitRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	d, registry := newDispatcher(t, memory.NewQueue(1), &blockingRunner{started: make(chan string, 1)})

	_, err := d.Submit(context.Background(), harvest.RunRequest{Target: 10})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = d.Submit(context.Background(), harvest.RunRequest{Sheet: "s", Target: 10, Mode: "turbo"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Zero(t, registry.Len())
}

func TestDispatcherSubmitReleasesTrackerWhenQueueFails(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(0)
	d, registry := newDispatcher(t, q, &blockingRunner{started: make(chan string, 1)})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Submit(ctx, harvest.RunRequest{Sheet: "s", Target: 5})
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Zero(t, registry.Len())
}
