package progress

import (
	"sync"
	"time"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
)

// LogType classifies user-facing log lines.
type LogType string

// Supported log types.
const (
	LogInfo    LogType = "info"
	LogSuccess LogType = "success"
	LogWarning LogType = "warning"
	LogError   LogType = "error"
)

// LogEntry is one line of the run's user-facing log.
type LogEntry struct {
	Message   string    `json:"message"`
	Type      LogType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats are the live counters shown while a run is in progress.
type Stats struct {
	JobsFound      int    `json:"jobs_found"`
	AccountsUsed   int    `json:"accounts_used"`
	MatchingJobs   int    `json:"matching_jobs"`
	CurrentAccount string `json:"current_account"`
}

// Snapshot is what a poller sees.
type Snapshot struct {
	RunID        string             `json:"run_id"`
	State        harvest.State      `json:"state"`
	Progress     int                `json:"progress"`
	ProgressText string             `json:"progress_text"`
	Stats        Stats              `json:"stats"`
	Logs         []LogEntry         `json:"logs"`
	Completed    bool               `json:"completed"`
	Result       *harvest.RunResult `json:"result"`
}

// Tracker holds one run's progress. Progress never decreases and log lines
// are handed out exactly once through Poll.
type Tracker struct {
	mu          sync.Mutex
	clock       harvest.Clock
	emitter     Emitter
	snap        Snapshot
	pending     []LogEntry
	startedAt   time.Time
	completedAt time.Time
}

// NewTracker creates a tracker for runID and emits its start event.
func NewTracker(runID string, clock harvest.Clock, emitter Emitter) *Tracker {
	if emitter == nil {
		emitter = Discard{}
	}
	now := clock.Now()
	t := &Tracker{
		clock:   clock,
		emitter: emitter,
		snap: Snapshot{
			RunID:        runID,
			State:        harvest.StateInit,
			ProgressText: "Queued",
		},
		startedAt: now,
	}
	emitter.Emit(Event{RunID: runID, TS: now, Stage: StageRunStart})
	return t
}

// SetProgress raises progress to pct (clamped to 0..100) and replaces the
// progress text. Lower values leave progress unchanged.
func (t *Tracker) SetProgress(pct int, text string) {
	pct = min(max(pct, 0), 100)
	t.mu.Lock()
	defer t.mu.Unlock()
	if pct > t.snap.Progress {
		t.snap.Progress = pct
	}
	if text != "" {
		t.snap.ProgressText = text
	}
}

// SetState records a state change.
func (t *Tracker) SetState(state harvest.State) {
	t.mu.Lock()
	t.snap.State = state
	t.mu.Unlock()
	t.emitter.Emit(Event{RunID: t.snap.RunID, TS: t.clock.Now(), Stage: StageRunState, State: string(state)})
}

// Log appends a user-facing log line.
func (t *Tracker) Log(kind LogType, message string) {
	entry := LogEntry{Message: message, Type: kind, Timestamp: t.clock.Now()}
	t.mu.Lock()
	t.pending = append(t.pending, entry)
	t.mu.Unlock()
}

// UpdateStats applies fn to the live counters under the tracker lock.
func (t *Tracker) UpdateStats(fn func(*Stats)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.snap.Stats)
}

// AccountAuthenticated reports one login attempt.
func (t *Tracker) AccountAuthenticated(account string, ok bool, note string) {
	t.emitter.Emit(Event{
		RunID:   t.snap.RunID,
		TS:      t.clock.Now(),
		Stage:   StageAccountAuth,
		Account: account,
		OK:      ok,
		Note:    note,
	})
}

// AccountDone reports that one session finished harvesting.
func (t *Tracker) AccountDone(account string, records int, elapsed time.Duration) {
	t.emitter.Emit(Event{
		RunID:   t.snap.RunID,
		TS:      t.clock.Now(),
		Stage:   StageAccountDone,
		Account: account,
		Records: records,
		Dur:     max(elapsed, 0),
	})
}

// Complete finalizes the run with result.
func (t *Tracker) Complete(result harvest.RunResult) {
	now := t.clock.Now()
	t.mu.Lock()
	t.snap.Progress = 100
	if result.Success {
		t.snap.ProgressText = "Complete"
	} else {
		t.snap.ProgressText = "Failed"
	}
	t.snap.State = result.State
	t.snap.Completed = true
	t.snap.Result = &result
	t.completedAt = now
	elapsed := now.Sub(t.startedAt)
	t.mu.Unlock()

	stage := StageRunDone
	if !result.Success {
		stage = StageRunError
	}
	t.emitter.Emit(Event{
		RunID:   t.snap.RunID,
		TS:      now,
		Stage:   stage,
		Records: result.TotalJobs,
		Dur:     max(elapsed, 0),
		Note:    result.Message,
	})
}

// Poll returns the current snapshot and drains pending log lines.
func (t *Tracker) Poll() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.snap
	snap.Logs = t.pending
	if snap.Logs == nil {
		snap.Logs = []LogEntry{}
	}
	t.pending = nil
	return snap
}

// Peek returns the current snapshot without draining logs.
func (t *Tracker) Peek() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.snap
	snap.Logs = append([]LogEntry(nil), t.pending...)
	return snap
}

func (t *Tracker) finishedBefore(cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap.Completed && t.completedAt.Before(cutoff)
}
