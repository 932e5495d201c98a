package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunState    Stage = "RUN_STATE"
	StageAccountAuth Stage = "ACCOUNT_AUTH"
	StageAccountDone Stage = "ACCOUNT_DONE"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
)

// Event captures a single run milestone.
type Event struct {
	// RunID identifies the harvest run.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// State carries the run state for RUN_STATE events.
	State string
	// Account scopes account events to a credential email.
	Account string
	// OK reports success for ACCOUNT_AUTH events.
	OK bool
	// Records is the number of records an account or run produced.
	Records int
	// Dur captures elapsed time for account and run completions.
	Dur time.Duration
	// Note carries low-volume context such as an error message.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageRunState:
		if e.State == "" {
			return errors.New("run state event requires state")
		}
	case StageAccountAuth, StageAccountDone:
		if e.Account == "" {
			return fmt.Errorf("%s requires account", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Records < 0 {
		return errors.New("records must be >= 0")
	}
	return nil
}
