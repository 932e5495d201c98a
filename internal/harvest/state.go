package harvest

// State is a phase of the orchestrator state machine.
type State string

// Run states in execution order. Failed is reachable from every non-terminal state.
const (
	StateInit           State = "INIT"
	StateAuthenticating State = "AUTHENTICATING"
	StateHarvesting     State = "HARVESTING"
	StateFiltering      State = "FILTERING"
	StateExporting      State = "EXPORTING"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

var allowedTransitions = map[State][]State{
	StateInit:           {StateAuthenticating, StateFailed},
	StateAuthenticating: {StateHarvesting, StateFailed},
	StateHarvesting:     {StateFiltering, StateFailed},
	StateFiltering:      {StateExporting, StateFailed},
	StateExporting:      {StateDone, StateFailed},
	StateDone:           {},
	StateFailed:         {},
}

// CanTransition reports whether next may follow s.
func (s State) CanTransition(next State) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
