package model

// State is the lifecycle state of a single deployment.
type State string

const (
	StatePending        State = "pending"
	StateRunning        State = "running"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
	StateRollingBack    State = "rolling_back"
	StateRolledBack     State = "rolled_back"
	StateRollbackFailed State = "rollback_failed"
)

var transitions = map[State][]State{
	StatePending:     {StateRunning, StateFailed},
	StateRunning:     {StateSucceeded, StateFailed, StateRollingBack},
	StateRollingBack: {StateRolledBack, StateRollbackFailed},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateRolledBack, StateRollbackFailed:
		return true
	}
	return false
}

// ValidTransition reports whether the state machine allows from -> to.
func ValidTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
