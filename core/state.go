package core

// State is a position in the execution state machine:
//
//	init -> iterating <-> tool_execution -> complete | iteration_limit | fatal_error
type State string

const (
	StateInit           State = "init"
	StateIterating      State = "iterating"
	StateToolExecution  State = "tool_execution"
	StateComplete       State = "complete"
	StateIterationLimit State = "iteration_limit"
	StateFatalError     State = "fatal_error"
)

// Terminal reports whether the state ends the run.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateIterationLimit, StateFatalError:
		return true
	default:
		return false
	}
}
