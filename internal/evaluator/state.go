package evaluator

import "fmt"

// State is the lifecycle phase of a batch run.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateCompletedWithErrors
	StateFailedAll
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCompletedWithErrors:
		return "completed_with_errors"
	case StateFailedAll:
		return "failed_all"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a point-in-time view of a Runner. Index is 1-based while running.
type Status struct {
	State State
	Index int
	Total int
}

func (s Status) String() string {
	if s.State == StateRunning {
		return fmt.Sprintf("running(%d/%d)", s.Index, s.Total)
	}
	return s.State.String()
}
