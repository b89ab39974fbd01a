package session

import "time"

// State is the lifecycle state of a session.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateTerminatedExplicit
	StateTerminatedBudget
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateTerminatedExplicit:
		return "terminated_explicit"
	case StateTerminatedBudget:
		return "terminated_budget"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IterationRecord captures one executed step. Records are immutable once
// appended; their ordered sequence is the session's execution trace.
type IterationRecord struct {
	Index          int
	Response       string // raw root-model response for this step
	EmittedCode    string // extracted code block; empty if none was found
	CapturedOutput string
	CapturedError  string // empty when the step succeeded
	Timestamp      time.Time
}
