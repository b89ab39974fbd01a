package session

import "fmt"

// BudgetExhaustedError reports that the iteration budget ran out without an
// explicit terminal signal, under the fail budget policy.
type BudgetExhaustedError struct {
	MaxIterations int
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("iteration budget exhausted after %d steps without a terminal answer", e.MaxIterations)
}

// SessionFatalError reports an unrecoverable condition: malformed session
// setup or backend transport exhaustion. It aborts the session without a
// result, unlike ordinary per-step errors.
type SessionFatalError struct {
	Reason string
	Err    error
}

func (e *SessionFatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session fatal: %s: %v", e.Reason, e.Err)
	}
	return "session fatal: " + e.Reason
}

func (e *SessionFatalError) Unwrap() error {
	return e.Err
}
