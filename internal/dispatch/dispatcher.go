// Package dispatch issues sub-queries to a secondary model.
//
// The contract is pass-through by default: an unscoped query forwards the
// prompt verbatim, with no implicit context attached. Supplying a slice id is
// the only automatic context injection in the system, and it is strictly
// scoped to exactly that one slice.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"rlm/internal/llm"
	"rlm/internal/logging"
	"rlm/internal/slicer"
)

// SliceNotFoundError reports a scoped query against an unknown slice id.
// Recoverable: it is surfaced to the generating code, not to the session.
type SliceNotFoundError struct {
	ID string
}

func (e *SliceNotFoundError) Error() string {
	return fmt.Sprintf("slice not found: %q", e.ID)
}

// SubQueryError reports a backend failure during dispatch. Recoverable at
// the step level.
type SubQueryError struct {
	Err error
}

func (e *SubQueryError) Error() string {
	return fmt.Sprintf("sub-query failed: %v", e.Err)
}

func (e *SubQueryError) Unwrap() error {
	return e.Err
}

// QueryBudgetError reports that the per-step sub-query budget was exceeded.
type QueryBudgetError struct {
	Limit int
}

func (e *QueryBudgetError) Error() string {
	return fmt.Sprintf("per-step query budget exceeded (limit %d)", e.Limit)
}

// Config configures a dispatcher.
type Config struct {
	// MaxQueriesPerStep bounds sub-queries within one iteration step.
	// 0 means unlimited.
	MaxQueriesPerStep int

	// Concurrency bounds parallel fan-out in QueryAll. Defaults to 4.
	Concurrency int

	// Depth is this dispatcher's recursion depth; MaxDepth bounds nested
	// dispatch so a model cannot self-invoke without limit.
	Depth    int
	MaxDepth int
}

// Dispatcher resolves slice ids and forwards prompts to the backend.
type Dispatcher struct {
	client llm.Client
	store  *slicer.Store
	cfg    Config

	mu        sync.Mutex
	stepCalls int
}

// New creates a dispatcher. The recursion depth bound is enforced at
// construction time.
func New(client llm.Client, store *slicer.Store, cfg Config) (*Dispatcher, error) {
	if cfg.MaxDepth > 0 && cfg.Depth >= cfg.MaxDepth {
		return nil, fmt.Errorf("recursion depth %d reaches the configured maximum %d", cfg.Depth, cfg.MaxDepth)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Dispatcher{
		client: client,
		store:  store,
		cfg:    cfg,
	}, nil
}

// ResetStep clears the per-step query counter. The iteration controller
// calls this at the start of every step.
func (d *Dispatcher) ResetStep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stepCalls = 0
}

// StepQueries returns the number of sub-queries issued in the current step.
func (d *Dispatcher) StepQueries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stepCalls
}

func (d *Dispatcher) consumeBudget() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.MaxQueriesPerStep > 0 && d.stepCalls >= d.cfg.MaxQueriesPerStep {
		return &QueryBudgetError{Limit: d.cfg.MaxQueriesPerStep}
	}
	d.stepCalls++
	return nil
}

// Query issues one sub-query. With an empty sliceID the prompt is forwarded
// verbatim; otherwise the resolved slice's content is prepended to it.
func (d *Dispatcher) Query(ctx context.Context, prompt, sliceID string) (string, error) {
	if err := d.consumeBudget(); err != nil {
		return "", err
	}

	outgoing := prompt
	if sliceID != "" {
		sl, ok := d.store.Get(sliceID)
		if !ok {
			logging.DispatchDebug("scoped query against unknown slice %q", sliceID)
			return "", &SliceNotFoundError{ID: sliceID}
		}
		outgoing = sl.Render() + "\n\n" + prompt
	}

	logging.Dispatch("sub-query: scoped=%v prompt_len=%d", sliceID != "", len(outgoing))

	response, err := d.client.Complete(ctx, outgoing)
	if err != nil {
		return "", &SubQueryError{Err: err}
	}
	return response, nil
}

// Result is one slice's outcome from a fan-out query.
type Result struct {
	Text string
	Err  error
}
