// Package session runs the iteration loop: prompt the root model, execute
// the code it emits against the sandbox, feed results back, and terminate on
// an explicit FINAL or on budget exhaustion.
package session

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"rlm/internal/config"
	"rlm/internal/dispatch"
	"rlm/internal/hypothesis"
	"rlm/internal/llm"
	"rlm/internal/logging"
	"rlm/internal/sandbox"
	"rlm/internal/slicer"
)

// Session is the aggregate of one run: the slice store, the hypothesis, the
// persistent sandbox namespace, and the sub-query dispatcher, all sharing one
// session id.
type Session struct {
	id         string
	store      *slicer.Store
	hyp        *hypothesis.Store
	box        *sandbox.Sandbox
	dispatcher *dispatch.Dispatcher
	trace      *logging.TraceWriter

	records []IterationRecord
	state   State

	// ctx is the run-scoped context used by primitives invoked from
	// sandboxed code. Set once before the loop starts.
	ctx context.Context

	// step is the current iteration index, for trace attribution from
	// primitives. Atomic because a timed-out step's goroutine may still
	// issue sub-queries while the controller advances.
	step atomic.Int32
}

// newSession wires the components together and binds the primitives into a
// fresh sandbox namespace.
func newSession(store *slicer.Store, subClient llm.Client, cfg *config.Config, trace *logging.TraceWriter) (*Session, error) {
	s := &Session{
		id:    uuid.New().String(),
		store: store,
		hyp:   hypothesis.NewStore(),
		trace: trace,
		ctx:   context.Background(),
		state: StateInit,
	}

	d, err := dispatch.New(subClient, store, dispatch.Config{
		MaxQueriesPerStep: cfg.Session.MaxQueriesPerStep,
		Depth:             0,
		MaxDepth:          cfg.Session.MaxRecursionDepth,
	})
	if err != nil {
		return nil, &SessionFatalError{Reason: "dispatcher setup failed", Err: err}
	}
	s.dispatcher = d

	box, err := sandbox.New(sandbox.Config{
		Primitives:   s.primitives(),
		ExtraImports: cfg.Sandbox.ExtraImports,
		OutputLimit:  cfg.Sandbox.OutputLimit,
	})
	if err != nil {
		return nil, &SessionFatalError{Reason: "sandbox setup failed", Err: err}
	}
	s.box = box

	return s, nil
}

// primitives builds the host functions exposed to sandboxed code. Dispatch
// errors are recoverable by contract, so they are rendered as result text
// rather than raised into the generating code.
func (s *Session) primitives() sandbox.Primitives {
	return sandbox.Primitives{
		ListSlices: func() []string {
			return s.store.IDs()
		},
		GetSliceInfo: func() []map[string]any {
			infos := s.store.Info()
			out := make([]map[string]any, 0, len(infos))
			for _, info := range infos {
				entry := map[string]any{
					"id":           info.ID,
					"content_type": info.ContentType,
					"size":         info.Size,
				}
				for k, v := range info.Metadata {
					entry[k] = v
				}
				out = append(out, entry)
			}
			return out
		},
		LLMQuery: func(prompt string, sliceID ...string) string {
			if len(sliceID) > 1 {
				return "ERROR: llm_query takes at most one slice id; use llm_query_all to query several slices"
			}
			id := ""
			if len(sliceID) > 0 {
				id = sliceID[0]
			}
			text, err := s.dispatcher.Query(s.ctx, prompt, id)
			s.trace.Emit(logging.TraceEvent{
				EventType: logging.TraceSubQuery,
				SessionID: s.id,
				Step:      int(s.step.Load()),
				Target:    id,
				Success:   err == nil,
			})
			if err != nil {
				return "ERROR: " + err.Error()
			}
			return text
		},
		LLMQueryAll: func(prompt string, sliceIDs []string) map[string]string {
			results := s.dispatcher.QueryAll(s.ctx, prompt, sliceIDs)
			out := make(map[string]string, len(results))
			for id, r := range results {
				s.trace.Emit(logging.TraceEvent{
					EventType: logging.TraceSubQuery,
					SessionID: s.id,
					Step:      int(s.step.Load()),
					Target:    id,
					Success:   r.Err == nil,
				})
				if r.Err != nil {
					out[id] = "ERROR: " + r.Err.Error()
				} else {
					out[id] = r.Text
				}
			}
			return out
		},
		GetHypothesis: func() string {
			return s.hyp.Current()
		},
		UpdateHypothesis: func(value string) {
			s.hyp.Update(value)
			s.trace.Emit(logging.TraceEvent{
				EventType: logging.TraceHypothesisUpdate,
				SessionID: s.id,
				Step:      int(s.step.Load()),
				Success:   true,
			})
			logging.SessionDebug("hypothesis updated, len=%d", len(value))
		},
		GetHypothesisHistory: func() []string {
			return s.hyp.History()
		},
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// State returns the session lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Records returns the ordered execution trace.
func (s *Session) Records() []IterationRecord {
	out := make([]IterationRecord, len(s.records))
	copy(out, s.records)
	return out
}
