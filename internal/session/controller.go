package session

import (
	"context"
	"time"

	"rlm/internal/config"
	"rlm/internal/llm"
	"rlm/internal/logging"
	"rlm/internal/slicer"
)

// Controller drives sessions. It holds the root client (iteration loop) and
// the sub-query client (dispatched from sandboxed code); they may be the same
// backend.
type Controller struct {
	root  llm.Client
	sub   llm.Client
	cfg   *config.Config
	trace *logging.TraceWriter
}

// NewController creates a controller. A nil trace writer disables tracing.
func NewController(root, sub llm.Client, cfg *config.Config, trace *logging.TraceWriter) *Controller {
	if sub == nil {
		sub = root
	}
	return &Controller{
		root:  root,
		sub:   sub,
		cfg:   cfg,
		trace: trace,
	}
}

// Result is the outcome of a completed session.
type Result struct {
	SessionID         string
	Value             string
	State             State
	Records           []IterationRecord
	Hypothesis        string
	HypothesisHistory []string
	Usage             llm.Usage
}

// Run executes one session to termination. contextData is the raw context
// (mapping, sequence, or string); query defaults to DefaultQuery when empty.
//
// Per-step faults (execution errors, missing code blocks, timed-out steps)
// are fed back to the root model and consume an iteration. Only setup
// failures and root-backend exhaustion abort the run.
func (c *Controller) Run(ctx context.Context, contextData any, query string) (*Result, error) {
	if query == "" {
		query = DefaultQuery
	}

	store, err := c.buildStore(contextData)
	if err != nil {
		return nil, err
	}

	sess, err := newSession(store, c.sub, c.cfg, c.trace)
	if err != nil {
		return nil, err
	}
	sess.ctx = ctx
	sess.state = StateRunning

	stepTimeout, err := c.cfg.PerStepTimeout()
	if err != nil {
		return nil, &SessionFatalError{Reason: "invalid per-step timeout", Err: err}
	}

	logging.Session("session %s started: slices=%d max_iterations=%d", sess.id, store.Len(), c.cfg.Session.MaxIterations)
	c.trace.Emit(logging.TraceEvent{
		EventType: logging.TraceSessionStart,
		SessionID: sess.id,
		Success:   true,
		Message:   query,
	})

	for i := 0; i < c.cfg.Session.MaxIterations; i++ {
		sess.step.Store(int32(i))
		sess.dispatcher.ResetStep()

		userPrompt := buildTranscript(sess.records) + nextActionPrompt(query, i)
		response, err := c.root.CompleteWithSystem(ctx, systemPrompt, userPrompt)
		if err != nil {
			sess.state = StateFailed
			c.emitSessionEnd(sess, false, err.Error())
			return nil, &SessionFatalError{Reason: "root completion failed", Err: err}
		}

		code, ok := extractCodeBlock(response)
		if !ok {
			logging.SessionDebug("step %d: no code block in response", i)
			sess.records = append(sess.records, IterationRecord{
				Index:         i,
				Response:      response,
				CapturedError: "no executable code block found in your response; reply with a single ```go``` block",
				Timestamp:     time.Now(),
			})
			continue
		}

		c.trace.Emit(logging.TraceEvent{
			EventType: logging.TraceStepStart,
			SessionID: sess.id,
			Step:      i,
			Success:   true,
		})

		stepCtx := ctx
		var cancel context.CancelFunc
		if stepTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, stepTimeout)
		}
		started := time.Now()
		res := sess.box.Execute(stepCtx, code)
		if cancel != nil {
			cancel()
		}

		record := IterationRecord{
			Index:          i,
			Response:       response,
			EmittedCode:    code,
			CapturedOutput: res.Output,
			Timestamp:      time.Now(),
		}
		if res.Err != nil {
			record.CapturedError = res.Err.Msg
		}

		c.trace.Emit(logging.TraceEvent{
			EventType:  logging.TraceStepEnd,
			SessionID:  sess.id,
			Step:       i,
			Success:    res.Err == nil,
			DurationMs: time.Since(started).Milliseconds(),
			Error:      record.CapturedError,
		})

		if res.Final != nil {
			value := res.Final.Text()
			if looksLikeSource(value) {
				logging.Session("step %d: rejected code-shaped terminal value", i)
				record.CapturedError = "FINAL received what looks like source code rather than an answer; FINAL takes the evaluated value, e.g. FINAL(answer)"
				sess.records = append(sess.records, record)
				continue
			}
			sess.records = append(sess.records, record)
			sess.state = StateTerminatedExplicit
			logging.Session("session %s terminated explicitly after %d steps", sess.id, i+1)
			c.emitSessionEnd(sess, true, "")
			return c.result(sess, value), nil
		}

		sess.records = append(sess.records, record)
	}

	sess.state = StateTerminatedBudget
	logging.Session("session %s exhausted its %d-iteration budget", sess.id, c.cfg.Session.MaxIterations)

	if c.cfg.Session.BudgetPolicy == config.BudgetPolicyFail {
		c.emitSessionEnd(sess, false, "budget exhausted")
		return nil, &BudgetExhaustedError{MaxIterations: c.cfg.Session.MaxIterations}
	}

	value := c.bestEffortAnswer(ctx, sess)
	c.emitSessionEnd(sess, true, "budget exhausted, best effort")
	return c.result(sess, value), nil
}

// buildStore partitions the context into the session's slice store.
func (c *Controller) buildStore(contextData any) (*slicer.Store, error) {
	if !c.cfg.Session.AutoSlice {
		sl := slicer.ContextSlice{
			ID:       "context",
			Content:  contextData,
			Metadata: map[string]any{"strategy": "none"},
		}
		return slicer.NewStore([]slicer.ContextSlice{sl}), nil
	}

	slices, err := slicer.Slice(contextData, slicer.Options{
		Strategy:      slicer.Strategy(c.cfg.Session.SliceStrategy),
		ListCutoff:    c.cfg.Slicer.ListCutoff,
		ListChunkSize: c.cfg.Slicer.ListChunkSize,
		CharChunkSize: c.cfg.Slicer.CharChunkSize,
	})
	if err != nil {
		return nil, &SessionFatalError{Reason: "context slicing failed", Err: err}
	}
	logging.Slicer("context partitioned into %d slices", len(slices))
	return slicer.NewStore(slices), nil
}

// bestEffortAnswer produces a value for an exhausted session. A revised
// hypothesis is preferred; otherwise the root model gets one no-code final
// prompt, falling back to the hypothesis sentinel if that fails too.
func (c *Controller) bestEffortAnswer(ctx context.Context, sess *Session) string {
	if sess.hyp.Revised() {
		return sess.hyp.Current()
	}

	userPrompt := buildTranscript(sess.records) + finalAnswerPrompt
	answer, err := c.root.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	if err != nil || looksLikeSource(answer) {
		logging.SessionDebug("final-answer fallback unusable (err=%v)", err)
		return sess.hyp.Current()
	}
	return answer
}

func (c *Controller) result(sess *Session, value string) *Result {
	r := &Result{
		SessionID:         sess.id,
		Value:             value,
		State:             sess.state,
		Records:           sess.Records(),
		Hypothesis:        sess.hyp.Current(),
		HypothesisHistory: sess.hyp.History(),
	}
	if u, ok := c.root.(llm.UsageReporter); ok {
		r.Usage.Add(u.Usage())
	}
	if u, ok := c.sub.(llm.UsageReporter); ok && c.sub != c.root {
		r.Usage.Add(u.Usage())
	}
	return r
}

func (c *Controller) emitSessionEnd(sess *Session, success bool, msg string) {
	c.trace.Emit(logging.TraceEvent{
		EventType: logging.TraceSessionEnd,
		SessionID: sess.id,
		Step:      len(sess.records),
		Success:   success,
		Message:   msg,
	})
}
