// Package sandbox executes root-model-generated Go code in a yaegi
// interpreter. The interpreter namespace persists across steps within one
// session, so state built at iteration N is visible at iteration N+1.
//
// Generated code sees only the injected primitives and a whitelist of safe
// stdlib packages. There is no ambient access to the host process, the
// filesystem, or the network; the only way out is llm_query.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"rlm/internal/logging"
)

// Primitives are the host functions bound into the interpreter namespace.
type Primitives struct {
	ListSlices           func() []string
	GetSliceInfo         func() []map[string]any
	LLMQuery             func(prompt string, sliceID ...string) string
	LLMQueryAll          func(prompt string, sliceIDs []string) map[string]string
	GetHypothesis        func() string
	UpdateHypothesis     func(value string)
	GetHypothesisHistory func() []string
}

// FinalValue carries the evaluated value supplied to FINAL.
type FinalValue struct {
	Value any
}

// Text renders the terminal value as answer text.
func (f FinalValue) Text() string {
	if s, ok := f.Value.(string); ok {
		return s
	}
	return fmt.Sprint(f.Value)
}

// ExecutionError is any runtime fault in submitted code: syntax problems,
// panics, forbidden imports, or a step timeout. It is feedback for the next
// iteration, never fatal to the session.
type ExecutionError struct {
	Msg string
}

func (e *ExecutionError) Error() string {
	return e.Msg
}

// StepResult is the outcome of executing one code submission.
type StepResult struct {
	Output string
	Err    *ExecutionError
	Final  *FinalValue
}

// terminal is the control signal raised by FINAL. It short-circuits the rest
// of the step and is recovered by Execute, never leaking to callers.
type terminal struct {
	value any
}

// Config configures a sandbox.
type Config struct {
	Primitives   Primitives
	ExtraImports []string // additional stdlib packages beyond the whitelist
	OutputLimit  int      // truncate captured stdout beyond this many bytes; 0 = unlimited
}

// Sandbox is a persistent interpreter namespace for one session.
type Sandbox struct {
	interp      *interp.Interpreter
	stdout      *syncBuffer
	allowed     map[string]bool
	outputLimit int

	mu sync.Mutex // one step at a time
}

// defaultAllowedImports is the stdlib whitelist. Packages with filesystem,
// network, or process access are rejected before evaluation.
var defaultAllowedImports = map[string]bool{
	"bytes":           true,
	"encoding/base64": true,
	"encoding/csv":    true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,
}

// New creates a sandbox with the given primitives bound into scope.
func New(cfg Config) (*Sandbox, error) {
	allowed := make(map[string]bool, len(defaultAllowedImports)+len(cfg.ExtraImports))
	for pkg := range defaultAllowedImports {
		allowed[pkg] = true
	}
	for _, pkg := range cfg.ExtraImports {
		allowed[pkg] = true
	}

	stdout := &syncBuffer{}
	i := interp.New(interp.Options{
		Stdout: stdout,
		Stderr: stdout,
	})

	// Only whitelisted packages get symbols bound; anything else cannot
	// resolve at Eval time even if an import slips past validation.
	if err := i.Use(allowedSymbols(allowed)); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}

	p := cfg.Primitives
	exports := interp.Exports{
		"env/env": {
			"ListSlices":           reflect.ValueOf(p.ListSlices),
			"GetSliceInfo":         reflect.ValueOf(p.GetSliceInfo),
			"LLMQuery":             reflect.ValueOf(p.LLMQuery),
			"LLMQueryAll":          reflect.ValueOf(p.LLMQueryAll),
			"GetHypothesis":        reflect.ValueOf(p.GetHypothesis),
			"UpdateHypothesis":     reflect.ValueOf(p.UpdateHypothesis),
			"GetHypothesisHistory": reflect.ValueOf(p.GetHypothesisHistory),
			"Final":                reflect.ValueOf(final),
		},
	}
	if err := i.Use(exports); err != nil {
		return nil, fmt.Errorf("failed to bind primitives: %w", err)
	}

	if _, err := i.Eval(prelude); err != nil {
		return nil, fmt.Errorf("failed to initialize namespace: %w", err)
	}

	return &Sandbox{
		interp:      i,
		stdout:      stdout,
		allowed:     allowed,
		outputLimit: cfg.OutputLimit,
	}, nil
}

// final is the termination primitive bound as FINAL.
func final(value any) {
	panic(terminal{value: value})
}

// prelude binds the agent-facing names into the interpreter's main scope.
const prelude = `
import "env"

var (
	list_slices            = env.ListSlices
	get_slice_info         = env.GetSliceInfo
	llm_query              = env.LLMQuery
	llm_query_all          = env.LLMQueryAll
	get_hypothesis         = env.GetHypothesis
	update_hypothesis      = env.UpdateHypothesis
	get_hypothesis_history = env.GetHypothesisHistory
	FINAL                  = env.Final
)
`

// Execute runs one code submission against the persistent namespace.
// Stdout and runtime errors are captured, never propagated; a FINAL call is
// reported through the Final field and short-circuits the rest of the step.
//
// On timeout the step is reported as a recoverable error. The evaluation
// goroutine is not interrupted mid-step; it runs to completion in the
// background, which matches the no-mid-step-cancellation execution model.
func (s *Sandbox) Execute(ctx context.Context, code string) StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateImports(code); err != nil {
		return StepResult{Err: &ExecutionError{Msg: err.Error()}}
	}

	s.stdout.Reset()

	type outcome struct {
		err   error
		final *FinalValue
	}
	done := make(chan outcome, 1)

	go func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				if t, ok := r.(terminal); ok {
					out.final = &FinalValue{Value: t.value}
				} else {
					out.err = fmt.Errorf("panic: %v", r)
				}
			}
			done <- out
		}()

		_, err := s.interp.Eval(code)
		if err != nil {
			if p, ok := err.(interp.Panic); ok {
				if t, ok := p.Value.(terminal); ok {
					out.final = &FinalValue{Value: t.value}
					return
				}
				out.err = fmt.Errorf("panic: %v", p.Value)
				return
			}
			out.err = err
		}
	}()

	select {
	case out := <-done:
		result := StepResult{
			Output: s.capturedOutput(),
			Final:  out.final,
		}
		if out.err != nil {
			result.Err = &ExecutionError{Msg: out.err.Error()}
			logging.SandboxDebug("step error: %v", out.err)
		}
		if out.final != nil {
			logging.Sandbox("FINAL invoked, value_len=%d", len(out.final.Text()))
		}
		return result
	case <-ctx.Done():
		logging.Sandbox("step timed out: %v", ctx.Err())
		return StepResult{
			Output: s.capturedOutput(),
			Err:    &ExecutionError{Msg: fmt.Sprintf("step timed out: %v", ctx.Err())},
		}
	}
}

// allowedSymbols filters the interpreter's stdlib bindings down to the
// whitelist. Symbol map keys have the form "<import path>/<package name>".
func allowedSymbols(allowed map[string]bool) interp.Exports {
	out := make(interp.Exports, len(allowed))
	for key, symbols := range stdlib.Symbols {
		if idx := strings.LastIndexByte(key, '/'); idx > 0 && allowed[key[:idx]] {
			out[key] = symbols
		}
	}
	return out
}

// validateImports checks that the code only imports whitelisted packages.
// Handles single imports, import blocks, and blocks collapsed onto one line
// such as `import ("os")`.
func (s *Sandbox) validateImports(code string) error {
	var imports []string

	inImportBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)

		if inImportBlock {
			if i := strings.IndexByte(trimmed, ')'); i >= 0 {
				imports = append(imports, quotedPaths(trimmed[:i])...)
				inImportBlock = false
			} else {
				imports = append(imports, quotedPaths(trimmed)...)
			}
			continue
		}

		rest, ok := strings.CutPrefix(trimmed, "import")
		if !ok || (rest != "" && rest[0] != ' ' && rest[0] != '\t' && rest[0] != '(') {
			continue
		}
		rest = strings.TrimSpace(rest)
		if after, isBlock := strings.CutPrefix(rest, "("); isBlock {
			if i := strings.IndexByte(after, ')'); i >= 0 {
				imports = append(imports, quotedPaths(after[:i])...)
			} else {
				imports = append(imports, quotedPaths(after)...)
				inImportBlock = true
			}
		} else {
			imports = append(imports, quotedPaths(rest)...)
		}
	}

	var forbidden []string
	for _, pkg := range imports {
		if !s.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v (allowed: %v)", forbidden, s.allowedList())
	}
	return nil
}

// quotedPaths extracts every double-quoted import path from a clause
// segment, dropping aliases.
func quotedPaths(clause string) []string {
	var paths []string
	for {
		start := strings.IndexByte(clause, '"')
		if start < 0 {
			return paths
		}
		end := strings.IndexByte(clause[start+1:], '"')
		if end < 0 {
			return paths
		}
		paths = append(paths, clause[start+1:start+1+end])
		clause = clause[start+2+end:]
	}
}

func (s *Sandbox) allowedList() []string {
	pkgs := make([]string, 0, len(s.allowed))
	for pkg := range s.allowed {
		pkgs = append(pkgs, pkg)
	}
	return pkgs
}

// capturedOutput drains the step's stdout, truncating if configured.
func (s *Sandbox) capturedOutput() string {
	out := s.stdout.String()
	if s.outputLimit > 0 && len(out) > s.outputLimit {
		out = out[:s.outputLimit] + "\n... [output truncated]"
	}
	return out
}

// syncBuffer is a mutex-guarded bytes.Buffer. A timed-out step's goroutine
// may still be writing while the controller reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}
