package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/internal/config"
	"rlm/internal/llm"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.LLM.Provider = "mock"
	cfg.Session.MaxIterations = 5
	cfg.Session.PerStepTimeout = "10s"
	return cfg
}

// fence wraps code in the markdown form the controller expects back from the
// root model.
func fence(code string) string {
	return "Next I will run:\n\n```go\n" + code + "\n```\n"
}

func animalContext() map[string]any {
	return map[string]any{
		"a": "cat",
		"b": "dog",
		"c": "bird",
	}
}

func TestExplicitTermination(t *testing.T) {
	root := llm.NewMockClient().Script(
		fence(`import "fmt"
ids := list_slices()
fmt.Println(len(ids))`),
		fence(`FINAL("three slices")`),
	)

	c := NewController(root, llm.NewMockClient(), testConfig(), nil)
	result, err := c.Run(context.Background(), animalContext(), "how many slices?")
	require.NoError(t, err)

	assert.Equal(t, StateTerminatedExplicit, result.State)
	assert.Equal(t, "three slices", result.Value)
	require.Len(t, result.Records, 2)
	assert.Equal(t, "3\n", result.Records[0].CapturedOutput)
	assert.NotEmpty(t, result.SessionID)
}

func TestFinalReceivesEvaluatedValue(t *testing.T) {
	root := llm.NewMockClient().Script(
		fence(`answer := 6 * 7`),
		fence(`FINAL(answer)`),
	)

	c := NewController(root, llm.NewMockClient(), testConfig(), nil)
	result, err := c.Run(context.Background(), "some plain context", "")
	require.NoError(t, err)

	// The variable's value, never the literal text "answer".
	assert.Equal(t, "42", result.Value)
}

func TestDefaultQueryWhenEmpty(t *testing.T) {
	root := llm.NewMockClient().Script(fence(`FINAL("done")`))

	c := NewController(root, llm.NewMockClient(), testConfig(), nil)
	_, err := c.Run(context.Background(), "ctx", "")
	require.NoError(t, err)

	calls := root.Calls()
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[0].UserPrompt, DefaultQuery)
}

func TestFirstIterationSafeguard(t *testing.T) {
	root := llm.NewMockClient().Script(
		fence(`x := 1
_ = x`),
		fence(`FINAL("ok")`),
	)

	c := NewController(root, llm.NewMockClient(), testConfig(), nil)
	_, err := c.Run(context.Background(), "ctx", "q")
	require.NoError(t, err)

	calls := root.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].UserPrompt, "do not provide a final answer yet")
	assert.NotContains(t, calls[1].UserPrompt, "do not provide a final answer yet")
}

func TestStepErrorIsFedBackNotFatal(t *testing.T) {
	root := llm.NewMockClient().Script(
		fence(`this is not valid go`),
		fence(`FINAL("recovered")`),
	)

	c := NewController(root, llm.NewMockClient(), testConfig(), nil)
	result, err := c.Run(context.Background(), "ctx", "q")
	require.NoError(t, err)

	assert.Equal(t, "recovered", result.Value)
	require.Len(t, result.Records, 2)
	assert.NotEmpty(t, result.Records[0].CapturedError)

	// The failure is visible to the model on the following step.
	calls := root.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].UserPrompt, result.Records[0].CapturedError)
}

func TestResponseWithoutCodeConsumesIteration(t *testing.T) {
	root := llm.NewMockClient().Script(
		"I think the answer is probably about dogs.",
		fence(`FINAL("dogs")`),
	)

	c := NewController(root, llm.NewMockClient(), testConfig(), nil)
	result, err := c.Run(context.Background(), "ctx", "q")
	require.NoError(t, err)

	require.Len(t, result.Records, 2)
	assert.Empty(t, result.Records[0].EmittedCode)
	assert.Contains(t, result.Records[0].CapturedError, "no executable code block")

	calls := root.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].UserPrompt, "no executable code block")
}

func TestNamespacePersistsAcrossSteps(t *testing.T) {
	root := llm.NewMockClient().Script(
		fence(`total := 40`),
		fence(`total = total + 2`),
		fence(`FINAL(total)`),
	)

	c := NewController(root, llm.NewMockClient(), testConfig(), nil)
	result, err := c.Run(context.Background(), "ctx", "q")
	require.NoError(t, err)
	assert.Equal(t, "42", result.Value)
}

func TestSubQueryScopedToSlice(t *testing.T) {
	root := llm.NewMockClient().Script(
		fence(`import "fmt"
res := llm_query("what animal is this?", "dict_b")
fmt.Println(res)`),
		fence(`FINAL("a canine")`),
	)
	sub := llm.NewMockClient().Script("canine")

	c := NewController(root, sub, testConfig(), nil)
	result, err := c.Run(context.Background(), animalContext(), "q")
	require.NoError(t, err)

	assert.Contains(t, result.Records[0].CapturedOutput, "canine")

	subCalls := sub.Calls()
	require.Len(t, subCalls, 1)
	assert.True(t, strings.HasPrefix(subCalls[0].UserPrompt, "dog"))
	assert.NotContains(t, subCalls[0].UserPrompt, "cat")
}

func TestSubQueryErrorRenderedAsText(t *testing.T) {
	root := llm.NewMockClient().Script(
		fence(`import "fmt"
res := llm_query("q", "dict_zebra")
fmt.Println(res)`),
		fence(`FINAL("done")`),
	)

	c := NewController(root, llm.NewMockClient(), testConfig(), nil)
	result, err := c.Run(context.Background(), animalContext(), "q")
	require.NoError(t, err)

	// A bad slice id never crashes the step; it is feedback text.
	assert.Empty(t, result.Records[0].CapturedError)
	assert.Contains(t, result.Records[0].CapturedOutput, "ERROR:")
	assert.Contains(t, result.Records[0].CapturedOutput, "dict_zebra")
}

func TestSubQueryRejectsMultipleSliceIDs(t *testing.T) {
	root := llm.NewMockClient().Script(
		fence(`import "fmt"
res := llm_query("what animal?", "dict_a", "dict_b")
fmt.Println(res)`),
		fence(`FINAL("done")`),
	)
	sub := llm.NewMockClient().Script("should never be called")

	c := NewController(root, sub, testConfig(), nil)
	result, err := c.Run(context.Background(), animalContext(), "q")
	require.NoError(t, err)

	assert.Contains(t, result.Records[0].CapturedOutput, "ERROR:")
	assert.Contains(t, result.Records[0].CapturedOutput, "llm_query_all")
	assert.Empty(t, sub.Calls())
}

func TestCodeShapedTerminalValueRejected(t *testing.T) {
	root := llm.NewMockClient().Script(
		fence(`FINAL("result := compute()\nfmt.Println(result)")`),
		fence(`FINAL("the real answer")`),
	)

	c := NewController(root, llm.NewMockClient(), testConfig(), nil)
	result, err := c.Run(context.Background(), "ctx", "q")
	require.NoError(t, err)

	assert.Equal(t, "the real answer", result.Value)
	require.Len(t, result.Records, 2)
	assert.Contains(t, result.Records[0].CapturedError, "source code")
}

func TestBudgetExhaustionFailPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Session.MaxIterations = 3
	cfg.Session.BudgetPolicy = config.BudgetPolicyFail

	root := llm.NewMockClient().OnExhausted(func(_, _ string) (string, error) {
		return fence(`x := 1
_ = x`), nil
	})

	c := NewController(root, llm.NewMockClient(), cfg, nil)
	_, err := c.Run(context.Background(), "ctx", "q")

	var budgetErr *BudgetExhaustedError
	require.True(t, errors.As(err, &budgetErr))
	assert.Equal(t, 3, budgetErr.MaxIterations)
	assert.Len(t, root.Calls(), 3)
}

func TestBudgetExhaustionBestEffortUsesHypothesis(t *testing.T) {
	cfg := testConfig()
	cfg.Session.MaxIterations = 2

	root := llm.NewMockClient().Script(
		fence(`update_hypothesis("the answer is probably 42")`),
		fence(`x := 1
_ = x`),
	)

	c := NewController(root, llm.NewMockClient(), cfg, nil)
	result, err := c.Run(context.Background(), "ctx", "q")
	require.NoError(t, err)

	assert.Equal(t, StateTerminatedBudget, result.State)
	assert.Equal(t, "the answer is probably 42", result.Value)
	assert.Equal(t, []string{""}, result.HypothesisHistory)
	assert.Len(t, result.Records, 2)
}

func TestBudgetExhaustionBestEffortFallsBackToCompletion(t *testing.T) {
	cfg := testConfig()
	cfg.Session.MaxIterations = 1

	// No hypothesis was ever set, so one plain final completion is requested.
	root := llm.NewMockClient().Script(
		fence(`x := 1
_ = x`),
		"the gathered answer",
	)

	c := NewController(root, llm.NewMockClient(), cfg, nil)
	result, err := c.Run(context.Background(), "ctx", "q")
	require.NoError(t, err)

	assert.Equal(t, StateTerminatedBudget, result.State)
	assert.Equal(t, "the gathered answer", result.Value)

	calls := root.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].UserPrompt, "final answer")
}

func TestRootBackendFailureIsFatal(t *testing.T) {
	root := llm.NewMockClient()
	root.Err = errors.New("backend unreachable")

	c := NewController(root, llm.NewMockClient(), testConfig(), nil)
	_, err := c.Run(context.Background(), "ctx", "q")

	var fatal *SessionFatalError
	require.True(t, errors.As(err, &fatal))
	assert.Contains(t, err.Error(), "backend unreachable")
}

func TestInvalidContextIsFatal(t *testing.T) {
	root := llm.NewMockClient().Script(fence(`FINAL("never reached")`))

	c := NewController(root, llm.NewMockClient(), testConfig(), nil)
	_, err := c.Run(context.Background(), 42, "q")

	var fatal *SessionFatalError
	require.True(t, errors.As(err, &fatal))
	assert.Empty(t, root.Calls())
}

func TestAutoSliceDisabledUsesSingleSlice(t *testing.T) {
	cfg := testConfig()
	cfg.Session.AutoSlice = false

	root := llm.NewMockClient().Script(
		fence(`import "fmt"
fmt.Println(list_slices())`),
		fence(`FINAL("ok")`),
	)

	c := NewController(root, llm.NewMockClient(), cfg, nil)
	result, err := c.Run(context.Background(), animalContext(), "q")
	require.NoError(t, err)
	assert.Contains(t, result.Records[0].CapturedOutput, "context")
}

func TestUsageAggregation(t *testing.T) {
	root := llm.NewMockClient().Script(
		fence(`res := llm_query("classify")
_ = res`),
		fence(`FINAL("done")`),
	)
	sub := llm.NewMockClient().Script("classified")

	c := NewController(root, sub, testConfig(), nil)
	result, err := c.Run(context.Background(), "ctx", "q")
	require.NoError(t, err)

	assert.Equal(t, 3, result.Usage.Calls) // two root completions, one sub-query
	assert.Zero(t, result.Usage.Errors)
	assert.Positive(t, result.Usage.PromptChars)
}

func TestExtractCodeBlock(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		found bool
	}{
		{"go fence", "text\n```go\nx := 1\n```\nmore", "x := 1", true},
		{"repl fence", "```repl\ny := 2\n```", "y := 2", true},
		{"bare fence", "```\nz := 3\n```", "z := 3", true},
		{"no fence", "just prose", "", false},
		{"unclosed fence", "```go\nx := 1", "", false},
		{"empty block", "```go\n\n```", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := extractCodeBlock(tt.input)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLooksLikeSource(t *testing.T) {
	assert.True(t, looksLikeSource("```go\nx := 1\n```"))
	assert.True(t, looksLikeSource("FINAL(answer)"))
	assert.True(t, looksLikeSource("a := 1\nb := 2\nfmt.Println(a + b)"))

	assert.False(t, looksLikeSource("The answer is 42."))
	assert.False(t, looksLikeSource(""))
	assert.False(t, looksLikeSource("Revenue grew 12% in Q3.\nMargins held steady.\nOutlook: positive."))
}
