package session

import (
	"fmt"
	"strings"
)

// DefaultQuery is used when the caller supplies no question.
const DefaultQuery = "Please read through the context and answer any queries or respond to any instructions contained within it."

// systemPrompt describes the execution environment and the refinement
// workflow to the root model.
const systemPrompt = `You are tasked with answering a query over a large context. You cannot see the context directly; instead you interact with it through a persistent Go execution environment that can recursively query sub-LLMs. You will be prompted iteratively until you provide a final answer.

The environment persists variables between your steps and provides these functions:

1. list_slices() []string - ids of the pre-segmented context slices.
2. get_slice_info() []map[string]any - metadata about every slice (id, strategy, size).
3. llm_query(prompt string, sliceID ...string) string - query a sub-LLM. Pass at most one slice id to automatically prepend that slice's content to your prompt; with no slice id the prompt is sent exactly as given, so include any data the sub-LLM needs yourself. Errors are returned as text starting with "ERROR:".
4. llm_query_all(prompt string, sliceIDs []string) map[string]string - run the same scoped query against several slices and get results keyed by slice id.
5. update_hypothesis(v string) / get_hypothesis() string / get_hypothesis_history() []string - maintain your evolving working answer.
6. FINAL(value) - terminate with your final answer. FINAL receives the evaluated value, so FINAL(answer) returns the contents of the variable, never the text "answer".

Use this iterative refinement workflow:

1. Discover slices with list_slices() or get_slice_info().
2. Initialize a working answer with update_hypothesis.
3. Query relevant slices with llm_query(question, sliceID) and refine the hypothesis after each finding.
4. When the hypothesis answers the original query, call FINAL with it.

Write the Go code for each step inside triple backticks with the go language identifier, for example:

` + "```go" + `
import "fmt"
ids := list_slices()
fmt.Println(ids)
` + "```" + `

Use fmt.Println to inspect values; printed output is echoed back to you in the next step. Output can be truncated, so push large analysis into llm_query calls instead of printing whole slices. Only whitelisted standard library packages may be imported; the environment has no file, network, or process access.

Plan briefly, then act immediately: every response should contain exactly one code block to execute, until you call FINAL(value) with your completed answer. Remember to explicitly answer the original query in your final answer.`

const userPromptFmt = `Think step-by-step on what to do next in the execution environment to answer the original query: %q.

Continue interacting with the environment and querying sub-LLMs by writing a single ` + "```go```" + ` block, and determine your answer. Your next action:`

// nextActionPrompt builds the per-step user prompt.
func nextActionPrompt(query string, iteration int) string {
	base := fmt.Sprintf(userPromptFmt, query)
	if iteration == 0 {
		return "You have not interacted with the execution environment or seen your context yet. Your next action should be to look through it; do not provide a final answer yet.\n\n" + base
	}
	return "The history above shows your previous interactions with the execution environment. " + base
}

// finalAnswerPrompt asks for a plain answer once the budget is exhausted.
const finalAnswerPrompt = "Based on all the information you have gathered, provide a final answer to the original query. Answer in plain text, with no code."

// buildTranscript renders prior iteration records as conversation feedback.
func buildTranscript(records []IterationRecord) string {
	if len(records) == 0 {
		return ""
	}

	var b strings.Builder
	for _, r := range records {
		fmt.Fprintf(&b, "--- Step %d ---\n", r.Index)
		if r.EmittedCode != "" {
			b.WriteString("You submitted:\n```go\n")
			b.WriteString(r.EmittedCode)
			b.WriteString("\n```\n")
		} else {
			b.WriteString("You responded without a code block:\n")
			b.WriteString(r.Response)
			b.WriteString("\n")
		}
		if r.CapturedOutput != "" {
			b.WriteString("Output:\n")
			b.WriteString(r.CapturedOutput)
			if !strings.HasSuffix(r.CapturedOutput, "\n") {
				b.WriteString("\n")
			}
		}
		if r.CapturedError != "" {
			b.WriteString("Error: ")
			b.WriteString(r.CapturedError)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
