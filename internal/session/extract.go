package session

import "strings"

// extractCodeBlock extracts the first fenced code block from a model
// response. Accepts ```go, ```repl, and bare ``` fences. Returns the code
// and whether a block was found.
func extractCodeBlock(text string) (string, bool) {
	patterns := []string{
		"```go\n",
		"```go\r\n",
		"```repl\n",
		"```repl\r\n",
		"```\n",
	}

	for _, pattern := range patterns {
		if idx := strings.Index(text, pattern); idx != -1 {
			start := idx + len(pattern)
			end := strings.Index(text[start:], "```")
			if end != -1 {
				code := strings.TrimSpace(text[start : start+end])
				if code != "" {
					return code, true
				}
			}
		}
	}
	return "", false
}

// looksLikeSource reports whether a terminal value is code-shaped rather
// than an actual answer. Guards against a known defect class: a session
// returning literal unevaluated source text as its result.
func looksLikeSource(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false
	}
	if strings.Contains(trimmed, "```") {
		return true
	}
	if strings.HasPrefix(trimmed, "FINAL(") {
		return true
	}

	// Multi-line text where most lines look like statements.
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return false
	}
	codeLines := 0
	for _, line := range lines {
		l := strings.TrimSpace(line)
		switch {
		case strings.Contains(l, ":="),
			strings.HasPrefix(l, "func "),
			strings.HasPrefix(l, "for "),
			strings.HasPrefix(l, "import "),
			strings.HasPrefix(l, "fmt."):
			codeLines++
		}
	}
	return codeLines*2 > len(lines)
}
