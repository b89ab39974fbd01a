package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a scripted Client for tests and dry runs.
// Responses are returned in order; when the script is exhausted the
// fallback function (if any) is consulted, otherwise an error is returned.
type MockClient struct {
	usageCounter

	mu        sync.Mutex
	responses []string
	calls     []MockCall
	fallback  func(systemPrompt, userPrompt string) (string, error)

	// Err, when set, is returned by every call.
	Err error
}

// MockCall records one invocation for assertions.
type MockCall struct {
	SystemPrompt string
	UserPrompt   string
}

// NewMockClient creates an empty mock client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Script appends canned responses.
func (m *MockClient) Script(responses ...string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
	return m
}

// OnExhausted sets the fallback invoked after the script runs out.
func (m *MockClient) OnExhausted(fn func(systemPrompt, userPrompt string) (string, error)) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = fn
	return m
}

// Calls returns all recorded invocations.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Complete implements Client.
func (m *MockClient) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem implements Client.
func (m *MockClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.calls = append(m.calls, MockCall{SystemPrompt: systemPrompt, UserPrompt: userPrompt})
	if m.Err != nil {
		err := m.Err
		m.mu.Unlock()
		m.record(len(systemPrompt)+len(userPrompt), 0, true)
		return "", err
	}
	if len(m.responses) > 0 {
		resp := m.responses[0]
		m.responses = m.responses[1:]
		m.mu.Unlock()
		m.record(len(systemPrompt)+len(userPrompt), len(resp), false)
		return resp, nil
	}
	fallback := m.fallback
	m.mu.Unlock()

	if fallback != nil {
		resp, err := fallback(systemPrompt, userPrompt)
		m.record(len(systemPrompt)+len(userPrompt), len(resp), err != nil)
		return resp, err
	}

	m.record(len(systemPrompt)+len(userPrompt), 0, true)
	return "", fmt.Errorf("mock client: no scripted response left")
}
