package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelectsProvider(t *testing.T) {
	c, err := New(Options{Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &AnthropicClient{}, c)

	c, err = New(Options{Provider: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, c)

	c, err = New(Options{Provider: "mock"})
	require.NoError(t, err)
	assert.IsType(t, &MockClient{}, c)

	_, err = New(Options{Provider: "smoke-signal"})
	assert.Error(t, err)
}

func TestAnthropicCompleteWithSystem(t *testing.T) {
	var gotReq AnthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := map[string]any{
			"id": "msg_1",
			"content": []map[string]string{
				{"type": "text", "text": "the answer"},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewAnthropicClientWithConfig(AnthropicConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "test-model",
		Timeout: 5 * time.Second,
	})

	out, err := client.CompleteWithSystem(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "the answer", out)
	assert.Equal(t, "sys", gotReq.System)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Content)

	usage := client.Usage()
	assert.Equal(t, 1, usage.Calls)
	assert.Equal(t, int64(len("sys")+len("user")), usage.PromptChars)
	assert.Equal(t, int64(len("the answer")), usage.CompletionChars)
}

func TestAnthropicRetriesRateLimit(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "ok"}},
		})
	}))
	defer server.Close()

	client := NewAnthropicClientWithConfig(AnthropicConfig{
		APIKey:  "k",
		BaseURL: server.URL,
		Timeout: 10 * time.Second,
	})

	out, err := client.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 2, attempts)
}

func TestAnthropicRequiresAPIKey(t *testing.T) {
	client := NewAnthropicClient("")
	_, err := client.Complete(context.Background(), "hi")
	assert.Error(t, err)
}

func TestOpenAICompleteWithSystem(t *testing.T) {
	var gotReq OpenAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "reply"}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewOpenAIClientWithConfig(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "test-model",
		Timeout: 5 * time.Second,
	})

	out, err := client.CompleteWithSystem(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "reply", out)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
}

func TestOpenAIAPIErrorNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "bad request"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClientWithConfig(OpenAIConfig{
		APIKey:  "k",
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
	})

	_, err := client.Complete(context.Background(), "hi")
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestMockClientScript(t *testing.T) {
	m := NewMockClient().Script("one", "two")

	out, err := m.Complete(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "one", out)

	out, err = m.CompleteWithSystem(context.Background(), "s", "b")
	require.NoError(t, err)
	assert.Equal(t, "two", out)

	_, err = m.Complete(context.Background(), "c")
	assert.Error(t, err)

	calls := m.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "s", calls[1].SystemPrompt)
}

func TestUsageAdd(t *testing.T) {
	var total Usage
	total.Add(Usage{Calls: 2, PromptChars: 10, CompletionChars: 5})
	total.Add(Usage{Calls: 1, PromptChars: 3, CompletionChars: 2, Errors: 1})

	assert.Equal(t, 3, total.Calls)
	assert.Equal(t, int64(13), total.PromptChars)
	assert.Equal(t, int64(7), total.CompletionChars)
	assert.Equal(t, 1, total.Errors)
}
