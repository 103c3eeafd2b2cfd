package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChatClient(serverURL string) *ChatClient {
	return NewChatClient(ProviderConfig{
		Name:    ProviderFast,
		BaseURL: serverURL,
		APIKey:  "sk-test",
		ModelID: "test-model",
		Timeout: 5 * time.Second,
	})
}

func completionJSON(content string, usage *ChatUsage) string {
	payload, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
		"usage": usage,
	})
	return string(payload)
}

func TestChatSendsFormattedConversation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)

		fmt.Fprint(w, completionJSON("The answer.", &ChatUsage{PromptTokens: 12, CompletionTokens: 3}))
	}))
	defer server.Close()

	result, err := testChatClient(server.URL).Chat(context.Background(), []ChatMessage{
		{Role: RoleSystem, Content: "You are helpful."},
		{Role: RoleUser, Content: "Question?"},
	})
	require.NoError(t, err)
	assert.Equal(t, "The answer.", result.Content)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 12, result.Usage.PromptTokens)
}

func TestChatDropsEmptyMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 1)
		fmt.Fprint(w, completionJSON("ok", nil))
	}))
	defer server.Close()

	_, err := testChatClient(server.URL).Chat(context.Background(), []ChatMessage{
		{Role: RoleSystem, Content: "   "},
		{Role: RoleUser, Content: "real"},
	})
	require.NoError(t, err)

	_, err = testChatClient(server.URL).Chat(context.Background(), []ChatMessage{
		{Role: RoleUser, Content: "   "},
	})
	assert.Error(t, err)

	_, err = testChatClient(server.URL).Chat(context.Background(), nil)
	assert.Error(t, err)
}

func TestChatRetriesServerErrors(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, completionJSON("recovered", nil))
	}))
	defer server.Close()

	result, err := testChatClient(server.URL).Chat(context.Background(), []ChatMessage{
		{Role: RoleUser, Content: "retry me"},
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Content)
	assert.Equal(t, 3, calls)
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := testChatClient(server.URL).Chat(context.Background(), []ChatMessage{
		{Role: RoleUser, Content: "bad key"},
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestChatExhaustsRetries(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := testChatClient(server.URL).Chat(context.Background(), []ChatMessage{
		{Role: RoleUser, Content: "always down"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat failed after 3 attempts")
	assert.Equal(t, chatMaxAttempts, calls)
}

func TestChatStreamDeliversDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Hello"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":" world"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	var deltas []ChatStreamDelta
	result, err := testChatClient(server.URL).ChatStream(context.Background(), []ChatMessage{
		{Role: RoleUser, Content: "stream it"},
	}, func(delta ChatStreamDelta) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", result.Content)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 5, result.Usage.PromptTokens)

	require.NotEmpty(t, deltas)
	assert.Equal(t, "Hello", deltas[0].Content)
	final := deltas[len(deltas)-1]
	assert.True(t, final.Done)
	assert.Equal(t, "Hello world", final.FullContent)
}

func TestChatStreamJSONFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionJSON("whole reply", nil))
	}))
	defer server.Close()

	var deltas []ChatStreamDelta
	result, err := testChatClient(server.URL).ChatStream(context.Background(), []ChatMessage{
		{Role: RoleUser, Content: "no stream support"},
	}, func(delta ChatStreamDelta) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "whole reply", result.Content)
	require.Len(t, deltas, 2)
	assert.Equal(t, "whole reply", deltas[0].Content)
	assert.True(t, deltas[1].Done)
}

func TestChatStreamHandlerErrorAborts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	_, err := testChatClient(server.URL).ChatStream(context.Background(), []ChatMessage{
		{Role: RoleUser, Content: "abort"},
	}, func(delta ChatStreamDelta) error {
		return fmt.Errorf("client went away")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client went away")
}
