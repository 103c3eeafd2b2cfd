package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Manvadariya/GPTStudio/metrics"
)

const (
	chatMaxAttempts  = 3
	chatInitialDelay = time.Second
)

// ChatClient wraps the HTTP calls to one OpenAI-compatible chat completions
// backend.
type ChatClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
	provider   string
}

// NewChatClient builds a client for a resolved provider profile.
func NewChatClient(config ProviderConfig) *ChatClient {
	return &ChatClient{
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    config.BaseURL,
		apiKey:     config.APIKey,
		modelID:    config.ModelID,
		provider:   config.Name,
	}
}

// ModelID returns the model identifier this client targets.
func (c *ChatClient) ModelID() string {
	if c == nil {
		return ""
	}
	return c.modelID
}

// Provider returns the profile name this client was built from.
func (c *ChatClient) Provider() string {
	if c == nil {
		return ""
	}
	return c.provider
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string                  `json:"model"`
	Stream   bool                    `json:"stream"`
	Messages []chatCompletionMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
	} `json:"choices"`
	Usage *ChatUsage `json:"usage"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *ChatUsage `json:"usage"`
}

// transientChatError marks failures worth retrying: transport errors and
// provider 5xx responses. A 4xx is the caller's fault and fails immediately.
type transientChatError struct {
	err error
}

func (t *transientChatError) Error() string { return t.err.Error() }
func (t *transientChatError) Unwrap() error { return t.err }

func isTransientChatError(err error) bool {
	var transient *transientChatError
	return errors.As(err, &transient)
}

func formatMessages(messages []ChatMessage) ([]chatCompletionMessage, error) {
	if len(messages) == 0 {
		return nil, errors.New("llm: messages cannot be empty")
	}
	formatted := make([]chatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		formatted = append(formatted, chatCompletionMessage{Role: msg.Role.wireValue(), Content: content})
	}
	if len(formatted) == 0 {
		return nil, errors.New("llm: messages contain no content")
	}
	return formatted, nil
}

// Chat sends the conversation and returns the first assistant reply. Failed
// calls are retried with doubling backoff when the failure looks transient.
func (c *ChatClient) Chat(ctx context.Context, messages []ChatMessage) (ChatResult, error) {
	if c == nil {
		return ChatResult{}, errors.New("llm: client is nil")
	}
	formatted, err := formatMessages(messages)
	if err != nil {
		return ChatResult{}, err
	}

	delay := chatInitialDelay
	var lastErr error
	for attempt := 1; attempt <= chatMaxAttempts; attempt++ {
		result, err := c.complete(ctx, formatted)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isTransientChatError(err) {
			return ChatResult{}, err
		}
		if attempt < chatMaxAttempts {
			log.Printf("llm: %s attempt %d/%d failed: %v", c.provider, attempt, chatMaxAttempts, err)
			select {
			case <-ctx.Done():
				return ChatResult{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return ChatResult{}, fmt.Errorf("llm: chat failed after %d attempts: %w", chatMaxAttempts, lastErr)
}

func (c *ChatClient) complete(ctx context.Context, formatted []chatCompletionMessage) (ChatResult, error) {
	payload := chatCompletionRequest{Model: c.modelID, Stream: false, Messages: formatted}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return ChatResult{}, fmt.Errorf("llm: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", body)
	if err != nil {
		return ChatResult{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.CaptureDependencyLatency("llm", time.Since(started))
	if err != nil {
		return ChatResult{}, &transientChatError{err: fmt.Errorf("llm: execute request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		statusErr := fmt.Errorf("llm: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= http.StatusInternalServerError {
			return ChatResult{}, &transientChatError{err: statusErr}
		}
		return ChatResult{}, statusErr
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ChatResult{}, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return ChatResult{}, errors.New("llm: response contains no choices")
	}

	return ChatResult{
		Content: strings.TrimSpace(decoded.Choices[0].Message.Content),
		Usage:   decoded.Usage,
	}, nil
}

// ChatStream sends the conversation with streaming enabled and invokes
// handler for each delta. A stream that has started delivering tokens is
// never retried; a handler error aborts the stream.
func (c *ChatClient) ChatStream(ctx context.Context, messages []ChatMessage, handler func(ChatStreamDelta) error) (ChatResult, error) {
	if c == nil {
		return ChatResult{}, errors.New("llm: client is nil")
	}
	formatted, err := formatMessages(messages)
	if err != nil {
		return ChatResult{}, err
	}

	payload := chatCompletionRequest{Model: c.modelID, Stream: true, Messages: formatted}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return ChatResult{}, fmt.Errorf("llm: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", body)
	if err != nil {
		return ChatResult{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChatResult{}, fmt.Errorf("llm: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return ChatResult{}, fmt.Errorf("llm: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	flushDelta := func(delta ChatStreamDelta) error {
		if handler == nil {
			return nil
		}
		return handler(delta)
	}

	// Some gateways answer a streaming request with a plain JSON body.
	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.Contains(contentType, "application/json") {
		var decoded chatCompletionResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return ChatResult{}, fmt.Errorf("llm: decode response: %w", err)
		}
		if len(decoded.Choices) == 0 {
			return ChatResult{}, errors.New("llm: response contains no choices")
		}
		full := strings.TrimSpace(decoded.Choices[0].Message.Content)
		if full != "" {
			if err := flushDelta(ChatStreamDelta{Content: full, FullContent: full}); err != nil {
				return ChatResult{}, err
			}
		}
		if err := flushDelta(ChatStreamDelta{FullContent: full, Done: true}); err != nil {
			return ChatResult{}, err
		}
		return ChatResult{Content: full, Usage: decoded.Usage}, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var builder strings.Builder
	var usage *ChatUsage

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return ChatResult{}, err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			if err := flushDelta(ChatStreamDelta{FullContent: builder.String(), Done: true}); err != nil {
				return ChatResult{}, err
			}
			return ChatResult{Content: builder.String(), Usage: usage}, nil
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			deltaText := choice.Delta.Content
			if deltaText != "" {
				builder.WriteString(deltaText)
				if err := flushDelta(ChatStreamDelta{
					Content:      deltaText,
					FullContent:  builder.String(),
					FinishReason: choice.FinishReason,
				}); err != nil {
					return ChatResult{}, err
				}
			}
			if deltaText == "" && choice.FinishReason != "" {
				if err := flushDelta(ChatStreamDelta{
					FullContent:  builder.String(),
					FinishReason: choice.FinishReason,
				}); err != nil {
					return ChatResult{}, err
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return ChatResult{}, fmt.Errorf("llm: read stream: %w", err)
	}

	if err := flushDelta(ChatStreamDelta{FullContent: builder.String(), Done: true}); err != nil {
		return ChatResult{}, err
	}
	return ChatResult{Content: builder.String(), Usage: usage}, nil
}
