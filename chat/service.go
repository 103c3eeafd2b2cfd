package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Manvadariya/GPTStudio/knowledge"
	"github.com/Manvadariya/GPTStudio/llm"
)

const (
	retrievalTimeout = 15 * time.Second

	baseChunksQA        = 6
	baseChunksSummarize = 8
	docMultiplierCap    = 3

	summarizeBatchSize    = 5
	hierarchicalThreshold = 12
)

const defaultSystemPrompt = "You are a helpful AI assistant. Answer the user's questions based on the provided context. If the context does not contain the answer, state that you cannot answer from the given information."

const summarizeSystemPrompt = "You are a helpful AI assistant. Your task is to provide a comprehensive summary of the provided context. Be thorough and cover all key points."

const batchSummaryPrompt = "Summarize the following text concisely, preserving key facts and information."

const contextUserTemplate = "Use the following context to answer the question at the end.\nCONTEXT:\n%s\nQUESTION:\n%s"

// Intent labels derived from the question text.
const (
	IntentQA        = "qa"
	IntentSummarize = "summarize"
)

var summaryKeywords = []string{
	"summarize", "summary", "overview", "entire", "all pages",
	"full document", "complete", "whole document", "everything",
}

// ErrRetrievalTimeout reports that embedding or store readiness missed the
// shared retrieval deadline.
var ErrRetrievalTimeout = errors.New("chat: embedding or vector store fetch timed out")

// HistoryTurn is one prior conversation turn supplied by the caller, oldest
// first.
type HistoryTurn struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// QueryRequest carries everything one retrieval-augmented query needs.
type QueryRequest struct {
	TenantID     string
	Question     string
	DocumentIDs  []string
	SystemPrompt string
	History      []HistoryTurn
	Provider     string
}

// QueryResult is the blocking query response.
type QueryResult struct {
	Answer    string
	ModelUsed string
	Intent    string
	DocCount  int
	Usage     *llm.ChatUsage
}

// Stream event types, emitted in order: one meta, zero or more content, then
// exactly one done or error.
const (
	EventMeta    = "meta"
	EventContent = "content"
	EventDone    = "done"
	EventError   = "error"
)

// StreamEvent is one frame of a streaming query response.
type StreamEvent struct {
	Type     string `json:"type"`
	Model    string `json:"model,omitempty"`
	Intent   string `json:"intent,omitempty"`
	DocCount int    `json:"docCount,omitempty"`
	Content  string `json:"content,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Service orchestrates retrieval-augmented queries: intent detection, scoped
// vector retrieval, prompt assembly, and model invocation.
type Service struct {
	embedder knowledge.Embedder
	vectors  knowledge.VectorStore
	registry *llm.Registry
}

// NewService wires the orchestrator with explicit dependencies.
func NewService(embedder knowledge.Embedder, vectors knowledge.VectorStore, registry *llm.Registry) *Service {
	return &Service{embedder: embedder, vectors: vectors, registry: registry}
}

// NewServiceFromEnv builds the orchestrator on the shared embedding and
// vector-store clients.
func NewServiceFromEnv(registry *llm.Registry) (*Service, error) {
	embedder, err := knowledge.SharedEmbedder()
	if err != nil {
		return nil, err
	}
	vectors, err := knowledge.SharedVectorStore()
	if err != nil {
		return nil, err
	}
	return NewService(embedder, vectors, registry), nil
}

// DetectIntent classifies a question as summarization or ordinary Q&A based
// on keyword presence.
func DetectIntent(question string) string {
	lower := strings.ToLower(question)
	for _, keyword := range summaryKeywords {
		if strings.Contains(lower, keyword) {
			return IntentSummarize
		}
	}
	return IntentQA
}

type readinessChecker interface {
	Ready(ctx context.Context) error
}

// prepareContext embeds the question and confirms store readiness in
// parallel under the shared retrieval deadline, then runs the scoped
// similarity search.
func (s *Service) prepareContext(ctx context.Context, req QueryRequest, intent string) ([]knowledge.SearchHit, error) {
	ctx, cancel := context.WithTimeout(ctx, retrievalTimeout)
	defer cancel()

	started := time.Now()

	var (
		wg       sync.WaitGroup
		vector   []float32
		embedErr error
		readyErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		vector, embedErr = s.embedder.EmbedQuery(ctx, req.Question)
	}()
	if checker, ok := s.vectors.(readinessChecker); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			readyErr = checker.Ready(ctx)
		}()
	}
	wg.Wait()

	if embedErr != nil || readyErr != nil {
		err := embedErr
		if err == nil {
			err = readyErr
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrRetrievalTimeout, err)
		}
		return nil, fmt.Errorf("chat: prepare retrieval: %w", err)
	}
	if len(vector) == 0 {
		return nil, errors.New("chat: failed to generate an embedding for the query")
	}

	// Retrieval breadth scales with the number of scoped documents.
	base := baseChunksQA
	if intent == IntentSummarize {
		base = baseChunksSummarize
	}
	multiplier := len(req.DocumentIDs)
	if multiplier < 1 {
		multiplier = 1
	}
	if multiplier > docMultiplierCap {
		multiplier = docMultiplierCap
	}
	limit := base * multiplier

	filter := knowledge.ChunkFilter(req.TenantID, req.DocumentIDs)
	hits, err := s.vectors.Search(ctx, vector, limit, filter)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrRetrievalTimeout, err)
		}
		return nil, fmt.Errorf("chat: similarity search: %w", err)
	}

	log.Printf("chat: retrieved %d/%d chunks (intent=%s) in %s", len(hits), limit, intent, time.Since(started).Round(time.Millisecond))
	return hits, nil
}

// buildMessages assembles the full prompt: system instructions, prior turns
// in order, then the context-wrapped question as the final user turn. A
// history turn with an unrecognized type is a validation error.
func buildMessages(contextBlock string, req QueryRequest) ([]llm.ChatMessage, error) {
	systemPrompt := strings.TrimSpace(req.SystemPrompt)
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	messages := make([]llm.ChatMessage, 0, len(req.History)+2)
	messages = append(messages, llm.ChatMessage{Role: llm.RoleSystem, Content: systemPrompt})

	for i, turn := range req.History {
		role, err := llm.ParseRole(turn.Type)
		if err != nil {
			return nil, fmt.Errorf("chat: history turn %d: %w", i, err)
		}
		if role == llm.RoleSystem {
			return nil, fmt.Errorf("chat: history turn %d: role must be user or assistant", i)
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: turn.Content})
	}

	messages = append(messages, llm.ChatMessage{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf(contextUserTemplate, contextBlock, req.Question),
	})
	return messages, nil
}

func validateRequest(req QueryRequest) error {
	if strings.TrimSpace(req.TenantID) == "" {
		return errors.New("chat: tenant id is required")
	}
	if strings.TrimSpace(req.Question) == "" {
		return errors.New("chat: question cannot be empty")
	}
	if !llm.IsKnownProvider(req.Provider) {
		return fmt.Errorf("chat: unknown provider %q", req.Provider)
	}
	return nil
}

func contextBlockFromHits(hits []knowledge.SearchHit) string {
	texts := make([]string, 0, len(hits))
	for _, hit := range hits {
		if strings.TrimSpace(hit.Text) == "" {
			continue
		}
		texts = append(texts, hit.Text)
	}
	return strings.Join(texts, "\n\n")
}

// Query answers a question against the tenant's indexed documents and blocks
// until the full answer is available.
func (s *Service) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	if err := validateRequest(req); err != nil {
		return QueryResult{}, err
	}

	intent := DetectIntent(req.Question)
	client, err := s.registry.Client(req.Provider)
	if err != nil {
		return QueryResult{}, err
	}

	hits, err := s.prepareContext(ctx, req, intent)
	if err != nil {
		return QueryResult{}, err
	}

	result := QueryResult{
		ModelUsed: client.Provider(),
		Intent:    intent,
		DocCount:  len(hits),
	}

	if intent == IntentSummarize && len(hits) > hierarchicalThreshold {
		answer, usage, err := s.hierarchicalSummarize(ctx, client, hits, req.Question)
		if err != nil {
			return QueryResult{}, err
		}
		result.Answer = answer
		result.Usage = usage
		return result, nil
	}

	messages, err := buildMessages(contextBlockFromHits(hits), req)
	if err != nil {
		return QueryResult{}, err
	}

	chatResult, err := client.Chat(ctx, messages)
	if err != nil {
		return QueryResult{}, err
	}
	result.Answer = chatResult.Content
	result.Usage = chatResult.Usage
	return result, nil
}

// QueryStream answers a question as a stream of events: one meta frame, then
// content increments, then done. A failure after streaming begins surfaces as
// an error frame; emit errors abort the stream.
func (s *Service) QueryStream(ctx context.Context, req QueryRequest, emit func(StreamEvent) error) error {
	if err := validateRequest(req); err != nil {
		return err
	}

	intent := DetectIntent(req.Question)
	client, err := s.registry.Client(req.Provider)
	if err != nil {
		return err
	}

	hits, err := s.prepareContext(ctx, req, intent)
	if err != nil {
		return err
	}

	if err := emit(StreamEvent{
		Type:     EventMeta,
		Model:    client.Provider(),
		Intent:   intent,
		DocCount: len(hits),
	}); err != nil {
		return err
	}

	var messages []llm.ChatMessage
	if intent == IntentSummarize && len(hits) > hierarchicalThreshold {
		// Map batches down to intermediate summaries, then stream the reduce
		// step so the caller still sees incremental output.
		summaries, err := s.batchSummaries(ctx, client, hits)
		if err != nil {
			if emitErr := emit(StreamEvent{Type: EventError, Error: err.Error()}); emitErr != nil {
				return emitErr
			}
			return err
		}
		messages = finalSummaryMessages(summaries, req.Question)
	} else {
		messages, err = buildMessages(contextBlockFromHits(hits), req)
		if err != nil {
			if emitErr := emit(StreamEvent{Type: EventError, Error: err.Error()}); emitErr != nil {
				return emitErr
			}
			return err
		}
	}

	_, err = client.ChatStream(ctx, messages, func(delta llm.ChatStreamDelta) error {
		if delta.Content == "" {
			return nil
		}
		return emit(StreamEvent{Type: EventContent, Content: delta.Content})
	})
	if err != nil {
		if emitErr := emit(StreamEvent{Type: EventError, Error: err.Error()}); emitErr != nil {
			return emitErr
		}
		return err
	}

	return emit(StreamEvent{Type: EventDone})
}

// batchSummaries condenses retrieved chunks in fixed-size batches.
func (s *Service) batchSummaries(ctx context.Context, client *llm.ChatClient, hits []knowledge.SearchHit) ([]string, error) {
	chunks := make([]string, 0, len(hits))
	for _, hit := range hits {
		if strings.TrimSpace(hit.Text) != "" {
			chunks = append(chunks, hit.Text)
		}
	}

	var summaries []string
	for start := 0; start < len(chunks); start += summarizeBatchSize {
		end := start + summarizeBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := strings.Join(chunks[start:end], "\n\n---\n\n")

		result, err := client.Chat(ctx, []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: batchSummaryPrompt},
			{Role: llm.RoleUser, Content: batch},
		})
		if err != nil {
			return nil, fmt.Errorf("chat: summarize batch %d: %w", start/summarizeBatchSize, err)
		}
		summaries = append(summaries, result.Content)
	}
	return summaries, nil
}

func finalSummaryMessages(summaries []string, question string) []llm.ChatMessage {
	combined := strings.Join(summaries, "\n\n---\n\n")
	return []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: summarizeSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Based on these section summaries, provide a comprehensive final summary:\n\n%s\n\nOriginal question: %s", combined, question)},
	}
}

// hierarchicalSummarize runs the two-stage map/reduce summary for blocking
// queries.
func (s *Service) hierarchicalSummarize(ctx context.Context, client *llm.ChatClient, hits []knowledge.SearchHit, question string) (string, *llm.ChatUsage, error) {
	summaries, err := s.batchSummaries(ctx, client, hits)
	if err != nil {
		return "", nil, err
	}
	if len(summaries) == 1 {
		return summaries[0], nil, nil
	}
	result, err := client.Chat(ctx, finalSummaryMessages(summaries, question))
	if err != nil {
		return "", nil, err
	}
	return result.Content, result.Usage, nil
}
