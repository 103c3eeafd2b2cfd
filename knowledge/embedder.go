package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Manvadariya/GPTStudio/metrics"
)

// Embedder converts text into fixed-dimension vectors. Embed returns exactly
// one vector per non-empty input, in input order; callers zip the result back
// to their chunks and depend on that ordering.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, input string) ([]float32, error)
}

const (
	embedMaxAttempts  = 3
	embedInitialDelay = time.Second
)

// ErrEmbeddingFailed wraps embedding errors that survived every retry.
var ErrEmbeddingFailed = errors.New("knowledge: embedding failed")

type httpEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
	maxBatch   int
	expectDim  int
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

var (
	embedderOnce   sync.Once
	sharedEmbedder Embedder
	embedderErr    error
)

// SharedEmbedder returns the process-wide embedding client, created on first
// use. Safe to call from concurrent ingestion and query pipelines.
func SharedEmbedder() (Embedder, error) {
	embedderOnce.Do(func() {
		sharedEmbedder, embedderErr = NewHTTPEmbedderFromEnv()
	})
	return sharedEmbedder, embedderErr
}

// NewHTTPEmbedderFromEnv constructs an embedding client for an
// OpenAI-compatible /embeddings endpoint using EMBEDDING_* environment
// variables.
func NewHTTPEmbedderFromEnv() (Embedder, error) {
	apiKey := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("knowledge: EMBEDDING_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("knowledge: EMBEDDING_BASE_URL environment variable is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid embedding base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
	if modelID == "" {
		modelID = "text-embedding-3-small"
	}

	maxBatch := 100
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_MAX_BATCH")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxBatch = parsed
		}
	}

	expectDim := 0
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			expectDim = parsed
		}
	}

	return &httpEmbedder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		modelID:    modelID,
		maxBatch:   maxBatch,
		expectDim:  expectDim,
	}, nil
}

func (e *httpEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if e == nil {
		return nil, errors.New("knowledge: embedder is not configured")
	}

	// Empty strings never reach the remote model; callers that can produce
	// them must account for the dropped positions.
	filtered := make([]string, 0, len(inputs))
	for _, item := range inputs {
		if strings.TrimSpace(item) == "" {
			continue
		}
		filtered = append(filtered, item)
	}
	if len(filtered) == 0 {
		return nil, nil
	}

	results := make([][]float32, 0, len(filtered))
	for start := 0; start < len(filtered); start += e.maxBatch {
		end := start + e.maxBatch
		if end > len(filtered) {
			end = len(filtered)
		}
		vectors, err := e.embedBatchWithRetry(ctx, filtered[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vectors...)
	}
	return results, nil
}

func (e *httpEmbedder) EmbedQuery(ctx context.Context, input string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{input})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errors.New("knowledge: query produced no embedding")
	}
	return vectors[0], nil
}

// embedBatchWithRetry retries transient failures with exponential backoff
// (1s, 2s, 4s). Validation and auth errors fail immediately.
func (e *httpEmbedder) embedBatchWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	delay := embedInitialDelay
	var lastErr error
	for attempt := 1; attempt <= embedMaxAttempts; attempt++ {
		vectors, err := e.embedBatch(ctx, batch)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !isTransientEmbedError(err) {
			return nil, err
		}
		if attempt == embedMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrEmbeddingFailed, embedMaxAttempts, lastErr)
}

// transientHTTPError marks a retriable remote failure (timeout, 5xx).
type transientHTTPError struct {
	err error
}

func (t *transientHTTPError) Error() string { return t.err.Error() }
func (t *transientHTTPError) Unwrap() error { return t.err }

func isTransientEmbedError(err error) bool {
	var transient *transientHTTPError
	return errors.As(err, &transient)
}

func (e *httpEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	payload := embeddingRequest{
		Model: e.modelID,
		Input: batch,
	}
	if e.expectDim > 0 {
		dim := e.expectDim
		payload.Dimensions = &dim
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("knowledge: encode embedding payload: %w", err)
	}

	endpoint := e.baseURL + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	started := time.Now()
	resp, err := e.httpClient.Do(req)
	metrics.CaptureDependencyLatency("embeddings", time.Since(started))
	if err != nil {
		return nil, &transientHTTPError{fmt.Errorf("knowledge: embedding request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		respErr := fmt.Errorf("knowledge: embedding API status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 500 {
			return nil, &transientHTTPError{respErr}
		}
		return nil, respErr
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("knowledge: decode embedding response: %w", err)
	}

	if len(decoded.Data) != len(batch) {
		return nil, fmt.Errorf("knowledge: embedding response count mismatch (expected %d, got %d)", len(batch), len(decoded.Data))
	}

	// The remote model may answer out of order; the index field is the
	// contract that restores input order.
	sort.Slice(decoded.Data, func(i, j int) bool {
		return decoded.Data[i].Index < decoded.Data[j].Index
	})

	vectors := make([][]float32, len(decoded.Data))
	for i, item := range decoded.Data {
		vector := make([]float32, 0, len(item.Embedding))
		for _, value := range item.Embedding {
			vector = append(vector, float32(value))
		}
		if e.expectDim > 0 && len(vector) != e.expectDim {
			return nil, fmt.Errorf("knowledge: embedding length %d does not match expected %d", len(vector), e.expectDim)
		}
		vectors[i] = vector
	}
	return vectors, nil
}
