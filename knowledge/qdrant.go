package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Manvadariya/GPTStudio/metrics"
)

// qdrantClient speaks the Qdrant REST API. The wire contract is kept simple on
// purpose so another document-oriented vector store can satisfy VectorStore
// without touching callers.
type qdrantClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	collection string
	vectorSize int
	ensureMu   sync.Mutex
	ensured    bool
}

var (
	vectorsOnce   sync.Once
	sharedVectors *qdrantClient
	vectorsErr    error
)

// SharedVectorStore returns the process-wide vector store handle, created and
// collection-checked on first use. Safe under concurrent first use.
func SharedVectorStore() (VectorStore, error) {
	vectorsOnce.Do(func() {
		sharedVectors, vectorsErr = newQdrantClientFromEnv()
	})
	return sharedVectors, vectorsErr
}

func newQdrantClientFromEnv() (*qdrantClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("knowledge: parse Qdrant URL: %w", err)
	}

	collection := strings.TrimSpace(os.Getenv("QDRANT_COLLECTION"))
	if collection == "" {
		collection = "document_chunks"
	}

	vectorSize := 0
	if raw := strings.TrimSpace(os.Getenv("QDRANT_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			vectorSize = parsed
		}
	}

	return &qdrantClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("QDRANT_API_KEY")),
		collection: collection,
		vectorSize: vectorSize,
	}, nil
}

// ensureCollection creates the collection on first write/read if it does not
// exist. Only success is cached, so a store that is briefly unreachable gets
// re-attempted on the next operation. An already-existing collection counts
// as success.
func (c *qdrantClient) ensureCollection(ctx context.Context, size int) error {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	if c.ensured {
		return nil
	}

	if size <= 0 {
		size = c.vectorSize
	}
	if size <= 0 {
		return errors.New("knowledge: vector size must be positive")
	}
	payload := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     size,
			"distance": "Cosine",
		},
	}
	endpoint := fmt.Sprintf("%s/collections/%s", c.baseURL, url.PathEscape(c.collection))
	if err := c.do(ctx, http.MethodPut, endpoint, payload, nil); err != nil {
		var statusErr *qdrantStatusError
		if !errors.As(err, &statusErr) || statusErr.code != http.StatusConflict {
			return err
		}
	}
	c.ensured = true
	return nil
}

// Ready verifies the collection exists, creating it when needed. Query
// orchestration calls this in parallel with query embedding so a cold or
// unreachable store fails inside the retrieval deadline.
func (c *qdrantClient) Ready(ctx context.Context) error {
	if c == nil {
		return errors.New("knowledge: vector store is not configured")
	}
	return c.ensureCollection(ctx, c.vectorSize)
}

func (c *qdrantClient) UpsertPoints(ctx context.Context, points []ChunkPoint) error {
	if c == nil {
		return errors.New("knowledge: vector store is not configured")
	}
	if len(points) == 0 {
		return nil
	}
	if err := c.ensureCollection(ctx, len(points[0].Vector)); err != nil {
		return err
	}

	payload := map[string]interface{}{"points": points}
	endpoint := fmt.Sprintf("%s/collections/%s/points", c.baseURL, url.PathEscape(c.collection))
	return c.do(ctx, http.MethodPut, endpoint, payload, nil)
}

func (c *qdrantClient) Search(ctx context.Context, vector []float32, limit int, filter map[string]interface{}) ([]SearchHit, error) {
	if c == nil {
		return nil, errors.New("knowledge: vector store is not configured")
	}
	if len(vector) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 6
	}
	if err := c.ensureCollection(ctx, len(vector)); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil {
		payload["filter"] = filter
	}

	var decoded struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	endpoint := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, url.PathEscape(c.collection))
	if err := c.do(ctx, http.MethodPost, endpoint, payload, &decoded); err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		hit := SearchHit{
			ID:      stringifyPointID(item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		}
		if item.Payload != nil {
			if text, ok := item.Payload["text"].(string); ok {
				hit.Text = text
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (c *qdrantClient) DeleteByFilter(ctx context.Context, filter map[string]interface{}) error {
	if c == nil {
		return errors.New("knowledge: vector store is not configured")
	}
	if filter == nil {
		return errors.New("knowledge: refusing to delete without a filter")
	}

	payload := map[string]interface{}{"filter": filter}
	endpoint := fmt.Sprintf("%s/collections/%s/points/delete", c.baseURL, url.PathEscape(c.collection))
	return c.do(ctx, http.MethodPost, endpoint, payload, nil)
}

// qdrantStatusError carries the HTTP status code of a rejected request so
// callers can distinguish conflicts from real failures.
type qdrantStatusError struct {
	code int
	msg  string
}

func (e *qdrantStatusError) Error() string {
	return e.msg
}

// do executes one JSON request against Qdrant and decodes the response into
// out when provided.
func (c *qdrantClient) do(ctx context.Context, method string, endpoint string, payload interface{}, out interface{}) error {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return fmt.Errorf("knowledge: encode qdrant payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("knowledge: create qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.CaptureDependencyLatency("qdrant", time.Since(started))
	if err != nil {
		return fmt.Errorf("knowledge: qdrant request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &qdrantStatusError{
			code: resp.StatusCode,
			msg:  fmt.Sprintf("knowledge: qdrant status %s: %s", resp.Status, strings.TrimSpace(string(snippet))),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("knowledge: decode qdrant response: %w", err)
	}
	return nil
}

func stringifyPointID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return strconv.FormatInt(n, 10)
		}
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
