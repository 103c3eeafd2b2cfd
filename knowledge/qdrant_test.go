package knowledge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQdrantClient(baseURL string) *qdrantClient {
	return &qdrantClient{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    baseURL,
		collection: "document_chunks",
		vectorSize: 3,
	}
}

func TestEnsureCollectionRetriesAfterTransientFailure(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Method == http.MethodPut && requests == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/collections/document_chunks/points/search" {
			w.Write([]byte(`{"result":[{"id":"p1","score":0.9,"payload":{"text":"hello"}}]}`))
			return
		}
		w.Write([]byte(`{"result":true}`))
	}))
	defer server.Close()

	client := newTestQdrantClient(server.URL)
	require.Error(t, client.Ready(context.Background()))

	hits, err := client.Search(context.Background(), []float32{1, 0, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "p1", hits[0].ID)
	assert.Equal(t, "hello", hits[0].Text)
	assert.Equal(t, 3, requests)
}

func TestEnsureCollectionTreatsConflictAsExisting(t *testing.T) {
	puts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			puts++
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"status":{"error":"collection already exists"}}`))
			return
		}
		w.Write([]byte(`{"result":true}`))
	}))
	defer server.Close()

	client := newTestQdrantClient(server.URL)
	require.NoError(t, client.Ready(context.Background()))
	require.NoError(t, client.Ready(context.Background()))
	assert.Equal(t, 1, puts)
}

func TestEnsureCollectionRequiresVectorSize(t *testing.T) {
	client := newTestQdrantClient("http://localhost:1")
	client.vectorSize = 0
	err := client.Ready(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector size")
}
