package knowledge

import "context"

// VectorStore is the similarity-search contract the platform requires from any
// vector database: batched writes, metadata-filtered queries, and bulk delete
// by filter. Rows are immutable once written; delete is the only mutation.
type VectorStore interface {
	UpsertPoints(ctx context.Context, points []ChunkPoint) error
	Search(ctx context.Context, vector []float32, limit int, filter map[string]interface{}) ([]SearchHit, error)
	DeleteByFilter(ctx context.Context, filter map[string]interface{}) error
}

// ChunkPoint is one vector-store row: id, embedding, raw text, and primitive
// metadata.
type ChunkPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// SearchHit is a ranked retrieval result.
type SearchHit struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Text    string                 `json:"text"`
	Payload map[string]interface{} `json:"payload"`
}

// ChunkFilter builds the retrieval filter for one tenant, optionally
// restricted to a set of correlation ids. Every query is scoped to the tenant;
// document ids narrow within that scope (tenant AND (doc1 OR doc2 OR ...)).
// An empty documentIDs slice means all of the tenant's documents.
func ChunkFilter(tenantID string, documentIDs []string) map[string]interface{} {
	must := []map[string]interface{}{
		{
			"key":   "userId",
			"match": map[string]interface{}{"value": tenantID},
		},
	}
	if len(documentIDs) > 0 {
		values := make([]interface{}, 0, len(documentIDs))
		for _, id := range documentIDs {
			values = append(values, id)
		}
		must = append(must, map[string]interface{}{
			"key":   "documentId",
			"match": map[string]interface{}{"any": values},
		})
	}
	return map[string]interface{}{"must": must}
}

// DocumentFilter scopes to a single correlation id within a tenant, used for
// cascade deletion of a document's chunks.
func DocumentFilter(tenantID string, ragDocumentID string) map[string]interface{} {
	return ChunkFilter(tenantID, []string{ragDocumentID})
}
