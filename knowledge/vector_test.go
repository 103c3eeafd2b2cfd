package knowledge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkFilterTenantOnly(t *testing.T) {
	filter := ChunkFilter("42", nil)

	raw, err := json.Marshal(filter)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"must": [
			{"key": "userId", "match": {"value": "42"}}
		]
	}`, string(raw))
}

func TestChunkFilterWithDocumentScope(t *testing.T) {
	filter := ChunkFilter("42", []string{"doc-a", "doc-b"})

	raw, err := json.Marshal(filter)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"must": [
			{"key": "userId", "match": {"value": "42"}},
			{"key": "documentId", "match": {"any": ["doc-a", "doc-b"]}}
		]
	}`, string(raw))
}

func TestDocumentFilterMatchesSingleDocument(t *testing.T) {
	assert.Equal(t, ChunkFilter("7", []string{"doc-x"}), DocumentFilter("7", "doc-x"))
}
