package knowledge

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEmptyInput(t *testing.T) {
	c := newChunker(1000, 200)

	assert.Nil(t, c.split(""))
	assert.Nil(t, c.split("   \n\t  "))
}

func TestSplitShortTextSingleChunk(t *testing.T) {
	c := newChunker(1000, 200)

	chunks := c.split("A short paragraph that fits in one chunk.")

	require.Len(t, chunks, 1)
	assert.Equal(t, "A short paragraph that fits in one chunk.", chunks[0])
}

func TestSplitLongTextProducesBoundedChunks(t *testing.T) {
	c := newChunker(1000, 200)

	var b strings.Builder
	for i := 0; i < 400; i++ {
		fmt.Fprintf(&b, "sentence%d has a handful of words in it. ", i)
	}
	text := b.String()

	chunks := c.split(text)

	require.GreaterOrEqual(t, len(chunks), 3)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 1000)
		assert.NotEmpty(t, strings.TrimSpace(chunk))
	}
	// Nothing from the middle of the document disappears.
	assert.Contains(t, strings.Join(chunks, " "), "sentence200")
}

func TestSplitCarriesOverlapBetweenChunks(t *testing.T) {
	c := newChunker(100, 30)

	var b strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&b, "token%02d ", i)
	}

	chunks := c.split(b.String())
	require.GreaterOrEqual(t, len(chunks), 2)

	// Each chunk after the first starts with material from its predecessor.
	for i := 1; i < len(chunks); i++ {
		first := strings.Fields(chunks[i])[0]
		assert.Contains(t, chunks[i-1], first, "chunk %d should overlap chunk %d", i, i-1)
	}
}

func TestSplitHardCutsUnbrokenText(t *testing.T) {
	c := newChunker(1000, 200)

	chunks := c.split(strings.Repeat("a", 2500))

	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 1000)
	}
	assert.Equal(t, 3, len(chunks))
}

func TestSplitNormalizesWindowsNewlines(t *testing.T) {
	c := newChunker(1000, 200)

	chunks := c.split("first line\r\nsecond line\rthird line")

	require.Len(t, chunks, 1)
	assert.Equal(t, "first line\nsecond line\nthird line", chunks[0])
}

func TestSanitizeChunkTextStripsNulBytes(t *testing.T) {
	assert.Equal(t, "clean text", sanitizeChunkText("clean\x00 text"))
}
