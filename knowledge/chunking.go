package knowledge

import "strings"

// chunker splits document text into overlapping segments. Overlap between
// consecutive chunks keeps sentences that straddle a boundary retrievable from
// both sides.
type chunker struct {
	chunkSize int
	overlap   int
}

// Separators ordered from strongest to weakest semantic boundary. The empty
// string is the hard-cut fallback.
var chunkSeparators = []string{"\n\n", "\n", ". ", " ", ""}

func newChunker(chunkSize int, overlap int) *chunker {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 5
	}
	return &chunker{chunkSize: chunkSize, overlap: overlap}
}

// split returns the overlapping chunks of text. Whitespace-only input yields
// nil.
func (c *chunker) split(text string) []string {
	cleaned := strings.TrimSpace(normalizeNewlines(text))
	if cleaned == "" {
		return nil
	}
	if len(cleaned) <= c.chunkSize {
		return []string{cleaned}
	}

	separator := ""
	for _, candidate := range chunkSeparators {
		if candidate == "" || strings.Contains(cleaned, candidate) {
			separator = candidate
			break
		}
	}

	if separator == "" {
		return c.hardSplit(cleaned)
	}

	parts := strings.Split(cleaned, separator)
	chunks := make([]string, 0, len(cleaned)/c.chunkSize+1)
	var current strings.Builder

	flush := func() {
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		tail := carryOverlap(current.String(), c.overlap)
		current.Reset()
		current.WriteString(tail)
	}

	for _, part := range parts {
		if current.Len() > 0 && current.Len()+len(separator)+len(part) > c.chunkSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(separator)
		}
		// A single part larger than the window gets hard cut on its own.
		if len(part) > c.chunkSize {
			for _, piece := range c.hardSplit(part) {
				current.WriteString(piece)
				flush()
			}
			continue
		}
		current.WriteString(part)
	}
	if final := strings.TrimSpace(current.String()); final != "" {
		chunks = append(chunks, final)
	}

	return chunks
}

// hardSplit cuts text at exact byte offsets with overlap, used when no
// separator is available.
func (c *chunker) hardSplit(text string) []string {
	var chunks []string
	step := c.chunkSize - c.overlap
	if step <= 0 {
		step = c.chunkSize
	}
	for start := 0; start < len(text); start += step {
		end := start + c.chunkSize
		if end > len(text) {
			end = len(text)
		}
		chunk := strings.TrimSpace(text[start:end])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(text) {
			break
		}
	}
	return chunks
}

// carryOverlap returns the trailing overlap window of a completed chunk so the
// next chunk starts with it.
func carryOverlap(chunk string, overlap int) string {
	if overlap <= 0 || len(chunk) <= overlap {
		return ""
	}
	tail := chunk[len(chunk)-overlap:]
	// Avoid starting the next chunk mid-word when a space exists in the window.
	if idx := strings.IndexByte(tail, ' '); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return tail
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	return strings.ReplaceAll(replaced, "\r", "\n")
}

// sanitizeChunkText strips NUL bytes, which some vector stores and SQL drivers
// reject.
func sanitizeChunkText(text string) string {
	return strings.ReplaceAll(text, "\x00", "")
}
