// Package indexer provides text chunking and the durable background indexing runner.
package indexer

// Span is one chunk window. Offset and End are rune offsets into the source text.
type Span struct {
	Offset int
	End    int
	Text   string
}

// Chunker splits text into overlapping character windows.
type Chunker struct {
	maxLen  int
	overlap int
}

// NewChunker creates a chunker with the given window size and overlap (in characters).
// Overlap is clamped to [0, maxLen/2]. maxLen must be positive.
func NewChunker(maxLen, overlap int) *Chunker {
	if maxLen <= 0 {
		panic("indexer: chunk max length must be positive")
	}
	return &Chunker{maxLen: maxLen, overlap: clampOverlap(maxLen, overlap)}
}

// MaxLen returns the window size.
func (c *Chunker) MaxLen() int { return c.maxLen }

// Overlap returns the effective (clamped) overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Split returns the windows for text.
func (c *Chunker) Split(text string) []Span {
	return Chunk(text, c.maxLen, c.overlap)
}

// Chunk splits text into windows of at most maxLen characters where consecutive windows share
// exactly overlap characters. Text no longer than maxLen yields a single window; empty text yields nil.
// The windows cover the input with no character loss.
func Chunk(text string, maxLen, overlap int) []Span {
	if maxLen <= 0 {
		panic("indexer: chunk max length must be positive")
	}
	if text == "" {
		return nil
	}
	runes := []rune(text)
	n := len(runes)
	if n <= maxLen {
		return []Span{{Offset: 0, End: n, Text: text}}
	}
	overlap = clampOverlap(maxLen, overlap)
	step := maxLen - overlap
	spans := make([]Span, 0, (n-overlap+step-1)/step)
	for start := 0; ; start += step {
		end := start + maxLen
		if end >= n {
			spans = append(spans, Span{Offset: start, End: n, Text: string(runes[start:n])})
			break
		}
		spans = append(spans, Span{Offset: start, End: end, Text: string(runes[start:end])})
	}
	return spans
}

func clampOverlap(maxLen, overlap int) int {
	if overlap < 0 {
		return 0
	}
	if overlap > maxLen/2 {
		return maxLen / 2
	}
	return overlap
}
