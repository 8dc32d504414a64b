package embedding

import (
	"context"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/hyperjump/kioku/pkg/utils"
)

// DefaultStubDimensions is the vector size of the offline stub when none is configured.
const DefaultStubDimensions = 256

// HashEmbedder is a deterministic offline embedder. Each lowercase token is hashed into a
// signed bucket, so texts sharing words end up with a positive cosine similarity.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder returns a stub embedder producing vectors of the given dimensions.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultStubDimensions
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Embed returns the L2-normalised bucket vector of text. Text without tokens yields a zero vector.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	emb := make([]float32, e.dimensions)
	for _, tok := range tokenize(text) {
		h := xxhash.Sum64String(tok)
		idx := int(h % uint64(e.dimensions))
		if h&(1<<63) != 0 {
			emb[idx] -= 1
		} else {
			emb[idx] += 1
		}
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

// EmbedBatch calls Embed for each text.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) []Result {
	results := make([]Result, len(texts))
	for i, text := range texts {
		results[i].Vector, results[i].Err = e.Embed(ctx, text)
	}
	return results
}

// Dimensions returns the embedding dimension.
func (e *HashEmbedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op.
func (e *HashEmbedder) Close() error {
	return nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// Disabled is an embedder that always fails with ErrUnavailable. The indexer stores chunks
// without vectors when it sees this error, leaving them to lexical search only.
type Disabled struct {
	dimensions int
}

// NewDisabled returns an embedder that reports the given dimensions but never embeds.
func NewDisabled(dimensions int) *Disabled {
	return &Disabled{dimensions: dimensions}
}

func (d *Disabled) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrUnavailable
}

func (d *Disabled) EmbedBatch(ctx context.Context, texts []string) []Result {
	return failAll(len(texts), ErrUnavailable)
}

func (d *Disabled) Dimensions() int { return d.dimensions }

func (d *Disabled) Close() error { return nil }
