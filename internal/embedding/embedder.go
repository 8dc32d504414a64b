// Package embedding turns text into float vectors: an offline hash stub, a remote
// OpenAI-compatible provider, and decorators for concurrency limiting and caching.
package embedding

import "context"

// Result is the outcome of embedding one text in a batch.
type Result struct {
	Vector []float32
	Err    error
}

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one Result per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) []Result
	Dimensions() int
	Close() error
}

func failAll(n int, err error) []Result {
	results := make([]Result, n)
	for i := range results {
		results[i].Err = err
	}
	return results
}
