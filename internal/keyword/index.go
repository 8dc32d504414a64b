// Package keyword provides the lexical side of retrieval: a Bleve full-text index over chunk
// text, kept as one index per scope.
package keyword

import (
	"context"

	"github.com/hyperjump/kioku/internal/models"
)

// SearchOptions tunes lexical scoring. Nil means plain match scoring over chunk text.
type SearchOptions struct {
	// SourceBoost multiplies matches in the source name (document title). Values > 1 let a query
	// naming a document pull up its chunks. Use 1.0 for no boost.
	SourceBoost float64
	// PhraseBoost multiplies the score of chunks where the query terms appear as a phrase.
	PhraseBoost float64
	// FuzzyEnabled matches terms within Fuzziness edits, for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum Levenshtein distance (1 or 2). Default 1.
	Fuzziness int
}

// Index is the lexical index used by the indexer and retriever.
type Index interface {
	IndexChunks(ctx context.Context, scopeID, sourceName string, chunks []*models.Chunk) error
	Search(ctx context.Context, scopeID, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error)
	Delete(ctx context.Context, scopeID string, ids []string) error
	DropScope(ctx context.Context, scopeID string) error
	Close() error
}

// KeywordResult is a single lexical hit; ID is the chunk ID.
type KeywordResult struct {
	ID    string
	Score float64
}
