package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
)

const (
	DefaultLexicalWeight  = 0.3
	DefaultVectorWeight   = 0.7
	DefaultTopKCandidates = 100

	lexicalWindowGrowth = 4
	readyLookupBatch    = 500
)

// Options tunes retrieval.
type Options struct {
	LexicalWeight  float64
	VectorWeight   float64
	TopKCandidates int
	// MinVectorScore drops vector candidates at or below this cosine similarity.
	MinVectorScore float64
	DefaultK       int
	MaxK           int
	Keyword        *keyword.SearchOptions
}

// DefaultOptions returns the retrieval defaults.
func DefaultOptions() Options {
	return Options{
		LexicalWeight:  DefaultLexicalWeight,
		VectorWeight:   DefaultVectorWeight,
		TopKCandidates: DefaultTopKCandidates,
		DefaultK:       models.DefaultK,
		MaxK:           models.MaxK,
	}
}

// Engine runs hybrid (lexical + vector) retrieval within a scope.
type Engine struct {
	store    storage.Store
	embedder embedding.Embedder
	keyword  keyword.Index
	options  Options
	logger   *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a logger for degraded-retrieval warnings.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a retrieval engine with the given dependencies.
func NewEngine(store storage.Store, embedder embedding.Embedder, kw keyword.Index, opts Options, engineOpts ...EngineOption) *Engine {
	if opts.TopKCandidates <= 0 {
		opts.TopKCandidates = DefaultTopKCandidates
	}
	e := &Engine{
		store:    store,
		embedder: embedder,
		keyword:  kw,
		options:  opts,
		logger:   zap.NewNop(),
	}
	for _, opt := range engineOpts {
		opt(e)
	}
	return e
}

// Retrieve returns the top k chunks of READY records in the query's scope. Chunks found by both
// signals get a weighted combination of their scores; chunks found by one keep that score.
// If the query embedding fails the result is lexical-only with Degraded set; an error is returned
// only when there are no lexical matches either.
func (e *Engine) Retrieve(ctx context.Context, query *models.RetrieveQuery) (*models.RetrieveResponse, error) {
	startTime := time.Now()
	if err := e.ProcessQuery(query); err != nil {
		return nil, err
	}

	var (
		lexicalResults []*keyword.KeywordResult
		vectorResults  []vector.Result
		lexicalErr     error
		vectorErr      error
		embedErr       error
		wg             sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		lexicalResults, lexicalErr = e.lexicalCandidates(ctx, query.ScopeID, query.Query)
	}()
	go func() {
		defer wg.Done()
		queryEmbedding, err := e.embedder.Embed(ctx, query.Query)
		if err != nil {
			embedErr = err
			return
		}
		candidates, err := e.store.ReadyVectors(ctx, query.ScopeID)
		if err != nil {
			vectorErr = err
			return
		}
		vectorResults = vector.TopK(vector.Quantize(queryEmbedding), candidates, e.options.TopKCandidates)
	}()
	wg.Wait()

	if lexicalErr != nil {
		return nil, fmt.Errorf("keyword search failed: %w", lexicalErr)
	}
	if vectorErr != nil {
		return nil, fmt.Errorf("vector search failed: %w", vectorErr)
	}

	lexicalScores := NormalizeKeywordScores(lexicalResults)
	vectorScores := NormalizeVectorScores(vectorResults, e.options.MinVectorScore)
	fused := Fuse(lexicalScores, vectorScores, e.options.LexicalWeight, e.options.VectorWeight)

	ids := make([]string, len(fused))
	for i, r := range fused {
		ids[i] = r.ChunkID
	}
	ready, err := e.readyChunks(ctx, query.ScopeID, ids)
	if err != nil {
		return nil, err
	}

	ranked := make([]*models.RankedChunk, 0, len(ready))
	lexicalHits := 0
	for _, r := range fused {
		rc, ok := ready[r.ChunkID]
		if !ok {
			// Keyword entry for a record that is not READY, or a stale entry.
			continue
		}
		if r.Lexical {
			lexicalHits++
		}
		rc.Score = r.Score
		rc.LexicalScore = r.LexicalScore
		rc.VectorScore = r.VectorScore
		ranked = append(ranked, rc)
	}

	response := &models.RetrieveResponse{
		ScopeID: query.ScopeID,
		Query:   query.Query,
		Chunks:  []*models.RankedChunk{},
	}
	if embedErr != nil {
		if lexicalHits == 0 && !errors.Is(embedErr, embedding.ErrUnavailable) {
			return nil, fmt.Errorf("query embedding failed and no lexical matches: %w", embedErr)
		}
		response.Degraded = true
		e.logger.Warn("retrieval degraded to lexical only",
			zap.String("scope_id", query.ScopeID),
			zap.Int("lexical_hits", lexicalHits),
			zap.Error(embedErr),
		)
	}

	SortRanked(ranked)
	if len(ranked) > query.K {
		ranked = ranked[:query.K]
	}
	for i, rc := range ranked {
		rc.Rank = i + 1
	}
	response.Chunks = ranked
	response.QueryTime = time.Since(startTime).Milliseconds()
	return response, nil
}

// lexicalCandidates returns up to TopKCandidates keyword hits whose record is READY. The index
// also holds chunks of records that are pending, being reindexed or failed, so the search window
// grows until enough READY hits are found or the matches run out.
func (e *Engine) lexicalCandidates(ctx context.Context, scopeID, query string) ([]*keyword.KeywordResult, error) {
	want := e.options.TopKCandidates
	window := want
	for {
		results, err := e.keyword.Search(ctx, scopeID, query, window, e.options.Keyword)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.ID
		}
		ready, err := e.readyChunks(ctx, scopeID, ids)
		if err != nil {
			return nil, err
		}
		kept := make([]*keyword.KeywordResult, 0, min(want, len(results)))
		for _, r := range results {
			if _, ok := ready[r.ID]; !ok {
				continue
			}
			kept = append(kept, r)
			if len(kept) == want {
				break
			}
		}
		if len(kept) == want || len(results) < window {
			return kept, nil
		}
		e.logger.Debug("widening lexical window past non-ready chunks",
			zap.String("scope_id", scopeID),
			zap.Int("window", window),
			zap.Int("ready", len(kept)),
		)
		window *= lexicalWindowGrowth
	}
}

// readyChunks looks chunk IDs up in batches to stay under SQLite's bound-parameter limit.
func (e *Engine) readyChunks(ctx context.Context, scopeID string, ids []string) (map[string]*models.RankedChunk, error) {
	out := make(map[string]*models.RankedChunk, len(ids))
	for start := 0; start < len(ids); start += readyLookupBatch {
		end := min(start+readyLookupBatch, len(ids))
		batch, err := e.store.ReadyChunks(ctx, scopeID, ids[start:end])
		if err != nil {
			return nil, err
		}
		for id, rc := range batch {
			out[id] = rc
		}
	}
	return out, nil
}

// SortRanked orders chunks by score descending, then more recent creation time, then chunk ID.
func SortRanked(chunks []*models.RankedChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		a, b := chunks[i], chunks[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Chunk.CreatedAt.Equal(b.Chunk.CreatedAt) {
			return a.Chunk.CreatedAt.After(b.Chunk.CreatedAt)
		}
		return a.Chunk.ID < b.Chunk.ID
	})
}
