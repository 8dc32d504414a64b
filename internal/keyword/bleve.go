package keyword

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
)

var scopeNamespace = uuid.MustParse("5a0c8f0e-3c1e-4c38-9a4e-0b7d7f0c6b11")

// BleveIndex implements Index with one Bleve index directory per scope under root.
// Scopes never share an index, so a search cannot see another scope's chunks and writes to
// different scopes do not contend.
type BleveIndex struct {
	root    string
	mapping mapping.IndexMapping
	logger  *zap.Logger

	mu     sync.Mutex
	scopes map[string]bleve.Index
}

// NewBleveIndex creates the root directory if needed. Scope indexes are opened lazily.
func NewBleveIndex(root string, logger *zap.Logger) (*BleveIndex, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create keyword index directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BleveIndex{
		root:    root,
		mapping: chunkMapping(),
		logger:  logger,
		scopes:  make(map[string]bleve.Index),
	}, nil
}

// chunkMapping indexes chunk text and the source name with the standard analyzer (lowercase,
// no stemming) so that exact words such as product names match as typed.
func chunkMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	text.IncludeTermVectors = true
	doc.AddFieldMappingsAt("content", text)

	source := bleve.NewTextFieldMapping()
	source.Analyzer = standard.Name
	doc.AddFieldMappingsAt("source", source)

	record := bleve.NewKeywordFieldMapping()
	record.Store = false
	doc.AddFieldMappingsAt("record_id", record)

	im.AddDocumentMapping("chunk", doc)
	im.DefaultType = "chunk"
	im.DefaultMapping = doc
	return im
}

func (b *BleveIndex) scopePath(scopeID string) string {
	return filepath.Join(b.root, uuid.NewSHA1(scopeNamespace, []byte(scopeID)).String())
}

// open returns the scope's index. When create is false and the scope has never been indexed,
// it returns nil without error.
func (b *BleveIndex) open(scopeID string, create bool) (bleve.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx, ok := b.scopes[scopeID]; ok {
		return idx, nil
	}
	path := b.scopePath(scopeID)
	var (
		idx bleve.Index
		err error
	)
	if _, statErr := os.Stat(path); statErr == nil {
		idx, err = bleve.Open(path)
	} else if create {
		idx, err = bleve.New(path, b.mapping)
	} else {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open keyword index for scope %s: %w", scopeID, err)
	}
	b.scopes[scopeID] = idx
	return idx, nil
}

// IndexChunks adds or replaces chunks in the scope's index in one batch.
func (b *BleveIndex) IndexChunks(ctx context.Context, scopeID, sourceName string, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	idx, err := b.open(scopeID, true)
	if err != nil {
		return err
	}
	batch := idx.NewBatch()
	for _, c := range chunks {
		doc := map[string]interface{}{
			"content":   c.Text,
			"source":    sourceName,
			"record_id": c.RecordID,
		}
		if err := batch.Index(c.ID, doc); err != nil {
			return fmt.Errorf("failed to add chunk %s to batch: %w", c.ID, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("failed to index chunks: %w", err)
	}
	return nil
}

// Delete removes chunk IDs from the scope's index. Unknown IDs are ignored.
func (b *BleveIndex) Delete(ctx context.Context, scopeID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	idx, err := b.open(scopeID, false)
	if err != nil || idx == nil {
		return err
	}
	batch := idx.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// DropScope closes and removes the scope's index directory.
func (b *BleveIndex) DropScope(ctx context.Context, scopeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.scopes[scopeID]; ok {
		if err := idx.Close(); err != nil {
			b.logger.Warn("failed to close keyword index", zap.String("scope_id", scopeID), zap.Error(err))
		}
		delete(b.scopes, scopeID)
	}
	if err := os.RemoveAll(b.scopePath(scopeID)); err != nil {
		return fmt.Errorf("failed to remove keyword index for scope %s: %w", scopeID, err)
	}
	return nil
}

// DocCount returns the number of chunks indexed for scope.
func (b *BleveIndex) DocCount(scopeID string) (uint64, error) {
	idx, err := b.open(scopeID, false)
	if err != nil || idx == nil {
		return 0, err
	}
	return idx.DocCount()
}

// Close closes every open scope index.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for scope, idx := range b.scopes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.scopes, scope)
	}
	return firstErr
}

// Search returns up to limit chunk hits in scope, best first, ties broken by ID.
// With boosts set, content and source are queried separately and merged additively; chunks
// matching only some of a multi-term query are penalised by (matched/total)^2 and phrase
// matches are multiplied by PhraseBoost.
func (b *BleveIndex) Search(ctx context.Context, scopeID, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error) {
	idx, err := b.open(scopeID, false)
	if err != nil {
		return nil, err
	}
	if idx == nil || strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}

	var o SearchOptions
	if opts != nil {
		o = *opts
	}
	if o.Fuzziness <= 0 {
		o.Fuzziness = 1
	}

	if o.SourceBoost <= 1 && o.PhraseBoost <= 1 {
		scores, err := runQuery(ctx, idx, b.textQuery(query, "content", o), limit)
		if err != nil {
			return nil, err
		}
		return topResults(scores, limit), nil
	}
	return b.searchWithBoosts(ctx, idx, query, limit, o)
}

func (b *BleveIndex) searchWithBoosts(ctx context.Context, idx bleve.Index, query string, limit int, o SearchOptions) ([]*KeywordResult, error) {
	reqSize := max(limit*2, 50)

	content, err := runQuery(ctx, idx, b.textQuery(query, "content", o), reqSize)
	if err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(content))
	for id, s := range content {
		scores[id] = s
	}
	if o.SourceBoost > 1 {
		source, err := runQuery(ctx, idx, b.textQuery(query, "source", o), reqSize)
		if err != nil {
			return nil, err
		}
		for id, s := range source {
			scores[id] += s * o.SourceBoost
		}
	}

	terms := tokenizeQuery(query)
	if len(terms) > 1 {
		coverage := make(map[string]int, len(scores))
		for _, term := range terms {
			hits, err := runQuery(ctx, idx, b.textQuery(term, "content", o), reqSize)
			if err != nil {
				return nil, err
			}
			for id := range hits {
				coverage[id]++
			}
		}
		for id := range scores {
			matched := max(coverage[id], 1)
			c := float64(matched) / float64(len(terms))
			scores[id] *= c * c
		}

		if o.PhraseBoost > 1 {
			pq := bleve.NewMatchPhraseQuery(query)
			pq.SetField("content")
			phrases, err := runQuery(ctx, idx, pq, reqSize)
			if err != nil {
				return nil, err
			}
			for id := range phrases {
				if _, ok := scores[id]; ok {
					scores[id] *= o.PhraseBoost
				}
			}
		}
	}
	return topResults(scores, limit), nil
}

// textQuery builds a match query on field, or a disjunction of fuzzy term queries.
func (b *BleveIndex) textQuery(query, field string, o SearchOptions) blevequery.Query {
	if !o.FuzzyEnabled {
		mq := bleve.NewMatchQuery(query)
		mq.SetField(field)
		return mq
	}
	terms := tokenizeQuery(query)
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(o.Fuzziness)
		fq.SetField(field)
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

func runQuery(ctx context.Context, idx bleve.Index, q blevequery.Query, size int) (map[string]float64, error) {
	req := bleve.NewSearchRequest(q)
	req.Size = size
	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	out := make(map[string]float64, len(res.Hits))
	for _, hit := range res.Hits {
		out[hit.ID] = hit.Score
	}
	return out, nil
}

func topResults(scores map[string]float64, limit int) []*KeywordResult {
	out := make([]*KeywordResult, 0, len(scores))
	for id, s := range scores {
		out = append(out, &KeywordResult{ID: id, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}
