// Package search implements hybrid retrieval: lexical and vector candidates merged into one
// ranked list of chunks.
package search

import (
	"sort"

	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/vector"
)

// FusedResult holds a chunk ID and its merged score.
type FusedResult struct {
	ChunkID      string
	Score        float64
	LexicalScore float64
	VectorScore  float64
	Lexical      bool
	Vector       bool
}

// NormalizeKeywordScores normalizes keyword scores to [0,1] by max.
func NormalizeKeywordScores(results []*keyword.KeywordResult) map[string]float64 {
	if len(results) == 0 {
		return make(map[string]float64)
	}
	maxScore := results[0].Score
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	normalized := make(map[string]float64, len(results))
	for _, r := range results {
		if maxScore > 0 {
			normalized[r.ID] = r.Score / maxScore
		} else {
			normalized[r.ID] = 0
		}
	}
	return normalized
}

// NormalizeVectorScores keeps cosine scores above minScore. Scores are already in [-1,1]; anything
// at or below minScore (0 by default) is not a candidate.
func NormalizeVectorScores(results []vector.Result, minScore float64) map[string]float64 {
	normalized := make(map[string]float64, len(results))
	for _, r := range results {
		if r.Score > minScore {
			normalized[r.ID] = r.Score
		}
	}
	return normalized
}

// Fuse merges lexical and vector score maps. A chunk in both maps gets the weighted sum of its
// scores; a chunk in only one keeps that score as is. Results are sorted by score descending,
// then ID; the retriever re-sorts with creation time once chunks are loaded.
func Fuse(lexicalScores, vectorScores map[string]float64, lexicalWeight, vectorWeight float64) []*FusedResult {
	scoreMap := make(map[string]*FusedResult, len(lexicalScores)+len(vectorScores))
	for id, score := range lexicalScores {
		scoreMap[id] = &FusedResult{ChunkID: id, LexicalScore: score, Lexical: true}
	}
	for id, score := range vectorScores {
		if result, exists := scoreMap[id]; exists {
			result.VectorScore = score
			result.Vector = true
		} else {
			scoreMap[id] = &FusedResult{ChunkID: id, VectorScore: score, Vector: true}
		}
	}

	total := lexicalWeight + vectorWeight
	if total <= 0 {
		lexicalWeight, vectorWeight, total = 0.5, 0.5, 1
	}
	results := make([]*FusedResult, 0, len(scoreMap))
	for _, result := range scoreMap {
		switch {
		case result.Lexical && result.Vector:
			result.Score = (lexicalWeight*result.LexicalScore + vectorWeight*result.VectorScore) / total
		case result.Lexical:
			result.Score = result.LexicalScore
		default:
			result.Score = result.VectorScore
		}
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	return results
}
