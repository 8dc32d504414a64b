package vector

import (
	"sort"

	"github.com/hyperjump/kioku/internal/models"
)

// Candidate is a stored chunk vector considered by a brute-force scan.
type Candidate struct {
	ID     string
	Vector models.QuantizedVector
}

// Result is a single vector search hit (ID is the chunk ID).
type Result struct {
	ID    string
	Score float64
}

// TopK scores every candidate against query and returns the k best by cosine similarity.
// Ties are broken by ID so the order is deterministic. k <= 0 returns all candidates.
func TopK(query models.QuantizedVector, candidates []Candidate, k int) []Result {
	if len(candidates) == 0 {
		return nil
	}
	results := make([]Result, len(candidates))
	for i, c := range candidates {
		results[i] = Result{ID: c.ID, Score: CosineSimilarity(query, c.Vector)}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if k > 0 && k < len(results) {
		results = results[:k]
	}
	return results
}
