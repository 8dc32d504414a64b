package search

import (
	"math"
	"testing"

	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/vector"
)

func TestNormalizeKeywordScores(t *testing.T) {
	results := []*keyword.KeywordResult{
		{ID: "a", Score: 2},
		{ID: "b", Score: 4},
		{ID: "c", Score: 1},
	}
	m := NormalizeKeywordScores(results)
	if m["b"] != 1.0 {
		t.Errorf("max score should be 1.0, got %f", m["b"])
	}
	if m["a"] != 0.5 {
		t.Errorf("a should be 0.5, got %f", m["a"])
	}
	if len(m) != 3 {
		t.Errorf("expected 3 entries, got %d", len(m))
	}
}

func TestNormalizeVectorScores(t *testing.T) {
	results := []vector.Result{
		{ID: "c1", Score: 0.9},
		{ID: "c2", Score: 0.5},
		{ID: "c3", Score: 0},
		{ID: "c4", Score: -0.2},
	}
	m := NormalizeVectorScores(results, 0)
	if m["c1"] != 0.9 || m["c2"] != 0.5 {
		t.Errorf("unexpected map %v", m)
	}
	if _, ok := m["c3"]; ok {
		t.Error("zero score should not be a candidate")
	}
	if _, ok := m["c4"]; ok {
		t.Error("negative score should not be a candidate")
	}
	if m := NormalizeVectorScores(results, 0.6); len(m) != 1 {
		t.Errorf("min score 0.6 should keep one candidate, got %v", m)
	}
}

func TestFuse(t *testing.T) {
	lex := map[string]float64{"both": 1.0, "lexOnly": 0.4}
	vec := map[string]float64{"both": 0.5, "vecOnly": 0.8}
	results := Fuse(lex, vec, 0.3, 0.7)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	byID := make(map[string]*FusedResult)
	for _, r := range results {
		byID[r.ChunkID] = r
	}
	if got, want := byID["both"].Score, 0.3*1.0+0.7*0.5; math.Abs(got-want) > 1e-9 {
		t.Errorf("both: score = %f, want %f", got, want)
	}
	if byID["lexOnly"].Score != 0.4 {
		t.Errorf("lexical-only chunk should keep its score, got %f", byID["lexOnly"].Score)
	}
	if byID["vecOnly"].Score != 0.8 {
		t.Errorf("vector-only chunk should keep its score, got %f", byID["vecOnly"].Score)
	}
	for i := 1; i < len(results); i++ {
		if results[i-1].Score < results[i].Score {
			t.Error("results should be sorted by score descending")
		}
	}
}

func TestFuse_WeightsAreNormalized(t *testing.T) {
	results := Fuse(map[string]float64{"x": 1}, map[string]float64{"x": 1}, 3, 7)
	if math.Abs(results[0].Score-1) > 1e-9 {
		t.Errorf("weights should be normalized to sum to 1, got %f", results[0].Score)
	}
	results = Fuse(map[string]float64{"x": 1}, map[string]float64{"x": 0}, 0, 0)
	if math.Abs(results[0].Score-0.5) > 1e-9 {
		t.Errorf("zero weights should fall back to equal weights, got %f", results[0].Score)
	}
}

func TestFuse_TieBreakByID(t *testing.T) {
	results := Fuse(map[string]float64{"b": 0.5, "a": 0.5}, nil, 0.3, 0.7)
	if results[0].ChunkID != "a" || results[1].ChunkID != "b" {
		t.Errorf("ties should be broken by ID, got %s, %s", results[0].ChunkID, results[1].ChunkID)
	}
}
