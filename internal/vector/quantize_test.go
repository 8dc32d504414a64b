package vector

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/hyperjump/kioku/internal/models"
)

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64() * 0.05)
	}
	return v
}

func TestQuantize_reconstructionError(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 50; iter++ {
		v := randomVector(rng, 384)
		q := Quantize(v)
		if q.Scale <= 0 {
			t.Fatal("scale should be positive for non-zero vector")
		}
		back := Dequantize(q)
		bound := float64(q.Scale) / 2 * (1 + 1e-5)
		for i := range v {
			if d := math.Abs(float64(v[i] - back[i])); d > bound {
				t.Fatalf("element %d error %g exceeds scale/2 = %g", i, d, bound)
			}
		}
	}
}

func TestQuantize_scaleAndRange(t *testing.T) {
	q := Quantize([]float32{0.5, -1.0, 0.25, 0})
	if math.Abs(float64(q.Scale)-1.0/127) > 1e-9 {
		t.Errorf("scale = %g, want %g", q.Scale, 1.0/127)
	}
	if q.Values[1] != -127 {
		t.Errorf("max magnitude should map to -127, got %d", q.Values[1])
	}
	if q.Values[0] != 64 { // round(63.5)
		t.Errorf("0.5 should map to 64, got %d", q.Values[0])
	}
	if q.Values[3] != 0 {
		t.Errorf("zero should stay zero, got %d", q.Values[3])
	}
}

func TestQuantize_zeroVector(t *testing.T) {
	q := Quantize(make([]float32, 8))
	if q.Scale != 0 {
		t.Errorf("zero vector scale = %g", q.Scale)
	}
	if s := CosineSimilarity(q, q); s != 0 {
		t.Errorf("cosine of zero vectors = %g, want 0", s)
	}
}

func TestQuantize_nonFinitePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for NaN input")
		}
	}()
	Quantize([]float32{1, float32(math.NaN())})
}

func TestCosineSimilarity_self(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for iter := 0; iter < 20; iter++ {
		q := Quantize(randomVector(rng, 128))
		if s := CosineSimilarity(q, q); math.Abs(s-1) > 1e-9 {
			t.Fatalf("self similarity = %g, want 1", s)
		}
	}
}

func TestCosineSimilarity_matchesReconstructedFloats(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := Quantize(randomVector(rng, 64))
	b := Quantize(randomVector(rng, 64))
	want := floatCosine(Dequantize(a), Dequantize(b))
	if got := CosineSimilarity(a, b); math.Abs(got-want) > 1e-5 {
		t.Errorf("int8 cosine %g, float cosine on reconstruction %g", got, want)
	}
}

func TestCosineSimilarity_dimensionMismatch(t *testing.T) {
	a := Quantize([]float32{1, 2, 3})
	b := Quantize([]float32{1, 2})
	if s := CosineSimilarity(a, b); s != 0 {
		t.Errorf("mismatch should score 0, got %g", s)
	}
}

func TestCosineSimilarity_rankingTracksFloat(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	query := randomVector(rng, 256)
	qq := Quantize(query)
	type pair struct {
		id          int
		float, int8 float64
	}
	pairs := make([]pair, 40)
	for i := range pairs {
		// Mix the query in with decreasing weight so the float ranking is well separated.
		v := randomVector(rng, 256)
		w := float32(i) / 40
		for j := range v {
			v[j] = (1-w)*query[j] + w*v[j]
		}
		pairs[i] = pair{id: i, float: floatCosine(query, v), int8: CosineSimilarity(qq, Quantize(v))}
	}
	byFloat := append([]pair(nil), pairs...)
	sort.Slice(byFloat, func(i, j int) bool { return byFloat[i].float > byFloat[j].float })
	byInt := append([]pair(nil), pairs...)
	sort.Slice(byInt, func(i, j int) bool { return byInt[i].int8 > byInt[j].int8 })
	for i := 0; i < 5; i++ {
		if byFloat[i].id != byInt[i].id {
			t.Errorf("rank %d: float top=%d int8 top=%d", i, byFloat[i].id, byInt[i].id)
		}
	}
}

func TestEncodeDecodeValues(t *testing.T) {
	in := []int8{-127, -1, 0, 1, 127}
	out := DecodeValues(EncodeValues(in))
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("value %d: got %d want %d", i, out[i], in[i])
		}
	}
}

func TestTopK(t *testing.T) {
	q := Quantize([]float32{1, 0, 0})
	cands := []Candidate{
		{ID: "c", Vector: Quantize([]float32{0, 1, 0})},
		{ID: "a", Vector: Quantize([]float32{1, 0, 0})},
		{ID: "b", Vector: Quantize([]float32{0.9, 0.1, 0})},
		{ID: "a2", Vector: Quantize([]float32{2, 0, 0})},
	}
	results := TopK(q, cands, 3)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ID != "a" || results[1].ID != "a2" {
		t.Errorf("ties should break by ID: got %s, %s", results[0].ID, results[1].ID)
	}
	if results[2].ID != "b" {
		t.Errorf("third result should be b, got %s", results[2].ID)
	}
	if TopK(q, nil, 3) != nil {
		t.Error("no candidates should return nil")
	}
}

func TestDimensions(t *testing.T) {
	var q *models.QuantizedVector
	if q.Dimensions() != 0 {
		t.Error("nil vector has zero dimensions")
	}
}

// floatCosine is the float reference the int8 similarity is checked against.
func floatCosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
