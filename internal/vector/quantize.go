// Package vector provides int8 scalar quantization and similarity over quantized embeddings.
package vector

import (
	"math"

	"github.com/hyperjump/kioku/internal/models"
)

// maxLevel is the largest quantized magnitude; the range is symmetric so -128 is never used.
const maxLevel = 127

// Quantize compresses v to int8 with scale = max|v_i|/127. Each element becomes round(v_i/scale)
// clipped to [-127, 127]. An all-zero vector yields zero values and scale 0.
// NaN or infinite elements are a programming error and panic.
func Quantize(v []float32) models.QuantizedVector {
	var maxAbs float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			panic("vector: cannot quantize non-finite value")
		}
		if a := math.Abs(f); a > maxAbs {
			maxAbs = a
		}
	}
	q := make([]int8, len(v))
	if maxAbs == 0 {
		return models.QuantizedVector{Values: q}
	}
	scale := maxAbs / maxLevel
	for i, x := range v {
		r := math.Round(float64(x) / scale)
		if r > maxLevel {
			r = maxLevel
		} else if r < -maxLevel {
			r = -maxLevel
		}
		q[i] = int8(r)
	}
	return models.QuantizedVector{Values: q, Scale: float32(scale)}
}

// Dequantize reconstructs an approximate float vector.
func Dequantize(q models.QuantizedVector) []float32 {
	out := make([]float32, len(q.Values))
	for i, v := range q.Values {
		out[i] = float32(v) * q.Scale
	}
	return out
}

// CosineSimilarity computes cosine similarity directly on the int8 values. Positive scales cancel,
// so the result equals the cosine of the reconstructed floats. Returns 0 when either vector is all
// zeros or the dimensions differ.
func CosineSimilarity(a, b models.QuantizedVector) float64 {
	if len(a.Values) != len(b.Values) || len(a.Values) == 0 {
		return 0
	}
	if a.Scale == 0 || b.Scale == 0 {
		return 0
	}
	var dot, na, nb int64
	for i := range a.Values {
		x, y := int64(a.Values[i]), int64(b.Values[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float64(dot) / math.Sqrt(float64(na)*float64(nb))
}

// EncodeValues packs int8 values into a byte blob for storage.
func EncodeValues(values []int8) []byte {
	out := make([]byte, len(values))
	for i, v := range values {
		out[i] = byte(v)
	}
	return out
}

// DecodeValues unpacks a blob written by EncodeValues.
func DecodeValues(b []byte) []int8 {
	out := make([]int8, len(b))
	for i, v := range b {
		out[i] = int8(v)
	}
	return out
}
