// Package distance implements the vector math shared by the embedding
// store, the graph index and the search engine. The hot paths (dot
// product, norm) are SIMD-accelerated.
//
// All similarity in this module is cosine-based. Stored vectors are
// expected to be pre-normalized, so the graph index can use plain dot
// products; the full cosine form is kept for callers that cannot
// guarantee normalization.
package distance

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// Dot returns the dot product of a and b. The slices must have equal
// length; mismatched dimensions are a caller bug.
func Dot(a, b []float32) float32 {
	return vek32.Dot(a, b)
}

// Norm returns the Euclidean norm of v.
func Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(vek32.Dot(v, v))))
}

// Cosine returns the cosine similarity of a and b in [-1, 1].
// A zero vector yields similarity 0.
func Cosine(a, b []float32) float32 {
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return vek32.Dot(a, b) / (na * nb)
}

// CosineDistance returns 1 - cosine similarity, the metric used by the
// graph index. For pre-normalized vectors this is 1 - dot.
func CosineDistance(a, b []float32) float32 {
	return 1 - Cosine(a, b)
}

// NormalizedDistance returns 1 - dot(a, b), assuming both vectors are
// already unit length. This is the fast path used inside graph search.
func NormalizedDistance(a, b []float32) float32 {
	return 1 - vek32.Dot(a, b)
}

// Normalize scales v to unit length in place. A zero vector is left
// unchanged.
func Normalize(v []float32) {
	n := Norm(v)
	if n == 0 {
		return
	}
	vek32.MulNumber_Inplace(v, 1/n)
}

// NormalizedMean pools a set of equal-dimension vectors into their
// arithmetic mean scaled to unit length. Returns nil for an empty set.
func NormalizedMean(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	out := make([]float32, len(vectors[0]))
	for _, v := range vectors {
		vek32.Add_Inplace(out, v)
	}
	vek32.MulNumber_Inplace(out, 1/float32(len(vectors)))
	Normalize(out)
	return out
}
