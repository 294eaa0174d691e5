package embedding

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned for vectors that cannot be used for cosine
// similarity: empty, zero-length or containing NaN/Inf.
var ErrInvalidVector = errors.New("invalid vector")

// Normalize returns a unit-length copy of v.
func Normalize(v []float32) ([]float32, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidVector)
	}
	var sum float64
	for i, f := range v {
		x := float64(f)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: non-finite component at %d", ErrInvalidVector, i)
		}
		sum += x * x
	}
	if sum == 0 {
		return nil, fmt.Errorf("%w: zero norm", ErrInvalidVector)
	}
	n := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / n)
	}
	return out, nil
}

// Dot returns the dot product of a and b, which equals cosine similarity
// for unit vectors. Mismatched lengths yield 0.
func Dot(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot)
}

// Mean returns the component-wise mean of vecs, all of which must share a
// length.
func Mean(vecs [][]float32) ([]float32, error) {
	if len(vecs) == 0 {
		return nil, fmt.Errorf("%w: no vectors to average", ErrInvalidVector)
	}
	dim := len(vecs[0])
	acc := make([]float64, dim)
	for i, v := range vecs {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrInvalidVector, i, len(v), dim)
		}
		for j, f := range v {
			acc[j] += float64(f)
		}
	}
	out := make([]float32, dim)
	for j := range acc {
		out[j] = float32(acc[j] / float64(len(vecs)))
	}
	return out, nil
}

// Blend returns wa*a + (1-wa)*b.
func Blend(a, b []float32, wa float64) ([]float32, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: blending %d with %d dimensions", ErrInvalidVector, len(a), len(b))
	}
	out := make([]float32, len(a))
	for i := range a {
		out[i] = float32(wa*float64(a[i]) + (1-wa)*float64(b[i]))
	}
	return out, nil
}
