package vector

import (
	"math"

	"github.com/themisdb/themis/pkg/errs"
)

// Metric selects the distance function an Index was created with
// (spec.md §4.3: "metrics: L2, cosine ..., dot-product").
type Metric string

const (
	L2         Metric = "l2"
	Cosine     Metric = "cosine"
	DotProduct Metric = "dot"
)

// distance returns a value where smaller means more similar, for every
// metric — cosine and dot-product are negated/inverted so callers can
// always sort ascending regardless of metric.
func distance(metric Metric, a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errs.New("vector.distance", errs.DimensionMismatch, "", nil)
	}
	switch metric {
	case L2:
		return l2Distance(a, b), nil
	case Cosine:
		return 1 - cosineSimilarity(normalize(a), normalize(b)), nil
	case DotProduct:
		return -dotProduct(a, b), nil
	default:
		return 0, errs.New("vector.distance", errs.InvalidQuery, string(metric), nil)
	}
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func cosineSimilarity(a, b []float32) float64 {
	return dotProduct(a, b)
}

// normalize returns a unit-length copy of v, used to pre-normalize
// vectors under the cosine metric (spec.md §4.3: "cosine pre-normalizes;
// L2 and dot-product do not").
func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
