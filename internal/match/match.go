// Package match assigns query embeddings to gallery identities by squared
// Euclidean distance.
package match

import (
	"fmt"
	"math"
	"sort"

	"github.com/andresmejia3/facebank/internal/gallery"
	"github.com/andresmejia3/facebank/internal/linalg"
	"github.com/andresmejia3/facebank/internal/types"
)

// NoMatch is the Index of a query whose nearest row is farther than the threshold.
const NoMatch = -1

// DefaultThreshold is the squared-distance cut-off for unit vectors.
const DefaultThreshold = 1.5

// Result is the outcome for one query.
type Result struct {
	// Index is the gallery row, or NoMatch.
	Index int
	// Name is the row label, empty for NoMatch.
	Name string
	// Distance is the squared distance to the nearest row, reported even
	// when it exceeds the threshold. +Inf for an empty gallery.
	Distance  float64
	Embedding types.Embedding
}

func (r Result) Matched() bool { return r.Index != NoMatch }

// Matcher holds the threshold. The zero value matches nothing but exact duplicates.
type Matcher struct {
	Threshold float64
}

func (m Matcher) Match(queries []types.Embedding, snap *gallery.Snapshot) ([]Result, error) {
	return Match(queries, snap, m.Threshold)
}

// Match finds the nearest gallery row for every query in one batched
// distance computation. Ties go to the lowest row index.
func Match(queries []types.Embedding, snap *gallery.Snapshot, threshold float64) ([]Result, error) {
	results := make([]Result, len(queries))
	if len(queries) == 0 {
		return results, nil
	}
	for i, q := range queries {
		results[i] = Result{Index: NoMatch, Distance: math.Inf(1), Embedding: q}
	}
	if snap == nil || snap.Len() == 0 {
		return results, nil
	}

	q, err := queryMatrix(queries, snap.Dim())
	if err != nil {
		return nil, err
	}
	dist, err := linalg.SquaredDistances(q, snap.Matrix())
	if err != nil {
		return nil, fmt.Errorf("distances: %w", err)
	}

	idx, mins := linalg.ArgMinRows(dist)
	for i := range results {
		results[i].Distance = mins[i]
		if idx[i] >= 0 && mins[i] <= threshold {
			results[i].Index = idx[i]
			results[i].Name = snap.Name(idx[i])
		}
	}
	return results, nil
}

// TopK returns the k nearest rows for query, nearest first, ties by row index.
// The threshold does not apply.
func TopK(query types.Embedding, snap *gallery.Snapshot, k int) ([]Result, error) {
	if k <= 0 || snap == nil || snap.Len() == 0 {
		return nil, nil
	}
	q, err := queryMatrix([]types.Embedding{query}, snap.Dim())
	if err != nil {
		return nil, err
	}
	dist, err := linalg.SquaredDistances(q, snap.Matrix())
	if err != nil {
		return nil, fmt.Errorf("distances: %w", err)
	}

	row := dist.Row(0)
	order := make([]int, len(row))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return row[order[a]] < row[order[b]] })

	k = min(k, len(order))
	out := make([]Result, k)
	for i, j := range order[:k] {
		out[i] = Result{Index: j, Name: snap.Name(j), Distance: row[j], Embedding: query}
	}
	return out, nil
}

// ThresholdFromCosine converts a cosine-similarity cut-off into the
// equivalent squared-distance threshold for unit vectors: d = 2 - 2cos.
func ThresholdFromCosine(similarity float64) float64 {
	return 2 - 2*similarity
}

// CosineFromDistance is the inverse of ThresholdFromCosine.
func CosineFromDistance(d float64) float64 {
	return 1 - d/2
}

func queryMatrix(queries []types.Embedding, dim int) (*linalg.Dense[float32], error) {
	for _, q := range queries {
		if len(q) != dim {
			return nil, &types.DimensionMismatchError{Want: dim, Got: len(q)}
		}
	}
	return linalg.FromRows(queries)
}
