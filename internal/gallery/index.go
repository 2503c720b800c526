package gallery

import (
	"fmt"
	"sort"

	"github.com/coder/hnsw"

	"github.com/andresmejia3/facebank/internal/linalg"
	"github.com/andresmejia3/facebank/internal/types"
)

// indexMaxNeighbors is the HNSW M parameter.
const indexMaxNeighbors = 16

// Candidate is one approximate neighbour of a query.
type Candidate struct {
	Index    int
	Name     string
	Distance float64 // squared Euclidean
}

// Index is an approximate nearest-neighbour graph over a snapshot, used to
// list candidates on large galleries. Exact identification goes through the
// match package.
type Index struct {
	snap  *Snapshot
	graph *hnsw.Graph[int]
}

// NewIndex builds an HNSW graph over every row of snap.
func NewIndex(snap *Snapshot) *Index {
	idx := &Index{snap: snap}
	if snap.Len() == 0 {
		return idx
	}

	g := hnsw.NewGraph[int]()
	g.M = indexMaxNeighbors
	g.Ml = 1.0 / float64(indexMaxNeighbors)
	g.Distance = hnsw.EuclideanDistance

	nodes := make([]hnsw.Node[int], snap.Len())
	for i := range nodes {
		nodes[i] = hnsw.MakeNode(i, snap.matrix.Row(i))
	}
	g.Add(nodes...)
	idx.graph = g
	return idx
}

func (x *Index) Len() int { return x.snap.Len() }

// Search returns up to k rows close to query, nearest first, with exact
// squared distances.
func (x *Index) Search(query types.Embedding, k int) ([]Candidate, error) {
	if x.graph == nil || k <= 0 {
		return nil, nil
	}
	if len(query) != x.snap.Dim() {
		return nil, &types.DimensionMismatchError{Want: x.snap.Dim(), Got: len(query)}
	}

	nodes := x.graph.Search(query, k)
	out := make([]Candidate, 0, len(nodes))
	for _, n := range nodes {
		if n.Key < 0 || n.Key >= x.snap.Len() {
			return nil, fmt.Errorf("index returned unknown row %d", n.Key)
		}
		out = append(out, Candidate{
			Index:    n.Key,
			Name:     x.snap.Name(n.Key),
			Distance: linalg.SquaredDistance(query, x.snap.matrix.Row(n.Key)),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}
