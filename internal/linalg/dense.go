// Package linalg holds the dense row-major matrix used for gallery storage and
// batched distance computation. It is generic over float32 and float64 so a
// single code path serves both precisions.
package linalg

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
)

// Float is the set of element types a Dense matrix can hold.
type Float interface {
	~float32 | ~float64
}

var ErrShape = errors.New("shape mismatch")

// Dense is a row-major matrix. The zero value is an empty 0x0 matrix.
type Dense[T Float] struct {
	rows, cols int
	data       []T
}

// New allocates a zeroed rows x cols matrix.
func New[T Float](rows, cols int) *Dense[T] {
	return &Dense[T]{rows: rows, cols: cols, data: make([]T, rows*cols)}
}

// FromRows stacks the given vectors row-wise. All rows must share one width.
// An empty input yields an empty 0x0 matrix.
func FromRows[T Float, V ~[]T](rows []V) (*Dense[T], error) {
	if len(rows) == 0 {
		return &Dense[T]{}, nil
	}
	cols := len(rows[0])
	m := &Dense[T]{rows: len(rows), cols: cols, data: make([]T, 0, len(rows)*cols)}
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("row %d has width %d, expected %d: %w", i, len(r), cols, ErrShape)
		}
		m.data = append(m.data, r...)
	}
	return m, nil
}

// Wrap builds a matrix over data without copying.
func Wrap[T Float](rows, cols int, data []T) (*Dense[T], error) {
	if rows < 0 || cols < 0 || len(data) != rows*cols {
		return nil, fmt.Errorf("%d values for a %dx%d matrix: %w", len(data), rows, cols, ErrShape)
	}
	return &Dense[T]{rows: rows, cols: cols, data: data}, nil
}

// WithCols returns an empty matrix that remembers its width.
func WithCols[T Float](cols int) *Dense[T] {
	return &Dense[T]{cols: cols}
}

func (m *Dense[T]) Rows() int { return m.rows }
func (m *Dense[T]) Cols() int { return m.cols }

// Data exposes the backing slice. Callers must not retain it across mutations.
func (m *Dense[T]) Data() []T { return m.data }

// At returns element (i, j).
func (m *Dense[T]) At(i, j int) T { return m.data[i*m.cols+j] }

// Row returns a view of row i.
func (m *Dense[T]) Row(i int) []T {
	return m.data[i*m.cols : (i+1)*m.cols : (i+1)*m.cols]
}

// Clone deep-copies the matrix.
func (m *Dense[T]) Clone() *Dense[T] {
	out := &Dense[T]{rows: m.rows, cols: m.cols, data: make([]T, len(m.data))}
	copy(out.data, m.data)
	return out
}

// AppendRow adds v as a new last row. An empty matrix adopts len(v) as its width.
func (m *Dense[T]) AppendRow(v []T) error {
	if m.rows == 0 && m.cols == 0 {
		m.cols = len(v)
	}
	if len(v) != m.cols {
		return fmt.Errorf("append row of width %d to %d columns: %w", len(v), m.cols, ErrShape)
	}
	m.data = append(m.data, v...)
	m.rows++
	return nil
}

// RemoveRows drops the rows for which drop returns true, preserving order.
func (m *Dense[T]) RemoveRows(drop func(i int) bool) int {
	kept := 0
	for i := 0; i < m.rows; i++ {
		if drop(i) {
			continue
		}
		if kept != i {
			copy(m.data[kept*m.cols:(kept+1)*m.cols], m.Row(i))
		}
		kept++
	}
	removed := m.rows - kept
	m.rows = kept
	m.data = m.data[:kept*m.cols]
	return removed
}

// Norm returns the Euclidean length of v.
func Norm[T Float](v []T) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// L2Normalize scales v to unit length in place and returns its original norm.
// A zero vector is left untouched.
func L2Normalize[T Float](v []T) float64 {
	n := Norm(v)
	if n == 0 {
		return 0
	}
	for i := range v {
		v[i] = T(float64(v[i]) / n)
	}
	return n
}

// Add accumulates src into dst element-wise.
func Add[T Float](dst, src []T) error {
	if len(dst) != len(src) {
		return fmt.Errorf("add %d to %d values: %w", len(src), len(dst), ErrShape)
	}
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}

// MeanRows averages the rows of m. It returns nil for an empty matrix.
func MeanRows[T Float](m *Dense[T]) []T {
	if m.rows == 0 {
		return nil
	}
	acc := make([]float64, m.cols)
	for i := 0; i < m.rows; i++ {
		for j, x := range m.Row(i) {
			acc[j] += float64(x)
		}
	}
	out := make([]T, m.cols)
	for j := range acc {
		out[j] = T(acc[j] / float64(m.rows))
	}
	return out
}

// SquaredDistances returns the Q x G matrix of squared Euclidean distances
// between the rows of q and the rows of g, computed as sum((q_i - g_i)^2) in
// float64. Rows of the result are filled concurrently.
func SquaredDistances[T Float](q, g *Dense[T]) (*Dense[float64], error) {
	out := New[float64](q.rows, g.rows)
	if q.rows == 0 || g.rows == 0 {
		return out, nil
	}
	if q.cols != g.cols {
		return nil, fmt.Errorf("query width %d, gallery width %d: %w", q.cols, g.cols, ErrShape)
	}

	parallelRows(q.rows, func(i int) {
		qi := q.Row(i)
		dst := out.Row(i)
		for j := 0; j < g.rows; j++ {
			dst[j] = SquaredDistance(qi, g.Row(j))
		}
	})
	return out, nil
}

// SquaredDistance is the squared Euclidean distance between two vectors of
// equal length, accumulated in float64.
func SquaredDistance[T Float](a, b []T) float64 {
	var sum float64
	for k := range a {
		d := float64(a[k]) - float64(b[k])
		sum += d * d
	}
	return sum
}

// ArgMinRows returns, per row, the column index of the smallest value and the
// value itself. Ties resolve to the lowest index. Rows of a matrix with no
// columns report index -1 and +Inf.
func ArgMinRows(m *Dense[float64]) ([]int, []float64) {
	idx := make([]int, m.rows)
	minimum := make([]float64, m.rows)
	for i := 0; i < m.rows; i++ {
		best, bestVal := -1, math.Inf(1)
		for j, v := range m.Row(i) {
			if v < bestVal || best == -1 {
				best, bestVal = j, v
			}
		}
		idx[i], minimum[i] = best, bestVal
	}
	return idx, minimum
}

// parallelRows runs fn for every row index using at most GOMAXPROCS goroutines.
func parallelRows(n int, fn func(i int)) {
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	rows := make(chan int, n)
	for i := 0; i < n; i++ {
		rows <- i
	}
	close(rows)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range rows {
				fn(i)
			}
		}()
	}
	wg.Wait()
}
