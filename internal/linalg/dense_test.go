package linalg

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRows(t *testing.T) {
	m, err := FromRows([][]float32{{1, 2}, {3, 4}, {5, 6}})
	require.NoError(t, err)
	assert.Equal(t, 3, m.Rows())
	assert.Equal(t, 2, m.Cols())
	assert.Equal(t, []float32{3, 4}, m.Row(1))
	assert.Equal(t, float32(6), m.At(2, 1))

	_, err = FromRows([][]float64{{1, 2}, {3}})
	assert.True(t, errors.Is(err, ErrShape))

	empty, err := FromRows[float32, []float32](nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Rows())
}

func TestAppendAndRemoveRows(t *testing.T) {
	m := WithCols[float32](2)
	require.NoError(t, m.AppendRow([]float32{1, 1}))
	require.NoError(t, m.AppendRow([]float32{2, 2}))
	require.NoError(t, m.AppendRow([]float32{3, 3}))
	assert.Error(t, m.AppendRow([]float32{1, 2, 3}))

	removed := m.RemoveRows(func(i int) bool { return i == 1 })
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, m.Rows())
	assert.Equal(t, []float32{1, 1, 3, 3}, m.Data())
}

func TestAppendRowAdoptsWidth(t *testing.T) {
	var m Dense[float64]
	require.NoError(t, m.AppendRow([]float64{1, 2, 3}))
	assert.Equal(t, 3, m.Cols())
}

func TestL2Normalize(t *testing.T) {
	v := []float32{3, 4}
	n := L2Normalize(v)
	assert.InDelta(t, 5.0, n, 1e-9)
	assert.InDelta(t, 1.0, Norm(v), 1e-6)

	zero := []float64{0, 0}
	assert.Equal(t, 0.0, L2Normalize(zero))
	assert.Equal(t, []float64{0, 0}, zero)
}

func TestMeanRows(t *testing.T) {
	m, err := FromRows([][]float32{{1, 0}, {0, 1}})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, MeanRows(m))
	assert.Nil(t, MeanRows(WithCols[float32](2)))
}

func TestSquaredDistances(t *testing.T) {
	q, _ := FromRows([][]float32{{1, 0}, {0, 0}})
	g, _ := FromRows([][]float32{{1, 0}, {0, 1}, {2, 2}})

	d, err := SquaredDistances(q, g)
	require.NoError(t, err)
	require.Equal(t, 2, d.Rows())
	require.Equal(t, 3, d.Cols())

	want := [][]float64{{0, 2, 5}, {1, 1, 8}}
	for i := range want {
		for j := range want[i] {
			assert.InDelta(t, want[i][j], d.At(i, j), 1e-12, "d[%d][%d]", i, j)
		}
	}

	bad, _ := FromRows([][]float32{{1, 2, 3}})
	_, err = SquaredDistances(bad, g)
	assert.True(t, errors.Is(err, ErrShape))
}

func TestSquaredDistanceMatchesBatch(t *testing.T) {
	q, _ := FromRows([][]float32{{0.6, 0.8, 0}})
	g, _ := FromRows([][]float32{{0, 0.6, 0.8}, {0.8, 0.6, 0}})
	d, err := SquaredDistances(q, g)
	require.NoError(t, err)
	for j := 0; j < g.Rows(); j++ {
		assert.Equal(t, d.At(0, j), SquaredDistance(q.Row(0), g.Row(j)))
	}
	assert.Equal(t, 0.0, SquaredDistance([]float64{}, []float64{}))
}

func TestSquaredDistancesEmpty(t *testing.T) {
	q, _ := FromRows([][]float32{{1, 0}})
	d, err := SquaredDistances(q, WithCols[float32](2))
	require.NoError(t, err)
	assert.Equal(t, 1, d.Rows())
	assert.Equal(t, 0, d.Cols())

	idx, minimum := ArgMinRows(d)
	assert.Equal(t, []int{-1}, idx)
	assert.True(t, math.IsInf(minimum[0], 1))
}

func TestArgMinRowsTieBreak(t *testing.T) {
	m, _ := Wrap(2, 3, []float64{
		0.5, 0.2, 0.2,
		0.1, 0.1, 0.1,
	})
	idx, minimum := ArgMinRows(m)
	assert.Equal(t, []int{1, 0}, idx)
	assert.Equal(t, []float64{0.2, 0.1}, minimum)
}

func TestSquaredDistancesManyRows(t *testing.T) {
	rows := make([][]float64, 64)
	for i := range rows {
		rows[i] = []float64{float64(i), 0}
	}
	q, _ := FromRows(rows)
	g, _ := FromRows([][]float64{{0, 0}})
	d, err := SquaredDistances(q, g)
	require.NoError(t, err)
	for i := range rows {
		assert.Equal(t, float64(i*i), d.At(i, 0))
	}
}
