package matcher

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/imgmatch/internal/features"
)

func floatTable(rows ...[]float32) *features.DescriptorTable {
	return features.NewFloatTable(len(rows[0]), rows)
}

func randomFloatTable(rng *rand.Rand, n, width int) *features.DescriptorTable {
	rows := make([][]float32, n)
	for i := range rows {
		row := make([]float32, width)
		for j := range row {
			row[j] = rng.Float32() * 100
		}
		rows[i] = row
	}
	return features.NewFloatTable(width, rows)
}

func randomBinaryTable(rng *rand.Rand, n, width int) *features.DescriptorTable {
	rows := make([][]byte, n)
	for i := range rows {
		row := make([]byte, width)
		rng.Read(row)
		rows[i] = row
	}
	return features.NewBinaryTable(width, rows)
}

func perturb(rng *rand.Rand, t *features.DescriptorTable) *features.DescriptorTable {
	rows := make([][]float32, len(t.Float))
	for i, src := range t.Float {
		row := make([]float32, len(src))
		for j, v := range src {
			row[j] = v + rng.Float32()*0.01
		}
		rows[i] = row
	}
	return features.NewFloatTable(t.Width, rows)
}

func assertInjective(t *testing.T, corr []Correspondence) {
	t.Helper()
	seenQ := map[int]bool{}
	seenT := map[int]bool{}
	for _, c := range corr {
		assert.False(t, seenQ[c.QueryIdx], "query %d used twice", c.QueryIdx)
		assert.False(t, seenT[c.TrainIdx], "train %d used twice", c.TrainIdx)
		seenQ[c.QueryIdx] = true
		seenT[c.TrainIdx] = true
	}
}

func TestL2(t *testing.T) {
	assert.InDelta(t, 5.0, L2([]float32{0, 0}, []float32{3, 4}), 1e-9)
	assert.Equal(t, 0.0, L2([]float32{1, 2}, []float32{1, 2}))
}

func TestHamming(t *testing.T) {
	tests := []struct {
		a, b []byte
		want int
	}{
		{[]byte{0x00}, []byte{0xff}, 8},
		{[]byte{0x0f, 0x01}, []byte{0x00, 0x00}, 5},
		{make([]byte, 32), make([]byte, 32), 0},
		{[]byte{1, 2, 3, 4, 5, 6, 7, 8, 9}, []byte{0, 2, 3, 4, 5, 6, 7, 8, 8}, 3},
	}
	for _, tc := range tests {
		if got := Hamming(tc.a, tc.b); got != tc.want {
			t.Errorf("Hamming(%v, %v) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestNearestK(t *testing.T) {
	n := nearestK{k: 2}
	n.offer(0, 5)
	n.offer(1, 3)
	n.offer(2, 3)
	n.offer(3, 9)
	assert.Equal(t, []neighbor{{idx: 1, dist: 3}, {idx: 2, dist: 3}}, n.ns)
}

func TestRatioMatcher(t *testing.T) {
	m := &RatioMatcher{Ratio: 0.6, Search: SearchExact}
	train := floatTable([]float32{0, 0}, []float32{10, 0}, []float32{0, 10})
	query := floatTable([]float32{0.1, 0}, []float32{5, 0})

	corr, err := m.Match(query, train)
	require.NoError(t, err)
	require.Len(t, corr, 1)
	assert.Equal(t, 0, corr[0].QueryIdx)
	assert.Equal(t, 0, corr[0].TrainIdx)
	assert.InDelta(t, 0.1, corr[0].Distance, 1e-6)
}

func TestRatioMatcher_Injective(t *testing.T) {
	m := &RatioMatcher{Ratio: 0.6}
	train := floatTable([]float32{0, 0}, []float32{10, 0}, []float32{0, 10})

	t.Run("closest query wins", func(t *testing.T) {
		query := floatTable([]float32{0.2, 0}, []float32{0.1, 0})
		corr, err := m.Match(query, train)
		require.NoError(t, err)
		require.Len(t, corr, 1)
		assert.Equal(t, 1, corr[0].QueryIdx)
	})

	t.Run("tie keeps lowest query", func(t *testing.T) {
		query := floatTable([]float32{0.1, 0}, []float32{0.1, 0}, []float32{0.1, 0})
		corr, err := m.Match(query, train)
		require.NoError(t, err)
		require.Len(t, corr, 1)
		assert.Equal(t, 0, corr[0].QueryIdx)
	})
}

func TestRatioMatcher_SingleTrainRow(t *testing.T) {
	m := &RatioMatcher{Ratio: 0.6}
	corr, err := m.Match(floatTable([]float32{1, 1}), floatTable([]float32{1, 1}))
	require.NoError(t, err)
	assert.Empty(t, corr)
}

func TestCrossCheckMatcher(t *testing.T) {
	m := &CrossCheckMatcher{}
	train := features.NewBinaryTable(1, [][]byte{{0x00}, {0xff}})
	query := features.NewBinaryTable(1, [][]byte{{0x01}, {0x03}})

	corr, err := m.Match(query, train)
	require.NoError(t, err)
	assert.Equal(t, []Correspondence{{QueryIdx: 0, TrainIdx: 0, Distance: 1}}, corr)
}

func TestCrossCheckMatcher_Float(t *testing.T) {
	m := &CrossCheckMatcher{}
	train := floatTable([]float32{0, 0}, []float32{10, 10})
	query := floatTable([]float32{9, 9}, []float32{1, 1})

	corr, err := m.Match(query, train)
	require.NoError(t, err)
	require.Len(t, corr, 2)
	assert.Equal(t, 1, corr[0].TrainIdx)
	assert.Equal(t, 0, corr[1].TrainIdx)
}

func TestMatchers_EmptyAndIncompatible(t *testing.T) {
	matchers := map[string]Matcher{
		"ratio":      &RatioMatcher{Ratio: 0.75},
		"crosscheck": &CrossCheckMatcher{},
	}
	full := floatTable([]float32{1, 2})

	for name, m := range matchers {
		t.Run(name, func(t *testing.T) {
			corr, err := m.Match(features.NewFloatTable(2, nil), full)
			assert.NoError(t, err)
			assert.Empty(t, corr)

			corr, err = m.Match(full, features.NewBinaryTable(32, nil))
			assert.NoError(t, err)
			assert.Empty(t, corr)

			corr, err = m.Match(nil, full)
			assert.NoError(t, err)
			assert.Empty(t, corr)

			_, err = m.Match(full, features.NewBinaryTable(2, [][]byte{{1, 2}}))
			assert.True(t, errors.Is(err, ErrIncompatibleTables))
		})
	}
}

func TestMatchers_NeverExceedSmallerTable(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	matchers := map[string]Matcher{
		"ratio exact": &RatioMatcher{Ratio: 0.9, Search: SearchExact},
		"ratio hnsw":  &RatioMatcher{Ratio: 0.9, Search: SearchHNSW, Seed: 1},
		"crosscheck":  &CrossCheckMatcher{},
	}

	for name, m := range matchers {
		t.Run(name, func(t *testing.T) {
			for range 20 {
				query := randomFloatTable(rng, 1+rng.Intn(40), 8)
				train := randomFloatTable(rng, 1+rng.Intn(40), 8)
				corr, err := m.Match(query, train)
				require.NoError(t, err)
				assert.LessOrEqual(t, len(corr), min(query.Len(), train.Len()))
				assertInjective(t, corr)
			}
		})
	}

	t.Run("binary crosscheck", func(t *testing.T) {
		for range 20 {
			query := randomBinaryTable(rng, 1+rng.Intn(40), 32)
			train := randomBinaryTable(rng, 1+rng.Intn(40), 32)
			corr, err := (&CrossCheckMatcher{}).Match(query, train)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(corr), min(query.Len(), train.Len()))
			assertInjective(t, corr)
		}
	})
}

func TestRatioMatcher_HNSWFindsNearDuplicates(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	train := randomFloatTable(rng, 60, 16)
	query := perturb(rng, train)

	m := &RatioMatcher{Ratio: 0.6, Search: SearchHNSW, Seed: 3}
	ts, err := m.Prepare(train)
	require.NoError(t, err)
	assert.Equal(t, 60, ts.Len())

	corr, err := ts.Match(query)
	require.NoError(t, err)
	assert.Greater(t, len(corr), 50)
	for _, c := range corr {
		assert.Equal(t, c.QueryIdx, c.TrainIdx)
	}

	again, err := ts.Match(query)
	require.NoError(t, err)
	assert.Equal(t, corr, again)
}

func TestNew(t *testing.T) {
	m, err := New(Config{Policy: "ratio", Ratio: 0.6, Search: "hnsw"})
	require.NoError(t, err)
	assert.Equal(t, &RatioMatcher{Ratio: 0.6, Search: SearchHNSW}, m)

	m, err = New(Config{Policy: "crosscheck"})
	require.NoError(t, err)
	assert.IsType(t, &CrossCheckMatcher{}, m)

	_, err = New(Config{Policy: "ratio", Ratio: 0})
	assert.Error(t, err)
	_, err = New(Config{Policy: "ratio", Ratio: 0.5, Search: "flann"})
	assert.Error(t, err)
	_, err = New(Config{Policy: "knn"})
	assert.Error(t, err)
}
