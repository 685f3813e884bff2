package similarity

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/imgmatch/internal/imaging"
)

func solid(t *testing.T, w, h int, b, g, r uint8) *imaging.PixelBuffer {
	t.Helper()
	buf, err := imaging.NewPixelBuffer(w, h)
	require.NoError(t, err)
	buf.Fill(b, g, r)
	return buf
}

func noisy(t *testing.T, w, h int, seed int64) *imaging.PixelBuffer {
	t.Helper()
	buf, err := imaging.NewPixelBuffer(w, h)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(seed))
	rng.Read(buf.Pix)
	return buf
}

func TestSelect(t *testing.T) {
	a := solid(t, 100, 100, 0, 0, 255)
	b := solid(t, 100, 100, 1, 2, 3)
	c := solid(t, 50, 50, 0, 0, 0)

	tests := []struct {
		name string
		a, b *imaging.PixelBuffer
		want Algorithm
	}{
		{"equal shapes", a, b, Structural},
		{"different shapes", a, c, FeatureBased},
		{"transposed", solid(t, 20, 10, 0, 0, 0), solid(t, 10, 20, 0, 0, 0), FeatureBased},
		{"left missing", nil, b, Unavailable},
		{"right missing", a, nil, Unavailable},
		{"both missing", nil, nil, Unavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Select(tc.a, tc.b); got != tc.want {
				t.Errorf("Select() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSelectShapes(t *testing.T) {
	s := imaging.Shape{Height: 10, Width: 20, Channels: 3}
	assert.Equal(t, Structural, SelectShapes(s, s))
	assert.Equal(t, FeatureBased, SelectShapes(s, imaging.Shape{Height: 20, Width: 10, Channels: 3}))
	assert.Equal(t, Unavailable, SelectShapes(s, imaging.Shape{}))
}

func TestFeatureScore(t *testing.T) {
	tests := []struct {
		name           string
		corr, kpA, kpB int
		want           float64
	}{
		{"half of smaller set", 25, 50, 500, 0.5},
		{"empty left", 0, 0, 100, 0},
		{"empty right", 3, 100, 0, 0},
		{"both empty", 0, 0, 0, 0},
		{"clamped", 12, 10, 10, 1},
		{"no correspondences", 0, 10, 10, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := FeatureScore(tc.corr, tc.kpA, tc.kpB)
			if math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("FeatureScore(%d, %d, %d) = %v, want %v", tc.corr, tc.kpA, tc.kpB, got, tc.want)
			}
		})
	}
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.3))
	assert.Equal(t, 0.0, Clamp01(math.NaN()))
	assert.Equal(t, 1.0, Clamp01(1.7))
	assert.Equal(t, 1.0, Clamp01(math.Inf(1)))
	assert.Equal(t, 0.42, Clamp01(0.42))
}

func TestStructuralScore_Identical(t *testing.T) {
	sizes := []struct{ w, h int }{
		{100, 100}, {64, 48}, {7, 7}, {5, 9}, {4, 4}, {2, 2}, {1, 1}, {1, 30},
	}
	for _, s := range sizes {
		for _, buf := range []*imaging.PixelBuffer{
			solid(t, s.w, s.h, 0, 0, 255),
			noisy(t, s.w, s.h, int64(s.w*s.h)),
		} {
			score, err := StructuralScore(buf, buf.Clone())
			require.NoError(t, err)
			assert.InDelta(t, 1.0, score, 1e-6, "%dx%d", s.w, s.h)
		}
	}
}

func TestStructuralScore_Dissimilar(t *testing.T) {
	a := noisy(t, 80, 60, 1)
	b := noisy(t, 80, 60, 2)

	score, err := StructuralScore(a, b)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.Less(t, score, 0.1)
}

func TestStructuralScore_Inverted(t *testing.T) {
	a := noisy(t, 40, 40, 5)
	b := a.Clone()
	for i := range b.Pix {
		b.Pix[i] = 255 - b.Pix[i]
	}

	// negatively correlated windows clamp to zero
	score, err := StructuralScore(a, b)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
}

func TestStructuralScore_SlightNoise(t *testing.T) {
	a := noisy(t, 50, 50, 9)
	b := a.Clone()
	for i := 0; i < len(b.Pix); i += 97 {
		b.Pix[i] ^= 0x01
	}

	score, err := StructuralScore(a, b)
	require.NoError(t, err)
	assert.Greater(t, score, 0.95)
	assert.Less(t, score, 1.0)
}

func TestStructuralScore_Errors(t *testing.T) {
	_, err := StructuralScore(solid(t, 10, 10, 0, 0, 0), solid(t, 10, 11, 0, 0, 0))
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = StructuralScore(nil, solid(t, 10, 10, 0, 0, 0))
	assert.ErrorIs(t, err, imaging.ErrEmptyBuffer)

	_, err = StructuralScore(&imaging.PixelBuffer{}, &imaging.PixelBuffer{})
	assert.ErrorIs(t, err, imaging.ErrEmptyBuffer)
}

func TestIntegral(t *testing.T) {
	plane := []uint8{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}
	s := newIntegral(plane, nil, 3, 3)
	assert.Equal(t, int64(45), s.sum(0, 0, 3))
	assert.Equal(t, int64(12), s.sum(0, 0, 2))
	assert.Equal(t, int64(28), s.sum(1, 1, 2))

	sq := newIntegral(plane, plane, 3, 3)
	assert.Equal(t, int64(285), sq.sum(0, 0, 3))
}
