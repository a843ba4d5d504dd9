package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	assert.InDelta(t, 32.0, Dot([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-6)
	assert.InDelta(t, 0.0, Dot([]float32{1, 0}, []float32{0, 1}), 1e-6)
}

func TestSquaredL2(t *testing.T) {
	assert.InDelta(t, 0.0, SquaredL2([]float32{1, 2}, []float32{1, 2}), 1e-6)
	assert.InDelta(t, 8.0, SquaredL2([]float32{0, 0}, []float32{2, 2}), 1e-6)
}

func TestCosine(t *testing.T) {
	// Identical direction: distance 0.
	assert.InDelta(t, 0.0, Cosine([]float32{1, 1}, []float32{2, 2}), 1e-6)
	// Orthogonal: distance 1.
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	// Opposite: distance 2.
	assert.InDelta(t, 2.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	// Zero vector: defined as distance 1.
	assert.InDelta(t, 1.0, Cosine([]float32{0, 0}, []float32{1, 0}), 1e-6)
}

func TestNormalizeL2(t *testing.T) {
	v := []float32{3, 4}
	require.True(t, NormalizeL2InPlace(v))
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	assert.False(t, NormalizeL2InPlace([]float32{0, 0}))
	assert.False(t, NormalizeL2InPlace(nil))

	src := []float32{0, 5}
	dst, ok := NormalizeL2Copy(src)
	require.True(t, ok)
	assert.Equal(t, []float32{0, 5}, src)
	assert.InDelta(t, 1.0, dst[1], 1e-6)
}

func TestProvider(t *testing.T) {
	for _, m := range []Metric{MetricCosine, MetricL2} {
		fn, err := Provider(m)
		require.NoError(t, err)
		require.NotNil(t, fn)
	}
	_, err := Provider(Metric(99))
	assert.Error(t, err)
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, Similarity(MetricCosine, 0), 1e-6)
	assert.InDelta(t, 0.25, Similarity(MetricCosine, 0.75), 1e-6)
	assert.InDelta(t, -2.0, Similarity(MetricL2, 2), 1e-6)
}
