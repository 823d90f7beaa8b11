package iforest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clusterWithOutlier() [][]float64 {
	data := make([][]float64, 0, 41)
	for i := 0; i < 40; i++ {
		data = append(data, []float64{50 + float64(i%5), 10 + float64(i%3)})
	}
	return append(data, []float64{400, 11})
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(0))
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 2.3275, averagePathLength(5), 1e-3)
}

func TestPercentile(t *testing.T) {
	values := []float64{5, 1, 4, 2, 3}
	assert.Equal(t, 1.0, percentile(values, 0))
	assert.Equal(t, 5.0, percentile(values, 100))
	assert.Equal(t, 3.0, percentile(values, 50))
	assert.InDelta(t, 1.8, percentile(values, 20), 1e-12)
}

func TestFit_Errors(t *testing.T) {
	f := New(DefaultConfig())
	assert.ErrorIs(t, f.Fit([][]float64{{1}}), ErrTooFewSamples)
	assert.ErrorIs(t, f.Fit([][]float64{{1, 2}, {1}}), ErrRaggedInput)
	assert.ErrorIs(t, f.Fit([][]float64{{3, 3}, {3, 3}, {3, 3}}), ErrDegenerateInput)

	_, err := f.ScoreSamples([][]float64{{1}})
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestFit_IsolatesObviousOutlier(t *testing.T) {
	data := clusterWithOutlier()
	cfg := DefaultConfig()
	cfg.Contamination = 0.05
	f := New(cfg)
	require.NoError(t, f.Fit(data))

	scores, err := f.ScoreSamples(data)
	require.NoError(t, err)

	outlier := len(data) - 1
	for i := 0; i < outlier; i++ {
		assert.Less(t, scores[outlier], scores[i], "outlier must score lower than row %d", i)
	}
	for _, s := range scores {
		assert.True(t, s < 0 && s >= -1, "score %v out of range", s)
	}

	labels, err := f.Predict(data)
	require.NoError(t, err)
	assert.True(t, labels[outlier])

	flagged := 0
	for _, l := range labels {
		if l {
			flagged++
		}
	}
	assert.LessOrEqual(t, flagged, 3)
}

func TestFit_DeterministicAcrossWorkerCounts(t *testing.T) {
	data := clusterWithOutlier()

	serialCfg := DefaultConfig()
	serialCfg.Workers = 1
	serial := New(serialCfg)
	require.NoError(t, serial.Fit(data))

	parallelCfg := DefaultConfig()
	parallelCfg.Workers = 8
	parallel := New(parallelCfg)
	require.NoError(t, parallel.Fit(data))

	a, err := serial.DecisionFunction(data)
	require.NoError(t, err)
	b, err := parallel.DecisionFunction(data)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, serial.Offset(), parallel.Offset())
}

func TestFit_SeedChangesTrees(t *testing.T) {
	data := clusterWithOutlier()
	a := New(Config{Trees: 20, MaxSamples: 16, Contamination: 0.1, Seed: 1})
	b := New(Config{Trees: 20, MaxSamples: 16, Contamination: 0.1, Seed: 2})
	require.NoError(t, a.Fit(data))
	require.NoError(t, b.Fit(data))

	sa, _ := a.ScoreSamples(data)
	sb, _ := b.ScoreSamples(data)
	assert.NotEqual(t, sa, sb)
}
