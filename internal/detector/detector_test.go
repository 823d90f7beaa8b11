package detector

import (
	"fmt"
	"testing"
	"time"

	"github.com/rewired-gh/spendwatch/internal/features"
	"github.com/rewired-gh/spendwatch/internal/iforest"
	"github.com/rewired-gh/spendwatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildBatch(t *testing.T, category string, amounts ...float64) *features.Batch {
	t.Helper()
	txs := make([]models.Transaction, len(amounts))
	for i, a := range amounts {
		txs[i] = models.Transaction{
			ID:       fmt.Sprintf("tx-%d", i),
			Amount:   a,
			Date:     "2023-11-01",
			Category: category,
			Currency: "USD",
		}
	}
	return buildFrom(txs)
}

func buildFrom(txs []models.Transaction) *features.Batch {
	now := func() time.Time { return time.Date(2023, 11, 15, 0, 0, 0, 0, time.UTC) }
	return features.NewBuilder(features.DefaultConfig(), now, nil).Build(txs)
}

func ids(records []models.AnomalyRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestStatisticalBatch_FlagsRatioOutlier(t *testing.T) {
	batch := buildBatch(t, "grocery", 52.5, 48.75, 51.2, 55.3, 250)
	out := NewStatistical(DefaultStatisticalConfig(), nil).Detect(batch)

	require.Equal(t, StatusOK, out.Status)
	require.Len(t, out.Anomalies, 1)
	a := out.Anomalies[0]
	assert.Equal(t, "tx-4", a.ID)
	assert.Equal(t, models.MethodStatistical, a.DetectionMethod)
	assert.InDelta(t, 91.55, a.CategoryAvg, 1e-9)
	assert.InDelta(t, 250/91.55, a.CategoryRatio, 1e-9)
	assert.InDelta(t, 0.6+0.1*(250/91.55-1), a.AnomalyScore, 1e-9)
	assert.Equal(t, models.SeverityMedium, a.Severity)
	assert.Nil(t, a.ModelScore)
}

func TestStatisticalBatch_ScoreCapped(t *testing.T) {
	batch := buildBatch(t, "c", 10, 10, 10, 10, 1000)
	out := NewStatistical(DefaultStatisticalConfig(), nil).Detect(batch)
	require.Len(t, out.Anomalies, 1)
	assert.Equal(t, 0.9, out.Anomalies[0].AnomalyScore)
	assert.Equal(t, models.SeverityHigh, out.Anomalies[0].Severity)
}

func TestStatisticalBatch_EmptyIsInsufficient(t *testing.T) {
	out := NewStatistical(DefaultStatisticalConfig(), nil).Detect(buildFrom(nil))
	assert.Equal(t, StatusInsufficientData, out.Status)
	assert.False(t, out.Found())
}

func TestStatisticalScoped_MedianComparison(t *testing.T) {
	batch := buildBatch(t, "grocery", 52.5, 48.75, 51.2, 55.3, 250)
	out := NewStatistical(ScopedConfig(), nil).Detect(batch)

	require.Equal(t, StatusOK, out.Status)
	assert.Equal(t, []string{"tx-4"}, ids(out.Anomalies))
	a := out.Anomalies[0]
	assert.Equal(t, 91.55, a.CategoryAvg)
	assert.Equal(t, models.SeverityMedium, a.Severity)
}

func TestStatisticalScoped_NormalBand(t *testing.T) {
	batch := buildBatch(t, "grocery", 52.5, 48.75, 51.2, 55.3, 57.8)
	out := NewStatistical(ScopedConfig(), nil).Detect(batch)
	assert.Equal(t, StatusOK, out.Status)
	assert.Empty(t, out.Anomalies)
	assert.Equal(t, "normal_band", out.Note)

	cfg := ScopedConfig()
	cfg.Band.Enabled = false
	out = NewStatistical(cfg, nil).Detect(batch)
	assert.Empty(t, out.Note)
}

func TestStatisticalScoped_BothSides(t *testing.T) {
	batch := buildBatch(t, "grocery", 52.5, 48.75, 51.2, 55.3, 250, 300, 5.2)
	out := NewStatistical(ScopedConfig(), nil).Detect(batch)

	require.Equal(t, StatusOK, out.Status)
	assert.ElementsMatch(t, []string{"tx-4", "tx-5", "tx-6"}, ids(out.Anomalies))
	for _, a := range out.Anomalies {
		if a.ID == "tx-6" {
			assert.Less(t, a.CategoryRatio, 1.0)
			assert.Equal(t, models.SeverityHigh, a.Severity)
			assert.Contains(t, Reason(a), "significantly lower")
		}
		assert.GreaterOrEqual(t, a.AnomalyScore, 0.5)
		assert.LessOrEqual(t, a.AnomalyScore, 0.9)
	}
}

func TestStatisticalScoped_SmallCategory(t *testing.T) {
	out := NewStatistical(ScopedConfig(), nil).Detect(buildBatch(t, "c", 52.5, 250))
	assert.Equal(t, StatusOK, out.Status)
	assert.Empty(t, out.Anomalies)

	out = NewStatistical(ScopedConfig(), nil).Detect(buildBatch(t, "c", 52.5))
	assert.Equal(t, StatusInsufficientData, out.Status)
	assert.Equal(t, models.MethodInsufficientData, out.Method)
}

func TestModel_FlagsHighOutlier(t *testing.T) {
	amounts := make([]float64, 0, 21)
	for i := 0; i < 20; i++ {
		amounts = append(amounts, 50+float64(i%5))
	}
	amounts = append(amounts, 400)
	batch := buildBatch(t, "c", amounts...)

	out := NewModel(DefaultModelConfig(), nil).Detect(batch)
	require.Equal(t, StatusOK, out.Status)
	require.Equal(t, []string{"tx-20"}, ids(out.Anomalies))

	a := out.Anomalies[0]
	assert.Equal(t, models.MethodIsolationForest, a.DetectionMethod)
	require.NotNil(t, a.ModelScore)
	assert.Less(t, *a.ModelScore, 0.0)
	assert.Equal(t, 1.0, a.AnomalyScore)
	assert.Equal(t, models.SeverityHigh, a.Severity)
}

func TestModel_InsufficientAndDegenerate(t *testing.T) {
	d := NewModel(DefaultModelConfig(), nil)

	out := d.Detect(buildBatch(t, "c", 1, 2, 3, 4))
	assert.Equal(t, StatusInsufficientData, out.Status)

	out = d.Detect(buildBatch(t, "c", 7, 7, 7, 7, 7, 7))
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, iforest.ErrDegenerateInput)
}

func TestContamination(t *testing.T) {
	c := DefaultModelConfig()
	assert.Equal(t, 0.2, c.Contamination(5))
	assert.Equal(t, 0.15, c.Contamination(20))
	assert.Equal(t, 0.05, c.Contamination(1000))
}

func TestNormalize(t *testing.T) {
	assert.InDeltaSlice(t, []float64{1, 0.5, 0}, Normalize([]float64{-0.2, 0, 0.2}), 1e-12)
	assert.Equal(t, []float64{0, 0}, Normalize([]float64{0.3, 0.3}))
	assert.Empty(t, Normalize(nil))
}

func TestDirect(t *testing.T) {
	out := Direct(DefaultFallbackConfig(), buildBatch(t, "c", 10, 10, 10, 10, 10, 100))
	require.Equal(t, StatusOK, out.Status)
	require.Equal(t, []string{"tx-5"}, ids(out.Anomalies))
	a := out.Anomalies[0]
	assert.InDelta(t, 0.9, a.AnomalyScore, 1e-12)
	assert.Equal(t, models.SeverityHigh, a.Severity)
	assert.Equal(t, models.MethodDirect, a.DetectionMethod)

	out = Direct(DefaultFallbackConfig(), buildBatch(t, "c", 10, 10, 100))
	assert.Equal(t, StatusInsufficientData, out.Status)
}

func TestSlidingWindow(t *testing.T) {
	amounts := []float64{10, 12, 11, 13, 12, 11}
	var txs []models.Transaction
	// Latest spike listed first to check the date sort.
	txs = append(txs, models.Transaction{ID: "spike", Amount: 60, Date: "2023-11-10", Category: "c"})
	for i, a := range amounts {
		txs = append(txs, models.Transaction{
			ID: fmt.Sprintf("tx-%d", i), Amount: a, Date: fmt.Sprintf("2023-11-0%d", i+1), Category: "c",
		})
	}
	out := SlidingWindow(DefaultFallbackConfig(), buildFrom(txs))
	require.Equal(t, StatusOK, out.Status)
	require.Equal(t, []string{"spike"}, ids(out.Anomalies))
	assert.Equal(t, 1.0, out.Anomalies[0].AnomalyScore)
	assert.InDelta(t, 11.5, out.Anomalies[0].CategoryAvg, 1e-9)
	assert.Equal(t, models.SeverityHigh, out.Anomalies[0].Severity)
}

func TestSlidingWindow_ConstantWindowSkipped(t *testing.T) {
	var txs []models.Transaction
	for i := 0; i < 6; i++ {
		txs = append(txs, models.Transaction{ID: fmt.Sprintf("tx-%d", i), Amount: 10, Date: fmt.Sprintf("2023-11-0%d", i+1), Category: "c"})
	}
	txs = append(txs, models.Transaction{ID: "spike", Amount: 60, Date: "2023-11-09", Category: "c"})
	out := SlidingWindow(DefaultFallbackConfig(), buildFrom(txs))
	assert.Equal(t, StatusOK, out.Status)
	assert.Empty(t, out.Anomalies)
}
