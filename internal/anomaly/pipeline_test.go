package anomaly

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rewired-gh/spendwatch/internal/metrics"
	"github.com/rewired-gh/spendwatch/internal/models"
	"github.com/rewired-gh/spendwatch/internal/preference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedNow() time.Time {
	return time.Date(2023, 11, 15, 9, 0, 0, 0, time.UTC)
}

func newPipeline() *Pipeline {
	return New(DefaultConfig(), nil, nil, fixedNow)
}

func txs(category string, amounts ...float64) []models.Transaction {
	out := make([]models.Transaction, len(amounts))
	for i, a := range amounts {
		out[i] = models.Transaction{
			ID:           fmt.Sprintf("%s-%d", category, i),
			Amount:       a,
			Date:         fmt.Sprintf("2023-11-%02d", i+1),
			Category:     category,
			CategoryName: category,
			Currency:     "USD",
		}
	}
	return out
}

func flaggedIDs(records []models.AnomalyRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestDetectCategory_SingleSpike(t *testing.T) {
	rep, err := newPipeline().DetectCategory(txs("grocery", 52.5, 48.75, 51.2, 55.3, 250), nil, nil)
	require.NoError(t, err)

	require.Len(t, rep.Anomalies, 1)
	a := rep.Anomalies[0]
	assert.Equal(t, "grocery-4", a.ID)
	assert.Greater(t, a.CategoryRatio, 2.5)
	assert.InDelta(t, 91.55, a.CategoryAvg, 1e-6)
	assert.Equal(t, models.MethodStatistical, a.DetectionMethod)
	assert.NotEmpty(t, a.Reason)
	assert.Equal(t, 1, rep.Count)
	assert.Equal(t, models.MethodIsolationForest, rep.Method)
}

func TestDetectCategory_TwoHighOutliers(t *testing.T) {
	rep, err := newPipeline().DetectCategory(txs("grocery", 52.5, 48.75, 51.2, 55.3, 250, 300, 5.2), nil, nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, rep.Count, 2)
	assert.Subset(t, flaggedIDs(rep.Anomalies), []string{"grocery-4", "grocery-5"})
	assert.NotContains(t, flaggedIDs(rep.Anomalies), "grocery-6")
}

func TestDetectCategory_TooFewTransactions(t *testing.T) {
	for n := 0; n < 5; n++ {
		amounts := []float64{52.5, 250, 48.75, 900}[:min(n, 4)]
		rep, err := newPipeline().DetectCategory(txs("c", amounts...), nil, nil)
		require.NoError(t, err)
		assert.Empty(t, rep.Anomalies)
		assert.NotNil(t, rep.Anomalies)
		assert.Equal(t, models.MethodInsufficientData, rep.Method)
	}
}

func TestDetectCategory_IdenticalAmountsRunFallbacks(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg)
	p := New(DefaultConfig(), zap.NewNop(), recorder, fixedNow)

	batch := txs("rent", 40, 40, 40, 40, 40, 40)
	for i := range batch {
		batch[i].Date = "2023-11-01"
	}
	rep, err := p.DetectCategory(batch, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, rep.Anomalies)

	n, err := testutil.GatherAndCount(reg, "spendwatch_detection_fallbacks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// Model scores are normalized within the batch, so the most isolated row of a
// tight cluster still scores near 1 and comes out High.
func TestDetectCategory_TightClusterTopOutlier(t *testing.T) {
	rep, err := newPipeline().DetectCategory(txs("grocery", 52.5, 48.75, 51.2, 55.3, 57.8), nil, nil)
	require.NoError(t, err)

	require.Len(t, rep.Anomalies, 1)
	a := rep.Anomalies[0]
	assert.Equal(t, "grocery-4", a.ID)
	assert.Equal(t, models.MethodIsolationForest, a.DetectionMethod)
	assert.Equal(t, models.SeverityHigh, a.Severity)
	assert.Greater(t, a.AnomalyScore, 0.8)
	assert.Equal(t, models.MethodIsolationForest, rep.Method)
}

func TestDetectCategory_Idempotent(t *testing.T) {
	p := newPipeline()
	batch := txs("grocery", 52.5, 48.75, 51.2, 55.3, 250, 300, 5.2, 61, 47)
	first, err := p.DetectCategory(batch, nil, nil)
	require.NoError(t, err)
	second, err := p.DetectCategory(batch, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDetectCategory_AcceptedRangeAfterFeedback(t *testing.T) {
	p := newPipeline()
	batch := txs("dining", 30, 35, 32, 28, 120)

	before, err := p.DetectCategory(batch, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"dining-4"}, flaggedIDs(before.Anomalies))
	assert.Equal(t, models.SeverityMedium, before.Anomalies[0].Severity)

	prefs, res, err := p.Preferences().ApplyFeedback(models.NewUserPreferences("u1"), models.Feedback{
		TransactionID: "dining-4", UserID: "u1", IsNormal: true, Amount: 120, Category: "dining",
	})
	require.NoError(t, err)
	require.True(t, res.UpdatedModel)
	assert.True(t, prefs.AcceptedRanges[preference.RangeKey("dining", preference.TierMedium)])

	after, err := p.DetectCategory(batch, prefs.AcceptedRanges, prefs.AlertThresholds())
	require.NoError(t, err)
	assert.Empty(t, after.Anomalies)
}

func TestDetectCategory_ThresholdPrecedence(t *testing.T) {
	p := newPipeline()
	batch := txs("grocery", 52.5, 48.75, 51.2, 55.3, 250)

	rep, err := p.DetectCategory(batch, nil, map[string]float64{"grocery": 300})
	require.NoError(t, err)
	assert.Empty(t, rep.Anomalies)

	accepted := map[string]bool{preference.RangeKey("grocery", preference.TierVeryHigh): true}
	rep, err = p.DetectCategory(batch, accepted, map[string]float64{"grocery": 50})
	require.NoError(t, err)
	require.Len(t, rep.Anomalies, 4)
	methods := map[string]models.DetectionMethod{}
	for _, a := range rep.Anomalies {
		methods[a.ID] = a.DetectionMethod
		assert.Contains(t, a.Reason, "$50.00 alert threshold")
	}
	assert.Equal(t, models.MethodThreshold, methods["grocery-4"])
	assert.Equal(t, models.MethodThreshold, methods["grocery-0"])
	assert.Equal(t, models.MethodThreshold, methods["grocery-2"])
	assert.Equal(t, models.MethodThreshold, methods["grocery-3"])
	assert.NotContains(t, methods, "grocery-1")
	assert.Equal(t, "grocery-4", rep.Anomalies[0].ID)
}

func TestDetectCategory_MalformedRecordsWarn(t *testing.T) {
	batch := txs("grocery", 52.5, 48.75, 51.2, 55.3, 250)
	batch = append(batch,
		models.Transaction{ID: "no-date", Amount: 10, Category: "grocery"},
		models.Transaction{ID: "bad-date", Amount: 50, Date: "someday", Category: "grocery"},
	)
	rep, err := newPipeline().DetectCategory(batch, nil, nil)
	require.NoError(t, err)
	assert.Len(t, rep.Warnings, 2)
	assert.Contains(t, flaggedIDs(rep.Anomalies), "grocery-4")
}

func TestDetectCategory_RecoversPanics(t *testing.T) {
	broken := &Pipeline{config: DefaultConfig(), logger: zap.NewNop()}
	rep, err := broken.DetectCategory(txs("c", 1, 2, 3, 4, 5), nil, nil)
	assert.ErrorIs(t, err, ErrScoring)
	assert.Empty(t, rep.Anomalies)
}

func TestDetectCategoryStatisticalOnly(t *testing.T) {
	p := newPipeline()

	t.Run("tight cluster", func(t *testing.T) {
		res, err := p.DetectCategoryStatisticalOnly("grocery", txs("grocery", 52.5, 48.75, 51.2, 55.3, 57.8))
		require.NoError(t, err)
		assert.Equal(t, 0, res.Count)
		assert.Empty(t, res.Anomalies)
		assert.Equal(t, models.MethodStatistical, res.Method)
		assert.Empty(t, res.Warning)
		assert.Equal(t, "grocery", res.CategoryID)
	})

	t.Run("both sides", func(t *testing.T) {
		res, err := p.DetectCategoryStatisticalOnly("grocery", txs("grocery", 52.5, 48.75, 51.2, 55.3, 250, 300, 5.2))
		require.NoError(t, err)
		assert.Equal(t, 3, res.Count)
		assert.ElementsMatch(t, []string{"grocery-4", "grocery-5", "grocery-6"}, flaggedIDs(res.Anomalies))
		for _, a := range res.Anomalies {
			assert.Equal(t, 108.99, a.CategoryAvg)
		}
	})

	t.Run("two transactions", func(t *testing.T) {
		res, err := p.DetectCategoryStatisticalOnly("grocery", txs("grocery", 52.5, 250))
		require.NoError(t, err)
		assert.Equal(t, 0, res.Count)
		assert.Equal(t, WarningInsufficientData, res.Warning)
	})

	t.Run("one transaction", func(t *testing.T) {
		res, err := p.DetectCategoryStatisticalOnly("grocery", txs("grocery", 52.5))
		require.NoError(t, err)
		assert.Equal(t, models.MethodInsufficientData, res.Method)
		assert.Equal(t, WarningInsufficientData, res.Warning)
	})

	t.Run("filters other categories", func(t *testing.T) {
		mixed := append(txs("grocery", 52.5, 48.75, 51.2, 55.3, 250), txs("travel", 900, 20)...)
		res, err := p.DetectCategoryStatisticalOnly("grocery", mixed)
		require.NoError(t, err)
		assert.Equal(t, []string{"grocery-4"}, flaggedIDs(res.Anomalies))
	})
}

func TestDetectUser(t *testing.T) {
	p := newPipeline()
	prefs := models.NewUserPreferences("u1")
	prefs.CategoryAlerts = []models.CategoryAlert{
		{Category: "travel", Threshold: 100, Active: true},
		{Category: "grocery", Threshold: 10, Active: false},
	}

	rep, err := p.DetectUser(map[string][]models.Transaction{
		"grocery": txs("grocery", 52.5, 48.75, 51.2, 55.3, 250),
		"travel":  txs("travel", 500, 20),
	}, prefs, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Count)
	assert.ElementsMatch(t, []string{"grocery-4", "travel-0"}, flaggedIDs(rep.Anomalies))
	assert.Equal(t, models.MethodSkipped, rep.Categories["travel"].Method)
	assert.Equal(t, 1, rep.Categories["travel"].Anomalies)
	assert.Equal(t, models.MethodIsolationForest, rep.Categories["grocery"].Method)
	assert.Equal(t, 5, rep.Categories["grocery"].Transactions)

	for _, a := range rep.Anomalies {
		if a.ID == "travel-0" {
			assert.Equal(t, models.MethodThresholdAlert, a.DetectionMethod)
		}
	}
}
