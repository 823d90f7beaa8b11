package detector

import (
	"fmt"
	"math"

	"github.com/rewired-gh/spendwatch/internal/features"
	"github.com/rewired-gh/spendwatch/internal/iforest"
	"github.com/rewired-gh/spendwatch/internal/models"
	"go.uber.org/zap"
)

// ModelConfig controls the isolation forest pass.
type ModelConfig struct {
	Trees      int
	MaxSamples int
	Seed       uint64
	Workers    int
	MinRows    int

	// Contamination is ContaminationBase/n clamped to [ContaminationMin, ContaminationMax].
	ContaminationBase float64
	ContaminationMin  float64
	ContaminationMax  float64
}

func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Trees:             100,
		MaxSamples:        256,
		Seed:              42,
		MinRows:           5,
		ContaminationBase: 3,
		ContaminationMin:  0.05,
		ContaminationMax:  0.2,
	}
}

// Contamination returns the expected outlier fraction for a batch of n rows.
func (c ModelConfig) Contamination(n int) float64 {
	if n <= 0 {
		return c.ContaminationMax
	}
	return math.Max(c.ContaminationMin, math.Min(c.ContaminationMax, c.ContaminationBase/float64(n)))
}

// Model flags transactions the isolation forest labels as outliers and whose
// amount is above their category mean.
type Model struct {
	config ModelConfig
	logger *zap.Logger
}

func NewModel(config ModelConfig, logger *zap.Logger) *Model {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Model{config: config, logger: logger}
}

// Detect fits a fresh forest on the batch and scores the same rows.
func (d *Model) Detect(batch *features.Batch) Outcome {
	n := len(batch.Rows)
	if n < d.config.MinRows {
		return insufficient(models.MethodIsolationForest)
	}

	contamination := d.config.Contamination(n)
	forest := iforest.New(iforest.Config{
		Trees:         d.config.Trees,
		MaxSamples:    d.config.MaxSamples,
		Contamination: contamination,
		Seed:          d.config.Seed,
		Workers:       d.config.Workers,
	})
	matrix := batch.Matrix()
	if err := forest.Fit(matrix); err != nil {
		d.logger.Warn("Outlier model fit failed", zap.Int("rows", n), zap.Error(err))
		return failed(models.MethodIsolationForest, fmt.Errorf("failed to fit outlier model: %w", err))
	}
	decision, err := forest.DecisionFunction(matrix)
	if err != nil {
		return failed(models.MethodIsolationForest, fmt.Errorf("failed to score rows: %w", err))
	}
	normalized := Normalize(decision)

	var out []models.AnomalyRecord
	for i, row := range batch.Rows {
		if decision[i] >= 0 {
			continue
		}
		stats, found := batch.Stats[row.Transaction.Category]
		if !found || row.Amount <= stats.Mean {
			continue
		}
		ratio, z := ratioAndZ(row.Amount, stats.Mean, stats.Std)
		rec := newRecord(row.Transaction, models.MethodIsolationForest, normalized[i], stats.Mean, ratio, z)
		raw := decision[i]
		rec.ModelScore = &raw
		rec.Severity = ModelSeverity(rec.AnomalyScore, ratio, z)
		out = append(out, rec)
	}

	d.logger.Debug("Outlier model pass finished",
		zap.Int("rows", n), zap.Float64("contamination", contamination),
		zap.Float64("offset", forest.Offset()), zap.Int("flagged", len(out)))
	return ok(models.MethodIsolationForest, out)
}

// Normalize maps raw decision values to [0, 1] with 1 the most anomalous.
// A batch where every value is equal maps to all zeros.
func Normalize(decision []float64) []float64 {
	out := make([]float64, len(decision))
	if len(decision) == 0 {
		return out
	}
	lo, hi := decision[0], decision[0]
	for _, v := range decision[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi-lo == 0 {
		return out
	}
	for i, v := range decision {
		out[i] = 1 - (v-lo)/(hi-lo)
	}
	return out
}
