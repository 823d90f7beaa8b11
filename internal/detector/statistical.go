package detector

import (
	"math"

	"github.com/rewired-gh/spendwatch/internal/features"
	"github.com/rewired-gh/spendwatch/internal/models"
	"go.uber.org/zap"
)

// Variant selects the flagging rule set of the statistical detector.
type Variant int

const (
	// VariantBatch flags amounts above mean+k*std or at least RatioThreshold
	// times the category mean. It runs alongside the outlier model.
	VariantBatch Variant = iota
	// VariantCategoryScoped compares each amount to both the mean and the
	// median of its category, flags on either side, and widens the ratio
	// threshold for dispersed categories. It runs without the model.
	VariantCategoryScoped
)

func (v Variant) String() string {
	if v == VariantCategoryScoped {
		return "category_scoped"
	}
	return "batch"
}

// NormalBand short-circuits the scoped variant to zero anomalies for tightly
// clustered categories whose mean sits inside [Min, Max].
type NormalBand struct {
	Enabled   bool
	Tolerance float64
	Min       float64
	Max       float64
}

// StatisticalConfig parameterizes both variants.
type StatisticalConfig struct {
	Variant Variant

	// Batch variant.
	RatioThreshold float64
	MaxScore       float64

	// Scoped variant.
	MinSamples          int
	ScopedRatio         float64
	ScopedWideRatio     float64
	WideCV              float64
	WarnBelowSamples    int
	Band                NormalBand
	StdFallbackRatio    float64
	ThresholdMultiplier float64
}

func DefaultStatisticalConfig() StatisticalConfig {
	return StatisticalConfig{
		Variant:             VariantBatch,
		RatioThreshold:      1.5,
		MaxScore:            0.9,
		MinSamples:          2,
		ScopedRatio:         2.5,
		ScopedWideRatio:     3.0,
		WideCV:              0.2,
		WarnBelowSamples:    5,
		Band:                NormalBand{Enabled: true, Tolerance: 0.15, Min: 45, Max: 60},
		StdFallbackRatio:    0.2,
		ThresholdMultiplier: 2,
	}
}

// ScopedConfig returns the defaults with the category-scoped variant selected.
func ScopedConfig() StatisticalConfig {
	c := DefaultStatisticalConfig()
	c.Variant = VariantCategoryScoped
	return c
}

// Statistical flags transactions that deviate from their category statistics.
type Statistical struct {
	config StatisticalConfig
	logger *zap.Logger
}

func NewStatistical(config StatisticalConfig, logger *zap.Logger) *Statistical {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Statistical{config: config, logger: logger}
}

// Config returns the detector's configuration.
func (d *Statistical) Config() StatisticalConfig {
	return d.config
}

// Detect runs the configured variant over a built batch.
func (d *Statistical) Detect(batch *features.Batch) Outcome {
	if d.config.Variant == VariantCategoryScoped {
		return d.detectScoped(batch)
	}
	return d.detectBatch(batch)
}

func (d *Statistical) detectBatch(batch *features.Batch) Outcome {
	if batch.Empty() {
		return insufficient(models.MethodStatistical)
	}

	var out []models.AnomalyRecord
	for _, row := range batch.Rows {
		stats, found := batch.Stats[row.Transaction.Category]
		if !found {
			continue
		}
		ratio, z := ratioAndZ(row.Amount, stats.Mean, stats.Std)
		if row.Amount <= stats.Threshold && ratio < d.config.RatioThreshold {
			continue
		}
		score := math.Min(d.config.MaxScore, 0.6+0.1*(ratio-1))
		rec := newRecord(row.Transaction, models.MethodStatistical, score, stats.Mean, ratio, z)
		rec.Severity = StatisticalSeverity(ratio, z)
		out = append(out, rec)
	}

	d.logger.Debug("Statistical pass finished",
		zap.Stringer("variant", d.config.Variant), zap.Int("rows", len(batch.Rows)), zap.Int("flagged", len(out)))
	return ok(models.MethodStatistical, out)
}

// detectScoped expects a batch restricted to one category, but groups by
// category anyway so a mixed batch still compares like with like.
// Each amount is compared with both the mean and the median, which takes the
// place of an amount-only forest score inside this variant.
func (d *Statistical) detectScoped(batch *features.Batch) Outcome {
	if len(batch.Rows) < d.config.MinSamples {
		return insufficient(models.MethodInsufficientData)
	}

	groups := make(map[string][]features.Row)
	var order []string
	for _, row := range batch.Rows {
		cat := row.Transaction.Category
		if _, seen := groups[cat]; !seen {
			order = append(order, cat)
		}
		groups[cat] = append(groups[cat], row)
	}

	var out []models.AnomalyRecord
	note := ""
	for _, cat := range order {
		rows := groups[cat]
		if len(rows) < d.config.MinSamples {
			continue
		}
		amounts := make([]float64, len(rows))
		for i, r := range rows {
			amounts[i] = r.Amount
		}
		stats := features.Summarize(cat, amounts, d.config.StdFallbackRatio, d.config.ThresholdMultiplier)
		if stats.Mean <= 0 {
			continue
		}

		if d.inNormalBand(stats, amounts) {
			d.logger.Debug("Category inside normal band, nothing flagged",
				zap.String("category", cat), zap.Float64("mean", stats.Mean))
			note = "normal_band"
			continue
		}

		threshold := d.config.ScopedRatio
		if cv := stats.Std / stats.Mean; cv >= d.config.WideCV {
			threshold = d.config.ScopedWideRatio
		}

		for _, row := range rows {
			ratio, z := ratioAndZ(row.Amount, stats.Mean, stats.Std)
			medianRatio := ratio
			if stats.Median > 0 {
				medianRatio = row.Amount / stats.Median
			}
			high := ratio > threshold || medianRatio > threshold
			low := ratio < 1/threshold || medianRatio < 1/threshold
			if !high && !low {
				continue
			}

			deviation := ratio
			if ratio > 0 && ratio < 1 {
				deviation = 1 / ratio
			}
			score := 0.5 + math.Min(0.4, math.Abs(ratio-1)/10)
			rec := newRecord(row.Transaction, models.MethodStatistical, score, RoundCents(stats.Mean), ratio, z)
			rec.Severity = StatisticalSeverity(deviation, math.Abs(z))
			out = append(out, rec)
		}
	}

	d.logger.Debug("Statistical pass finished",
		zap.Stringer("variant", d.config.Variant), zap.Int("rows", len(batch.Rows)), zap.Int("flagged", len(out)))
	o := ok(models.MethodStatistical, out)
	o.Note = note
	return o
}

func (d *Statistical) inNormalBand(stats models.CategoryStats, amounts []float64) bool {
	band := d.config.Band
	if !band.Enabled || stats.Mean < band.Min || stats.Mean > band.Max {
		return false
	}
	for _, a := range amounts {
		if math.Abs(a-stats.Mean)/stats.Mean > band.Tolerance {
			return false
		}
	}
	return true
}
