// Package preference applies a user's accepted ranges and alert thresholds
// to detector output and folds feedback back into those preferences.
package preference

import (
	"errors"
	"fmt"
	"math"

	"github.com/rewired-gh/spendwatch/internal/detector"
	"github.com/rewired-gh/spendwatch/internal/features"
	"github.com/rewired-gh/spendwatch/internal/models"
	"go.uber.org/zap"
)

var ErrInvalidFeedback = errors.New("invalid feedback")

// Tier is a coarse amount bucket used to remember which spending levels a
// user considers normal for a category.
type Tier string

const (
	TierLow       Tier = "low"
	TierMediumLow Tier = "medium_low"
	TierMedium    Tier = "medium"
	TierHigh      Tier = "high"
	TierVeryHigh  Tier = "very_high"
	TierExtreme   Tier = "extreme"
)

// Tiers lists every tier from lowest to highest.
var Tiers = []Tier{TierLow, TierMediumLow, TierMedium, TierHigh, TierVeryHigh, TierExtreme}

var tierBounds = []float64{50, 100, 150, 200, 300}

// largeAmount switches to the scaled boundaries.
const largeAmount = 1000

// RangeTier buckets an amount. Amounts above 1000 use boundaries scaled by 100.
func RangeTier(amount float64) Tier {
	amount = math.Abs(amount)
	scale := 1.0
	if amount > largeAmount {
		scale = 100
	}
	for i, b := range tierBounds {
		if amount < b*scale {
			return Tiers[i]
		}
	}
	return TierExtreme
}

// RangeKey is the accepted-range key for a category and tier.
func RangeKey(category string, tier Tier) string {
	return category + "_" + string(tier)
}

// Engine is stateless; preferences are passed in and returned.
type Engine struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger}
}

// Filter applies accepted ranges and alert thresholds to candidates.
//
// A category with a threshold keeps only candidates above it, relabelled as
// threshold detections; accepted ranges do not apply there. Other candidates
// are dropped when their tier is accepted. Rows above a threshold that no
// detector flagged are force-included as threshold detections too.
func (e *Engine) Filter(
	candidates []models.AnomalyRecord,
	rows []features.Row,
	stats map[string]models.CategoryStats,
	accepted map[string]bool,
	thresholds map[string]float64,
) []models.AnomalyRecord {
	out := make([]models.AnomalyRecord, 0, len(candidates))
	flagged := make(map[string]bool, len(candidates))
	suppressed := 0

	for _, c := range candidates {
		flagged[c.ID] = true
		amount := c.AbsAmount()
		if thr, has := thresholds[c.Category]; has {
			if amount <= thr {
				suppressed++
				continue
			}
			c.DetectionMethod = models.MethodThreshold
			c.Reason = detector.ThresholdReason(c, thr)
			out = append(out, c)
			continue
		}
		if accepted[RangeKey(c.Category, RangeTier(amount))] {
			suppressed++
			continue
		}
		out = append(out, c)
	}

	out, added := forceInclude(out, flagged, rows, stats, thresholds, models.MethodThreshold)
	if suppressed > 0 || added > 0 {
		e.logger.Debug("Preferences applied",
			zap.Int("candidates", len(candidates)), zap.Int("suppressed", suppressed), zap.Int("forced", added))
	}
	return out
}

// ThresholdAlerts returns a threshold_alert record for every row above its
// category's alert threshold. It serves categories too small to score.
func (e *Engine) ThresholdAlerts(rows []features.Row, stats map[string]models.CategoryStats, thresholds map[string]float64) []models.AnomalyRecord {
	out, added := forceInclude(nil, map[string]bool{}, rows, stats, thresholds, models.MethodThresholdAlert)
	if added > 0 {
		e.logger.Debug("Threshold alerts added", zap.Int("threshold_alerts", added))
	}
	if out == nil {
		out = []models.AnomalyRecord{}
	}
	return out
}

func forceInclude(
	out []models.AnomalyRecord,
	flagged map[string]bool,
	rows []features.Row,
	stats map[string]models.CategoryStats,
	thresholds map[string]float64,
	method models.DetectionMethod,
) ([]models.AnomalyRecord, int) {
	added := 0
	for _, row := range rows {
		thr, has := thresholds[row.Transaction.Category]
		if !has || flagged[row.Transaction.ID] || row.Amount <= thr {
			continue
		}
		flagged[row.Transaction.ID] = true
		out = append(out, thresholdRecord(row, stats[row.Transaction.Category], thr, method))
		added++
	}
	return out, added
}

func thresholdRecord(row features.Row, stats models.CategoryStats, threshold float64, method models.DetectionMethod) models.AnomalyRecord {
	ratio := 1.0
	if stats.Mean > 0 {
		ratio = row.Amount / stats.Mean
	}
	var z float64
	if stats.Std > 0 {
		z = (row.Amount - stats.Mean) / stats.Std
	}
	rec := models.AnomalyRecord{
		Transaction:     row.Transaction.Clone(),
		DetectionMethod: method,
		AnomalyScore:    math.Max(0, math.Min(1, 0.6+0.1*(ratio-1))),
		CategoryAvg:     stats.Mean,
		CategoryRatio:   ratio,
		ZScore:          z,
		Severity:        detector.StatisticalSeverity(ratio, z),
	}
	rec.Reason = detector.ThresholdReason(rec, threshold)
	return rec
}

// ApplyFeedback returns a copy of prefs updated by feedback. The input is
// never modified.
func (e *Engine) ApplyFeedback(prefs models.UserPreferences, feedback models.Feedback) (models.UserPreferences, models.FeedbackResult, error) {
	if err := feedback.Validate(); err != nil {
		return prefs, models.FeedbackResult{Message: err.Error()}, fmt.Errorf("%w: %v", ErrInvalidFeedback, err)
	}

	next := prefs.Clone()
	if next.UserID == "" {
		next.UserID = feedback.UserID
	}
	result := models.FeedbackResult{Success: true, Message: "Feedback recorded"}

	if feedback.IsNormal {
		tier := RangeTier(feedback.Amount)
		for _, t := range Tiers {
			next.AcceptedRanges[RangeKey(feedback.Category, t)] = true
			if t == tier {
				break
			}
		}
		result.UpdatedModel = true
		result.Message = fmt.Sprintf("Spending up to the %s range is now accepted for %s", tier, feedback.Category)

		for i, a := range next.CategoryAlerts {
			if a.Category == feedback.Category && feedback.Amount > a.Threshold {
				raised := math.Ceil(feedback.Amount/5) * 5
				next.CategoryAlerts[i].Threshold = raised
				e.logger.Info("Raised alert threshold after normal feedback",
					zap.String("user_id", next.UserID), zap.String("category", a.Category),
					zap.Float64("old", a.Threshold), zap.Float64("new", raised))
			}
		}
	}

	if feedback.SetAlert && feedback.AlertThreshold != nil {
		upsertAlert(&next, feedback.Category, *feedback.AlertThreshold)
		result.AlertSet = true
		if result.UpdatedModel {
			result.Message += "; alert threshold set"
		} else {
			result.Message = fmt.Sprintf("Alert threshold for %s set to %.2f", feedback.Category, *feedback.AlertThreshold)
		}
	}

	e.logger.Info("Feedback applied",
		zap.String("user_id", next.UserID), zap.String("transaction_id", feedback.TransactionID),
		zap.Bool("is_normal", feedback.IsNormal), zap.Bool("alert_set", result.AlertSet))
	return next, result, nil
}

func upsertAlert(prefs *models.UserPreferences, category string, threshold float64) {
	for i, a := range prefs.CategoryAlerts {
		if a.Category == category {
			prefs.CategoryAlerts[i].Threshold = threshold
			prefs.CategoryAlerts[i].Active = true
			return
		}
	}
	prefs.CategoryAlerts = append(prefs.CategoryAlerts, models.CategoryAlert{Category: category, Threshold: threshold, Active: true})
}
