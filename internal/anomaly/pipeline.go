// Package anomaly wires the feature builder, the detectors and the
// preference engine into the detection entry points.
package anomaly

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rewired-gh/spendwatch/internal/detector"
	"github.com/rewired-gh/spendwatch/internal/features"
	"github.com/rewired-gh/spendwatch/internal/metrics"
	"github.com/rewired-gh/spendwatch/internal/models"
	"github.com/rewired-gh/spendwatch/internal/preference"
	"go.uber.org/zap"
)

// ErrScoring wraps an unexpected failure inside the scoring path. No partial
// result accompanies it.
var ErrScoring = errors.New("anomaly scoring failed")

// WarningInsufficientData is set on category results with fewer than
// Config.MinTransactions samples.
const WarningInsufficientData = "insufficient_data_for_analysis"

type Config struct {
	MinTransactions int
	Features        features.Config
	Statistical     detector.StatisticalConfig
	Scoped          detector.StatisticalConfig
	Model           detector.ModelConfig
	Fallback        detector.FallbackConfig
}

func DefaultConfig() Config {
	return Config{
		MinTransactions: 5,
		Features:        features.DefaultConfig(),
		Statistical:     detector.DefaultStatisticalConfig(),
		Scoped:          detector.ScopedConfig(),
		Model:           detector.DefaultModelConfig(),
		Fallback:        detector.DefaultFallbackConfig(),
	}
}

// Report is the result of DetectCategory.
type Report struct {
	Anomalies []models.AnomalyRecord `json:"anomalies"`
	Count     int                    `json:"count"`
	Method    models.DetectionMethod `json:"method"`
	Warnings  []features.Warning     `json:"warnings,omitempty"`
}

// CategoryResult is the result of DetectCategoryStatisticalOnly.
type CategoryResult struct {
	Anomalies  []models.AnomalyRecord `json:"anomalies"`
	Count      int                    `json:"count"`
	CategoryID string                 `json:"categoryId"`
	Method     models.DetectionMethod `json:"method"`
	Warning    string                 `json:"warning,omitempty"`
}

// CategorySummary describes one category of a DetectUser call.
type CategorySummary struct {
	Transactions int                    `json:"transactions"`
	Anomalies    int                    `json:"anomalies"`
	Method       models.DetectionMethod `json:"method"`
}

// UserReport is the result of DetectUser.
type UserReport struct {
	Anomalies  []models.AnomalyRecord     `json:"anomalies"`
	Count      int                        `json:"count"`
	Categories map[string]CategorySummary `json:"categories"`
	Warnings   []features.Warning         `json:"warnings,omitempty"`
}

// Pipeline runs detection. It holds no per-call state, so one Pipeline can
// serve concurrent calls.
type Pipeline struct {
	config      Config
	builder     *features.Builder
	statistical *detector.Statistical
	scoped      *detector.Statistical
	model       *detector.Model
	prefs       *preference.Engine
	recorder    *metrics.Recorder
	logger      *zap.Logger
}

// New builds a Pipeline. now drives date features; nil uses time.Now.
// recorder and logger may be nil.
func New(config Config, logger *zap.Logger, recorder *metrics.Recorder, now func() time.Time) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.Scoped.Variant = detector.VariantCategoryScoped
	return &Pipeline{
		config:      config,
		builder:     features.NewBuilder(config.Features, now, logger.Named("features")),
		statistical: detector.NewStatistical(config.Statistical, logger.Named("statistical")),
		scoped:      detector.NewStatistical(config.Scoped, logger.Named("statistical")),
		model:       detector.NewModel(config.Model, logger.Named("model")),
		prefs:       preference.New(logger.Named("preference")),
		recorder:    recorder,
		logger:      logger,
	}
}

// Preferences exposes the engine used for filtering and feedback.
func (p *Pipeline) Preferences() *preference.Engine {
	return p.prefs
}

// DetectCategory runs both detectors over one batch, merges and explains the
// candidates, and applies the user's accepted ranges and alert thresholds.
// Batches under Config.MinTransactions return an empty report.
func (p *Pipeline) DetectCategory(transactions []models.Transaction, accepted map[string]bool, thresholds map[string]float64) (report Report, err error) {
	start := time.Now()
	defer recoverScoring(&err, p.logger, "category")

	report = p.detectCategory(transactions, accepted, thresholds)
	p.record("category", report.Method, report.Anomalies, start)
	return report, nil
}

func (p *Pipeline) detectCategory(transactions []models.Transaction, accepted map[string]bool, thresholds map[string]float64) Report {
	if len(transactions) < p.config.MinTransactions {
		return Report{Anomalies: []models.AnomalyRecord{}, Method: models.MethodInsufficientData}
	}

	batch := p.builder.Build(transactions)
	if batch.Empty() {
		return Report{Anomalies: []models.AnomalyRecord{}, Method: models.MethodInsufficientData, Warnings: batch.Warnings}
	}

	candidates, method := p.candidates(batch)
	detector.Explain(candidates)
	final := p.prefs.Filter(candidates, batch.Rows, batch.Stats, accepted, thresholds)
	detector.Rank(final)

	return Report{Anomalies: final, Count: len(final), Method: method, Warnings: batch.Warnings}
}

// candidates runs the statistical pass and the model, falling back to the
// direct and sliding-window detectors when the model fails and the
// statistical pass found nothing.
func (p *Pipeline) candidates(batch *features.Batch) ([]models.AnomalyRecord, models.DetectionMethod) {
	stat := p.statistical.Detect(batch)
	model := p.model.Detect(batch)

	switch model.Status {
	case detector.StatusOK:
		return detector.Merge(stat.Anomalies, model.Anomalies), models.MethodIsolationForest
	case detector.StatusInsufficientData:
		return nonNil(stat.Anomalies), models.MethodStatistical
	}

	p.logger.Warn("Outlier model unavailable, falling back", zap.Error(model.Err))
	if stat.Found() {
		return stat.Anomalies, models.MethodStatistical
	}
	for _, fallback := range []func(detector.FallbackConfig, *features.Batch) detector.Outcome{
		detector.Direct,
		detector.SlidingWindow,
	} {
		out := fallback(p.config.Fallback, batch)
		p.recorder.Fallback(string(out.Method))
		p.logger.Debug("Fallback detector finished",
			zap.String("method", string(out.Method)), zap.Stringer("status", out.Status), zap.Int("flagged", len(out.Anomalies)))
		if out.Found() {
			return out.Anomalies, out.Method
		}
	}
	return []models.AnomalyRecord{}, models.MethodStatistical
}

// DetectCategoryStatisticalOnly runs the category-scoped statistical variant
// over the transactions belonging to categoryID. An empty categoryID keeps
// every transaction. No preferences are applied.
func (p *Pipeline) DetectCategoryStatisticalOnly(categoryID string, transactions []models.Transaction) (result CategoryResult, err error) {
	start := time.Now()
	defer recoverScoring(&err, p.logger, "category_statistical")

	var scoped []models.Transaction
	for _, tx := range transactions {
		if categoryID == "" || tx.Category == categoryID {
			scoped = append(scoped, tx)
		}
	}

	res := CategoryResult{Anomalies: []models.AnomalyRecord{}, CategoryID: categoryID, Method: models.MethodStatistical}
	if len(scoped) < p.config.MinTransactions {
		res.Warning = WarningInsufficientData
	}

	out := p.scoped.Detect(p.builder.Build(scoped))
	switch out.Status {
	case detector.StatusOK:
		res.Anomalies = nonNil(out.Anomalies)
		detector.Explain(res.Anomalies)
		detector.Rank(res.Anomalies)
	default:
		res.Method = models.MethodInsufficientData
	}
	res.Count = len(res.Anomalies)

	p.record("category_statistical", res.Method, res.Anomalies, start)
	return res, nil
}

// DetectUser runs DetectCategory once per category with the user's
// preferences. Categories below Config.MinTransactions are skipped by the
// detectors but still checked against the user's alert thresholds.
func (p *Pipeline) DetectUser(byCategory map[string][]models.Transaction, prefs models.UserPreferences, thresholds map[string]float64) (report UserReport, err error) {
	start := time.Now()
	defer recoverScoring(&err, p.logger, "user")

	if thresholds == nil {
		thresholds = prefs.AlertThresholds()
	}
	out := UserReport{Anomalies: []models.AnomalyRecord{}, Categories: make(map[string]CategorySummary, len(byCategory))}

	cats := make([]string, 0, len(byCategory))
	for c := range byCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	for _, cat := range cats {
		txs := byCategory[cat]
		summary := CategorySummary{Transactions: len(txs)}

		if len(txs) < p.config.MinTransactions {
			batch := p.builder.Build(txs)
			alerts := p.prefs.ThresholdAlerts(batch.Rows, batch.Stats, thresholds)
			summary.Method = models.MethodSkipped
			summary.Anomalies = len(alerts)
			out.Anomalies = append(out.Anomalies, alerts...)
			out.Warnings = append(out.Warnings, batch.Warnings...)
			out.Categories[cat] = summary
			continue
		}

		rep := p.detectCategory(txs, prefs.AcceptedRanges, thresholds)
		summary.Method = rep.Method
		summary.Anomalies = len(rep.Anomalies)
		out.Anomalies = append(out.Anomalies, rep.Anomalies...)
		out.Warnings = append(out.Warnings, rep.Warnings...)
		out.Categories[cat] = summary
	}

	detector.Rank(out.Anomalies)
	out.Count = len(out.Anomalies)
	p.record("user", "", out.Anomalies, start)
	return out, nil
}

func (p *Pipeline) record(entry string, method models.DetectionMethod, anomalies []models.AnomalyRecord, start time.Time) {
	if method == "" {
		method = "mixed"
	}
	p.recorder.ObserveDetection(entry, string(method), time.Since(start))
	counts := make(map[models.DetectionMethod]int)
	for _, a := range anomalies {
		counts[a.DetectionMethod]++
	}
	for m, n := range counts {
		p.recorder.AddAnomalies(string(m), n)
	}
	p.logger.Debug("Detection finished",
		zap.String("entry", entry), zap.String("method", string(method)),
		zap.Int("anomalies", len(anomalies)), zap.Duration("elapsed", time.Since(start)))
}

func recoverScoring(err *error, logger *zap.Logger, entry string) {
	if r := recover(); r != nil {
		logger.Error("Recovered panic during scoring", zap.String("entry", entry), zap.Any("panic", r), zap.Stack("stack"))
		*err = fmt.Errorf("%w: %v", ErrScoring, r)
	}
}

func nonNil(records []models.AnomalyRecord) []models.AnomalyRecord {
	if records == nil {
		return []models.AnomalyRecord{}
	}
	return records
}
