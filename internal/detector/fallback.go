package detector

import (
	"math"
	"sort"

	"github.com/rewired-gh/spendwatch/internal/features"
	"github.com/rewired-gh/spendwatch/internal/models"
)

// FallbackConfig holds the thresholds of the two last-resort detectors used
// when the outlier model cannot run and the statistical pass found nothing.
type FallbackConfig struct {
	MinRows int

	DirectRatio    float64
	DirectStdScale float64
	DirectMaxScore float64
	DirectHighMult float64

	Window       int
	MinWindow    int
	WindowStdMul float64
}

func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		MinRows:        5,
		DirectRatio:    1.8,
		DirectStdScale: 1.5,
		DirectMaxScore: 0.95,
		DirectHighMult: 3,
		Window:         10,
		MinWindow:      5,
		WindowStdMul:   2.5,
	}
}

// Direct flags amounts above max(DirectRatio*avg, avg+DirectStdScale*std)
// computed over the whole batch.
func Direct(config FallbackConfig, batch *features.Batch) Outcome {
	if len(batch.Rows) < config.MinRows {
		return insufficient(models.MethodDirect)
	}
	amounts := make([]float64, len(batch.Rows))
	for i, r := range batch.Rows {
		amounts[i] = r.Amount
	}
	mean, std := features.MeanStd(amounts)
	threshold := math.Max(config.DirectRatio*mean, mean+config.DirectStdScale*std)

	var out []models.AnomalyRecord
	for _, row := range batch.Rows {
		if row.Amount <= threshold {
			continue
		}
		ratio, z := ratioAndZ(row.Amount, mean, std)
		score := math.Min(config.DirectMaxScore, 0.6+0.1*(ratio-1))
		rec := newRecord(row.Transaction, models.MethodDirect, score, mean, ratio, z)
		rec.Severity = models.SeverityMedium
		if row.Amount > config.DirectHighMult*mean {
			rec.Severity = models.SeverityHigh
		}
		out = append(out, rec)
	}
	return ok(models.MethodDirect, out)
}

// SlidingWindow walks the batch in date order and compares each amount with
// the window of preceding amounts. Rows whose date could not be parsed are left out.
func SlidingWindow(config FallbackConfig, batch *features.Batch) Outcome {
	rows := make([]features.Row, 0, len(batch.Rows))
	for _, r := range batch.Rows {
		if r.DateParsed {
			rows = append(rows, r)
		}
	}
	if len(rows) < config.MinRows || len(rows) <= config.MinWindow {
		return insufficient(models.MethodSlidingWindow)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })

	var out []models.AnomalyRecord
	for i := config.MinWindow; i < len(rows); i++ {
		start := max(0, i-config.Window)
		window := make([]float64, 0, i-start)
		for _, r := range rows[start:i] {
			window = append(window, r.Amount)
		}
		mean, std := features.MeanStd(window)
		if std == 0 {
			continue
		}
		row := rows[i]
		if row.Amount <= mean+config.WindowStdMul*std {
			continue
		}
		ratio, z := ratioAndZ(row.Amount, mean, std)
		rec := newRecord(row.Transaction, models.MethodSlidingWindow, z, mean, ratio, z)
		rec.Severity = StatisticalSeverity(ratio, z)
		out = append(out, rec)
	}
	return ok(models.MethodSlidingWindow, out)
}
