package detector

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rewired-gh/spendwatch/internal/models"
	"github.com/shopspring/decimal"
)

// CurrencySymbol maps an ISO code to its display symbol. Unknown and empty
// codes fall back to the yen sign.
func CurrencySymbol(code string) string {
	switch strings.ToUpper(code) {
	case "USD":
		return "$"
	case "EUR":
		return "€"
	case "GBP":
		return "£"
	default:
		return "¥"
	}
}

// FormatMoney renders an amount with the symbol for currency and two decimals.
func FormatMoney(amount float64, currency string) string {
	return CurrencySymbol(currency) + decimal.NewFromFloat(amount).StringFixed(2)
}

// RoundCents rounds to two decimal places, half away from zero.
func RoundCents(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// StatisticalSeverity tiers a deviation by its ratio to the category mean
// and its z-score.
func StatisticalSeverity(ratio, z float64) models.Severity {
	switch {
	case ratio >= 3 || z >= 3:
		return models.SeverityHigh
	case ratio >= 2 || z >= 2:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// ModelSeverity tiers a model detection, taking the normalized score into account.
func ModelSeverity(score, ratio, z float64) models.Severity {
	switch {
	case score > 0.8 || z > 3 || ratio > 3:
		return models.SeverityHigh
	case score > 0.6 || z > 2 || ratio > 2:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Reason builds the explanation for a record from its ratio and z-score.
func Reason(a models.AnomalyRecord) string {
	name := a.DisplayCategory()
	amount := FormatMoney(a.AbsAmount(), a.Currency)
	avg := FormatMoney(a.CategoryAvg, a.Currency)

	switch {
	case a.CategoryRatio > 0 && a.CategoryRatio < 1:
		return fmt.Sprintf("This expense of %s is significantly lower than your usual %s spending of around %s.", amount, name, avg)
	case a.ZScore > 5:
		return fmt.Sprintf("This expense of %s is extremely high compared to your typical %s spending of around %s.", amount, name, avg)
	case a.CategoryRatio >= 3:
		return fmt.Sprintf("This expense of %s is %.1fx higher than your typical %s spending of around %s.", amount, a.CategoryRatio, name, avg)
	case a.ZScore > 3 || a.CategoryRatio >= 2:
		return fmt.Sprintf("This expense of %s is significantly higher than your average %s spending of around %s.", amount, name, avg)
	default:
		return fmt.Sprintf("This %s expense of %s is higher than your typical spending pattern of around %s.", name, amount, avg)
	}
}

// ThresholdReason explains a record that crossed a user alert threshold.
func ThresholdReason(a models.AnomalyRecord, threshold float64) string {
	return fmt.Sprintf("This expense of %s exceeds your %s alert threshold for %s.",
		FormatMoney(a.AbsAmount(), a.Currency), FormatMoney(threshold, a.Currency), a.DisplayCategory())
}

// Merge unions the statistical and model detections by transaction id.
// A statistical record always wins over a model record for the same id.
func Merge(statistical, model []models.AnomalyRecord) []models.AnomalyRecord {
	seen := make(map[string]bool, len(statistical)+len(model))
	out := make([]models.AnomalyRecord, 0, len(statistical)+len(model))
	for _, group := range [][]models.AnomalyRecord{statistical, model} {
		for _, a := range group {
			if seen[a.ID] {
				continue
			}
			seen[a.ID] = true
			out = append(out, a)
		}
	}
	return out
}

// Explain fills in any missing reason.
func Explain(records []models.AnomalyRecord) {
	for i := range records {
		if records[i].Reason == "" {
			records[i].Reason = Reason(records[i])
		}
	}
}

// Rank orders records by severity (High first), then score descending, then id.
func Rank(records []models.AnomalyRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		ri, rj := records[i].Severity.Rank(), records[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		if records[i].AnomalyScore != records[j].AnomalyScore {
			return records[i].AnomalyScore > records[j].AnomalyScore
		}
		return records[i].ID < records[j].ID
	})
}

// newRecord copies a transaction and attaches the shared statistical context.
func newRecord(tx models.Transaction, method models.DetectionMethod, score, avg, ratio, z float64) models.AnomalyRecord {
	return models.AnomalyRecord{
		Transaction:     tx.Clone(),
		DetectionMethod: method,
		AnomalyScore:    clamp01(score),
		CategoryAvg:     avg,
		CategoryRatio:   ratio,
		ZScore:          z,
	}
}

func ratioAndZ(amount, mean, std float64) (ratio, z float64) {
	ratio = 1.0
	if mean > 0 {
		ratio = amount / mean
	}
	if std > 0 {
		z = (amount - mean) / std
	}
	return ratio, z
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
