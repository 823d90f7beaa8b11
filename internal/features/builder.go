// Package features turns raw transactions into model feature vectors and
// per-category aggregate statistics.
package features

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rewired-gh/spendwatch/internal/models"
	"go.uber.org/zap"
)

var (
	ErrMissingDate    = errors.New("date is missing")
	ErrInvalidAmount  = errors.New("amount is not a number")
	ErrMissingID      = errors.New("id is missing")
	ErrUnparsableDate = errors.New("date could not be parsed")
)

// Config controls feature construction.
type Config struct {
	// RecencyHorizonDays is the age at which recency weight reaches zero.
	RecencyHorizonDays float64
	// DefaultAgeDays substitutes for days_since when a date cannot be parsed.
	DefaultAgeDays int
	// StdFallbackRatio gives std = ratio*mean for categories with one sample.
	StdFallbackRatio float64
	// StdMultiplier sets threshold = mean + StdMultiplier*std.
	StdMultiplier float64
}

func DefaultConfig() Config {
	return Config{
		RecencyHorizonDays: 60,
		DefaultAgeDays:     30,
		StdFallbackRatio:   0.2,
		StdMultiplier:      2,
	}
}

// Row is one usable transaction and its feature vector. Index points back
// into the batch passed to Build.
type Row struct {
	Index       int
	Transaction models.Transaction
	Amount      float64
	Date        time.Time
	DateParsed  bool
	Vector      models.FeatureVector
}

// Warning records a transaction that was skipped or patched during Build.
type Warning struct {
	TransactionID string `json:"transaction_id"`
	Index         int    `json:"index"`
	Message       string `json:"message"`
}

func (w Warning) String() string {
	if w.TransactionID == "" {
		return fmt.Sprintf("transaction #%d: %s", w.Index, w.Message)
	}
	return fmt.Sprintf("transaction %s: %s", w.TransactionID, w.Message)
}

// Batch is the output of Build. An empty Rows slice means insufficient data.
type Batch struct {
	Rows     []Row
	Stats    map[string]models.CategoryStats
	Warnings []Warning
}

// Empty reports whether no transaction survived feature construction.
func (b *Batch) Empty() bool {
	return len(b.Rows) == 0
}

// Matrix returns the feature vectors in row order.
func (b *Batch) Matrix() [][]float64 {
	out := make([][]float64, len(b.Rows))
	for i, r := range b.Rows {
		v := r.Vector
		out[i] = v[:]
	}
	return out
}

// Builder builds feature batches. It is stateless apart from its clock.
type Builder struct {
	config Config
	now    func() time.Time
	logger *zap.Logger
}

// NewBuilder returns a Builder. A nil now uses time.Now; a nil logger discards output.
func NewBuilder(config Config, now func() time.Time, logger *zap.Logger) *Builder {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{config: config, now: now, logger: logger}
}

// Build converts transactions into rows and category statistics.
// Records with a missing id, a non-numeric amount or a missing date are
// skipped with a warning; the rest of the batch is still processed.
func (b *Builder) Build(transactions []models.Transaction) *Batch {
	batch := &Batch{Stats: map[string]models.CategoryStats{}}
	now := b.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	for i, tx := range transactions {
		if err := checkRecord(tx); err != nil {
			w := Warning{TransactionID: tx.ID, Index: i, Message: err.Error()}
			b.logger.Warn("Skipping transaction", zap.String("id", tx.ID), zap.Int("index", i), zap.Error(err))
			batch.Warnings = append(batch.Warnings, w)
			continue
		}

		row := Row{Index: i, Transaction: tx, Amount: tx.AbsAmount()}
		var daysSince float64
		date, err := ParseDate(tx.Date)
		if err != nil {
			daysSince = float64(b.config.DefaultAgeDays)
			date = today.AddDate(0, 0, -b.config.DefaultAgeDays)
			batch.Warnings = append(batch.Warnings, Warning{
				TransactionID: tx.ID,
				Index:         i,
				Message:       fmt.Sprintf("%v; using default age of %d days", err, b.config.DefaultAgeDays),
			})
			b.logger.Debug("Unparsable date, using default age",
				zap.String("id", tx.ID), zap.String("date", tx.Date), zap.Int("default_age_days", b.config.DefaultAgeDays))
		} else {
			row.DateParsed = true
			daysSince = DaysSince(now, date)
		}
		row.Date = date

		row.Vector = models.FeatureVector{
			models.FeatureAmount:        row.Amount,
			models.FeatureDaysSince:     daysSince,
			models.FeatureRecencyWeight: RecencyWeight(daysSince, b.config.RecencyHorizonDays),
			models.FeatureDayOfWeek:     float64(Weekday(date)),
			models.FeatureDayOfMonth:    float64(date.Day()),
		}
		batch.Rows = append(batch.Rows, row)
	}

	batch.Stats = b.CategoryStats(batch.Rows)
	return batch
}

// CategoryStats groups rows by category and computes mean, std, min, max,
// median and the mean+k*std threshold for each group.
func (b *Builder) CategoryStats(rows []Row) map[string]models.CategoryStats {
	amounts := make(map[string][]float64)
	for _, r := range rows {
		amounts[r.Transaction.Category] = append(amounts[r.Transaction.Category], r.Amount)
	}

	out := make(map[string]models.CategoryStats, len(amounts))
	for cat, values := range amounts {
		out[cat] = Summarize(cat, values, b.config.StdFallbackRatio, b.config.StdMultiplier)
	}
	return out
}

// Summarize computes the aggregate statistics for one category's amounts.
func Summarize(category string, values []float64, stdFallbackRatio, stdMultiplier float64) models.CategoryStats {
	var w welford
	for _, v := range values {
		w.add(v)
	}
	std := w.populationStd()
	if w.count < 2 {
		std = w.mean * stdFallbackRatio
	}
	return models.CategoryStats{
		Category:  category,
		Count:     w.count,
		Mean:      w.mean,
		Std:       std,
		Min:       w.min,
		Max:       w.max,
		Median:    Median(values),
		Threshold: w.mean + stdMultiplier*std,
	}
}

// Median returns the middle value, averaging the two middle values for even counts.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func checkRecord(tx models.Transaction) error {
	if tx.ID == "" {
		return ErrMissingID
	}
	if !tx.HasValidAmount() {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(tx.Date) == "" {
		return ErrMissingDate
	}
	return nil
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02",
}

// ParseDate accepts plain dates and the common date-with-time forms. The
// result is the calendar date at UTC midnight; time of day and zone are dropped.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	if i := strings.IndexAny(s, "T "); i > 0 {
		if t, err := time.Parse("2006-01-02", s[:i]); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnparsableDate, s)
}

// DaysSince returns whole days between now and date, floored, so dates in
// the future give negative values.
func DaysSince(now, date time.Time) float64 {
	today := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second(), now.Nanosecond(), time.UTC)
	return math.Floor(today.Sub(date).Hours() / 24)
}

// RecencyWeight is max(0, 1 - days/horizon).
func RecencyWeight(daysSince, horizon float64) float64 {
	if horizon <= 0 {
		return 0
	}
	return math.Max(0, 1-daysSince/horizon)
}

// Weekday returns 0 for Monday through 6 for Sunday.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
