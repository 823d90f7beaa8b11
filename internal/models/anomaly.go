package models

import (
	"encoding/json"
	"fmt"
)

// Severity is the urgency tier attached to a flagged transaction.
type Severity string

const (
	SeverityHigh   Severity = "High"
	SeverityMedium Severity = "Medium"
	SeverityLow    Severity = "Low"
)

// Rank orders severities for sorting; High sorts first.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	case SeverityLow:
		return 2
	default:
		return 3
	}
}

// DetectionMethod names the path that flagged a transaction, or the method
// a detection call ended up using.
type DetectionMethod string

const (
	MethodStatistical     DetectionMethod = "statistical"
	MethodIsolationForest DetectionMethod = "isolation_forest"
	MethodThreshold       DetectionMethod = "threshold"
	MethodThresholdAlert  DetectionMethod = "threshold_alert"
	MethodDirect          DetectionMethod = "direct_detection"
	MethodSlidingWindow   DetectionMethod = "sliding_window"

	// Result-level methods only; never set on a record.
	MethodInsufficientData DetectionMethod = "insufficient_data"
	MethodSkipped          DetectionMethod = "skipped"
	MethodError            DetectionMethod = "error"
)

// FeatureVector is the numeric representation of one transaction fed to the
// outlier model: amount, days since now, recency weight, day of week, day of month.
type FeatureVector [5]float64

const (
	FeatureAmount = iota
	FeatureDaysSince
	FeatureRecencyWeight
	FeatureDayOfWeek
	FeatureDayOfMonth
)

// CategoryStats are the per-category aggregates of a single batch.
type CategoryStats struct {
	Category  string  `json:"category"`
	Count     int     `json:"count"`
	Mean      float64 `json:"mean"`
	Std       float64 `json:"std"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Median    float64 `json:"median"`
	Threshold float64 `json:"threshold"`
}

// AnomalyRecord is a copy of a flagged transaction with the detection details.
type AnomalyRecord struct {
	Transaction

	DetectionMethod DetectionMethod `json:"detection_method"`
	AnomalyScore    float64         `json:"anomalyScore"`
	ModelScore      *float64        `json:"model_score,omitempty"`
	CategoryAvg     float64         `json:"category_avg"`
	CategoryRatio   float64         `json:"category_ratio"`
	ZScore          float64         `json:"z_score"`
	Reason          string          `json:"reason"`
	Severity        Severity        `json:"severity"`
}

// MarshalJSON flattens the transaction and the detection fields into one object.
func (a AnomalyRecord) MarshalJSON() ([]byte, error) {
	out := a.Transaction.fieldMap()
	out["detection_method"] = a.DetectionMethod
	out["anomalyScore"] = a.AnomalyScore
	if a.ModelScore != nil {
		out["model_score"] = *a.ModelScore
	}
	out["category_avg"] = a.CategoryAvg
	out["category_ratio"] = a.CategoryRatio
	out["z_score"] = a.ZScore
	out["reason"] = a.Reason
	out["severity"] = a.Severity
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (a *AnomalyRecord) UnmarshalJSON(data []byte) error {
	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return err
	}
	var aux struct {
		DetectionMethod DetectionMethod `json:"detection_method"`
		AnomalyScore    float64         `json:"anomalyScore"`
		ModelScore      *float64        `json:"model_score"`
		CategoryAvg     float64         `json:"category_avg"`
		CategoryRatio   float64         `json:"category_ratio"`
		ZScore          float64         `json:"z_score"`
		Reason          string          `json:"reason"`
		Severity        Severity        `json:"severity"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to decode anomaly fields: %w", err)
	}
	for _, k := range []string{"detection_method", "anomalyScore", "model_score", "category_avg", "category_ratio", "z_score", "reason", "severity"} {
		delete(tx.Extra, k)
	}
	if len(tx.Extra) == 0 {
		tx.Extra = nil
	}
	*a = AnomalyRecord{
		Transaction:     tx,
		DetectionMethod: aux.DetectionMethod,
		AnomalyScore:    aux.AnomalyScore,
		ModelScore:      aux.ModelScore,
		CategoryAvg:     aux.CategoryAvg,
		CategoryRatio:   aux.CategoryRatio,
		ZScore:          aux.ZScore,
		Reason:          aux.Reason,
		Severity:        aux.Severity,
	}
	return nil
}
