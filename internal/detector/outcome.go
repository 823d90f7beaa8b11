// Package detector holds the anomaly detectors and the merge/explain step.
// Every detector returns an Outcome instead of an error so the caller can
// decide which fallback to try next.
package detector

import "github.com/rewired-gh/spendwatch/internal/models"

// Status tags how a detector run ended.
type Status int

const (
	StatusOK Status = iota
	StatusInsufficientData
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInsufficientData:
		return "insufficient_data"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of one detector run.
type Outcome struct {
	Status    Status
	Method    models.DetectionMethod
	Anomalies []models.AnomalyRecord
	// Note carries a short machine-readable remark, such as "normal_band".
	Note string
	Err  error
}

func ok(method models.DetectionMethod, anomalies []models.AnomalyRecord) Outcome {
	return Outcome{Status: StatusOK, Method: method, Anomalies: anomalies}
}

func insufficient(method models.DetectionMethod) Outcome {
	return Outcome{Status: StatusInsufficientData, Method: method}
}

func failed(method models.DetectionMethod, err error) Outcome {
	return Outcome{Status: StatusFailed, Method: method, Err: err}
}

// Found reports whether the run succeeded and flagged at least one record.
func (o Outcome) Found() bool {
	return o.Status == StatusOK && len(o.Anomalies) > 0
}
