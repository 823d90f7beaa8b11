// Package metrics provides Prometheus metrics for anomaly detection runs.
// All metrics use the "spendwatch" namespace and are registered with the
// Registerer passed to NewRecorder, so tests and one-shot CLI runs can use a
// private registry.
//
//   - detections_total: detection calls by entry point and resulting method
//   - anomalies_total: flagged records by detection method
//   - fallbacks_total: fallback transitions by the detector that ran
//   - feedback_total: feedback events by kind
//   - detection_duration_seconds: end-to-end latency of a detection call
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "spendwatch"

// Recorder groups the collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	detections *prometheus.CounterVec
	anomalies  *prometheus.CounterVec
	fallbacks  *prometheus.CounterVec
	feedback   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewRecorder registers the collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		detections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detection",
				Name:      "calls_total",
				Help:      "Total number of detection calls by entry point and resulting method.",
			},
			[]string{"entry", "method"},
		),
		anomalies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detection",
				Name:      "anomalies_total",
				Help:      "Total number of flagged transactions by detection method.",
			},
			[]string{"method"},
		),
		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detection",
				Name:      "fallbacks_total",
				Help:      "Total number of fallback detector runs by detector.",
			},
			[]string{"detector"},
		),
		feedback: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "preference",
				Name:      "feedback_total",
				Help:      "Total number of feedback events by kind.",
			},
			[]string{"kind"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "detection",
				Name:      "duration_seconds",
				Help:      "Duration of detection calls in seconds.",
				// 1ms → 2ms → ... → ~4s
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
			},
			[]string{"entry"},
		),
	}
}

// ObserveDetection records one finished detection call.
func (r *Recorder) ObserveDetection(entry, method string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.detections.WithLabelValues(entry, method).Inc()
	r.duration.WithLabelValues(entry).Observe(elapsed.Seconds())
}

// AddAnomalies counts flagged records for a method.
func (r *Recorder) AddAnomalies(method string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.anomalies.WithLabelValues(method).Add(float64(n))
}

// Fallback counts a run of a fallback detector.
func (r *Recorder) Fallback(detector string) {
	if r == nil {
		return
	}
	r.fallbacks.WithLabelValues(detector).Inc()
}

// Feedback counts a feedback event: "normal", "alert" or "recorded".
func (r *Recorder) Feedback(kind string) {
	if r == nil {
		return
	}
	r.feedback.WithLabelValues(kind).Inc()
}

// WriteTextfile dumps everything g gathers to path in the text exposition
// format, for node_exporter's textfile collector. An empty path is a no-op.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
