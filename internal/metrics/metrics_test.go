package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveDetection("category", "statistical", 5*time.Millisecond)
	r.ObserveDetection("category", "statistical", 7*time.Millisecond)
	r.AddAnomalies("statistical", 3)
	r.AddAnomalies("statistical", 0)
	r.Fallback("direct_detection")
	r.Feedback("normal")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.detections.WithLabelValues("category", "statistical")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.anomalies.WithLabelValues("statistical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.fallbacks.WithLabelValues("direct_detection")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.feedback.WithLabelValues("normal")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.duration))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveDetection("category", "statistical", time.Second)
		r.AddAnomalies("statistical", 1)
		r.Fallback("sliding_window")
		r.Feedback("alert")
	})
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.AddAnomalies("isolation_forest", 2)

	path := filepath.Join(t.TempDir(), "spendwatch.prom")
	require.NoError(t, WriteTextfile(path, reg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `spendwatch_detection_anomalies_total{method="isolation_forest"} 2`)

	assert.NoError(t, WriteTextfile("", reg))
}
