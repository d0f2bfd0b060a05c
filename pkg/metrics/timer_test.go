package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)
	d := timer.Duration()
	assert.GreaterOrEqual(t, d, 20*time.Millisecond)
}

func TestTimerObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_krustletd_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(h)

	metric := &dto.Metric{}
	require.NoError(t, h.Write(metric))
	require.NotNil(t, metric.Histogram)
	assert.EqualValues(t, 1, metric.Histogram.GetSampleCount())
}
