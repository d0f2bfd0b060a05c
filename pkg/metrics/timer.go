package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures elapsed wall-clock time for feeding a histogram, the
// pattern the pod state machine uses to time each transition.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on a single observer.
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a vec, keyed by label
// values in the order the vec was declared with.
func (t *Timer) ObserveDurationVec(v *prometheus.HistogramVec, labelValues ...string) {
	v.WithLabelValues(labelValues...).Observe(t.Duration().Seconds())
}
